package mcpremote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/pkg/models"
)

// Manager owns the configured tool servers. A failed server never blocks
// startup: it is reported through Status with its last error and the rest of
// the gateway proceeds.
type Manager struct {
	cfg config.RemoteServers

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// entry is the manager's exclusive view of one server.
type entry struct {
	cfg       config.RemoteServer
	state     models.RemoteServerState
	conn      conn
	tools     []models.RemoteTool
	lastError string
}

// NewManager builds the manager without touching any server.
func NewManager(cfg config.RemoteServers) *Manager {
	m := &Manager{cfg: cfg, entries: make(map[string]*entry)}
	for _, s := range cfg.Servers {
		m.entries[s.Name] = &entry{cfg: s, state: models.RemoteStopped}
		m.order = append(m.order, s.Name)
	}
	return m
}

// Start launches every auto-start server. Servers start concurrently; the
// call returns once each has reached ready or exhausted its retries.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	var wg sync.WaitGroup
	for _, name := range m.order {
		e := m.entries[name]
		if !e.cfg.AutoStart {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.startServer(ctx, name)
		}(name)
	}
	wg.Wait()
}

// startServer connects with retry and backoff per the server's config.
func (m *Manager) startServer(ctx context.Context, name string) {
	m.mu.Lock()
	e := m.entries[name]
	e.state = models.RemoteStarting
	m.mu.Unlock()

	retries := e.cfg.StartupRetries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.NewExponentialBackOff()
	if e.cfg.StartupDelayMs > 0 {
		bo.InitialInterval = time.Duration(e.cfg.StartupDelayMs) * time.Millisecond
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	err := backoff.Retry(func() error {
		return m.connect(ctx, name)
	}, policy)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		e.state = models.RemoteFailed
		e.lastError = err.Error()
		log.Error().Str("server", name).Err(err).Msg("Tool server failed to start")
		return
	}
	e.state = models.RemoteReady
	e.lastError = ""
	log.Info().Str("server", name).Int("tools", len(e.tools)).Msg("Tool server ready")
}

// connect dials, handshakes and enumerates tools for one attempt.
func (m *Manager) connect(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg := m.entries[name].cfg
	m.mu.RUnlock()

	c, err := dial(cfg)
	if err != nil {
		return err
	}
	if err := c.initialize(ctx); err != nil {
		c.close()
		return err
	}
	tools, err := c.listTools(ctx)
	if err != nil {
		c.close()
		return err
	}

	m.mu.Lock()
	e := m.entries[name]
	if e.conn != nil {
		e.conn.close()
	}
	e.conn = c
	e.tools = tools
	m.mu.Unlock()
	return nil
}

func dial(s config.RemoteServer) (conn, error) {
	switch s.Transport {
	case "stdio", "container":
		return newStdioConn(s)
	case "http_sse", "http":
		return newHTTPConn(s)
	default:
		return nil, fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
	}
}

// ── Uniform interface ───────────────────────────────────────

// ListTools returns every tool on every ready server. Names are prefixed
// "<server>__<tool>" when prefixing is configured.
func (m *Manager) ListTools(ctx context.Context) []models.RemoteTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RemoteTool
	for _, name := range m.order {
		e := m.entries[name]
		if e.state != models.RemoteReady {
			continue
		}
		for _, t := range e.tools {
			if m.cfg.PrefixToolNames {
				t.Name = e.cfg.Name + "__" + t.Name
			}
			out = append(out, t)
		}
	}
	return out
}

// Resolve splits a possibly prefixed tool name into (server, tool).
// An empty server means the tool must be found by name across servers.
func (m *Manager) Resolve(name string) (server, tool string) {
	if s, t, found := strings.Cut(name, "__"); found {
		m.mu.RLock()
		_, known := m.entries[s]
		m.mu.RUnlock()
		if known {
			return s, t
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, srv := range m.order {
		for _, t := range m.entries[srv].tools {
			if t.Name == name {
				return srv, name
			}
		}
	}
	return "", name
}

// Invoke executes a tool on its owning server. HTTP transports get a single
// reconnect and retry on failure; child-process transports do not, because
// a resent call may not be idempotent against a half-processed predecessor.
func (m *Manager) Invoke(ctx context.Context, server, tool string, args map[string]any) (*models.ToolResult, error) {
	m.mu.RLock()
	e, ok := m.entries[server]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("unknown tool server %q", server)
	}
	state, c, transport := e.state, e.conn, e.cfg.Transport
	m.mu.RUnlock()

	if state != models.RemoteReady || c == nil {
		return nil, fmt.Errorf("tool server %q is not ready (state %s)", server, state)
	}

	result, err := c.callTool(ctx, tool, args)
	if err == nil {
		return result, nil
	}
	if transport != "http_sse" && transport != "http" {
		m.markFailed(server, err)
		return nil, err
	}

	log.Warn().Str("server", server).Err(err).Msg("Tool call failed, reconnecting once")
	if rerr := m.connect(ctx, server); rerr != nil {
		m.markFailed(server, rerr)
		return nil, err
	}
	m.mu.RLock()
	c = m.entries[server].conn
	m.mu.RUnlock()
	return c.callTool(ctx, tool, args)
}

func (m *Manager) markFailed(server string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[server]
	e.state = models.RemoteFailed
	e.lastError = err.Error()
	if e.conn != nil {
		e.conn.close()
		e.conn = nil
	}
}

// Status reports every configured server.
func (m *Manager) Status() []models.RemoteServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RemoteServerStatus, 0, len(m.order))
	for _, name := range m.order {
		e := m.entries[name]
		st := models.RemoteServerStatus{
			Name:      name,
			Transport: e.cfg.Transport,
			State:     e.state,
			LastError: e.lastError,
		}
		for _, t := range e.tools {
			st.Tools = append(st.Tools, t.Name)
		}
		out = append(out, st)
	}
	return out
}

// Shutdown stops every server. Child processes get an interrupt and a grace
// period before being killed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		e := m.entries[name]
		if e.conn != nil {
			e.conn.close()
			e.conn = nil
		}
		e.state = models.RemoteStopped
	}
}
