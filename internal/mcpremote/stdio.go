package mcpremote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/pkg/models"
)

// stdioConn runs a tool server as a child process and speaks line-delimited
// JSON-RPC over its stdin/stdout. One reader goroutine demultiplexes
// responses by id; writes are serialized by a mutex.
type stdioConn struct {
	server string
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *models.MCPResponse

	nextID  atomic.Int64
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// newStdioConn spawns the child and starts the response reader. Container
// transport reuses this with a docker invocation.
func newStdioConn(s config.RemoteServer) (*stdioConn, error) {
	name, args := s.Command, s.Args
	if s.Transport == "container" {
		name = "docker"
		args = []string{"run", "--rm", "-i"}
		if s.Mount != "" {
			args = append(args, "-v", s.Mount)
		}
		args = append(args, s.Image)
		args = append(args, s.Args...)
	}
	if name == "" {
		return nil, fmt.Errorf("server %q: no command configured", s.Name)
	}

	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr // server diagnostics stay visible
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("server %q: start: %w", s.Name, err)
	}

	c := &stdioConn{
		server:  s.Name,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *models.MCPResponse),
		timeout: time.Duration(s.TimeoutMs) * time.Millisecond,
		done:    make(chan struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	go c.readLoop(stdout)

	log.Info().Str("server", s.Name).Int("pid", cmd.Process.Pid).Msg("Tool server spawned")
	return c, nil
}

// readLoop routes each stdout line to the waiter registered under its id.
// Notifications (no id) are logged and dropped.
func (c *stdioConn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var resp models.MCPResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().Str("server", c.server).Msg("Tool server emitted a non-JSON line")
			continue
		}
		id, ok := numericID(resp.ID)
		if !ok {
			log.Debug().Str("server", c.server).Msg("Tool server notification dropped")
			continue
		}
		c.pendingMu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
	// Stdout closed: the child exited or broke the pipe. Fail all waiters.
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
	close(c.done)
}

func numericID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// call sends one request and waits for its response.
func (c *stdioConn) call(ctx context.Context, method string, params any) (*models.MCPResponse, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("server %q: connection is down", c.server)
	default:
	}

	id := c.nextID.Add(1)
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := models.MCPRequest{Jsonrpc: "2.0", Method: method, Params: raw, ID: id}
	line, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *models.MCPResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("server %q: write: %w", c.server, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("server %q: exited mid-call", c.server)
		}
		return resp, nil
	case <-timer.C:
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("server %q: call timed out after %s", c.server, c.timeout)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *stdioConn) initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", handshakeParams())
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("server %q: initialize: %s", c.server, resp.Error.Message)
	}
	// The initialized notification has no response.
	note, _ := json.Marshal(models.MCPRequest{Jsonrpc: "2.0", Method: "notifications/initialized"})
	c.writeMu.Lock()
	_, err = c.stdin.Write(append(note, '\n'))
	c.writeMu.Unlock()
	return err
}

func (c *stdioConn) listTools(ctx context.Context) ([]models.RemoteTool, error) {
	resp, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("server %q: tools/list: %s", c.server, resp.Error.Message)
	}
	return decodeTools(c.server, resp.Result)
}

func (c *stdioConn) callTool(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error) {
	resp, err := c.call(ctx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("server %q: tools/call %q: %s", c.server, name, resp.Error.Message)
	}
	return decodeToolResult(resp.Result)
}

// close stops the child: interrupt, short grace, then kill.
func (c *stdioConn) close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(os.Interrupt)
			waited := make(chan struct{})
			go func() {
				_ = c.cmd.Wait()
				close(waited)
			}()
			select {
			case <-waited:
			case <-time.After(3 * time.Second):
				_ = c.cmd.Process.Kill()
				<-waited
			}
		}
		log.Info().Str("server", c.server).Msg("Tool server stopped")
	})
	return nil
}

// decodeTools converts a generic tools/list result into RemoteTool values.
func decodeTools(server string, result any) ([]models.RemoteTool, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("server %q: malformed tools/list result", server)
	}
	out := make([]models.RemoteTool, 0, len(list.Tools))
	for _, t := range list.Tools {
		out = append(out, models.RemoteTool{
			Server:      server,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// decodeToolResult converts a generic tools/call result to a ToolResult.
func decodeToolResult(result any) (*models.ToolResult, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var tr models.ToolResult
	if err := json.Unmarshal(raw, &tr); err != nil || len(tr.Content) == 0 {
		// Servers occasionally return bare values; surface them as text.
		return models.TextResult(string(raw)), nil
	}
	return &tr, nil
}
