package mcpremote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/pkg/models"
)

// httpConn speaks JSON-RPC request/response over HTTP POST. When the server
// advertises an event stream, a background goroutine keeps it open and logs
// progress notifications.
type httpConn struct {
	server string
	url    string
	client *http.Client

	nextID atomic.Int64

	sseCancel context.CancelFunc
	closeOnce sync.Once
}

func newHTTPConn(s config.RemoteServer) (*httpConn, error) {
	if s.URL == "" {
		return nil, fmt.Errorf("server %q: no url configured", s.Name)
	}
	timeout := time.Duration(s.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpConn{
		server: s.Name,
		url:    s.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *httpConn) call(ctx context.Context, method string, params any) (*models.MCPResponse, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := models.MCPRequest{Jsonrpc: "2.0", Method: method, Params: raw, ID: c.nextID.Add(1)}
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", c.server, err)
	}
	defer httpResp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server %q: status %d", c.server, httpResp.StatusCode)
	}

	var resp models.MCPResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("server %q: unparseable response", c.server)
	}
	return &resp, nil
}

func (c *httpConn) initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", handshakeParams())
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("server %q: initialize: %s", c.server, resp.Error.Message)
	}

	// Long-running notifications arrive on a persistent event stream next to
	// the RPC endpoint. Missing stream support is not an error.
	sseCtx, cancel := context.WithCancel(context.Background())
	c.sseCancel = cancel
	go c.listenSSE(sseCtx)
	return nil
}

// listenSSE keeps the event stream open and logs progress notifications.
func (c *httpConn) listenSSE(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the per-call timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		log.Debug().Str("server", c.server).Err(err).Msg("Tool server event stream unavailable")
		return
	}
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var note models.MCPRequest
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &note); err != nil {
			continue
		}
		if note.Method == "notifications/progress" {
			log.Debug().Str("server", c.server).RawJSON("params", note.Params).Msg("Tool server progress")
		}
	}
}

func (c *httpConn) listTools(ctx context.Context) ([]models.RemoteTool, error) {
	resp, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("server %q: tools/list: %s", c.server, resp.Error.Message)
	}
	return decodeTools(c.server, resp.Result)
}

func (c *httpConn) callTool(ctx context.Context, name string, args map[string]any) (*models.ToolResult, error) {
	resp, err := c.call(ctx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("server %q: tools/call %q: %s", c.server, name, resp.Error.Message)
	}
	return decodeToolResult(resp.Result)
}

func (c *httpConn) close() error {
	c.closeOnce.Do(func() {
		if c.sseCancel != nil {
			c.sseCancel()
		}
	})
	return nil
}
