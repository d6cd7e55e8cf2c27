// Package mcpclient is a line-delimited JSON-RPC client for stdio tool
// servers ("tools/list", "tools/call"). Requests may be issued concurrently;
// writes are serialized on the pipe and responses are matched by id.
package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mohammad-safakhou/researcher/internal/tools"
	"go.uber.org/zap"
)

// MaxFrameBytes bounds a single response line.
const MaxFrameBytes = 8 << 20

// JSON-RPC error codes the server uses to signal argument problems.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeToolFailure    = -32000
)

// ErrClosed is returned for calls on a client whose pipe has closed.
var ErrClosed = errors.New("mcp: connection closed")

// Tool is a tool advertised by the server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// UnmarshalJSON accepts both inputSchema and input_schema.
func (t *Tool) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
		Legacy      json.RawMessage `json:"input_schema"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Name, t.Description, t.InputSchema = raw.Name, raw.Description, raw.InputSchema
	if len(t.InputSchema) == 0 {
		t.InputSchema = raw.Legacy
	}
	return nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message) }

// Client talks to one tool server.
type Client struct {
	name string
	w    io.WriteCloser
	wmu  sync.Mutex
	seq  atomic.Int64

	pmu     sync.Mutex
	pending map[int64]chan response
	done    chan struct{}
	readErr error

	cmd *exec.Cmd
	log *zap.Logger
}

// New wraps an already-connected pipe pair and starts the read loop.
func New(name string, r io.Reader, w io.WriteCloser, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		name:    name,
		w:       w,
		pending: make(map[int64]chan response),
		done:    make(chan struct{}),
		log:     log.Named("mcp").With(zap.String("server", name)),
	}
	go c.readLoop(r)
	return c
}

// Start spawns command and performs the initialize handshake.
func Start(ctx context.Context, name, command string, args []string, env map[string]string, log *zap.Logger) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	c := New(name, stdout, stdin, log)
	c.cmd = cmd
	if err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == nil {
			continue
		}
		c.pmu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.pmu.Unlock()
		if ok {
			ch <- resp
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.pmu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pmu.Unlock()
	close(c.done)
}

func (c *Client) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.seq.Add(1)
	ch := make(chan response, 1)
	c.pmu.Lock()
	if c.readErr != nil {
		c.pmu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.pmu.Unlock()

	b, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, err
	}
	c.wmu.Lock()
	_, err = c.w.Write(append(b, '\n'))
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("mcp write: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *Client) forget(id int64) {
	c.pmu.Lock()
	delete(c.pending, id)
	c.pmu.Unlock()
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	_, err := c.send(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "researcher", "version": "1"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("mcp initialize %s: %w", c.name, err)
	}
	return nil
}

// ListTools returns the server's advertised tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("invalid tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes name and returns its structured result. Argument errors
// reported by the server surface as tools.InvalidArguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	raw, err := c.send(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			switch rpcErr.Code {
			case CodeInvalidParams:
				return nil, &tools.ToolError{Kind: tools.InvalidArguments, Tool: name, Err: err}
			case CodeMethodNotFound:
				return nil, &tools.ToolError{Kind: tools.NotFound, Tool: name, Err: err}
			}
		}
		return nil, err
	}
	return decodeCallResult(raw)
}

func decodeCallResult(raw json.RawMessage) (json.RawMessage, error) {
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Structured json.RawMessage `json:"structuredContent"`
		IsError    bool            `json:"isError"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return raw, nil
	}
	var texts []string
	for _, c := range res.Content {
		if c.Type == "text" || c.Type == "" {
			texts = append(texts, c.Text)
		}
	}
	if res.IsError {
		return nil, fmt.Errorf("tool error: %s", strings.Join(texts, " "))
	}
	if len(res.Structured) > 0 {
		return res.Structured, nil
	}
	if len(res.Content) == 0 {
		return raw, nil
	}
	joined := strings.Join(texts, "\n")
	if json.Valid([]byte(joined)) {
		return json.RawMessage(joined), nil
	}
	return json.Marshal(map[string]string{"text": joined})
}

// Done is closed when the server's output stream ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the pipe and waits for the child process, if any.
func (c *Client) Close() error {
	err := c.w.Close()
	if c.cmd != nil {
		<-c.done
		if werr := c.cmd.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Descriptors lists the server's tools as registry descriptors backed by
// this client. A non-empty prefix is prepended to each local name.
func (c *Client) Descriptors(ctx context.Context, prefix string) ([]tools.Descriptor, error) {
	list, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]tools.Descriptor, 0, len(list))
	for _, t := range list {
		local := t.Name
		if prefix != "" {
			local = prefix + "." + t.Name
		}
		out = append(out, tools.Descriptor{
			Name:        local,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Transport:   tools.Subprocess{Client: c, Remote: t.Name},
		})
	}
	return out, nil
}

// RegisterServer registers every tool served by c in reg under prefix.
func RegisterServer(ctx context.Context, reg *tools.Registry, c *Client, prefix string) (int, error) {
	descs, err := c.Descriptors(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, d := range descs {
		if err := reg.Register(d); err != nil {
			return i, err
		}
	}
	return len(descs), nil
}
