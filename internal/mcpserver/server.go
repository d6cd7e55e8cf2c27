// Package mcpserver exposes a tool registry over stdio JSON-RPC so other
// agents (or another researcher process) can use the same tools.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/mcpclient"
	"go.uber.org/zap"
)

const protocolVersion = "2024-11-05"

type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      json.RawMessage     `json:"id"`
	Result  any                 `json:"result,omitempty"`
	Error   *mcpclient.RPCError `json:"error,omitempty"`
}

type toolDesc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Server serves tools/list and tools/call for an Invoker.
type Server struct {
	tools       tools.Invoker
	name        string
	version     string
	callTimeout time.Duration
	log         *zap.Logger

	wmu sync.Mutex
}

// New returns a server for inv.
func New(inv tools.Invoker, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{tools: inv, name: "researcher", version: version, callTimeout: 60 * time.Second, log: log.Named("mcpserver")}
}

// Serve reads requests from in until EOF or ctx is cancelled. Calls are
// handled concurrently; responses may be written out of request order.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), mcpclient.MaxFrameBytes)
	var wg sync.WaitGroup
	defer wg.Wait()

	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var req rpcReq
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			s.log.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		if len(req.ID) == 0 {
			// notification
			continue
		}
		switch req.Method {
		case "initialize":
			s.write(out, rpcResp{ID: req.ID, Result: map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]string{"name": s.name, "version": s.version},
				"capabilities":    map[string]any{"tools": map[string]any{}},
			}})
		case "tools/list":
			s.write(out, rpcResp{ID: req.ID, Result: map[string]any{"tools": s.describe()}})
		case "tools/call":
			wg.Add(1)
			go func(req rpcReq) {
				defer wg.Done()
				s.write(out, s.call(ctx, req))
			}(req)
		case "ping":
			s.write(out, rpcResp{ID: req.ID, Result: map[string]any{}})
		default:
			s.write(out, rpcResp{ID: req.ID, Error: &mcpclient.RPCError{Code: mcpclient.CodeMethodNotFound, Message: "unknown method: " + req.Method}})
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) describe() []toolDesc {
	list := s.tools.List()
	out := make([]toolDesc, 0, len(list))
	for _, d := range list {
		schema := d.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, toolDesc{Name: d.Name, Description: d.Description, InputSchema: schema})
	}
	return out
}

func (s *Server) call(ctx context.Context, req rpcReq) rpcResp {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return rpcResp{ID: req.ID, Error: &mcpclient.RPCError{Code: mcpclient.CodeInvalidParams, Message: "tools/call requires a name"}}
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	res, err := s.tools.Invoke(ctx, params.Name, params.Arguments)
	if err != nil {
		code := mcpclient.CodeToolFailure
		switch kind, _ := tools.KindOf(err); kind {
		case tools.InvalidArguments:
			code = mcpclient.CodeInvalidParams
		case tools.NotFound:
			code = mcpclient.CodeMethodNotFound
		}
		s.log.Debug("tool call failed", zap.String("tool", params.Name), zap.Error(err))
		return rpcResp{ID: req.ID, Error: &mcpclient.RPCError{Code: code, Message: err.Error()}}
	}
	return rpcResp{ID: req.ID, Result: map[string]any{
		"content":           []map[string]string{{"type": "text", "text": string(res.Output)}},
		"structuredContent": res.Output,
		"isError":           false,
	}}
}

func (s *Server) write(w io.Writer, resp rpcResp) {
	resp.JSONRPC = "2.0"
	b, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("encode response", zap.Error(err))
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, _ = w.Write(append(b, '\n'))
}
