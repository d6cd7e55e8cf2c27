package tools

import (
	"context"
	"encoding/json"
)

// Kind tags the transport variant of a tool.
type Kind string

const (
	KindInProcess  Kind = "in_process"
	KindSubprocess Kind = "subprocess"
	KindNetwork    Kind = "network"
)

// Transport is a closed set: InProcess, Subprocess and Network are the only
// implementations.
type Transport interface {
	Kind() Kind
	sealed()
}

// Func is the signature of an in-process tool.
type Func func(ctx context.Context, args map[string]any) (any, error)

// InProcess runs a Go function in the caller's process.
type InProcess struct {
	Fn Func
}

func (InProcess) Kind() Kind { return KindInProcess }
func (InProcess) sealed()    {}

// Caller is the client side of a stdio tool server.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Subprocess forwards calls to a tool served by a child process.
type Subprocess struct {
	Client Caller
	// Remote is the tool's name on the server; defaults to the descriptor name.
	Remote string
}

func (Subprocess) Kind() Kind { return KindSubprocess }
func (Subprocess) sealed()    {}

// Network POSTs the arguments as JSON to URL and reads a JSON response.
type Network struct {
	URL     string
	Headers map[string]string
}

func (Network) Kind() Kind { return KindNetwork }
func (Network) sealed()    {}
