package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const querySchema = `{
  "type": "object",
  "properties": {"query": {"type": "string", "minLength": 1}, "k": {"type": "integer", "minimum": 1}},
  "required": ["query"],
  "additionalProperties": false
}`

func echoTool(calls *int32) Descriptor {
	return Descriptor{
		Name:        "echo",
		Description: "returns its query",
		InputSchema: json.RawMessage(querySchema),
		Transport: InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			atomic.AddInt32(calls, 1)
			return map[string]any{"query": args["query"]}, nil
		}},
	}
}

func TestRegisterRejectsBadDescriptors(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Descriptor{Name: " ", Transport: InProcess{Fn: func(context.Context, map[string]any) (any, error) { return nil, nil }}}))
	assert.Error(t, r.Register(Descriptor{Name: "x"}))
	assert.Error(t, r.Register(Descriptor{Name: "x", Transport: InProcess{}}))
	assert.Error(t, r.Register(Descriptor{Name: "x", Transport: Network{}}))
	assert.Error(t, r.Register(Descriptor{Name: "x", Transport: InProcess{Fn: func(context.Context, map[string]any) (any, error) { return nil, nil }}, InputSchema: json.RawMessage(`{"type": 12}`)}))

	var calls int32
	require.NoError(t, r.Register(echoTool(&calls)))
	assert.Error(t, r.Register(echoTool(&calls)), "duplicate names are rejected")
}

func TestInvokeValidatesBeforeDispatch(t *testing.T) {
	var calls int32
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool(&calls)))

	_, err := r.Invoke(context.Background(), "echo", map[string]any{"k": 3})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, InvalidArguments, kind)

	_, err = r.Invoke(context.Background(), "echo", map[string]any{"query": "x", "extra": true})
	kind, _ = KindOf(err)
	assert.Equal(t, InvalidArguments, kind)

	_, err = r.Invoke(context.Background(), "echo", map[string]any{"query": "x", "k": 0})
	kind, _ = KindOf(err)
	assert.Equal(t, InvalidArguments, kind, "numeric constraints are enforced")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "invalid calls must not dispatch")

	res, err := r.Invoke(context.Background(), "echo", map[string]any{"query": "solar", "k": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"solar"}`, string(res.Output))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvokeUnknownTool(t *testing.T) {
	_, err := NewRegistry().Invoke(context.Background(), "nope", nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, kind)
}

func TestInvokeTimeout(t *testing.T) {
	r := NewRegistry(WithCallTimeout(20 * time.Millisecond))
	require.NoError(t, r.Register(Descriptor{Name: "slow", Transport: InProcess{Fn: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}}))
	_, err := r.Invoke(context.Background(), "slow", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, Timeout, kind)
}

func TestInvokeFailureIsUnavailable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "broken", Transport: InProcess{Fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("connection refused")
	}}}))
	_, err := r.Invoke(context.Background(), "broken", nil)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Unavailable, te.Kind)
	assert.Equal(t, "broken", te.Tool)
}

func TestOutputSchemaEnforced(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{
		Name:         "typed",
		OutputSchema: json.RawMessage(`{"type":"object","required":["results"]}`),
		Transport: InProcess{Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"other": 1}, nil
		}},
	}))
	_, err := r.Invoke(context.Background(), "typed", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, Unavailable, kind)
}

type fakeCaller struct {
	name string
	args map[string]any
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.name, f.args = name, args
	return json.RawMessage(`{"ok":true}`), nil
}

func TestSubprocessUsesRemoteName(t *testing.T) {
	fc := &fakeCaller{}
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "files.read", Transport: Subprocess{Client: fc, Remote: "read"}}))
	_, err := r.Invoke(context.Background(), "files.read", map[string]any{"path": "/tmp/a"})
	require.NoError(t, err)
	assert.Equal(t, "read", fc.name)
	assert.Equal(t, "/tmp/a", fc.args["path"])
}

func TestNetworkTransportRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"query":"q"}`, string(body))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	r := NewRegistry(WithNetworkRetries(3))
	require.NoError(t, r.Register(Descriptor{Name: "remote", Transport: Network{URL: srv.URL, Headers: map[string]string{"X-Key": "secret"}}}))
	res, err := r.Invoke(context.Background(), "remote", map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[]}`, string(res.Output))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestNetworkTransportBadRequestIsInvalidArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "remote", Transport: Network{URL: srv.URL}}))
	_, err := r.Invoke(context.Background(), "remote", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, InvalidArguments, kind)
}

func TestFilterRestrictsAndOrders(t *testing.T) {
	r := NewRegistry()
	fn := InProcess{Fn: func(context.Context, map[string]any) (any, error) { return "ok", nil }}
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(Descriptor{Name: n, Transport: fn}))
	}
	view := r.Filter([]string{"c", "a", "missing", "c"})
	var names []string
	for _, d := range view.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"c", "a"}, names)

	_, err := view.Invoke(context.Background(), "b", nil)
	kind, _ := KindOf(err)
	assert.Equal(t, NotFound, kind)

	res, err := view.Invoke(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(res.Output))

	assert.Same(t, r, r.Filter(nil))
}
