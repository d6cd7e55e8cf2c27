package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var toolsTracer = otel.Tracer("researcher/internal/tools")

// Descriptor describes an invocable tool.
type Descriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Transport    Transport       `json:"-"`
}

// Result is the structured output of a successful invocation.
type Result struct {
	Tool    string          `json:"tool"`
	Output  json.RawMessage `json:"output"`
	Latency time.Duration   `json:"latency"`
}

// Invoker is the read side of a registry handed to executors.
type Invoker interface {
	List() []Descriptor
	Invoke(ctx context.Context, name string, args map[string]any) (Result, error)
}

type entry struct {
	desc   Descriptor
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Registry holds the set of tools. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	httpClient  *http.Client
	callTimeout time.Duration
	maxRetries  uint64
	log         *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the shared client used by network tools.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithCallTimeout bounds every invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) { r.callTimeout = d }
}

// WithNetworkRetries sets how many times a network tool is retried on 5xx or transport errors.
func WithNetworkRetries(n uint64) Option {
	return func(r *Registry) { r.maxRetries = n }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry),
		httpClient:  &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 16, IdleConnTimeout: 90 * time.Second}},
		callTimeout: 45 * time.Second,
		maxRetries:  2,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names must be unique and the input schema must compile.
func (r *Registry) Register(d Descriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return errors.New("tool name required")
	}
	switch t := d.Transport.(type) {
	case InProcess:
		if t.Fn == nil {
			return fmt.Errorf("tool %s: in-process transport without function", d.Name)
		}
	case Subprocess:
		if t.Client == nil {
			return fmt.Errorf("tool %s: subprocess transport without client", d.Name)
		}
	case Network:
		if t.URL == "" {
			return fmt.Errorf("tool %s: network transport without url", d.Name)
		}
	default:
		return fmt.Errorf("tool %s: unsupported transport %T", d.Name, d.Transport)
	}

	e := &entry{desc: d}
	var err error
	if e.input, err = compileSchema(d.Name+".input.json", d.InputSchema); err != nil {
		return fmt.Errorf("tool %s: input schema: %w", d.Name, err)
	}
	if e.output, err = compileSchema(d.Name+".output.json", d.OutputSchema); err != nil {
		return fmt.Errorf("tool %s: output schema: %w", d.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[d.Name]; dup {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	r.entries[d.Name] = e
	r.order = append(r.order, d.Name)
	r.log.Debug("tool registered", zap.String("tool", d.Name), zap.String("transport", string(d.Transport.Kind())))
	return nil
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Invoke validates args against the tool's input schema and dispatches.
// Schema mismatches fail with InvalidArguments without dispatching.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	ctx, span := toolsTracer.Start(ctx, "tools.invoke")
	defer span.End()
	span.SetAttributes(attribute.String("tool", name))

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		err := toolErr(NotFound, name, errors.New("no such tool"))
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validate(e.input, args); err != nil {
		terr := toolErr(InvalidArguments, name, err)
		span.RecordError(terr)
		span.SetStatus(codes.Error, "invalid arguments")
		telemetry.ToolCalled(ctx, name, string(InvalidArguments), 0)
		return Result{}, terr
	}

	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.dispatch(callCtx, e.desc, args)
	latency := time.Since(start)
	if err == nil && e.output != nil {
		if verr := validateRaw(e.output, out); verr != nil {
			err = toolErr(Unavailable, name, fmt.Errorf("output does not match schema: %w", verr))
		}
	}
	if err != nil {
		terr := classify(callCtx, name, err)
		span.RecordError(terr)
		span.SetStatus(codes.Error, string(terr.Kind))
		telemetry.ToolCalled(ctx, name, string(terr.Kind), latency)
		r.log.Debug("tool failed", zap.String("tool", name), zap.String("kind", string(terr.Kind)), zap.Error(terr.Err))
		return Result{}, terr
	}
	span.SetStatus(codes.Ok, "")
	telemetry.ToolCalled(ctx, name, "ok", latency)
	return Result{Tool: name, Output: out, Latency: latency}, nil
}

// Filter returns a view restricted to names, in the given order. Unknown
// names are skipped. An empty list yields the full registry.
func (r *Registry) Filter(names []string) Invoker {
	if len(names) == 0 {
		return r
	}
	allowed := make([]string, 0, len(names))
	seen := map[string]struct{}{}
	r.mu.RLock()
	for _, n := range names {
		if _, ok := r.entries[n]; !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		allowed = append(allowed, n)
	}
	r.mu.RUnlock()
	return &subset{reg: r, names: allowed, allowed: seen}
}

type subset struct {
	reg     *Registry
	names   []string
	allowed map[string]struct{}
}

func (s *subset) List() []Descriptor {
	out := make([]Descriptor, 0, len(s.names))
	for _, n := range s.names {
		if d, ok := s.reg.Get(n); ok {
			out = append(out, d)
		}
	}
	return out
}

func (s *subset) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	if _, ok := s.allowed[name]; !ok {
		return Result{}, toolErr(NotFound, name, errors.New("tool not enabled for this session"))
	}
	return s.reg.Invoke(ctx, name, args)
}

func (r *Registry) dispatch(ctx context.Context, d Descriptor, args map[string]any) (json.RawMessage, error) {
	switch t := d.Transport.(type) {
	case InProcess:
		v, err := t.Fn(ctx, args)
		if err != nil {
			return nil, err
		}
		if raw, ok := v.(json.RawMessage); ok {
			return raw, nil
		}
		return json.Marshal(v)
	case Subprocess:
		remote := t.Remote
		if remote == "" {
			remote = d.Name
		}
		return t.Client.CallTool(ctx, remote, args)
	case Network:
		return r.postJSON(ctx, t, args)
	default:
		return nil, fmt.Errorf("unsupported transport %T", d.Transport)
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.code, e.body)
}

func (r *Registry) postJSON(ctx context.Context, t Network, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	var out json.RawMessage
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range t.Headers {
			req.Header.Set(k, v)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &statusError{code: resp.StatusCode, body: snippet(body)}
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: snippet(body)})
		}
		if json.Valid(body) {
			out = body
			return nil
		}
		out, err = json.Marshal(map[string]string{"text": string(body)})
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusBadRequest || se.code == http.StatusUnprocessableEntity) {
			return nil, toolErr(InvalidArguments, "", err)
		}
		return nil, err
	}
	return out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// classify maps a dispatch error onto a ToolError kind.
func classify(ctx context.Context, name string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		if te.Tool == "" {
			te.Tool = name
		}
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return toolErr(Timeout, name, err)
	}
	return toolErr(Unavailable, name, err)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

func validate(s *jsonschema.Schema, args map[string]any) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return validateRaw(s, raw)
}

func validateRaw(s *jsonschema.Schema, raw json.RawMessage) error {
	if s == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
