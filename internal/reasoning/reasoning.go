// Package reasoning is the client for the external language-model service
// used for planning, tool selection and synthesis.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Options tune a single completion. Zero values fall back to client defaults.
type Options struct {
	Model           string
	Temperature     *float64
	MaxOutputTokens int
	Timeout         time.Duration
	System          string
	// Purpose labels the call in traces and metrics ("plan", "decide", ...).
	Purpose string
	// JSONMode asks the backend for a JSON object response.
	JSONMode bool
}

// Temp is a convenience for Options.Temperature.
func Temp(t float64) *float64 { return &t }

// Client is the contract every component depends on.
type Client interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	CompleteStructured(ctx context.Context, prompt string, schema json.RawMessage, opts Options, out any) error
}

// CompleteFunc is the shape of Client.Complete.
type CompleteFunc func(ctx context.Context, prompt string, opts Options) (string, error)

// Usage is the running token count of a client.
type Usage = research.Usage

// Meter accumulates the usage of every call made under a context that
// carries it. Safe for concurrent use.
type Meter struct {
	mu    sync.Mutex
	usage Usage
}

// Add records one call's usage.
func (m *Meter) Add(u Usage) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.usage = m.usage.Add(u)
	m.mu.Unlock()
}

// Usage returns the totals so far.
func (m *Meter) Usage() Usage {
	if m == nil {
		return Usage{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

type meterKey struct{}

// WithMeter scopes m to ctx; clients add each successful call to it.
func WithMeter(ctx context.Context, m *Meter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

type singleAttemptKey struct{}

// SingleAttempt marks ctx so clients make one attempt per call and leave
// retrying RateLimited and Timeout to the caller.
func SingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

// IsSingleAttempt reports whether ctx was marked by SingleAttempt.
func IsSingleAttempt(ctx context.Context) bool {
	v, _ := ctx.Value(singleAttemptKey{}).(bool)
	return v
}

// MeterFrom returns the meter carried by ctx, or nil.
func MeterFrom(ctx context.Context) *Meter {
	m, _ := ctx.Value(meterKey{}).(*Meter)
	return m
}

var schemaCache sync.Map // schema text -> *jsonschema.Schema

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if s, ok := schemaCache.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("response.json", bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	s, err := c.Compile("response.json")
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, s)
	return s, nil
}

// StructuredVia implements CompleteStructured on top of a plain completion:
// the first JSON object in the reply is validated against schema and decoded
// into out. A reply that does not validate is repaired once by re-prompting
// with the validation error; a second failure is InvalidResponse.
func StructuredVia(ctx context.Context, complete CompleteFunc, prompt string, schema json.RawMessage, opts Options, out any) error {
	sch, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile response schema: %w", err)
	}
	opts.JSONMode = true
	p := prompt + "\n\nRespond with a single JSON object that conforms to this JSON Schema:\n" + string(schema)
	var last error
	for attempt := 0; attempt < 2; attempt++ {
		text, err := complete(ctx, p, opts)
		if err != nil {
			return err
		}
		if last = decodeInto(text, sch, out); last == nil {
			return nil
		}
		p = repairPrompt(prompt, schema, text, last)
	}
	return &Error{Kind: InvalidResponse, Message: "structured output did not validate after repair", Err: last}
}

func decodeInto(text string, sch *jsonschema.Schema, out any) error {
	raw, err := helpers.ExtractJSONObject(text)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func repairPrompt(prompt string, schema json.RawMessage, reply string, verr error) string {
	return fmt.Sprintf(`%s

Your previous reply could not be used:
---
%s
---
Problem: %v

Reply again with ONLY a JSON object that conforms to this JSON Schema:
%s`, prompt, helpers.TrimSnippet(reply, 2000), verr, string(schema))
}
