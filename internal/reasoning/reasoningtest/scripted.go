// Package reasoningtest provides a scripted reasoning.Client for tests.
package reasoningtest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/researcher/internal/reasoning"
)

// Call is one recorded completion request.
type Call struct {
	Prompt  string
	Options reasoning.Options

	// SingleAttempt records whether the caller owns retries for this call.
	SingleAttempt bool
}

// Reply is a canned response.
type Reply struct {
	Text string
	Err  error
}

// ErrExhausted is returned when a queue-backed client runs out of replies.
var ErrExhausted = errors.New("reasoningtest: no scripted reply left")

// Scripted answers completions from a responder function or a reply queue.
// Structured calls go through reasoning.StructuredVia, so schema validation
// and the repair retry behave as they do against the real service.
type Scripted struct {
	mu      sync.Mutex
	respond func(Call) (string, error)
	queue   []Reply
	calls   []Call
}

// New returns a client that answers every call with fn.
func New(fn func(Call) (string, error)) *Scripted {
	return &Scripted{respond: fn}
}

// Queue returns a client that answers calls with replies in order.
func Queue(replies ...Reply) *Scripted {
	return &Scripted{queue: replies}
}

// JSON marshals v for use as a scripted reply.
func JSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (s *Scripted) Complete(ctx context.Context, prompt string, opts reasoning.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	call := Call{Prompt: prompt, Options: opts, SingleAttempt: reasoning.IsSingleAttempt(ctx)}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.respond
	var next *Reply
	if fn == nil {
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return "", ErrExhausted
		}
		next = &s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()
	var text string
	var err error
	if fn != nil {
		text, err = fn(call)
	} else {
		text, err = next.Text, next.Err
	}
	if err == nil {
		reasoning.MeterFrom(ctx).Add(reasoning.Usage{
			Calls:            1,
			PromptTokens:     len(strings.Fields(prompt)),
			CompletionTokens: len(strings.Fields(text)),
		})
	}
	return text, err
}

func (s *Scripted) CompleteStructured(ctx context.Context, prompt string, schema json.RawMessage, opts reasoning.Options, out any) error {
	return reasoning.StructuredVia(ctx, s.Complete, prompt, schema, opts, out)
}

// Calls returns the calls recorded so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the recorded calls with the given purpose.
func (s *Scripted) CallsFor(purpose string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Options.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}
