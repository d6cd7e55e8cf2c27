package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var reasoningTracer = otel.Tracer("researcher/internal/reasoning")

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint. Calls
// queue on an internal semaphore and rate limiter, so callers never
// coordinate concurrency themselves.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	maxRetries  uint64
	retryBase   time.Duration

	http    *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	log     *zap.Logger

	mu    sync.Mutex
	usage Usage
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying http client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithRetryInterval sets the initial backoff between retries.
func WithRetryInterval(d time.Duration) HTTPOption {
	return func(h *HTTPClient) { h.retryBase = d }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(h *HTTPClient) {
		if l != nil {
			h.log = l.Named("reasoning")
		}
	}
}

// NewHTTPClient builds a client from normalized configuration.
func NewHTTPClient(cfg config.ReasoningConfig, opts ...HTTPOption) *HTTPClient {
	cfg = cfg.Normalize()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	h := &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
		timeout:     cfg.Timeout,
		maxRetries:  uint64(cfg.MaxRetries),
		retryBase:   500 * time.Millisecond,
		http:        &http.Client{},
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		limiter:     rate.NewLimiter(limit, burst),
		log:         zap.NewNop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Usage returns the tokens consumed so far.
func (h *HTTPClient) Usage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// Complete returns the model's reply to prompt. RateLimited and Timeout
// failures are retried with exponential backoff before surfacing, unless
// ctx was marked with SingleAttempt.
func (h *HTTPClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = h.model
	}
	ctx, span := reasoningTracer.Start(ctx, "reasoning.complete")
	defer span.End()
	span.SetAttributes(attribute.String("model", model), attribute.String("purpose", opts.Purpose), attribute.Bool("json", opts.JSONMode))

	var (
		out  string
		hint time.Duration
	)
	op := func() error {
		text, err := h.attempt(ctx, model, prompt, opts)
		if err == nil {
			out = text
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var re *Error
		if errors.As(err, &re) && (re.Kind == RateLimited || re.Kind == Timeout) {
			hint = re.RetryAfter
			h.log.Debug("retrying reasoning call", zap.String("kind", string(re.Kind)), zap.String("purpose", opts.Purpose))
			return err
		}
		return backoff.Permanent(err)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.retryBase
	eb.MaxElapsedTime = 0
	retries := h.maxRetries
	if IsSingleAttempt(ctx) {
		retries = 0
	}
	var b backoff.BackOff = &retryAfter{BackOff: backoff.WithMaxRetries(eb, retries), hint: &hint}
	b = backoff.WithContext(b, ctx)
	if err := backoff.Retry(op, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// CompleteStructured validates the reply against schema, repairing once.
func (h *HTTPClient) CompleteStructured(ctx context.Context, prompt string, schema json.RawMessage, opts Options, out any) error {
	return StructuredVia(ctx, h.Complete, prompt, schema, opts, out)
}

func (h *HTTPClient) attempt(ctx context.Context, model, prompt string, opts Options) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)
	if err := h.limiter.Wait(ctx); err != nil {
		return "", err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temp := h.temperature
	if opts.Temperature != nil {
		temp = *opts.Temperature
	}
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = h.maxTokens
	}
	req := chatRequest{Model: model, Temperature: temp, MaxTokens: maxTokens}
	if opts.System != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: opts.System})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: prompt})
	if opts.JSONMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, usage, err := h.post(callCtx, body)
	outcome := "ok"
	if err != nil {
		if re, ok := err.(*Error); ok {
			outcome = string(re.Kind)
		} else {
			outcome = "error"
		}
		if ctx.Err() == nil && callCtx.Err() != nil {
			err = &Error{Kind: Timeout, Message: fmt.Sprintf("no reply within %s", timeout), Err: err}
			outcome = string(Timeout)
		}
	}
	telemetry.ReasoningCalled(ctx, model, outcome, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
	if err == nil {
		h.mu.Lock()
		h.usage.Calls++
		h.usage.PromptTokens += usage.PromptTokens
		h.usage.CompletionTokens += usage.CompletionTokens
		h.mu.Unlock()
		MeterFrom(ctx).Add(Usage{Calls: 1, PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens})
	}
	return text, err
}

func (h *HTTPClient) post(ctx context.Context, body []byte) (string, Usage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", Usage{}, &Error{Kind: Timeout, Err: err}
		}
		return "", Usage{}, &Error{Kind: Unavailable, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", Usage{}, &Error{Kind: Unavailable, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", Usage{}, &Error{Kind: RateLimited, Message: snippet(raw), RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return "", Usage{}, &Error{Kind: Timeout, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return "", Usage{}, &Error{Kind: Unavailable, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(raw))}
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", Usage{}, &Error{Kind: InvalidResponse, Message: "malformed response body", Err: err}
	}
	u := Usage{PromptTokens: cr.Usage.PromptTokens, CompletionTokens: cr.Usage.CompletionTokens}
	if len(cr.Choices) == 0 || strings.TrimSpace(cr.Choices[0].Message.Content) == "" {
		return "", u, &Error{Kind: InvalidResponse, Message: "empty completion"}
	}
	return cr.Choices[0].Message.Content, u, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// retryAfter stretches the next backoff to the server's Retry-After hint.
type retryAfter struct {
	backoff.BackOff
	hint *time.Duration
}

func (r *retryAfter) NextBackOff() time.Duration {
	d := r.BackOff.NextBackOff()
	if d != backoff.Stop && *r.hint > d {
		d = *r.hint
	}
	*r.hint = 0
	return d
}
