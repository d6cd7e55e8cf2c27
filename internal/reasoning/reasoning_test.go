package reasoning_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/reasoning/reasoningtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(text string) string {
	return reasoningtest.JSON(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": text}}},
		"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
	})
}

func testConfig(url string) config.ReasoningConfig {
	return config.ReasoningConfig{BaseURL: url, APIKey: "k", Model: "m", MaxRetries: 3, RequestsPerSecond: 1000, Burst: 100, MaxConcurrency: 4, Timeout: 2 * time.Second}
}

func TestCompleteSendsChatRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "big", req["model"])
		assert.Equal(t, 0.1, req["temperature"])
		msgs := req["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		_, _ = w.Write([]byte(completion("hello")))
	}))
	defer srv.Close()

	c := reasoning.NewHTTPClient(testConfig(srv.URL))
	out, err := c.Complete(context.Background(), "hi", reasoning.Options{Model: "big", Temperature: reasoning.Temp(0.1), System: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, reasoning.Usage{Calls: 1, PromptTokens: 10, CompletionTokens: 5}, c.Usage())
}

func TestMeterAccumulatesPerContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completion("ok")))
	}))
	defer srv.Close()

	c := reasoning.NewHTTPClient(testConfig(srv.URL))
	var a, b reasoning.Meter
	ctxA := reasoning.WithMeter(context.Background(), &a)
	ctxB := reasoning.WithMeter(context.Background(), &b)
	for i := 0; i < 2; i++ {
		_, err := c.Complete(ctxA, "x", reasoning.Options{})
		require.NoError(t, err)
	}
	_, err := c.Complete(ctxB, "x", reasoning.Options{})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "x", reasoning.Options{})
	require.NoError(t, err)

	assert.Equal(t, reasoning.Usage{Calls: 2, PromptTokens: 20, CompletionTokens: 10}, a.Usage())
	assert.Equal(t, reasoning.Usage{Calls: 1, PromptTokens: 10, CompletionTokens: 5}, b.Usage())
	assert.Equal(t, 4, c.Usage().Calls)
	assert.Nil(t, reasoning.MeterFrom(context.Background()))
}

func TestRateLimitedIsRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(completion("ok")))
	}))
	defer srv.Close()

	c := reasoning.NewHTTPClient(testConfig(srv.URL), reasoning.WithRetryInterval(time.Millisecond))
	out, err := c.Complete(context.Background(), "hi", reasoning.Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestRateLimitedSurfacesAfterRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	c := reasoning.NewHTTPClient(cfg, reasoning.WithRetryInterval(time.Millisecond))
	_, err := c.Complete(context.Background(), "hi", reasoning.Options{})
	kind, ok := reasoning.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, reasoning.RateLimited, kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestSingleAttemptLeavesRetriesToCaller(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := reasoning.NewHTTPClient(testConfig(srv.URL), reasoning.WithRetryInterval(time.Millisecond))
	ctx := reasoning.SingleAttempt(context.Background())
	assert.True(t, reasoning.IsSingleAttempt(ctx))
	assert.False(t, reasoning.IsSingleAttempt(context.Background()))
	_, err := c.Complete(ctx, "hi", reasoning.Options{})
	kind, ok := reasoning.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, reasoning.RateLimited, kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   reasoning.ErrorKind
	}{
		{http.StatusBadGateway, "", reasoning.Unavailable},
		{http.StatusOK, "not json", reasoning.InvalidResponse},
		{http.StatusOK, `{"choices":[]}`, reasoning.InvalidResponse},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := reasoning.NewHTTPClient(testConfig(srv.URL)).Complete(context.Background(), "x", reasoning.Options{})
		kind, _ := reasoning.KindOf(err)
		assert.Equal(t, tc.kind, kind, "status %d body %q", tc.status, tc.body)
		srv.Close()
	}
}

func TestPerCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0
	c := reasoning.NewHTTPClient(cfg)
	_, err := c.Complete(context.Background(), "x", reasoning.Options{Timeout: 30 * time.Millisecond})
	kind, _ := reasoning.KindOf(err)
	assert.Equal(t, reasoning.Timeout, kind)
	assert.True(t, reasoning.Retryable(err))
}

func TestConcurrencyCeiling(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = w.Write([]byte(completion("ok")))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxConcurrency = 2
	c := reasoning.NewHTTPClient(cfg)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Complete(context.Background(), "x", reasoning.Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

var answerSchema = json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`)

func TestStructuredRepairsOnce(t *testing.T) {
	mock := reasoningtest.Queue(
		reasoningtest.Reply{Text: "Sure! {\"wrong\": 1}"},
		reasoningtest.Reply{Text: "```json\n{\"answer\": \"42\"}\n```"},
	)
	var out struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, mock.CompleteStructured(context.Background(), "question", answerSchema, reasoning.Options{Purpose: "test"}, &out))
	assert.Equal(t, "42", out.Answer)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Options.JSONMode)
	assert.Contains(t, calls[1].Prompt, "could not be used")
}

func TestStructuredValidatesNumericConstraints(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer","minimum":1,"maximum":3}},"required":["count"]}`)
	mock := reasoningtest.Queue(
		reasoningtest.Reply{Text: `{"count": 9}`},
		reasoningtest.Reply{Text: `{"count": 2}`},
	)
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, mock.CompleteStructured(context.Background(), "how many", schema, reasoning.Options{}, &out))
	assert.Equal(t, 2, out.Count)
	assert.Len(t, mock.Calls(), 2, "out-of-range number triggers the repair prompt")
}

func TestStructuredFailsAfterRepair(t *testing.T) {
	mock := reasoningtest.Queue(reasoningtest.Reply{Text: "no json"}, reasoningtest.Reply{Text: "{}"})
	var out map[string]any
	err := mock.CompleteStructured(context.Background(), "q", answerSchema, reasoning.Options{}, &out)
	kind, _ := reasoning.KindOf(err)
	assert.Equal(t, reasoning.InvalidResponse, kind)
}

func TestStructuredPassesThroughServiceErrors(t *testing.T) {
	down := &reasoning.Error{Kind: reasoning.Unavailable}
	mock := reasoningtest.Queue(reasoningtest.Reply{Err: down})
	var out map[string]any
	err := mock.CompleteStructured(context.Background(), "q", answerSchema, reasoning.Options{}, &out)
	assert.True(t, errors.Is(err, down))
	assert.Len(t, mock.Calls(), 1)
}

func TestStructuredOverHTTPUsesJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])
		_, _ = w.Write([]byte(completion(`{"answer":"yes"}`)))
	}))
	defer srv.Close()

	var out struct {
		Answer string `json:"answer"`
	}
	c := reasoning.NewHTTPClient(testConfig(srv.URL))
	require.NoError(t, c.CompleteStructured(context.Background(), "q", answerSchema, reasoning.Options{}, &out))
	assert.Equal(t, "yes", out.Answer)
}
