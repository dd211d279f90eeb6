package loadgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/pkg/models"
)

// fakeSleeper records requested backoff delays without sleeping.
type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *fakeSleeper) Sleep(_ context.Context, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

// fakeCompleter fails a fixed number of times before succeeding.
type fakeCompleter struct {
	mu       sync.Mutex
	failures int
	failWith error
	calls    int
	tokens   int
}

func (f *fakeCompleter) Complete(context.Context, models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	resp := &models.ChatCompletionResponse{}
	resp.Usage.CompletionTokens = f.tokens
	return resp, nil
}

func tokenServer(t *testing.T, tokensPerRequest int, requestCount *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestCount != nil {
			atomic.AddInt64(requestCount, 1)
		}
		var req models.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := models.ChatCompletionResponse{}
		resp.Usage.CompletionTokens = tokensPerRequest
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestGenerator_AggregatesTokens(t *testing.T) {
	server := tokenServer(t, 10, nil)
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	gen := New(client, RetryPolicy{MaxAttempts: 1})

	result, err := gen.Run(context.Background(), RunSpec{
		TotalRequests: 8,
		Concurrency:   4,
		Payload: models.ChatCompletionRequest{
			Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
			MaxTokens: 16,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 80, result.TotalTokens)
	assert.Zero(t, result.Errors)
	assert.Greater(t, result.Elapsed, time.Duration(0))
}

func TestGenerator_ThroughputWithMockedClock(t *testing.T) {
	server := tokenServer(t, 25, nil)
	defer server.Close()

	// The fake clock advances 2s between the start and end samples.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(2 * time.Second)}
	var idx int
	clock := func() time.Time {
		ts := times[idx]
		if idx < len(times)-1 {
			idx++
		}
		return ts
	}

	client := NewClient(server.URL, 5*time.Second)
	gen := New(client, RetryPolicy{MaxAttempts: 1}, WithClock(clock))

	result, err := gen.Run(context.Background(), RunSpec{
		TotalRequests: 4,
		Concurrency:   2,
		Payload:       models.ChatCompletionRequest{MaxTokens: 32},
	})
	require.NoError(t, err)

	assert.Equal(t, 100, result.TotalTokens)
	assert.Equal(t, 2*time.Second, result.Elapsed)
	assert.InDelta(t, 50.0, result.ThroughputTPS(), 1e-9)
}

func TestGenerator_RetriesTransientFailures(t *testing.T) {
	completer := &fakeCompleter{
		failures: 2,
		failWith: &RequestError{StatusCode: http.StatusServiceUnavailable},
		tokens:   5,
	}
	sleeper := &fakeSleeper{}
	gen := New(completer, RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}, WithSleeper(sleeper))

	result, err := gen.Run(context.Background(), RunSpec{TotalRequests: 1, Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, 5, result.TotalTokens)
	assert.Zero(t, result.Errors)
	// Linear backoff: base*1 then base*2.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestGenerator_ExhaustedRetriesBecomeErrorCount(t *testing.T) {
	completer := &fakeCompleter{
		failures: 100,
		failWith: &RequestError{StatusCode: http.StatusInternalServerError},
	}
	gen := New(completer, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, WithSleeper(&fakeSleeper{}))

	result, err := gen.Run(context.Background(), RunSpec{TotalRequests: 2, Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Errors)
	assert.Zero(t, result.TotalTokens)
	assert.Equal(t, 6, completer.calls)
}

func TestGenerator_NonRetryableFailsImmediately(t *testing.T) {
	completer := &fakeCompleter{
		failures: 100,
		failWith: &RequestError{StatusCode: http.StatusBadRequest},
	}
	gen := New(completer, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, WithSleeper(&fakeSleeper{}))

	result, err := gen.Run(context.Background(), RunSpec{TotalRequests: 1, Concurrency: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, completer.calls)
}

func TestGenerator_WarmupDiscarded(t *testing.T) {
	var requestCount int64
	server := tokenServer(t, 10, &requestCount)
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	gen := New(client, RetryPolicy{MaxAttempts: 1})

	gen.Warmup(context.Background(), 2)
	result, err := gen.Run(context.Background(), RunSpec{
		TotalRequests: 3,
		Concurrency:   1,
		Payload:       models.ChatCompletionRequest{MaxTokens: 16},
	})
	require.NoError(t, err)

	// Warmup requests hit the server but never count toward tokens.
	assert.Equal(t, int64(5), atomic.LoadInt64(&requestCount))
	assert.Equal(t, 30, result.TotalTokens)
}

func TestRetryPolicy_DelayMonotonic(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 8, BaseDelay: 500 * time.Millisecond}

	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := policy.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 500*time.Millisecond, policy.Delay(0))
}

func TestClient_ErrorCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.Complete(context.Background(), models.ChatCompletionRequest{})
	require.Error(t, err)

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"500", &RequestError{StatusCode: 500}, true},
		{"502", &RequestError{StatusCode: 502}, true},
		{"503", &RequestError{StatusCode: 503}, true},
		{"504", &RequestError{StatusCode: 504}, true},
		{"429", &RequestError{StatusCode: 429}, true},
		{"400", &RequestError{StatusCode: 400}, false},
		{"404", &RequestError{StatusCode: 404}, false},
		{"deadline", &RequestError{Err: context.DeadlineExceeded}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
