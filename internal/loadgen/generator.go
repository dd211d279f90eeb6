// Package loadgen issues batches of completion requests against one endpoint
// and measures aggregate throughput.
package loadgen

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/metrics"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/pkg/models"
)

// Completer is the request surface the generator drives. *Client satisfies
// it; tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
}

// RunSpec describes one measured batch.
type RunSpec struct {
	TotalRequests int
	Concurrency   int
	Payload       models.ChatCompletionRequest
}

// Result holds the aggregate outcome of one batch.
type Result struct {
	Elapsed     time.Duration
	TotalTokens int
	Errors      int
}

// ThroughputTPS returns tokens per second over the batch wall-clock time,
// or zero when no time elapsed.
func (r Result) ThroughputTPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.TotalTokens) / r.Elapsed.Seconds()
}

// Generator dispatches requests across a bounded worker pool with per-call
// retries.
type Generator struct {
	completer Completer
	policy    RetryPolicy
	sleeper   Sleeper
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures the generator.
type Option func(*Generator)

// WithSleeper overrides the backoff sleeper (used by tests).
func WithSleeper(s Sleeper) Option {
	return func(g *Generator) { g.sleeper = s }
}

// WithClock overrides the wall clock (used by tests).
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRateLimit caps the aggregate request dispatch rate in requests per
// second. Zero leaves dispatch unthrottled.
func WithRateLimit(rps float64) Option {
	return func(g *Generator) {
		if rps > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// New creates a load generator.
func New(completer Completer, policy RetryPolicy, opts ...Option) *Generator {
	g := &Generator{
		completer: completer,
		policy:    policy,
		sleeper:   realSleeper{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run issues spec.TotalRequests completions across spec.Concurrency workers
// and returns the wall-clock elapsed time from first dispatch to last
// completion, the aggregate completion-token count, and the number of
// requests that exhausted their retries. A request that fails after all
// attempts becomes an error count, never an aborted run.
func (g *Generator) Run(ctx context.Context, spec RunSpec) (Result, error) {
	concurrency := spec.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	jobs := make(chan struct{})
	var wg sync.WaitGroup
	var totalTokens, errorCount int64

	start := g.now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				resp, err := g.completeWithRetry(ctx, spec.Payload)
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					g.logger.Debug("request exhausted retries", slog.String("error", err.Error()))
					continue
				}
				atomic.AddInt64(&totalTokens, int64(resp.CompletionTokenCount()))
			}
		}()
	}

	for i := 0; i < spec.TotalRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	wg.Wait()

	elapsed := g.now().Sub(start)

	metrics.RecordRequests(spec.TotalRequests-int(errorCount), int(errorCount))

	return Result{
		Elapsed:     elapsed,
		TotalTokens: int(totalTokens),
		Errors:      int(errorCount),
	}, nil
}

// Warmup sends short untimed completions so model and connection warmup cost
// stays out of the measured phase. Warmup failures are logged and ignored.
func (g *Generator) Warmup(ctx context.Context, count int) {
	payload := models.ChatCompletionRequest{
		Messages:    []models.ChatMessage{{Role: "user", Content: "warmup"}},
		MaxTokens:   8,
		Temperature: 0,
	}
	for i := 0; i < count; i++ {
		if _, err := g.completeWithRetry(ctx, payload); err != nil {
			g.logger.Warn("warmup request failed",
				slog.Int("warmup", i+1),
				slog.String("error", err.Error()))
		}
	}
}

// completeWithRetry runs one call through the retry policy. Non-retryable
// errors fail immediately; retryable ones back off and try again up to the
// attempt ceiling.
func (g *Generator) completeWithRetry(ctx context.Context, payload models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	attempts := g.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := g.completer.Complete(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == attempts {
			break
		}
		metrics.RecordRetry()
		g.sleeper.Sleep(ctx, g.policy.Delay(attempt))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
