package dispatch

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/llm"
)

// Retry defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// ClientFactory builds a provider client for one account. The default
// factory returns an llm.OpenAIClient; tests inject fakes.
type ClientFactory func(Account) llm.Client

// MetricsRecorder receives per-attempt and admission outcomes. A nil
// recorder disables metrics.
type MetricsRecorder interface {
	RecordCall(ctx context.Context, pool, account string, elapsed time.Duration, err error)
	RecordRejected(ctx context.Context, pool string)
}

// Config tunes the dispatcher. Zero values take the documented
// defaults.
type Config struct {
	Workers    int
	QueueDepth int

	ChatRPM   int
	MemoryRPM int

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) fill() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.ChatRPM <= 0 {
		c.ChatRPM = DefaultChatRPM
	}
	if c.MemoryRPM <= 0 {
		c.MemoryRPM = DefaultMemoryRPM
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Dispatcher mediates every outbound provider call: admission through a
// bounded worker pool, a per-pool rate-limit permit, weighted account
// selection, and classified retry with exponential backoff. Callers
// block on the result but execution capacity is bounded by the pool.
type Dispatcher struct {
	cfg      Config
	pool     *WorkerPool
	router   *Router
	limiters map[chatmesh.CallClass]*RateLimiter
	clients  map[string]llm.Client

	logger  *slog.Logger
	metrics MetricsRecorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithClientFactory overrides client construction per account.
func WithClientFactory(factory ClientFactory) Option {
	return func(d *Dispatcher) {
		if factory == nil {
			return
		}
		d.clients = make(map[string]llm.Client)
		for _, acct := range d.router.Accounts() {
			d.clients[acct.Name] = factory(acct)
		}
	}
}

// New creates a Dispatcher over the given account topology and starts
// its worker pool. Call Close to release the workers.
func New(cfg Config, router *Router, opts ...Option) *Dispatcher {
	cfg.fill()

	d := &Dispatcher{
		cfg:    cfg,
		router: router,
		pool:   NewWorkerPool(cfg.Workers, cfg.QueueDepth),
		limiters: map[chatmesh.CallClass]*RateLimiter{
			chatmesh.CallClassChat:   NewRateLimiter(string(chatmesh.CallClassChat), cfg.ChatRPM),
			chatmesh.CallClassMemory: NewRateLimiter(string(chatmesh.CallClassMemory), cfg.MemoryRPM),
		},
		logger: slog.Default(),
	}

	d.clients = make(map[string]llm.Client)
	for _, acct := range router.Accounts() {
		d.clients[acct.Name] = llm.NewOpenAIClient(acct.APIKey)
	}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Chat runs a chat-class completion through the full pipeline.
func (d *Dispatcher) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.Completion, error) {
	v, err := d.do(ctx, chatmesh.CallClassChat, func(ctx context.Context, c llm.Client) (any, error) {
		return c.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*llm.Completion), nil
}

// Embed converts text to an embedding vector on the memory pool.
func (d *Dispatcher) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := d.do(ctx, chatmesh.CallClassMemory, func(ctx context.Context, c llm.Client) (any, error) {
		return c.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// LimiterStats exposes the per-pool limiter counters.
func (d *Dispatcher) LimiterStats() []RateLimiterStats {
	out := make([]RateLimiterStats, 0, len(d.limiters))
	for _, l := range d.limiters {
		out = append(out, l.Stats())
	}
	return out
}

// Close stops the worker pool after draining admitted work.
func (d *Dispatcher) Close() {
	d.pool.Close()
}

type callFunc func(ctx context.Context, c llm.Client) (any, error)

type callResult struct {
	value any
	err   error
}

// do admits the call into the pool and blocks on its result.
func (d *Dispatcher) do(ctx context.Context, class chatmesh.CallClass, call callFunc) (any, error) {
	ch := make(chan callResult, 1)
	err := d.pool.Submit(func() {
		v, callErr := d.execute(ctx, class, call)
		ch <- callResult{value: v, err: callErr}
	})
	if err != nil {
		if chatmesh.IsOverloaded(err) && d.metrics != nil {
			d.metrics.RecordRejected(ctx, string(class))
		}
		return nil, err
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, chatmesh.NewTimeoutError("call", string(class), ctx.Err())
	}
}

// execute runs the permit/select/call/classify loop on a worker.
func (d *Dispatcher) execute(ctx context.Context, class chatmesh.CallClass, call callFunc) (any, error) {
	requestID := uuid.NewString()
	start := time.Now()
	limiter := d.limiters[class]

	var lastErr error
	var previous string

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		acct := d.router.Select(class, attempt, previous)
		previous = acct.Name
		client, ok := d.clients[acct.Name]
		if !ok {
			return nil, chatmesh.NewTerminalRequestError(0,
				&unknownAccountError{name: acct.Name})
		}

		attemptStart := time.Now()
		v, err := call(ctx, client)
		elapsed := time.Since(attemptStart)
		if d.metrics != nil {
			d.metrics.RecordCall(ctx, string(class), acct.Name, elapsed, err)
		}
		if err == nil {
			return v, nil
		}

		switch llm.Classify(err) {
		case llm.ClassCanceled:
			return nil, chatmesh.NewTimeoutError("call", string(class), err)
		case llm.ClassTerminal:
			return nil, chatmesh.NewTerminalRequestError(llm.StatusCode(err), err)
		}

		lastErr = err
		d.logger.Warn("transient upstream failure",
			"request_id", requestID,
			"pool", string(class),
			"account", acct.Name,
			"attempt", attempt,
			"error", err)

		if attempt == d.cfg.MaxAttempts {
			break
		}
		if err := d.backoff(ctx, attempt); err != nil {
			return nil, chatmesh.NewTimeoutError("call", string(class), err)
		}
	}

	return nil, chatmesh.NewServiceUnavailableError(d.cfg.MaxAttempts, time.Since(start), lastErr)
}

// backoff sleeps for the jittered exponential delay of the given
// attempt, or returns early when ctx expires.
func (d *Dispatcher) backoff(ctx context.Context, attempt int) error {
	delay := d.cfg.InitialBackoff << (attempt - 1)
	if delay > d.cfg.MaxBackoff || delay <= 0 {
		delay = d.cfg.MaxBackoff
	}
	// Jitter to half the window so synchronized clients spread out.
	jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

	select {
	case <-time.After(jittered):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type unknownAccountError struct {
	name string
}

func (e *unknownAccountError) Error() string {
	return "no client configured for account " + e.name
}
