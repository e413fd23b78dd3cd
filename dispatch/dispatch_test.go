package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/llm"
)

// fakeClient scripts per-call outcomes for one account.
type fakeClient struct {
	mu       sync.Mutex
	calls    int
	failures []error // consumed in order; nil entry means success
	content  string

	embedding []float32

	block   chan struct{} // when set, Complete waits on it
	started chan struct{} // when set, closed on first Complete entry
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.ChatRequest) (*llm.Completion, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	var err error
	if len(f.failures) > 0 {
		err = f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	if f.started != nil && call == 1 {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Content: f.content}, nil
}

func (f *fakeClient) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.embedding, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRouter() *Router {
	return NewRouter(RouterConfig{
		ChatPrimary:   Account{Name: "main", APIKey: "key-main"},
		ChatSecondary: Account{Name: "backup", APIKey: "key-backup"},
		Memory:        &Account{Name: "memory", APIKey: "key-memory"},
	}, slog.New(slog.DiscardHandler))
}

func testDispatcher(t *testing.T, cfg Config, clients map[string]*fakeClient) *Dispatcher {
	t.Helper()
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.ChatRPM == 0 {
		cfg.ChatRPM = 600000
	}
	if cfg.MemoryRPM == 0 {
		cfg.MemoryRPM = 600000
	}
	d := New(cfg, testRouter(),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithClientFactory(func(a Account) llm.Client {
			return clients[a.Name]
		}))
	t.Cleanup(d.Close)
	return d
}

func transient() error {
	return &openai.APIError{HTTPStatusCode: 503, Message: "upstream unavailable"}
}

// TestRateLimiterBurst verifies the burst ceiling is one second of
// refill.
func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter("chat", 600) // 10 tokens/sec, 10 burst

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	for i := 0; i < 10; i++ {
		if err := rl.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d within burst failed: %v", i, err)
		}
	}
	if err := rl.Acquire(ctx); !chatmesh.IsTimeout(err) {
		t.Errorf("Expected TimeoutError past burst, got %v", err)
	}

	stats := rl.Stats()
	if stats.Granted != 10 || stats.TimedOut != 1 {
		t.Errorf("Expected 10 granted / 1 timed out, got %d / %d", stats.Granted, stats.TimedOut)
	}
}

// TestRateLimiterRefill verifies a blocked Acquire succeeds once tokens
// refill.
func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter("memory", 6000) // 100 tokens/sec

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := rl.Acquire(ctx); err != nil {
			t.Fatalf("Acquire within burst failed: %v", err)
		}
	}

	// Bucket is empty; the next permit needs ~10ms of refill.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	if err := rl.Acquire(waitCtx); err != nil {
		t.Fatalf("Acquire after refill failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("Expected Acquire to wait for refill, returned after %v", elapsed)
	}
}

// TestRouterRotation verifies the 5:1 primary/secondary cycle.
func TestRouterRotation(t *testing.T) {
	r := testRouter()

	var sequence []string
	for i := 0; i < 12; i++ {
		sequence = append(sequence, r.Select(chatmesh.CallClassChat, 1, "").Name)
	}

	for i, name := range sequence {
		want := "main"
		if (i+1)%6 == 0 {
			want = "backup"
		}
		if name != want {
			t.Errorf("Selection %d: expected %q, got %q", i+1, want, name)
		}
	}
}

// TestRouterRetryAvoidsPrevious verifies retries land on the other
// chat account.
func TestRouterRetryAvoidsPrevious(t *testing.T) {
	r := testRouter()

	if got := r.Select(chatmesh.CallClassChat, 2, "main").Name; got != "backup" {
		t.Errorf("Retry after main should pick backup, got %q", got)
	}
	if got := r.Select(chatmesh.CallClassChat, 2, "backup").Name; got != "main" {
		t.Errorf("Retry after backup should pick main, got %q", got)
	}
}

// TestRouterMemoryAccount verifies memory calls use the dedicated
// account, with fallback to the chat secondary.
func TestRouterMemoryAccount(t *testing.T) {
	r := testRouter()
	for i := 0; i < 5; i++ {
		if got := r.Select(chatmesh.CallClassMemory, 1, "").Name; got != "memory" {
			t.Fatalf("Expected dedicated memory account, got %q", got)
		}
	}

	noMem := NewRouter(RouterConfig{
		ChatPrimary:   Account{Name: "main"},
		ChatSecondary: Account{Name: "backup"},
	}, slog.New(slog.DiscardHandler))
	if got := noMem.Select(chatmesh.CallClassMemory, 1, "").Name; got != "backup" {
		t.Errorf("Expected fallback to chat secondary, got %q", got)
	}
}

// TestWorkerPoolRejectsWhenFull verifies Submit never blocks.
func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	p := NewWorkerPool(1, 1)
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	if err := p.Submit(func() { close(started); <-release }); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	<-started

	if err := p.Submit(func() { <-release }); err != nil {
		t.Fatalf("Queued submit failed: %v", err)
	}

	err := p.Submit(func() {})
	if !chatmesh.IsOverloaded(err) {
		t.Errorf("Expected OverloadedError on full queue, got %v", err)
	}
	var overloaded *chatmesh.OverloadedError
	if errors.As(err, &overloaded) && overloaded.QueueLimit != 1 {
		t.Errorf("Expected queue limit 1, got %d", overloaded.QueueLimit)
	}

	close(release)
}

// TestWorkerPoolClosed verifies Submit fails after Close.
func TestWorkerPoolClosed(t *testing.T) {
	p := NewWorkerPool(2, 4)
	p.Close()
	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

// TestDispatcherSuccess verifies the plain success path.
func TestDispatcherSuccess(t *testing.T) {
	main := &fakeClient{content: "hello"}
	d := testDispatcher(t, Config{Workers: 4, QueueDepth: 8}, map[string]*fakeClient{
		"main": main, "backup": {}, "memory": {},
	})

	got, err := d.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got.Content != "hello" {
		t.Errorf("Expected content %q, got %q", "hello", got.Content)
	}
	if main.callCount() != 1 {
		t.Errorf("Expected 1 upstream call, got %d", main.callCount())
	}
}

// TestDispatcherRetriesOnDifferentAccount verifies a transient failure
// is retried against the other account.
func TestDispatcherRetriesOnDifferentAccount(t *testing.T) {
	main := &fakeClient{failures: []error{transient()}}
	backup := &fakeClient{content: "recovered"}
	d := testDispatcher(t, Config{Workers: 2, QueueDepth: 4}, map[string]*fakeClient{
		"main": main, "backup": backup, "memory": {},
	})

	got, err := d.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed after retry: %v", err)
	}
	if got.Content != "recovered" {
		t.Errorf("Expected retry result, got %q", got.Content)
	}
	if main.callCount() != 1 || backup.callCount() != 1 {
		t.Errorf("Expected one call per account, got main=%d backup=%d",
			main.callCount(), backup.callCount())
	}
}

// TestDispatcherTerminalNoRetry verifies terminal failures surface
// immediately.
func TestDispatcherTerminalNoRetry(t *testing.T) {
	main := &fakeClient{failures: []error{
		&openai.APIError{HTTPStatusCode: 400, Message: "bad request"},
	}}
	backup := &fakeClient{}
	d := testDispatcher(t, Config{Workers: 2, QueueDepth: 4}, map[string]*fakeClient{
		"main": main, "backup": backup, "memory": {},
	})

	_, err := d.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if !chatmesh.IsTerminal(err) {
		t.Fatalf("Expected TerminalRequestError, got %v", err)
	}
	var terminal *chatmesh.TerminalRequestError
	if errors.As(err, &terminal) && terminal.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", terminal.StatusCode)
	}
	if backup.callCount() != 0 {
		t.Errorf("Terminal failure must not retry, backup saw %d calls", backup.callCount())
	}
}

// TestDispatcherServiceUnavailable verifies retry exhaustion.
func TestDispatcherServiceUnavailable(t *testing.T) {
	main := &fakeClient{failures: []error{transient(), transient()}}
	backup := &fakeClient{failures: []error{transient()}}
	d := testDispatcher(t, Config{Workers: 2, QueueDepth: 4, MaxAttempts: 3},
		map[string]*fakeClient{"main": main, "backup": backup, "memory": {}})

	_, err := d.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if !chatmesh.IsServiceUnavailable(err) {
		t.Fatalf("Expected ServiceUnavailableError, got %v", err)
	}
	var unavailable *chatmesh.ServiceUnavailableError
	if errors.As(err, &unavailable) && unavailable.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", unavailable.Attempts)
	}
	if total := main.callCount() + backup.callCount(); total != 3 {
		t.Errorf("Expected 3 total upstream calls, got %d", total)
	}
}

// TestDispatcherOverloaded verifies a saturated queue rejects without
// blocking the caller.
func TestDispatcherOverloaded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	main := &fakeClient{content: "ok", block: release, started: started}
	d := testDispatcher(t, Config{Workers: 1, QueueDepth: 1}, map[string]*fakeClient{
		"main": main, "backup": {content: "ok"}, "memory": {},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			d.Chat(context.Background(), &llm.ChatRequest{
				Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
			})
		}()
	}
	<-started
	waitForDepth(t, d.pool, 1)

	_, err := d.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if !chatmesh.IsOverloaded(err) {
		t.Errorf("Expected OverloadedError, got %v", err)
	}

	close(release)
	wg.Wait()
}

// TestDispatcherPermitTimeout verifies an exhausted rate pool yields a
// TimeoutError under a short deadline.
func TestDispatcherPermitTimeout(t *testing.T) {
	main := &fakeClient{content: "ok"}
	d := testDispatcher(t, Config{Workers: 2, QueueDepth: 4, ChatRPM: 60},
		map[string]*fakeClient{"main": main, "backup": {}, "memory": {}})

	if _, err := d.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("First chat failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if !chatmesh.IsTimeout(err) {
		t.Errorf("Expected TimeoutError on exhausted pool, got %v", err)
	}
}

// TestDispatcherEmbedUsesMemoryPool verifies embeddings route to the
// memory account and pool.
func TestDispatcherEmbedUsesMemoryPool(t *testing.T) {
	memory := &fakeClient{embedding: []float32{0.1, 0.2}}
	d := testDispatcher(t, Config{Workers: 2, QueueDepth: 4}, map[string]*fakeClient{
		"main": {}, "backup": {}, "memory": memory,
	})

	vec, err := d.Embed(context.Background(), "remember this")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 2 {
		t.Errorf("Expected embedding of length 2, got %d", len(vec))
	}
	if memory.callCount() != 1 {
		t.Errorf("Expected memory account call, got %d", memory.callCount())
	}
}

// TestDispatcherMetrics verifies attempt and rejection recording.
func TestDispatcherMetrics(t *testing.T) {
	rec := &countingRecorder{}
	main := &fakeClient{failures: []error{transient()}}
	backup := &fakeClient{content: "ok"}
	d := New(Config{Workers: 2, QueueDepth: 4, ChatRPM: 600000, MemoryRPM: 600000, InitialBackoff: time.Millisecond},
		testRouter(),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithMetrics(rec),
		WithClientFactory(func(a Account) llm.Client {
			return map[string]*fakeClient{"main": main, "backup": backup, "memory": {}}[a.Name]
		}))
	defer d.Close()

	if _, err := d.Chat(context.Background(), &llm.ChatRequest{
		Messages: []llm.ChatMessage{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := rec.calls.Load(); got != 2 {
		t.Errorf("Expected 2 recorded attempts, got %d", got)
	}
}

type countingRecorder struct {
	calls    atomic.Int64
	rejected atomic.Int64
}

func (c *countingRecorder) RecordCall(ctx context.Context, pool, account string, elapsed time.Duration, err error) {
	c.calls.Add(1)
}

func (c *countingRecorder) RecordRejected(ctx context.Context, pool string) {
	c.rejected.Add(1)
}

func waitForDepth(t *testing.T, p *WorkerPool, depth int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Depth() >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Queue never reached depth %d", depth)
}
