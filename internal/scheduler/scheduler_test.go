package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cascdr-labs/whispr/internal/cache"
	"github.com/cascdr-labs/whispr/internal/store"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	urlErr   error // URL path fails with this; the file path still works
	block    chan struct{}
	result   json.RawMessage
}

func (f *fakeProvider) TranscribeURL(ctx context.Context, _ string) (json.RawMessage, error) {
	if f.urlErr != nil {
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		return nil, f.urlErr
	}
	return f.attempt(ctx)
}

func (f *fakeProvider) TranscribeFile(ctx context.Context, _ string) (json.RawMessage, error) {
	return f.attempt(ctx)
}

func (f *fakeProvider) attempt(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.failures {
		return nil, fmt.Errorf("provider down (call %d)", n)
	}
	if f.result != nil {
		return f.result, nil
	}
	return json.RawMessage(`{"channels":[{"alternatives":[{"transcript":"ok"}]}]}`), nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type env struct {
	store    *store.Store
	cache    *cache.Cache
	provider *fakeProvider
	sched    *Scheduler
}

func newEnv(t *testing.T, provider *fakeProvider, opts Options) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(filepath.Join(t.TempDir(), "sched_test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if opts.DispatchInterval == 0 {
		opts.DispatchInterval = 10 * time.Millisecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxConcurrentJobs == 0 {
		opts.MaxConcurrentJobs = 2
	}

	c := cache.New(s, nil, log)
	return &env{
		store:    s,
		cache:    c,
		provider: provider,
		sched:    New(s, c, provider, nil, nil, opts, log),
	}
}

func (e *env) addJob(t *testing.T, hash string, data *store.RequestData) {
	t.Helper()
	rec := &store.JobRecord{
		PaymentHash:   hash,
		Service:       "WHSPR",
		Invoice:       json.RawMessage(`{}`),
		PaymentStatus: store.PaymentPaid,
		State:         store.StateNotPaid,
		RequestData:   data,
	}
	if err := e.store.CreateJob(context.Background(), rec); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueIdempotent(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, Options{})
	// Scheduler not started, so entries stay queued.

	first := e.sched.Enqueue("hash-a", "WHSPR")
	second := e.sched.Enqueue("hash-a", "WHSPR")

	if first.QueuePosition != 1 || second.QueuePosition != 1 {
		t.Fatalf("expected queue position 1 both times, got %d then %d", first.QueuePosition, second.QueuePosition)
	}
	if e.sched.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1, got %d", e.sched.QueueDepth())
	}
}

func TestQueuePositionsAreFIFO(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, Options{})

	for i := 1; i <= 3; i++ {
		info := e.sched.Enqueue(fmt.Sprintf("hash-%d", i), "WHSPR")
		if info.QueuePosition != i {
			t.Fatalf("job %d got position %d", i, info.QueuePosition)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})}
	e := newEnv(t, provider, Options{MaxConcurrentJobs: 2})

	for i := 0; i < 4; i++ {
		hash := fmt.Sprintf("hash-%d", i)
		e.addJob(t, hash, &store.RequestData{RemoteURL: "https://cdn.example/ep.mp3"})
		e.sched.Enqueue(hash, "WHSPR")
	}
	if err := e.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "two jobs processing", func() bool { return e.sched.ProcessingCount() == 2 })
	if depth := e.sched.QueueDepth(); depth != 2 {
		t.Fatalf("expected 2 jobs still queued, got %d", depth)
	}
	// Hold a moment to confirm the bound is not exceeded.
	time.Sleep(50 * time.Millisecond)
	if n := e.sched.ProcessingCount(); n != 2 {
		t.Fatalf("concurrency bound exceeded: %d", n)
	}

	close(provider.block)
	waitFor(t, "all jobs done", func() bool {
		for i := 0; i < 4; i++ {
			info, ok := e.sched.EntryInfo(fmt.Sprintf("hash-%d", i))
			if !ok || info.Status != StatusCompleted {
				return false
			}
		}
		return true
	})
	e.sched.Stop()
}

func TestRetryThenSucceed(t *testing.T) {
	provider := &fakeProvider{failures: 2}
	e := newEnv(t, provider, Options{MaxRetries: 3})

	e.addJob(t, "hash-retry", &store.RequestData{RemoteURL: "https://cdn.example/ep.mp3"})
	if err := e.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.sched.Enqueue("hash-retry", "WHSPR")

	waitFor(t, "job completed", func() bool {
		info, ok := e.sched.EntryInfo("hash-retry")
		return ok && info.Status == StatusCompleted
	})
	e.sched.Stop()

	info, _ := e.sched.EntryInfo("hash-retry")
	if info.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", info.Attempts)
	}
	rec, err := e.store.FindByPaymentHash(context.Background(), "hash-retry")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.StateDone {
		t.Fatalf("expected DONE record, got %s", rec.State)
	}
	if len(rec.RequestResponse) == 0 {
		t.Fatal("expected transcript payload on the record")
	}
}

func TestRetriesExhausted(t *testing.T) {
	provider := &fakeProvider{failures: 100}
	e := newEnv(t, provider, Options{MaxRetries: 3})

	e.addJob(t, "hash-fail", &store.RequestData{RemoteURL: "https://cdn.example/ep.mp3"})
	if err := e.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.sched.Enqueue("hash-fail", "WHSPR")

	waitFor(t, "job failed", func() bool {
		info, ok := e.sched.EntryInfo("hash-fail")
		return ok && info.Status == StatusFailed
	})
	e.sched.Stop()

	if provider.callCount() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", provider.callCount())
	}
	rec, err := e.store.FindByPaymentHash(context.Background(), "hash-fail")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.StateError {
		t.Fatalf("expected ERROR record, got %s", rec.State)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.RequestResponse, &payload); err != nil || payload.Error == "" {
		t.Fatalf("expected error payload, got %s", rec.RequestResponse)
	}
}

func TestCacheShortCircuit(t *testing.T) {
	provider := &fakeProvider{}
	e := newEnv(t, provider, Options{})

	cached := json.RawMessage(`{"channels":[{"alternatives":[{"transcript":"cached"}]}]}`)
	if err := e.cache.Store(context.Background(), "guid-1", cached); err != nil {
		t.Fatal(err)
	}

	e.addJob(t, "hash-cache", &store.RequestData{RemoteURL: "https://cdn.example/ep.mp3", GUID: "guid-1"})
	if err := e.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.sched.Enqueue("hash-cache", "WHSPR")

	waitFor(t, "cached job completed", func() bool {
		info, ok := e.sched.EntryInfo("hash-cache")
		return ok && info.Status == StatusCompleted
	})
	e.sched.Stop()

	if provider.callCount() != 0 {
		t.Fatalf("provider should not be called on a cache hit, got %d calls", provider.callCount())
	}
	rec, err := e.store.FindByPaymentHash(context.Background(), "hash-cache")
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.RequestResponse) != string(cached) {
		t.Fatalf("record should carry the cached payload, got %s", rec.RequestResponse)
	}
}

func TestRecoveryRequeuesInterruptedJobs(t *testing.T) {
	provider := &fakeProvider{}
	e := newEnv(t, provider, Options{})
	ctx := context.Background()

	e.addJob(t, "hash-working", &store.RequestData{RemoteURL: "https://cdn.example/a.mp3"})
	e.addJob(t, "hash-queued", &store.RequestData{RemoteURL: "https://cdn.example/b.mp3"})
	e.addJob(t, "hash-done", &store.RequestData{RemoteURL: "https://cdn.example/c.mp3"})

	for hash, state := range map[string]store.State{
		"hash-working": store.StateWorking,
		"hash-queued":  store.StateQueued,
		"hash-done":    store.StateDone,
	} {
		rec, err := e.store.FindByPaymentHash(ctx, hash)
		if err != nil {
			t.Fatal(err)
		}
		rec.State = state
		if err := e.store.SaveJob(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.sched.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "recovered jobs completed", func() bool {
		for _, hash := range []string{"hash-working", "hash-queued"} {
			info, ok := e.sched.EntryInfo(hash)
			if !ok || info.Status != StatusCompleted {
				return false
			}
		}
		return true
	})
	e.sched.Stop()

	if _, ok := e.sched.EntryInfo("hash-done"); ok {
		t.Fatal("terminal jobs must not be re-admitted on recovery")
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected exactly one attempt per recovered job, got %d calls", provider.callCount())
	}
}

func TestRemoveOnlyDropsTerminalEntries(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, Options{})

	e.sched.Enqueue("hash-q", "WHSPR")
	e.sched.Remove("hash-q")
	if _, ok := e.sched.EntryInfo("hash-q"); !ok {
		t.Fatal("queued entries must survive Remove")
	}
}

func TestAttemptTimeout(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})} // never released
	e := newEnv(t, provider, Options{MaxRetries: 1, AttemptTimeout: 20 * time.Millisecond})

	e.addJob(t, "hash-slow", &store.RequestData{RemoteURL: "https://cdn.example/slow.mp3"})
	if err := e.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.sched.Enqueue("hash-slow", "WHSPR")

	waitFor(t, "slow job failed", func() bool {
		info, ok := e.sched.EntryInfo("hash-slow")
		return ok && info.Status == StatusFailed
	})
	e.sched.Stop()

	rec, err := e.store.FindByPaymentHash(context.Background(), "hash-slow")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.StateError {
		t.Fatalf("expected ERROR record, got %s", rec.State)
	}
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls int
	path  string
	err   error
}

func (f *fakeDownloader) DownloadRemote(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRemoteFallbackDownloadsLocally(t *testing.T) {
	provider := &fakeProvider{urlErr: fmt.Errorf("remote fetch rejected")}
	e := newEnv(t, provider, Options{})

	path := filepath.Join(t.TempDir(), "dl.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	dl := &fakeDownloader{path: path}
	e.sched.downloader = dl

	e.addJob(t, "hash-fb", &store.RequestData{RemoteURL: "https://cdn.example/ep.mp3"})
	if err := e.sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.sched.Enqueue("hash-fb", "WHSPR")

	waitFor(t, "fallback job completed", func() bool {
		info, ok := e.sched.EntryInfo("hash-fb")
		return ok && info.Status == StatusCompleted
	})
	e.sched.Stop()

	if dl.callCount() != 1 {
		t.Fatalf("expected one download, got %d", dl.callCount())
	}
	info, _ := e.sched.EntryInfo("hash-fb")
	if info.Attempts != 1 {
		t.Fatalf("fallback should finish within the same attempt, got %d", info.Attempts)
	}
	rec, err := e.store.FindByPaymentHash(context.Background(), "hash-fb")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.StateDone {
		t.Fatalf("expected DONE record, got %s", rec.State)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("downloaded file should be removed after the attempt")
	}
}

func TestTerminalRecordNotReprocessed(t *testing.T) {
	provider := &fakeProvider{}
	e := newEnv(t, provider, Options{})
	ctx := context.Background()

	e.addJob(t, "hash-terminal", &store.RequestData{RemoteURL: "https://cdn.example/ep.mp3"})
	rec, err := e.store.FindByPaymentHash(ctx, "hash-terminal")
	if err != nil {
		t.Fatal(err)
	}
	rec.State = store.StateDone
	rec.RequestResponse = json.RawMessage(`{"channels":[{"alternatives":[{"transcript":"kept"}]}]}`)
	if err := e.store.SaveJob(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := e.sched.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// A late poll can re-admit a hash whose record already finished.
	e.sched.Enqueue("hash-terminal", "WHSPR")

	waitFor(t, "terminal job surfaced as completed", func() bool {
		info, ok := e.sched.EntryInfo("hash-terminal")
		return ok && info.Status == StatusCompleted
	})
	e.sched.Stop()

	if provider.callCount() != 0 {
		t.Fatalf("finished jobs must not run again, provider called %d times", provider.callCount())
	}
	got, err := e.store.FindByPaymentHash(ctx, "hash-terminal")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.StateDone || string(got.RequestResponse) != string(rec.RequestResponse) {
		t.Fatalf("stored outcome disturbed: %s %s", got.State, got.RequestResponse)
	}
}
