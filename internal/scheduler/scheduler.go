// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cascdr-labs/whispr/internal/bus"
	"github.com/cascdr-labs/whispr/internal/cache"
	"github.com/cascdr-labs/whispr/internal/store"
	"github.com/cascdr-labs/whispr/internal/transcribe"
	"github.com/cascdr-labs/whispr/pkg/schema"
)

// Status is an in-memory queue entry's stage.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Entry is the scheduler's in-memory view of one admitted job. It mirrors
// the durable JobRecord but holds the transient fields (attempts, queue
// timestamps) that do not belong in the store.
type Entry struct {
	PaymentHash string
	Service     string
	Status      Status
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Attempts    int
	Err         string
}

// Info is the client-visible snapshot of an entry.
type Info struct {
	PaymentHash   string    `json:"paymentHash"`
	Service       string    `json:"service"`
	Status        Status    `json:"status"`
	QueuePosition int       `json:"queuePosition,omitempty"` // 1-based; 0 when not waiting
	Attempts      int       `json:"attempts"`
	QueuedAt      time.Time `json:"queuedAt"`
	Err           string    `json:"error,omitempty"`
}

// Options bound the scheduler's behavior.
type Options struct {
	MaxConcurrentJobs int
	MaxRetries        int
	DispatchInterval  time.Duration
	AttemptTimeout    time.Duration
	EventSubject      string
}

// Downloader pulls a remote media URL to a local temp file. Used as the
// fallback when the provider cannot fetch the URL itself.
type Downloader interface {
	DownloadRemote(ctx context.Context, remoteURL string) (string, error)
}

// Scheduler runs admitted jobs in FIFO order under a fixed concurrency
// bound. Failed attempts requeue to the tail until the retry bound is hit.
type Scheduler struct {
	store      *store.Store
	cache      *cache.Cache
	provider   transcribe.Provider
	downloader Downloader
	events     bus.Publisher
	opts       Options
	log        *slog.Logger

	mu         sync.Mutex
	entries    map[string]*Entry
	queued     []string // payment hashes in FIFO order
	processing int

	permits chan struct{}
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(s *store.Store, c *cache.Cache, p transcribe.Provider, dl Downloader, events bus.Publisher, opts Options, log *slog.Logger) *Scheduler {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 2
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.DispatchInterval <= 0 {
		opts.DispatchInterval = 5 * time.Second
	}
	return &Scheduler{
		store:      s,
		cache:      c,
		provider:   p,
		downloader: dl,
		events:     events,
		opts:       opts,
		log:        log,
		entries:    make(map[string]*Entry),
		permits:    make(chan struct{}, opts.MaxConcurrentJobs),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Start recovers interrupted jobs from the store and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts dispatching and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// recover re-admits jobs that a previous process left mid-flight. A WORKING
// record means the process died during an attempt; QUEUED means it died
// between a retry and the next dispatch. Both go back to the queue tail.
func (s *Scheduler) recover(ctx context.Context) error {
	recs, err := s.store.ListByState(ctx, store.StateWorking, store.StateQueued)
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	for _, rec := range recs {
		info := s.Enqueue(rec.PaymentHash, rec.Service)
		s.log.Info("recovered interrupted job", "payment_hash", rec.PaymentHash, "state", string(rec.State), "queue_position", info.QueuePosition)
	}
	return nil
}

// Enqueue admits a paid job. Calling it again for the same payment hash is
// a no-op that returns the current snapshot, so polling clients cannot
// duplicate work.
func (s *Scheduler) Enqueue(paymentHash, service string) Info {
	s.mu.Lock()

	if e, ok := s.entries[paymentHash]; ok {
		info := s.infoLocked(e)
		s.mu.Unlock()
		return info
	}

	e := &Entry{
		PaymentHash: paymentHash,
		Service:     service,
		Status:      StatusQueued,
		QueuedAt:    time.Now(),
	}
	s.entries[paymentHash] = e
	s.queued = append(s.queued, paymentHash)
	info := s.infoLocked(e)
	s.mu.Unlock()

	s.log.Info("job enqueued", "payment_hash", paymentHash, "service", service, "queue_position", info.QueuePosition)
	s.publish(schema.JobLifecycleEvent{
		PaymentHash:   paymentHash,
		Service:       service,
		Stage:         schema.StageQueued,
		QueuePosition: info.QueuePosition,
	})
	s.kick()
	return info
}

// Remove drops a terminal entry so clients that fetched their result do not
// leak memory. Queued or processing entries are left alone.
func (s *Scheduler) Remove(paymentHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[paymentHash]
	if !ok {
		return
	}
	if e.Status == StatusCompleted || e.Status == StatusFailed {
		delete(s.entries, paymentHash)
	}
}

// EntryInfo returns the snapshot for a payment hash, if it is tracked.
func (s *Scheduler) EntryInfo(paymentHash string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[paymentHash]
	if !ok {
		return Info{}, false
	}
	return s.infoLocked(e), true
}

// QueueDepth is the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// ProcessingCount is the number of jobs currently running.
func (s *Scheduler) ProcessingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func (s *Scheduler) infoLocked(e *Entry) Info {
	info := Info{
		PaymentHash: e.PaymentHash,
		Service:     e.Service,
		Status:      e.Status,
		Attempts:    e.Attempts,
		QueuedAt:    e.QueuedAt,
		Err:         e.Err,
	}
	if e.Status == StatusQueued {
		for i, hash := range s.queued {
			if hash == e.PaymentHash {
				info.QueuePosition = i + 1
				break
			}
		}
	}
	return info
}

// kick nudges the dispatch loop without waiting for the next tick.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.DispatchInterval)
	defer ticker.Stop()

	for {
		s.dispatch()
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatch starts queued jobs while permits are available, oldest first.
func (s *Scheduler) dispatch() {
	for {
		select {
		case s.permits <- struct{}{}:
		default:
			return
		}

		s.mu.Lock()
		if len(s.queued) == 0 {
			s.mu.Unlock()
			<-s.permits
			return
		}
		hash := s.queued[0]
		s.queued = s.queued[1:]
		e := s.entries[hash]
		e.Status = StatusProcessing
		e.StartedAt = time.Now()
		e.Attempts++
		s.processing++
		attempts := e.Attempts
		service := e.Service
		s.mu.Unlock()

		s.publish(schema.JobLifecycleEvent{
			PaymentHash: hash,
			Service:     service,
			Stage:       schema.StageProcessing,
			Attempts:    attempts,
		})

		s.wg.Add(1)
		go s.process(hash, service, attempts)
	}
}

func (s *Scheduler) process(paymentHash, service string, attempts int) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.processing--
		s.mu.Unlock()
		<-s.permits
		s.kick()
	}()

	ctx := context.Background()
	log := s.log.With("payment_hash", paymentHash, "attempt", attempts)

	rec, err := s.store.FindByPaymentHash(ctx, paymentHash)
	if err != nil {
		log.Error("job record missing, dropping", "err", err)
		s.finalize(ctx, nil, paymentHash, service, fmt.Sprintf("job record not found: %v", err))
		return
	}

	// A poll can re-enqueue a hash between its record read and the payment
	// check; if the job finished in that window, surface the stored outcome
	// instead of running another attempt.
	switch rec.State {
	case store.StateDone:
		s.mu.Lock()
		if e, ok := s.entries[paymentHash]; ok {
			e.Status = StatusCompleted
			e.CompletedAt = time.Now()
			e.Err = ""
		}
		s.mu.Unlock()
		log.Info("job already complete, skipping attempt")
		s.publish(schema.JobLifecycleEvent{
			PaymentHash: paymentHash,
			Service:     service,
			Stage:       schema.StageCompleted,
			Attempts:    attempts,
		})
		return
	case store.StateError:
		var stored struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(rec.RequestResponse, &stored)
		if stored.Error == "" {
			stored.Error = "job previously failed"
		}
		log.Warn("job already failed, skipping attempt")
		s.finalize(ctx, rec, paymentHash, service, stored.Error)
		return
	}

	rec.State = store.StateWorking
	if err := s.store.SaveJob(ctx, rec); err != nil {
		log.Error("cannot mark job working", "err", err)
		s.finalize(ctx, rec, paymentHash, service, fmt.Sprintf("persist working state: %v", err))
		return
	}

	result, fromCache, err := s.runAttempt(ctx, rec, log)
	if err != nil {
		s.handleFailure(ctx, rec, log, err)
		return
	}

	rec.RequestResponse = result
	rec.State = store.StateDone
	if err := s.store.SaveJob(ctx, rec); err != nil {
		log.Error("cannot persist result", "err", err)
		s.finalize(ctx, rec, paymentHash, service, fmt.Sprintf("persist result: %v", err))
		return
	}

	if !fromCache && rec.RequestData != nil && rec.RequestData.GUID != "" {
		if err := s.cache.Store(ctx, rec.RequestData.GUID, result); err != nil {
			log.Warn("cannot cache transcript", "guid", rec.RequestData.GUID, "err", err)
		}
	}
	s.cleanupLocalFile(rec, log)

	s.mu.Lock()
	if e, ok := s.entries[paymentHash]; ok {
		e.Status = StatusCompleted
		e.CompletedAt = time.Now()
		e.Err = ""
	}
	s.mu.Unlock()

	if t, ok := transcribe.Transcript(result); ok {
		log.Info("job completed", "from_cache", fromCache, "transcript", transcribe.Preview(t, 120))
	} else {
		log.Info("job completed", "from_cache", fromCache)
	}
	s.publish(schema.JobLifecycleEvent{
		PaymentHash: paymentHash,
		Service:     service,
		Stage:       schema.StageCompleted,
		Attempts:    attempts,
		FromCache:   fromCache,
	})
}

// runAttempt performs one transcription attempt: cache first, then the
// provider, remote URL preferred over a local file.
func (s *Scheduler) runAttempt(ctx context.Context, rec *store.JobRecord, log *slog.Logger) (json.RawMessage, bool, error) {
	if rec.RequestData != nil && rec.RequestData.GUID != "" {
		cached, hit, err := s.cache.Lookup(ctx, rec.RequestData.GUID)
		if err != nil {
			log.Warn("cache lookup failed", "guid", rec.RequestData.GUID, "err", err)
		} else if hit {
			return cached, true, nil
		}
	}

	if s.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AttemptTimeout)
		defer cancel()
	}

	if rec.RequestData == nil {
		return nil, false, fmt.Errorf("job has no request data")
	}
	if rec.RequestData.RemoteURL != "" {
		result, err := s.provider.TranscribeURL(ctx, rec.RequestData.RemoteURL)
		if err != nil && s.downloader != nil {
			// Some hosts reject the provider's fetcher; pull the file
			// ourselves and retry the attempt against local bytes.
			log.Warn("remote transcription failed, downloading locally", "err", err)
			path, dlErr := s.downloader.DownloadRemote(ctx, rec.RequestData.RemoteURL)
			if dlErr != nil {
				return nil, false, err
			}
			defer os.Remove(path)
			result, err = s.provider.TranscribeFile(ctx, path)
			return result, false, err
		}
		return result, false, err
	}
	if rec.RequestData.FilePath != "" {
		result, err := s.provider.TranscribeFile(ctx, rec.RequestData.FilePath)
		return result, false, err
	}
	return nil, false, fmt.Errorf("job has neither remote url nor local file")
}

// handleFailure requeues the job to the tail while attempts remain,
// otherwise records the error payload as the terminal result.
func (s *Scheduler) handleFailure(ctx context.Context, rec *store.JobRecord, log *slog.Logger, attemptErr error) {
	s.mu.Lock()
	e, ok := s.entries[rec.PaymentHash]
	var attempts int
	if ok {
		attempts = e.Attempts
	}
	retry := ok && attempts < s.opts.MaxRetries
	if retry {
		e.Status = StatusQueued
		e.Err = attemptErr.Error()
		s.queued = append(s.queued, rec.PaymentHash)
	}
	s.mu.Unlock()

	if retry {
		rec.State = store.StateQueued
		if err := s.store.SaveJob(ctx, rec); err != nil {
			log.Error("cannot persist retry state", "err", err)
		}
		log.Warn("attempt failed, requeued", "err", attemptErr)
		s.publish(schema.JobLifecycleEvent{
			PaymentHash: rec.PaymentHash,
			Service:     rec.Service,
			Stage:       schema.StageRetrying,
			Attempts:    attempts,
			Error:       attemptErr.Error(),
		})
		s.kick()
		return
	}

	payload, _ := json.Marshal(map[string]string{"error": attemptErr.Error()})
	rec.RequestResponse = payload
	rec.State = store.StateError
	if err := s.store.SaveJob(ctx, rec); err != nil {
		log.Error("cannot persist error state", "err", err)
	}
	s.cleanupLocalFile(rec, log)

	log.Error("job failed permanently", "attempts", attempts, "err", attemptErr)
	s.finalize(ctx, rec, rec.PaymentHash, rec.Service, attemptErr.Error())
}

// finalize marks the in-memory entry FAILED and publishes the terminal event.
func (s *Scheduler) finalize(_ context.Context, _ *store.JobRecord, paymentHash, service, errMsg string) {
	var attempts int
	s.mu.Lock()
	if e, ok := s.entries[paymentHash]; ok {
		e.Status = StatusFailed
		e.CompletedAt = time.Now()
		e.Err = errMsg
		attempts = e.Attempts
	}
	s.mu.Unlock()

	s.publish(schema.JobLifecycleEvent{
		PaymentHash: paymentHash,
		Service:     service,
		Stage:       schema.StageFailed,
		Attempts:    attempts,
		Error:       errMsg,
	})
}

// cleanupLocalFile removes the temp upload once a job reaches a terminal
// state. Remote-URL jobs have nothing to clean.
func (s *Scheduler) cleanupLocalFile(rec *store.JobRecord, log *slog.Logger) {
	if rec.RequestData == nil || rec.RequestData.FilePath == "" {
		return
	}
	if err := os.Remove(rec.RequestData.FilePath); err != nil && !os.IsNotExist(err) {
		log.Warn("cannot remove temp file", "path", rec.RequestData.FilePath, "err", err)
	}
}

func (s *Scheduler) publish(ev schema.JobLifecycleEvent) {
	if s.events == nil || s.opts.EventSubject == "" {
		return
	}
	ev.HappenedAt = time.Now().Unix()
	if err := s.events.PublishJSON(s.opts.EventSubject, ev); err != nil {
		s.log.Debug("cannot publish lifecycle event", "stage", string(ev.Stage), "err", err)
	}
}
