package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/mediflow/internal/jobs"
	"github.com/yourusername/mediflow/internal/processor"
	"github.com/yourusername/mediflow/internal/progress"
)

type stubProcessor struct {
	mu         sync.Mutex
	calls      int
	targets    []string
	batchSizes []int
	batchErr   error
	itemErrs   map[string]error
	warmupErr  error
}

func (s *stubProcessor) Name() string { return "stub" }

func (s *stubProcessor) Warmup(_ context.Context) error { return s.warmupErr }

func (s *stubProcessor) ProcessBatch(_ context.Context, target string, requests []processor.Request) ([]processor.Result, error) {
	s.mu.Lock()
	s.calls++
	s.targets = append(s.targets, target)
	s.batchSizes = append(s.batchSizes, len(requests))
	s.mu.Unlock()

	if s.batchErr != nil {
		return nil, s.batchErr
	}
	results := make([]processor.Result, len(requests))
	for i, req := range requests {
		results[i] = processor.Result{
			JobID: req.JobID,
			Value: "processed:" + req.Text,
			Err:   s.itemErrs[req.JobID],
		}
	}
	return results, nil
}

func (s *stubProcessor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testJob(id, target, text string) *jobs.Job {
	return &jobs.Job{
		ID:          id,
		Fingerprint: "fp-" + id,
		Operation:   jobs.OperationTranslate,
		Target:      target,
		Payload:     jobs.Payload{Text: text},
		CreatedAt:   time.Now().UTC(),
	}
}

func newTestPool(t *testing.T, proc processor.Processor, opts Options) (*Pool, *jobs.MemoryCache, *jobs.MemoryQueue) {
	t.Helper()
	cache := jobs.NewMemoryCache()
	queue := jobs.NewMemoryQueue()
	registry := NewRegistry()
	if proc != nil {
		registry.Register(jobs.OperationTranslate, proc)
	}
	pool, err := NewPool(queue, cache, registry, progress.NewMemoryHub(), nil, opts, nil)
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	return pool, cache, queue
}

func entryStatus(t *testing.T, cache *jobs.MemoryCache, fingerprint string) *jobs.Entry {
	t.Helper()
	entry, err := cache.Get(context.Background(), fingerprint)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if entry == nil {
		t.Fatalf("no cache entry for %s", fingerprint)
	}
	return entry
}

func TestGroupByKey(t *testing.T) {
	batch := []*jobs.Job{
		testJob("1", "es", "a"),
		testJob("2", "fr", "b"),
		testJob("3", "es", "c"),
	}

	groups := groupByKey(batch)
	if len(groups) != 2 {
		t.Fatalf("unexpected group count: %d", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].ID != "1" || groups[0][1].ID != "3" {
		t.Fatalf("unexpected first group: %#v", groups[0])
	}
	if len(groups[1]) != 1 || groups[1][0].ID != "2" {
		t.Fatalf("unexpected second group: %#v", groups[1])
	}
}

func TestProcessGroupCompletesJobs(t *testing.T) {
	proc := &stubProcessor{}
	pool, cache, _ := newTestPool(t, proc, Options{RetryBaseDelay: time.Millisecond})

	group := []*jobs.Job{
		testJob("1", "es", "first"),
		testJob("2", "es", "second"),
	}
	pool.processGroup(context.Background(), 0, group)

	if proc.callCount() != 1 {
		t.Fatalf("expected a single batched call, got %d", proc.callCount())
	}
	if proc.batchSizes[0] != 2 {
		t.Fatalf("unexpected batch size: %d", proc.batchSizes[0])
	}

	for _, job := range group {
		entry := entryStatus(t, cache, job.Fingerprint)
		if entry.Status != jobs.StatusCompleted {
			t.Fatalf("job %s not completed: %s", job.ID, entry.Status)
		}
	}
	if entryStatus(t, cache, "fp-1").Result != "processed:first" {
		t.Fatalf("unexpected result: %v", entryStatus(t, cache, "fp-1").Result)
	}

	processed, failed, _ := cache.Counters(context.Background())
	if processed != 2 || failed != 0 {
		t.Fatalf("unexpected counters: processed=%d failed=%d", processed, failed)
	}
}

func TestProcessGroupPartialFailure(t *testing.T) {
	proc := &stubProcessor{
		itemErrs: map[string]error{"2": errors.New("untranslatable segment")},
	}
	pool, cache, _ := newTestPool(t, proc, Options{RetryBaseDelay: time.Millisecond})

	group := []*jobs.Job{
		testJob("1", "es", "first"),
		testJob("2", "es", "second"),
	}
	pool.processGroup(context.Background(), 0, group)

	if entryStatus(t, cache, "fp-1").Status != jobs.StatusCompleted {
		t.Fatal("healthy job was not completed")
	}
	failedEntry := entryStatus(t, cache, "fp-2")
	if failedEntry.Status != jobs.StatusFailed {
		t.Fatalf("failing job not marked failed: %s", failedEntry.Status)
	}
	if failedEntry.Error == nil || failedEntry.Error.Code != "PROCESSING_FAILED" {
		t.Fatalf("unexpected error info: %+v", failedEntry.Error)
	}

	processed, failed, _ := cache.Counters(context.Background())
	if processed != 1 || failed != 1 {
		t.Fatalf("unexpected counters: processed=%d failed=%d", processed, failed)
	}
}

func TestProcessGroupRetriesTransientUntilExhausted(t *testing.T) {
	proc := &stubProcessor{batchErr: processor.Transient(errors.New("rate limited"))}
	pool, cache, _ := newTestPool(t, proc, Options{
		MaxRetryAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
	})

	group := []*jobs.Job{testJob("1", "es", "first")}
	pool.processGroup(context.Background(), 0, group)

	if proc.callCount() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", proc.callCount())
	}
	entry := entryStatus(t, cache, "fp-1")
	if entry.Status != jobs.StatusFailed {
		t.Fatalf("job not marked failed: %s", entry.Status)
	}
	if entry.Error == nil || entry.Error.Code != "RETRY_EXHAUSTED" {
		t.Fatalf("unexpected error info: %+v", entry.Error)
	}
	if group[0].Attempts != 2 {
		t.Fatalf("unexpected attempts recorded on job: %d", group[0].Attempts)
	}
}

func TestProcessGroupPermanentFailureDoesNotRetry(t *testing.T) {
	proc := &stubProcessor{batchErr: processor.Permanent(errors.New("input rejected"))}
	pool, cache, _ := newTestPool(t, proc, Options{
		MaxRetryAttempts: 3,
		RetryBaseDelay:   time.Millisecond,
	})

	group := []*jobs.Job{testJob("1", "es", "first")}
	pool.processGroup(context.Background(), 0, group)

	if proc.callCount() != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", proc.callCount())
	}
	entry := entryStatus(t, cache, "fp-1")
	if entry.Status != jobs.StatusFailed {
		t.Fatalf("job not marked failed: %s", entry.Status)
	}
	if entry.Error == nil || entry.Error.Code != "PROCESSING_FAILED" {
		t.Fatalf("unexpected error info: %+v", entry.Error)
	}
}

func TestProcessGroupUnknownOperation(t *testing.T) {
	pool, cache, _ := newTestPool(t, nil, Options{RetryBaseDelay: time.Millisecond})

	group := []*jobs.Job{testJob("1", "es", "first")}
	pool.processGroup(context.Background(), 0, group)

	entry := entryStatus(t, cache, "fp-1")
	if entry.Status != jobs.StatusFailed {
		t.Fatalf("job not marked failed: %s", entry.Status)
	}
	if entry.Error == nil || entry.Error.Code != "UNSUPPORTED_OPERATION" {
		t.Fatalf("unexpected error info: %+v", entry.Error)
	}
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	proc := &stubProcessor{}
	pool, cache, queue := newTestPool(t, proc, Options{
		Concurrency:    1,
		BatchSize:      4,
		BatchWait:      10 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer pool.Shutdown()

	if _, err := queue.Enqueue(ctx, testJob("1", "fr", "hello")); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		entry, err := cache.Get(ctx, "fp-1")
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if entry != nil && entry.Status == jobs.StatusCompleted {
			if entry.Result != "processed:hello" {
				t.Fatalf("unexpected result: %v", entry.Result)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("job was not processed in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// blockingProcessor は ProcessBatch の進行をテスト側から制御するスタブです。
type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingProcessor) Name() string { return "blocking" }

func (b *blockingProcessor) Warmup(_ context.Context) error { return nil }

func (b *blockingProcessor) ProcessBatch(ctx context.Context, _ string, requests []processor.Request) ([]processor.Result, error) {
	close(b.started)
	<-b.release
	// シャットダウンが処理中の呼び出しのコンテキストまで止めていないこと
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]processor.Result, len(requests))
	for i, req := range requests {
		results[i] = processor.Result{JobID: req.JobID, Value: "processed:" + req.Text}
	}
	return results, nil
}

func TestShutdownDrainsInFlightBatch(t *testing.T) {
	proc := &blockingProcessor{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	pool, cache, queue := newTestPool(t, proc, Options{
		Concurrency:    1,
		BatchSize:      1,
		BatchWait:      10 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if _, err := queue.Enqueue(ctx, testJob("1", "fr", "hello")); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not claim the job")
	}

	// 処理中のバッチを残したまま停止を要求する
	cancel()
	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()

	close(proc.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not finish")
	}

	entry, err := cache.Get(context.Background(), "fp-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if entry == nil {
		t.Fatal("claimed job left no cache entry after shutdown")
	}
	if entry.Status != jobs.StatusCompleted {
		t.Fatalf("claimed job was not drained to completion: %s", entry.Status)
	}
	if entry.Result != "processed:hello" {
		t.Fatalf("unexpected result: %v", entry.Result)
	}
}

func TestPoolStartFailsWhenWarmupFails(t *testing.T) {
	proc := &stubProcessor{warmupErr: errors.New("model unavailable")}
	pool, _, _ := newTestPool(t, proc, Options{})

	if err := pool.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when warmup fails")
	}
}
