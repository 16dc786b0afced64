package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/yourusername/mediflow/internal/document"
	"github.com/yourusername/mediflow/internal/jobs"
	"github.com/yourusername/mediflow/internal/processor"
	"github.com/yourusername/mediflow/internal/progress"
)

// Options はワーカープールの動作設定です。
type Options struct {
	Concurrency      int           // ワーカーゴルーチン数
	BatchSize        int           // 一度にデキューするジョブの最大数
	BatchWait        time.Duration // バッチを埋めるための追加待ち時間
	MaxRetryAttempts int           // Processor呼び出しの最大試行回数（初回を含む）
	RetryBaseDelay   time.Duration // 指数バックオフの基準待ち時間
	ProcessTimeout   time.Duration // Processor1回あたりのタイムアウト
	ResultTTL        time.Duration // 結果エントリの有効期限
}

func (o *Options) fillDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 8
	}
	if o.BatchWait <= 0 {
		o.BatchWait = time.Second
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = time.Minute
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = time.Hour
	}
}

// Pool はキューからジョブを取り出して処理する固定サイズのワーカープールです。
// 各ワーカーはバッチを処理パラメータでグループ化し、グループごとに1回だけ
// Processor を呼び出します。
type Pool struct {
	queue     jobs.Queue
	cache     jobs.Cache
	registry  *Registry
	publisher progress.Publisher
	store     *document.Store
	opts      Options
	logger    *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool は Pool を作成します。store はファイル入力を扱わない場合 nil で構いません。
func NewPool(queue jobs.Queue, cache jobs.Cache, registry *Registry, publisher progress.Publisher, store *document.Store, opts Options, logger *log.Logger) (*Pool, error) {
	if queue == nil {
		return nil, errors.New("queue is nil")
	}
	if cache == nil {
		return nil, errors.New("cache is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opts.fillDefaults()
	return &Pool{
		queue:     queue,
		cache:     cache,
		registry:  registry,
		publisher: publisher,
		store:     store,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Start は Processor を初期化し、ワーカーをバックグラウンドで起動します。
func (p *Pool) Start(ctx context.Context) error {
	if err := p.registry.Warmup(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}
	p.logger.Printf("worker pool started: workers=%d batchSize=%d", p.opts.Concurrency, p.opts.BatchSize)
	return nil
}

// Shutdown は新規デキューを止め、処理中のバッチが終わるまで待ちます。
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Printf("worker pool stopped")
}

// run は1ワーカーのメインループです。
// ctx のキャンセルは新規デキューだけを止めます。クレーム済みのバッチはキューから
// 破壊的に取り出しているため、処理と結果の書き込みはキャンセル後も完了させます。
func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	workCtx := context.WithoutCancel(ctx)
	for {
		batch, err := p.queue.DequeueBatch(ctx, p.opts.BatchSize, p.opts.BatchWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("worker %d: dequeue failed: %v", id, err)
			// バックエンド障害時は少し待ってから再試行する
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		p.logger.Printf("worker %d: processing batch of %d jobs", id, len(batch))
		for _, group := range groupByKey(batch) {
			p.processGroup(workCtx, id, group)
		}
	}
}

// groupByKey はバッチを (operation, target) でグループ化します。
// グループ化によりProcessor呼び出し回数をジョブ数からグループ数に減らします。
func groupByKey(batch []*jobs.Job) [][]*jobs.Job {
	index := make(map[string]int)
	var groups [][]*jobs.Job
	for _, job := range batch {
		key := job.GroupKey()
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], job)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []*jobs.Job{job})
	}
	return groups
}

// processGroup は1グループを処理します。グループ内の失敗やパニックが
// 他のグループやプール全体を止めることはありません。
func (p *Pool) processGroup(ctx context.Context, workerID int, group []*jobs.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("worker %d: panic while processing group: %v", workerID, r)
			p.failJobs(ctx, group, &jobs.ErrorInfo{
				Code:    "INTERNAL_ERROR",
				Message: "ジョブの処理中に内部エラーが発生しました。",
			})
		}
	}()

	op := group[0].Operation
	target := group[0].Target

	proc, ok := p.registry.Get(op)
	if !ok {
		p.failJobs(ctx, group, &jobs.ErrorInfo{
			Code:    "UNSUPPORTED_OPERATION",
			Message: fmt.Sprintf("処理種別 %s に対応するProcessorが登録されていません。", op),
		})
		return
	}

	// クレームしたジョブを in_progress に遷移させる
	for _, job := range group {
		p.markInProgress(ctx, job)
	}

	// ペイロードを解決できなかったジョブは個別に失敗させ、残りの処理を続ける
	requests := make([]processor.Request, 0, len(group))
	active := make([]*jobs.Job, 0, len(group))
	for _, job := range group {
		text, err := p.resolvePayload(job)
		if err != nil {
			p.failJobs(ctx, []*jobs.Job{job}, &jobs.ErrorInfo{
				Code:    "PAYLOAD_UNAVAILABLE",
				Message: "ジョブの入力データを読み出せませんでした。",
			})
			continue
		}
		requests = append(requests, processor.Request{JobID: job.ID, Text: text})
		active = append(active, job)
	}
	if len(active) == 0 {
		return
	}

	for _, job := range active {
		p.publish(ctx, job.ID, progress.TypeProgressUpdate, jobs.StatusInProgress, 30, "処理を開始しました")
	}

	results, err := p.invokeWithRetry(ctx, proc, target, requests, active)
	if err != nil {
		info := &jobs.ErrorInfo{Code: "PROCESSING_FAILED", Message: err.Error()}
		if errors.Is(err, processor.ErrTransient) {
			info.Code = "RETRY_EXHAUSTED"
		}
		p.failJobs(ctx, active, info)
		return
	}

	for _, job := range active {
		p.publish(ctx, job.ID, progress.TypeProgressUpdate, jobs.StatusInProgress, 80, "結果を保存しています")
	}

	// 個別ジョブの失敗はそのジョブだけを失敗させる
	for i, job := range active {
		result := results[i]
		if result.Err != nil {
			p.failJobs(ctx, []*jobs.Job{job}, &jobs.ErrorInfo{
				Code:    "PROCESSING_FAILED",
				Message: result.Err.Error(),
			})
			continue
		}
		p.completeJob(ctx, job, result.Value)
	}
}

// invokeWithRetry は Processor をタイムアウト付きで呼び出し、一時的な失敗に対して
// 指数バックオフ付きでリトライします。恒久的な失敗は即座に返します。
func (p *Pool) invokeWithRetry(ctx context.Context, proc processor.Processor, target string, requests []processor.Request, group []*jobs.Job) ([]processor.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxRetryAttempts; attempt++ {
		for _, job := range group {
			job.Attempts = attempt
		}

		callCtx, cancel := context.WithTimeout(ctx, p.opts.ProcessTimeout)
		results, err := proc.ProcessBatch(callCtx, target, requests)
		cancel()

		if err == nil {
			if len(results) != len(requests) {
				return nil, processor.Permanent(fmt.Errorf("processor returned %d results for %d requests", len(results), len(requests)))
			}
			return results, nil
		}
		if errors.Is(err, processor.ErrPermanent) {
			return nil, err
		}

		lastErr = err
		if attempt == p.opts.MaxRetryAttempts {
			break
		}

		// 失敗したジョブが同時刻に殺到しないようジッターを加える
		backoff := p.opts.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
		backoff += time.Duration(rand.Int63n(int64(backoff/2) + 1))
		p.logger.Printf("transient failure for %s (attempt %d/%d), retrying in %v: %v",
			proc.Name(), attempt, p.opts.MaxRetryAttempts, backoff, err)

		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// resolvePayload はジョブ入力を取り出します。ファイル参照はストアから読み出します。
func (p *Pool) resolvePayload(job *jobs.Job) (string, error) {
	if job.Payload.FileRef == "" {
		return job.Payload.Text, nil
	}
	if p.store == nil {
		return "", errors.New("file payloads are not supported by this pool")
	}
	data, err := p.store.Load(job.Payload.FileRef)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Pool) markInProgress(ctx context.Context, job *jobs.Job) {
	entry := &jobs.Entry{
		Fingerprint: job.Fingerprint,
		JobID:       job.ID,
		Status:      jobs.StatusInProgress,
		CreatedAt:   job.CreatedAt,
	}
	if err := p.cache.PutResult(ctx, entry, p.opts.ResultTTL); err != nil {
		p.logger.Printf("failed to mark job %s in progress: %v", job.ID, err)
	}
	p.publish(ctx, job.ID, progress.TypeProgressUpdate, jobs.StatusInProgress, 10, "ワーカーがジョブを受け取りました")
}

func (p *Pool) completeJob(ctx context.Context, job *jobs.Job, result any) {
	entry := &jobs.Entry{
		Fingerprint: job.Fingerprint,
		JobID:       job.ID,
		Status:      jobs.StatusCompleted,
		Result:      result,
		CreatedAt:   job.CreatedAt,
	}
	if err := p.cache.PutResult(ctx, entry, p.opts.ResultTTL); err != nil {
		p.logger.Printf("failed to store result for job %s: %v", job.ID, err)
	}
	if err := p.cache.IncrProcessed(ctx); err != nil {
		p.logger.Printf("failed to increment processed counter: %v", err)
	}
	p.cleanupPayload(job)
	p.publish(ctx, job.ID, progress.TypeJobComplete, jobs.StatusCompleted, 100, "処理が完了しました")
}

func (p *Pool) failJobs(ctx context.Context, group []*jobs.Job, info *jobs.ErrorInfo) {
	for _, job := range group {
		entry := &jobs.Entry{
			Fingerprint: job.Fingerprint,
			JobID:       job.ID,
			Status:      jobs.StatusFailed,
			Error:       info,
			CreatedAt:   job.CreatedAt,
		}
		if err := p.cache.PutResult(ctx, entry, p.opts.ResultTTL); err != nil {
			p.logger.Printf("failed to store failure for job %s: %v", job.ID, err)
		}
		if err := p.cache.IncrFailed(ctx); err != nil {
			p.logger.Printf("failed to increment failed counter: %v", err)
		}
		p.cleanupPayload(job)
		p.publish(ctx, job.ID, progress.TypeJobError, jobs.StatusFailed, 100, info.Message)
	}
}

func (p *Pool) cleanupPayload(job *jobs.Job) {
	if job.Payload.FileRef == "" || p.store == nil {
		return
	}
	if err := p.store.Remove(job.ID); err != nil {
		p.logger.Printf("failed to remove payload for job %s: %v", job.ID, err)
	}
}

func (p *Pool) publish(ctx context.Context, jobID string, eventType progress.EventType, status jobs.Status, percent int, message string) {
	err := p.publisher.Publish(ctx, progress.Event{
		Type:      eventType,
		JobID:     jobID,
		Status:    string(status),
		Progress:  percent,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Printf("failed to publish progress for job %s: %v", jobID, err)
	}
}
