package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/mediflow/internal/document"
)

// CoordinatorOptions は Coordinator の動作設定です。
type CoordinatorOptions struct {
	ResultTTL          time.Duration // プレースホルダーと結果エントリの有効期限
	TerminalResultTTL  time.Duration // 取得済み終了ジョブの短縮有効期限
	MaxTextLength      int           // テキストジョブの最大文字数
	SupportedLanguages []string      // 翻訳対象として許可する言語コード
	DefaultEmbedTarget string        // 埋め込みジョブのデフォルトのモデルID
}

// Coordinator はジョブ投入と状態照会のファサードです。APIレイヤーはこの型だけを
// 呼び出します。投入経路はキューに積んで応答を返すだけで、Processor の完了を
// 待つことはありません。
type Coordinator struct {
	cache  Cache
	queue  Queue
	store  *document.Store
	opts   CoordinatorOptions
	logger *log.Logger
}

// NewCoordinator は Coordinator を作成します。
// store はファイル入力を受け付けない構成では nil で構いません。
func NewCoordinator(cache Cache, queue Queue, store *document.Store, opts CoordinatorOptions, logger *log.Logger) (*Coordinator, error) {
	if cache == nil {
		return nil, errors.New("cache is nil")
	}
	if queue == nil {
		return nil, errors.New("queue is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = time.Hour
	}
	if opts.TerminalResultTTL <= 0 {
		opts.TerminalResultTTL = 5 * time.Minute
	}
	return &Coordinator{
		cache:  cache,
		queue:  queue,
		store:  store,
		opts:   opts,
		logger: logger,
	}, nil
}

// SubmitRequest はジョブ投入の入力です。テキストジョブは Text を、
// ファイルジョブは FileData と ContentType を指定します。
type SubmitRequest struct {
	Operation   Operation
	Target      string
	Text        string
	FileData    []byte
	ContentType string
	Priority    Priority
}

// Submit はジョブを受け付けます。同一入力の完了結果がキャッシュにあれば即座に
// 返し、処理中であれば既存ジョブの状態を返します（重複排除）。それ以外は
// プレースホルダーを作成してキューに積み、queued を返します。
func (c *Coordinator) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	fingerprint := c.fingerprint(req)

	// キャッシュ照会（ヒットすれば即応答）
	entry, err := c.cache.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Status != StatusFailed {
		return c.existingResult(entry), nil
	}

	jobID := uuid.NewString()

	// プレースホルダー作成は原子的なチェックアンドセット。
	// 同時投入に負けた場合は勝った側のジョブの状態を返す。
	if err := c.cache.PutPlaceholder(ctx, fingerprint, jobID, c.opts.ResultTTL); err != nil {
		if errors.Is(err, ErrConflict) {
			if entry, getErr := c.cache.Get(ctx, fingerprint); getErr == nil && entry != nil {
				return c.existingResult(entry), nil
			}
			return nil, ErrConflict
		}
		return nil, err
	}

	job := &Job{
		ID:          jobID,
		Fingerprint: fingerprint,
		Operation:   req.Operation,
		Target:      c.target(req),
		Priority:    req.Priority,
		CreatedAt:   time.Now().UTC(),
	}

	if len(req.FileData) > 0 {
		ref, err := c.store.Save(jobID, req.FileData, req.ContentType)
		if err != nil {
			c.abandon(ctx, fingerprint, jobID, "PAYLOAD_STORE_FAILED")
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		job.Payload = Payload{FileRef: ref}
	} else {
		job.Payload = Payload{Text: req.Text}
	}

	if err := c.cache.SaveJobRef(ctx, &JobRef{
		ID:          jobID,
		Fingerprint: fingerprint,
		Operation:   job.Operation,
		Target:      job.Target,
		CreatedAt:   job.CreatedAt,
	}, c.opts.ResultTTL); err != nil {
		c.abandon(ctx, fingerprint, jobID, "JOB_REF_STORE_FAILED")
		return nil, err
	}

	position, err := c.queue.Enqueue(ctx, job)
	if err != nil {
		// キューに積めなかったジョブを in_progress のまま残さない
		c.abandon(ctx, fingerprint, jobID, "ENQUEUE_FAILED")
		return nil, err
	}

	c.logger.Printf("job queued: id=%s op=%s target=%s position=%d", jobID, job.Operation, job.Target, position)
	return &SubmitResult{
		RequestID: jobID,
		Status:    StatusQueued,
		Position:  position,
	}, nil
}

// Status はリクエストIDからジョブの現在状態を返します。
// 終了状態のエントリを読み出した場合、有効期限を短縮します。
func (c *Coordinator) Status(ctx context.Context, requestID string) (*StatusView, error) {
	ref, err := c.cache.GetJobRef(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, ErrNotFound
	}

	entry, err := c.cache.Get(ctx, ref.Fingerprint)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}

	if entry.Status.Terminal() {
		if err := c.cache.Touch(ctx, ref.Fingerprint, c.opts.TerminalResultTTL); err != nil {
			c.logger.Printf("failed to shorten result ttl for %s: %v", requestID, err)
		}
	}

	return &StatusView{
		RequestID: requestID,
		Operation: ref.Operation,
		Target:    ref.Target,
		Status:    entry.Status,
		Result:    entry.Result,
		Error:     entry.Error,
		FromCache: entry.JobID != requestID,
		UpdatedAt: entry.UpdatedAt,
	}, nil
}

// Stats はキューの統計情報を返します。
func (c *Coordinator) Stats(ctx context.Context) (*QueueStats, error) {
	pending, err := c.queue.Size(ctx)
	if err != nil {
		return nil, err
	}
	processed, failed, err := c.cache.Counters(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Pending:        pending,
		TotalProcessed: processed,
		TotalFailed:    failed,
	}, nil
}

func (c *Coordinator) validate(req *SubmitRequest) error {
	if req == nil {
		return newValidationError("INVALID_INPUT", "リクエストが空です。")
	}
	switch req.Operation {
	case OperationTranslate:
		if req.Text == "" {
			return newValidationError("INVALID_INPUT", "翻訳するテキストを指定してください。")
		}
		if c.opts.MaxTextLength > 0 && len([]rune(req.Text)) > c.opts.MaxTextLength {
			return newValidationError("TEXT_TOO_LONG",
				fmt.Sprintf("テキストが上限（%d文字）を超えています。", c.opts.MaxTextLength))
		}
		if !c.supportsLanguage(req.Target) {
			return newValidationError("UNSUPPORTED_LANGUAGE",
				fmt.Sprintf("言語 %q はサポートされていません。", req.Target))
		}
	case OperationEmbed:
		if req.Text == "" && len(req.FileData) == 0 {
			return newValidationError("INVALID_INPUT", "埋め込み対象のテキストまたはファイルを指定してください。")
		}
		if len(req.FileData) > 0 && c.store == nil {
			return newValidationError("INVALID_INPUT", "この構成ではファイル入力を受け付けていません。")
		}
	default:
		return newValidationError("UNSUPPORTED_OPERATION",
			fmt.Sprintf("処理種別 %q はサポートされていません。", req.Operation))
	}
	return nil
}

func (c *Coordinator) fingerprint(req *SubmitRequest) string {
	target := c.target(req)
	if len(req.FileData) > 0 {
		return document.FingerprintBytes(req.FileData, string(req.Operation), target)
	}
	return document.Fingerprint(req.Text, string(req.Operation), target)
}

func (c *Coordinator) target(req *SubmitRequest) string {
	if req.Operation == OperationEmbed {
		if req.Target == "" {
			return c.opts.DefaultEmbedTarget
		}
		return req.Target
	}
	return strings.ToLower(strings.TrimSpace(req.Target))
}

func (c *Coordinator) supportsLanguage(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, lang := range c.opts.SupportedLanguages {
		if lang == code {
			return true
		}
	}
	return false
}

func (c *Coordinator) existingResult(entry *Entry) *SubmitResult {
	result := &SubmitResult{
		RequestID: entry.JobID,
		Status:    entry.Status,
	}
	if entry.Status == StatusCompleted {
		result.Result = entry.Result
		result.Cached = true
	}
	return result
}

// abandon は投入に失敗したジョブのプレースホルダーを failed で上書きし、
// 同一入力の再投入を妨げないようにします。
func (c *Coordinator) abandon(ctx context.Context, fingerprint, jobID, code string) {
	entry := &Entry{
		Fingerprint: fingerprint,
		JobID:       jobID,
		Status:      StatusFailed,
		Error: &ErrorInfo{
			Code:    code,
			Message: "ジョブの受付処理に失敗しました。",
		},
	}
	if err := c.cache.PutResult(ctx, entry, c.opts.TerminalResultTTL); err != nil {
		c.logger.Printf("failed to abandon placeholder for %s: %v", jobID, err)
	}
}
