package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resultKeyPrefix = "result:"
	jobKeyPrefix    = "job:"

	statsProcessedKey = "stats:processed"
	statsFailedKey    = "stats:failed"
)

// JobRef はリクエストIDからジョブを引くための参照レコードです。
type JobRef struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Operation   Operation `json:"operation"`
	Target      string    `json:"target"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Cache はフィンガープリントをキーとする結果キャッシュです。
// ジョブ状態の正とする唯一の情報源であり、進捗配信はあくまで遅延短縮の補助です。
type Cache interface {
	// Get はエントリを取得します。存在しない・期限切れの場合は nil を返します。
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	// PutPlaceholder は in_progress プレースホルダーを原子的に作成します。
	// 有効なプレースホルダーまたは完了エントリが既にある場合は ErrConflict を返します。
	PutPlaceholder(ctx context.Context, fingerprint, jobID string, ttl time.Duration) error
	// PutResult はエントリを上書きします。冪等です。
	PutResult(ctx context.Context, entry *Entry, ttl time.Duration) error
	// Touch はエントリの有効期限を設定し直します。
	Touch(ctx context.Context, fingerprint string, ttl time.Duration) error

	// SaveJobRef はリクエストID→ジョブの参照を保存します。
	SaveJobRef(ctx context.Context, ref *JobRef, ttl time.Duration) error
	// GetJobRef は参照を取得します。存在しない場合は nil を返します。
	GetJobRef(ctx context.Context, requestID string) (*JobRef, error)

	// IncrProcessed / IncrFailed は処理済み・失敗カウンタを加算します。
	IncrProcessed(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	// Counters は (処理済み, 失敗) の累計を返します。
	Counters(ctx context.Context) (int64, int64, error)
}

// placeholderScript はプレースホルダー作成のチェックと書き込みを原子的に行います。
// 既存エントリが failed のときだけ上書きを許します。
var placeholderScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local entry = cjson.decode(cur)
	if entry['status'] ~= 'failed' then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisCache は Redis を共有ストアとする Cache の実装です。
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache は RedisCache を作成します。
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get はエントリを取得します。
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := c.rdb.Get(ctx, resultKey(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutPlaceholder は in_progress プレースホルダーを原子的に作成します。
func (c *RedisCache) PutPlaceholder(ctx context.Context, fingerprint, jobID string, ttl time.Duration) error {
	now := time.Now().UTC()
	entry := &Entry{
		Fingerprint: fingerprint,
		JobID:       jobID,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ok, err := placeholderScript.Run(ctx, c.rdb,
		[]string{resultKey(fingerprint)}, payload, ttl.Milliseconds()).Int()
	if err != nil {
		return unavailable(err)
	}
	if ok == 0 {
		return ErrConflict
	}
	return nil
}

// PutResult はエントリを上書きします。
func (c *RedisCache) PutResult(ctx context.Context, entry *Entry, ttl time.Duration) error {
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	entry.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, resultKey(entry.Fingerprint), payload, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Touch はエントリの有効期限を設定し直します。
func (c *RedisCache) Touch(ctx context.Context, fingerprint string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, resultKey(fingerprint), ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// SaveJobRef はリクエストID→ジョブの参照を保存します。
func (c *RedisCache) SaveJobRef(ctx context.Context, ref *JobRef, ttl time.Duration) error {
	if ref == nil {
		return fmt.Errorf("ref is nil")
	}
	payload, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, jobKey(ref.ID), payload, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetJobRef は参照を取得します。
func (c *RedisCache) GetJobRef(ctx context.Context, requestID string) (*JobRef, error) {
	data, err := c.rdb.Get(ctx, jobKey(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	var ref JobRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// IncrProcessed は処理済みカウンタを加算します。
func (c *RedisCache) IncrProcessed(ctx context.Context) error {
	return c.rdb.Incr(ctx, statsProcessedKey).Err()
}

// IncrFailed は失敗カウンタを加算します。
func (c *RedisCache) IncrFailed(ctx context.Context) error {
	return c.rdb.Incr(ctx, statsFailedKey).Err()
}

// Counters は処理済み・失敗の累計を返します。
func (c *RedisCache) Counters(ctx context.Context) (int64, int64, error) {
	pipe := c.rdb.Pipeline()
	processed := pipe.Get(ctx, statsProcessedKey)
	failed := pipe.Get(ctx, statsFailedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, unavailable(err)
	}
	p, _ := processed.Int64()
	f, _ := failed.Int64()
	return p, f, nil
}

func resultKey(fingerprint string) string {
	return resultKeyPrefix + fingerprint
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
