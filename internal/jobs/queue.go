package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueHighKey   = "queue:high"
	queueNormalKey = "queue:normal"
)

// Queue は処理待ちジョブのFIFOキューです。優先度付きジョブは同一・下位の
// 優先度のジョブより先にデキューされます（同一優先度内では投入順を保持）。
type Queue interface {
	// Enqueue はジョブを追加し、キュー全体での待ち位置（1始まり）を返します。
	// 通常優先度のジョブの位置には、先にデキューされる高優先度の待ちジョブも含まれます。
	Enqueue(ctx context.Context, job *Job) (int, error)
	// DequeueBatch はジョブが現れるまでブロックし、最大 max 件をまとめて返します。
	// 最初の1件を取得した後は wait の間だけ追加のジョブを待ってバッチを埋めます。
	// 同じジョブが複数の呼び出し側に返ることはありません。
	DequeueBatch(ctx context.Context, max int, wait time.Duration) ([]*Job, error)
	// Size は処理待ちジョブの総数を返します。
	Size(ctx context.Context) (int, error)
}

// RedisQueue は Redis のリストを使った Queue の実装です。
// 優先度ティアごとに1本のリストを持ち、BRPOP のキー順で高優先度を先に消化します。
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue は RedisQueue を作成します。
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

// Enqueue はジョブをキューに追加します。
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (int, error) {
	job.EnqueuedAt = time.Now().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, err
	}

	key := tierKey(job.Priority)
	pipe := q.rdb.TxPipeline()
	pushed := pipe.LPush(ctx, key, payload)
	var ahead *redis.IntCmd
	if key == queueNormalKey {
		ahead = pipe.LLen(ctx, queueHighKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}

	position := int(pushed.Val())
	if ahead != nil {
		position += int(ahead.Val())
	}
	return position, nil
}

// DequeueBatch はジョブが現れるまでブロックし、最大 max 件を返します。
func (q *RedisQueue) DequeueBatch(ctx context.Context, max int, wait time.Duration) ([]*Job, error) {
	if max <= 0 {
		max = 1
	}
	keys := []string{queueHighKey, queueNormalKey}

	// 最初の1件はジョブが現れるまで待つ
	var batch []*Job
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		popped, err := q.rdb.BRPop(ctx, wait, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, unavailable(err)
		}
		job, err := decodeJob(popped[1])
		if err != nil {
			// 壊れたペイロードは読み飛ばして次を待つ
			continue
		}
		batch = append(batch, job)
		break
	}

	// 残りは wait の間だけ待って埋める
	for len(batch) < max {
		popped, err := q.rdb.BRPop(ctx, wait, keys...).Result()
		if err != nil {
			break
		}
		job, err := decodeJob(popped[1])
		if err != nil {
			continue
		}
		batch = append(batch, job)
	}
	return batch, nil
}

// Size は処理待ちジョブの総数を返します。
func (q *RedisQueue) Size(ctx context.Context) (int, error) {
	pipe := q.rdb.Pipeline()
	high := pipe.LLen(ctx, queueHighKey)
	normal := pipe.LLen(ctx, queueNormalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	return int(high.Val() + normal.Val()), nil
}

func tierKey(p Priority) string {
	if p >= PriorityHigh {
		return queueHighKey
	}
	return queueNormalKey
}

func decodeJob(payload string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, err
	}
	return &job, nil
}
