package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue はプロセス内の Queue の実装です。
// 単一プロセス構成とテストで使用します。
type MemoryQueue struct {
	mu     sync.Mutex
	high   []*Job
	normal []*Job
	notify chan struct{}
}

// NewMemoryQueue は MemoryQueue を作成します。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
	}
}

// Enqueue はジョブをキューに追加します。
func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) (int, error) {
	q.mu.Lock()
	job.EnqueuedAt = time.Now().UTC()
	var position int
	if job.Priority >= PriorityHigh {
		q.high = append(q.high, job)
		position = len(q.high)
	} else {
		q.normal = append(q.normal, job)
		position = len(q.high) + len(q.normal)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return position, nil
}

// DequeueBatch はジョブが現れるまでブロックし、最大 max 件を返します。
func (q *MemoryQueue) DequeueBatch(ctx context.Context, max int, wait time.Duration) ([]*Job, error) {
	if max <= 0 {
		max = 1
	}
	for {
		if batch := q.drain(max); len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-time.After(wait):
		}
	}
}

// drain は待ちジョブを高優先度から順に最大 max 件取り出します。
func (q *MemoryQueue) drain(max int) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*Job
	for len(batch) < max && len(q.high) > 0 {
		batch = append(batch, q.high[0])
		q.high = q.high[1:]
	}
	for len(batch) < max && len(q.normal) > 0 {
		batch = append(batch, q.normal[0])
		q.normal = q.normal[1:]
	}
	return batch
}

// Size は処理待ちジョブの総数を返します。
func (q *MemoryQueue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal), nil
}
