// Package progress はジョブの進捗イベントを購読中のクライアントへ配信します。
// 配信はベストエフォートであり、確定状態は結果キャッシュ側で照会できます。
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType は進捗イベントの種別を表します。
type EventType string

const (
	TypeProgressUpdate EventType = "progress_update"
	TypeJobComplete    EventType = "job_complete"
	TypeJobError       EventType = "job_error"
)

// Event はジョブの状態変化を表す1件の通知です。
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal は以降イベントが発生しない種別かどうかを返します。
func (e Event) Terminal() bool {
	return e.Type == TypeJobComplete || e.Type == TypeJobError
}

// Publisher は進捗イベントの配信と購読を提供します。
// 購読者のいないジョブへの配信はエラーではなく無視されます。
type Publisher interface {
	// Publish はイベントを配信します。遅い購読者がいてもブロックしません。
	Publish(ctx context.Context, event Event) error
	// Subscribe は指定ジョブのイベントストリームを返します。
	// 返されたキャンセル関数で購読を解除します。
	Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error)
}

const subscriberBuffer = 16

// MemoryHub はプロセス内の Publisher の実装です。
// 単一プロセス構成とテストで使用します。
type MemoryHub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewMemoryHub は MemoryHub を作成します。
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[string]map[chan Event]struct{}),
	}
}

// Publish はイベントを配信します。
func (h *MemoryHub) Publish(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[event.JobID] {
		// バッファが埋まっている購読者は取りこぼす（at-most-once）
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe は指定ジョブのイベントストリームを返します。
func (h *MemoryHub) Subscribe(_ context.Context, jobID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan Event]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

const channelPrefix = "progress:"

// RedisPublisher は Redis pub/sub を使った Publisher の実装です。
// ワーカープロセスからAPIプロセスへイベントを橋渡しします。
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher は RedisPublisher を作成します。
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish はイベントをジョブ別チャンネルへ配信します。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channelPrefix+event.JobID, payload).Err()
}

// Subscribe は指定ジョブのイベントストリームを返します。
func (p *RedisPublisher) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	pubsub := p.rdb.Subscribe(ctx, channelPrefix+jobID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}
