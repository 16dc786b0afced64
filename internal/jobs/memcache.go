package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryCache はプロセス内のマップを共有ストアとする Cache の実装です。
// 単一プロセス構成とテストで使用します。期限切れエントリは読み出し時に破棄します。
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memEntry
	refs      map[string]memRef
	processed int64
	failed    int64
}

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

type memRef struct {
	ref       JobRef
	expiresAt time.Time
}

// NewMemoryCache は MemoryCache を作成します。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memEntry),
		refs:    make(map[string]memRef),
	}
}

// Get はエントリを取得します。
func (c *MemoryCache) Get(_ context.Context, fingerprint string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	if time.Now().After(stored.expiresAt) {
		delete(c.entries, fingerprint)
		return nil, nil
	}
	entry := stored.entry
	return &entry, nil
}

// PutPlaceholder は in_progress プレースホルダーを原子的に作成します。
func (c *MemoryCache) PutPlaceholder(_ context.Context, fingerprint, jobID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if stored, ok := c.entries[fingerprint]; ok && now.Before(stored.expiresAt) && stored.entry.Status != StatusFailed {
		return ErrConflict
	}
	c.entries[fingerprint] = memEntry{
		entry: Entry{
			Fingerprint: fingerprint,
			JobID:       jobID,
			Status:      StatusQueued,
			CreatedAt:   now.UTC(),
			UpdatedAt:   now.UTC(),
		},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// PutResult はエントリを上書きします。
func (c *MemoryCache) PutResult(_ context.Context, entry *Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.UpdatedAt = time.Now().UTC()
	c.entries[entry.Fingerprint] = memEntry{
		entry:     *entry,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Touch はエントリの有効期限を設定し直します。
func (c *MemoryCache) Touch(_ context.Context, fingerprint string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stored, ok := c.entries[fingerprint]; ok {
		stored.expiresAt = time.Now().Add(ttl)
		c.entries[fingerprint] = stored
	}
	return nil
}

// SaveJobRef はリクエストID→ジョブの参照を保存します。
func (c *MemoryCache) SaveJobRef(_ context.Context, ref *JobRef, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[ref.ID] = memRef{ref: *ref, expiresAt: time.Now().Add(ttl)}
	return nil
}

// GetJobRef は参照を取得します。
func (c *MemoryCache) GetJobRef(_ context.Context, requestID string) (*JobRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored, ok := c.refs[requestID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(stored.expiresAt) {
		delete(c.refs, requestID)
		return nil, nil
	}
	ref := stored.ref
	return &ref, nil
}

// IncrProcessed は処理済みカウンタを加算します。
func (c *MemoryCache) IncrProcessed(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	return nil
}

// IncrFailed は失敗カウンタを加算します。
func (c *MemoryCache) IncrFailed(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	return nil
}

// Counters は処理済み・失敗の累計を返します。
func (c *MemoryCache) Counters(_ context.Context) (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed, c.failed, nil
}
