// Package worker はキューからジョブのバッチを取り出して処理するワーカープールを提供します。
package worker

import (
	"context"
	"fmt"

	"github.com/yourusername/mediflow/internal/jobs"
	"github.com/yourusername/mediflow/internal/processor"
)

// Registry は処理種別ごとの Processor を保持します。
// プール起動前に登録を済ませ、以降は読み取り専用で全ワーカーから共有されます。
type Registry struct {
	procs map[jobs.Operation]processor.Processor
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{
		procs: make(map[jobs.Operation]processor.Processor),
	}
}

// Register は処理種別に対応する Processor を登録します。
func (r *Registry) Register(op jobs.Operation, p processor.Processor) {
	r.procs[op] = p
}

// Get は処理種別に対応する Processor を返します。
func (r *Registry) Get(op jobs.Operation) (processor.Processor, bool) {
	p, ok := r.procs[op]
	return p, ok
}

// Warmup は登録済みの全 Processor を初期化します。
// モデルハンドルの初期化をジョブごとではなく起動時に一度だけ行うための処理です。
func (r *Registry) Warmup(ctx context.Context) error {
	for op, p := range r.procs {
		if err := p.Warmup(ctx); err != nil {
			return fmt.Errorf("failed to warm up processor for %s: %w", op, err)
		}
	}
	return nil
}
