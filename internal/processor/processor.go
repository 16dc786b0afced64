// Package processor は外部の推論エンジン（モデルAPI）への呼び出しを抽象化します。
package processor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient は一時的な失敗（レート制限・タイムアウト等）を示します。
	// 呼び出し側はバックオフ付きでリトライします。
	ErrTransient = errors.New("transient processing error")

	// ErrPermanent は入力自体が拒否された失敗を示します。リトライしません。
	ErrPermanent = errors.New("permanent processing error")
)

// Transient はエラーを一時的な失敗として分類します。
func Transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent はエラーを恒久的な失敗として分類します。
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Request はバッチ内の1件の処理対象です。
type Request struct {
	JobID string
	Text  string
}

// Result はバッチ内の1件の処理結果です。Err が非nilの場合、そのジョブだけが
// 失敗したことを示し、バッチ内の他のジョブには影響しません。
type Result struct {
	JobID string
	Value any
	Err   error
}

// Processor は同一ターゲットのジョブ群を1回の呼び出しでまとめて処理します。
// バッチ全体の失敗は error で返し、個別ジョブの失敗は Result.Err で返します。
type Processor interface {
	// Name は統計・ログ用の識別子を返します。
	Name() string
	// Warmup はプール起動時に一度だけ呼ばれ、モデルハンドルを初期化します。
	Warmup(ctx context.Context) error
	// ProcessBatch は target（言語コードまたはモデルID）に対する一括処理を行います。
	// 返り値は requests と同じ順序・同じ件数でなければなりません。
	ProcessBatch(ctx context.Context, target string, requests []Request) ([]Result, error)
}
