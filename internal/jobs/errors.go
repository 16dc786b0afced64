package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict は同一フィンガープリントのジョブが既に処理中であることを示します。
	// 呼び出し側へのエラーではなく「既に受付済み」として扱います。
	ErrConflict = errors.New("fingerprint already in flight")

	// ErrNotFound は指定されたリクエストIDが存在しない（または期限切れ）ことを示します。
	ErrNotFound = errors.New("request not found")

	// ErrUnavailable はキャッシュ・キューのバックエンドに到達できないことを示します。
	// 重複排除を黙ってスキップしないため、投入は即座に失敗させます。
	ErrUnavailable = errors.New("backend unavailable")
)

// ValidationError は不正な入力を表します。キューに入る前に同期的に返されます。
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}
