// Package jobs は文書処理パイプラインのジョブ管理機能を提供します。
package jobs

import "time"

// Operation はジョブの処理種別を表します。
type Operation string

const (
	OperationTranslate Operation = "translate"
	OperationEmbed     Operation = "embed"
)

// Priority はキュー内での優先度を表します。
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終了状態かどうかを返します。終了状態のエントリは以後変更されません。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Payload はジョブの入力を表します。テキストジョブは Text を、
// ファイルジョブは保存済みファイルへの参照 FileRef を持ちます。
type Payload struct {
	Text    string `json:"text,omitempty"`
	FileRef string `json:"fileRef,omitempty"`
}

// Job は投入された1件の処理要求を表します。
// JobCoordinator が生成し、クレームしたワーカーだけが状態を変更します。
type Job struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Operation   Operation `json:"operation"`
	Target      string    `json:"target"` // 言語コードまたはモデルID
	Payload     Payload   `json:"payload"`
	Priority    Priority  `json:"priority"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"createdAt"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// GroupKey は同一のProcessor呼び出しにまとめられるジョブの集約キーを返します。
func (j *Job) GroupKey() string {
	return string(j.Operation) + ":" + j.Target
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Entry は結果キャッシュの1レコードを表します。
// ジョブ投入時に in_progress のプレースホルダーとして作成され、完了時に上書きされます。
type Entry struct {
	Fingerprint string     `json:"fingerprint"`
	JobID       string     `json:"jobId"`
	Status      Status     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StatusView は状態照会APIが返すジョブの現在状態です。
type StatusView struct {
	RequestID string     `json:"requestId"`
	Operation Operation  `json:"operation"`
	Target    string     `json:"target"`
	Status    Status     `json:"status"`
	Result    any        `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	FromCache bool       `json:"fromCache"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// SubmitResult はジョブ投入の応答です。キャッシュヒット時は Cached が真になり、
// Result に既存の結果が入ります。
type SubmitResult struct {
	RequestID string `json:"requestId"`
	Status    Status `json:"status"`
	Position  int    `json:"position,omitempty"`
	Result    any    `json:"result,omitempty"`
	Cached    bool   `json:"fromCache"`
}

// QueueStats はキュー全体の統計情報を表します。
type QueueStats struct {
	Pending        int   `json:"pending"`
	TotalProcessed int64 `json:"totalProcessed"`
	TotalFailed    int64 `json:"totalFailed"`
}
