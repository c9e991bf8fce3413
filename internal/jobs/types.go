package jobs

import (
	"errors"
	"time"
)

// ErrNotFound は指定されたジョブが存在しない場合のエラーです。
var ErrNotFound = errors.New("job not found")

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// Operation はバックグラウンドで実行する描画処理の種別です。
type Operation string

const (
	// OperationThumbnails は全ページのサムネイルを ZIP にまとめます。
	OperationThumbnails Operation = "thumbnails"
	// OperationExport はバックエンド経由で文書のコピーを書き出します。
	OperationExport Operation = "export"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID       string       `json:"jobId"`
	Operation   Operation    `json:"operation"`
	DocumentID  string       `json:"documentId,omitempty"`
	Status      Status       `json:"status"`
	Progress    ProgressInfo `json:"progress"`
	DownloadURL string       `json:"downloadUrl,omitempty"`
	Meta        any          `json:"meta,omitempty"`
	Error       *ErrorInfo   `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// TaskPayload はキューに載せるジョブの入力です。作業ディレクトリの manifest.json にも保存されます。
type TaskPayload struct {
	JobID      string    `json:"jobId"`
	Operation  Operation `json:"operation"`
	DocumentID string    `json:"documentId"`
	Path       string    `json:"path"`
	MIMEType   string    `json:"mimeType"`
	Name       string    `json:"name,omitempty"`
	// Width はサムネイルの幅（ピクセル）です。
	Width int `json:"width,omitempty"`
}

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	cb(stage, min(max(percent, 0), 100))
}
