// Package jobs はサムネイル一覧や文書の書き出しといった重い描画処理を非同期ジョブとして実行します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/paper-view/internal/storage"
)

const (
	TaskThumbnails = "render:thumbnails"
	TaskExport     = "render:export"

	queueName = "render"
)

// Queue はジョブの投入と結果の参照を行います。
type Queue interface {
	Enqueue(ctx context.Context, payload *TaskPayload) (string, error)
	GetRecord(ctx context.Context, jobID string) (*Record, error)
	OpenResult(jobID string) (*Output, *os.File, error)
}

// core は Manager と InlineQueue に共通する投入前後の処理です。
type core struct {
	store   Store
	storage *storage.Local
	runner  *Runner
	expire  time.Duration
	logger  *log.Logger
}

// prepare は作業ディレクトリとマニフェストを作り、queued のレコードを保存します。
func (c *core) prepare(ctx context.Context, payload *TaskPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	if payload.Operation != OperationThumbnails && payload.Operation != OperationExport {
		return newError("INVALID_INPUT", "未対応の操作です。", fmt.Errorf("operation %q", payload.Operation))
	}
	ws, err := c.storage.CreateWorkspace()
	if err != nil {
		return err
	}
	payload.JobID = ws.JobID
	if err := c.storage.WriteManifest(ws, payload); err != nil {
		_ = c.storage.Remove(ws.JobID)
		return fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}
	c.storage.RemoveAfter(ws.JobID, c.expire)

	record := &Record{
		JobID:      payload.JobID,
		Operation:  payload.Operation,
		DocumentID: payload.DocumentID,
		Status:     StatusQueued,
		Progress: ProgressInfo{
			Percent: 0,
			Stage:   "queued",
		},
	}
	return c.store.Upsert(ctx, record)
}

// process はタスクを実行し、結果をレコードへ反映します。
func (c *core) process(ctx context.Context, payload *TaskPayload) error {
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	if err := c.store.UpdateProgress(ctx, payload.JobID, ProgressInfo{Stage: "load"}); err != nil {
		return err
	}

	out, err := c.runner.Run(ctx, payload, func(stage string, percent int) {
		if err := c.store.UpdateProgress(ctx, payload.JobID, ProgressInfo{Stage: stage, Percent: percent}); err != nil {
			c.logger.Printf("failed to update progress job=%s: %v", payload.JobID, err)
		}
	})
	if err != nil {
		c.logger.Printf("job=%s operation=%s failed: %v", payload.JobID, payload.Operation, err)
		return c.store.MarkFailed(ctx, payload.JobID, errorInfo(err))
	}
	return c.store.MarkDone(ctx, payload.JobID, downloadURL(payload.JobID), map[string]any{
		"filename": out.Filename,
		"size":     out.Size,
	})
}

// GetRecord はジョブ情報を取得します。
func (c *core) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return c.store.Get(ctx, jobID)
}

// OpenResult は完了したジョブの成果物を開きます。
func (c *core) OpenResult(jobID string) (*Output, *os.File, error) {
	var payload TaskPayload
	if err := c.storage.LoadManifest(jobID, &payload); err != nil {
		return nil, nil, err
	}
	filename, contentType := outputFor(&payload)
	file, size, err := c.storage.OpenOutput(jobID, filename)
	if err != nil {
		return nil, nil, err
	}
	return &Output{JobID: jobID, Filename: filename, ContentType: contentType, Size: size}, file, nil
}

func downloadURL(jobID string) string {
	return fmt.Sprintf("/api/jobs/%s/download", jobID)
}

// Manager は Asynq を使ってジョブを Redis キューへ投入し、ワーカーで実行します。
type Manager struct {
	core
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store Store, st *storage.Local, runner *Runner, expire time.Duration, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if st == nil || runner == nil {
		return nil, errors.New("storage and runner are required")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)
	m := &Manager{
		core:   core{store: store, storage: st, runner: runner, expire: expire, logger: logger},
		client: asynq.NewClient(opt),
		server: server,
		mux:    asynq.NewServeMux(),
	}
	m.mux.HandleFunc(TaskThumbnails, m.handleTask)
	m.mux.HandleFunc(TaskExport, m.handleTask)
	return m, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue はジョブをキューに投入し、ジョブIDを返します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) (string, error) {
	if err := m.prepare(ctx, payload); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	taskType := TaskExport
	if payload.Operation == OperationThumbnails {
		taskType = TaskThumbnails
	}
	task := asynq.NewTask(taskType, body, asynq.Queue(queueName))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1), asynq.TaskID(payload.JobID)); err != nil {
		_ = m.store.MarkFailed(ctx, payload.JobID, &ErrorInfo{Code: "QUEUE_UNAVAILABLE", Message: "ジョブの投入に失敗しました。"})
		return "", err
	}
	return payload.JobID, nil
}

func (m *Manager) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return m.process(ctx, &payload)
}

// InlineQueue は Redis なしでプロセス内のゴルーチンでジョブを実行します。
type InlineQueue struct {
	core
	ctx context.Context
}

// NewInlineQueue は InlineQueue を作成します。ctx が終わると実行中のジョブは取り消されます。
func NewInlineQueue(ctx context.Context, store Store, st *storage.Local, runner *Runner, expire time.Duration, logger *log.Logger) *InlineQueue {
	if logger == nil {
		logger = log.Default()
	}
	return &InlineQueue{
		core: core{store: store, storage: st, runner: runner, expire: expire, logger: logger},
		ctx:  ctx,
	}
}

// Enqueue はジョブを登録し、バックグラウンドで実行を始めます。
func (q *InlineQueue) Enqueue(ctx context.Context, payload *TaskPayload) (string, error) {
	if err := q.prepare(ctx, payload); err != nil {
		return "", err
	}
	p := *payload
	go func() {
		if err := q.process(q.ctx, &p); err != nil {
			q.logger.Printf("job=%s: %v", p.JobID, err)
		}
	}()
	return payload.JobID, nil
}
