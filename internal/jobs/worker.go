package jobs

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"log"
	"os"
	"path/filepath"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/render"
	"github.com/yourusername/paper-view/internal/storage"
)

const (
	thumbnailsFilename = "thumbnails.zip"
	exportBasename     = "export"
	defaultThumbWidth  = 128
)

// Opener は文書ファイルからバックエンドを開きます。
type Opener func(path, mimeType string) (document.Backend, error)

// Output はジョブの成果物ファイルを表します。
type Output struct {
	JobID       string
	Filename    string
	ContentType string
	Size        int64
}

// Runner はジョブ専用の Document・Scheduler・Loop を立ててタスクを実行します。
// ビューアが開いている文書とはロックを共有しないため、対話的な描画を妨げません。
type Runner struct {
	storage *storage.Local
	open    Opener
	logger  *log.Logger
	debug   bool
}

// NewRunner は Runner を作成します。
func NewRunner(st *storage.Local, open Opener, logger *log.Logger, debug bool) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{storage: st, open: open, logger: logger, debug: debug}
}

// outputFor は操作ごとの成果物ファイル名と Content-Type です。
func outputFor(p *TaskPayload) (string, string) {
	switch p.Operation {
	case OperationThumbnails:
		return thumbnailsFilename, "application/zip"
	default:
		ext := filepath.Ext(p.Path)
		if ext == "" {
			ext = ".bin"
		}
		ct := p.MIMEType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return exportBasename + ext, ct
	}
}

// Run は payload の処理を実行し、成果物を作業ディレクトリの out/ に書き出します。
func (r *Runner) Run(ctx context.Context, p *TaskPayload, progress ProgressReporter) (_ *Output, err error) {
	ws, err := r.storage.Workspace(p.JobID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ws.OutDir, 0o750); err != nil {
		return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}

	reportProgress(progress, "load", 0)
	backend, err := r.open(p.Path, p.MIMEType)
	if err != nil {
		return nil, newError("UNSUPPORTED_DOCUMENT", "文書を開けませんでした。", err)
	}
	doc := document.New(p.Path, p.MIMEType, backend)
	defer doc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop := render.NewLoop()
	go func() { _ = loop.Run(ctx) }()
	sched := render.NewScheduler(render.Config{Workers: 1, Loop: loop, Debug: r.debug}, r.logger)
	defer sched.Close()

	filename, contentType := outputFor(p)
	outPath := filepath.Join(ws.OutDir, filename)
	switch p.Operation {
	case OperationThumbnails:
		err = r.thumbnails(ctx, sched, loop, doc, p, ws, outPath, progress)
	case OperationExport:
		err = r.export(ctx, sched, loop, doc, outPath, progress)
	default:
		return nil, newError("INVALID_INPUT", "未対応の操作です。", fmt.Errorf("operation %q", p.Operation))
	}
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("成果物の確認に失敗しました: %w", err)
	}
	reportProgress(progress, "write", 100)
	return &Output{JobID: p.JobID, Filename: filename, ContentType: contentType, Size: info.Size()}, nil
}

func (r *Runner) thumbnails(ctx context.Context, sched *render.Scheduler, loop *render.Loop, doc *document.Document, p *TaskPayload, ws storage.Workspace, outPath string, progress ProgressReporter) error {
	width := p.Width
	if width <= 0 {
		width = defaultThumbWidth
	}
	n := doc.PageCount()
	pagesDir := filepath.Join(ws.Dir, "pages")
	if err := os.MkdirAll(pagesDir, 0o750); err != nil {
		return fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	defer os.RemoveAll(pagesDir)

	done := make(chan render.Job, n)
	jobs := make([]*render.ThumbnailJob, n)
	for i := range jobs {
		jobs[i] = render.NewThumbnailJob(doc, i, 0, width)
		jobs[i].OnFinished(loop, func(j render.Job) { done <- j })
		sched.Submit(jobs[i], render.PriorityLow)
	}

	files := make([]string, 0, n)
	for k := 0; k < n; k++ {
		j, err := wait(ctx, done, jobs)
		if err != nil {
			return err
		}
		if err := j.Err(); err != nil {
			return fmt.Errorf("サムネイルの生成に失敗しました: %w", err)
		}
		tj := j.(*render.ThumbnailJob)
		path := filepath.Join(pagesDir, fmt.Sprintf("page-%04d.png", tj.Page+1))
		if err := writePNG(path, tj); err != nil {
			return err
		}
		files = append(files, path)
		reportProgress(progress, "render", 10+80*(k+1)/max(n, 1))
	}
	return storage.CreateZip(outPath, files)
}

func (r *Runner) export(ctx context.Context, sched *render.Scheduler, loop *render.Loop, doc *document.Document, outPath string, progress ProgressReporter) error {
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("出力ファイルの作成に失敗しました: %w", err)
	}
	defer f.Close()

	done := make(chan render.Job, 1)
	job := render.NewTransferJob(doc, f)
	job.OnFinished(loop, func(j render.Job) { done <- j })
	reportProgress(progress, "transfer", 10)
	sched.Submit(job, render.PriorityUrgent)

	j, err := wait(ctx, done, []*render.TransferJob{job})
	if err != nil {
		return err
	}
	if err := j.Err(); err != nil {
		return fmt.Errorf("文書の書き出しに失敗しました: %w", err)
	}
	return f.Close()
}

// wait は完了通知を1件待ちます。ctx が終わった場合は残りのジョブを取り消します。
func wait[J render.Job](ctx context.Context, done <-chan render.Job, pending []J) (render.Job, error) {
	select {
	case j := <-done:
		return j, nil
	case <-ctx.Done():
		for _, j := range pending {
			j.Cancel()
		}
		return nil, ctx.Err()
	}
}

func writePNG(path string, job *render.ThumbnailJob) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("サムネイルの保存に失敗しました: %w", err)
	}
	if err := png.Encode(f, job.Image); err != nil {
		f.Close()
		return fmt.Errorf("サムネイルのエンコードに失敗しました: %w", err)
	}
	return f.Close()
}

// Error はユーザー向けのコードとメッセージを持つジョブのエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func errorInfo(err error) *ErrorInfo {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return &ErrorInfo{Code: jobErr.Code, Message: jobErr.Message}
	}
	if errors.Is(err, context.Canceled) {
		return &ErrorInfo{Code: "CANCELED", Message: "ジョブがキャンセルされました。"}
	}
	return &ErrorInfo{Code: "INTERNAL_ERROR", Message: err.Error()}
}
