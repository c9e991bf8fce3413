// Package viewer は開いている文書と閲覧者ごとのビューを管理し、HTTP で公開します。
package viewer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/paper-view/internal/backend"
	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/pagecache"
	"github.com/yourusername/paper-view/internal/render"
)

// Watcher は文書ファイルの変更を監視します。
type Watcher interface {
	Watch(path string, onChange func()) error
	Unwatch(path string)
}

// Options はレジストリの設定です。
type Options struct {
	CacheSize  int64
	MaxPreload int
	Debug      bool
	Metadata   MetadataStore
	Watcher    Watcher
	// Open と Reopen は省略時に backend パッケージの実装を使います。
	Open   func(path string) (*document.Document, error)
	Reopen func(doc *document.Document) error
}

// Entry は開いている文書です。
type Entry struct {
	ID       string
	Name     string
	Path     string
	Doc      *document.Document
	Pages    *pagecache.Cache
	OpenedAt time.Time

	mu    sync.Mutex
	views map[string]*View
}

// DocumentInfo は文書一覧に返す情報です。
type DocumentInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	MIMEType string        `json:"mimeType"`
	Pages    int           `json:"pages"`
	Uniform  bool          `json:"uniform"`
	Info     document.Info `json:"info"`
	OpenedAt time.Time     `json:"openedAt"`
}

// PageInfo はページ寸法とラベルです。
type PageInfo struct {
	Page   int     `json:"page"`
	Label  string  `json:"label"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Describe は文書の情報を返します。
func (e *Entry) Describe() DocumentInfo {
	info := DocumentInfo{
		ID:       e.ID,
		Name:     e.Name,
		MIMEType: e.Doc.MIMEType,
		Pages:    e.Pages.NPages(),
		Uniform:  e.Pages.Uniform(),
		OpenedAt: e.OpenedAt,
	}
	_ = e.Doc.With(func(b document.Backend) error {
		if ip, ok := b.(document.InfoProvider); ok {
			info.Info = ip.Info()
		}
		return nil
	})
	return info
}

// PageList はすべてのページの寸法とラベルを返します。
func (e *Entry) PageList() []PageInfo {
	n := e.Pages.NPages()
	out := make([]PageInfo, n)
	for i := 0; i < n; i++ {
		w, h := e.Pages.PointSize(i)
		out[i] = PageInfo{Page: i, Label: e.Pages.Label(i), Width: w, Height: h}
	}
	return out
}

func (e *Entry) viewList() []*View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*View, 0, len(e.views))
	for _, v := range e.views {
		out = append(out, v)
	}
	return out
}

// Registry は開いている文書の一覧です。すべての文書は1つのスケジューラーを共有します。
type Registry struct {
	sched  *render.Scheduler
	opts   Options
	logger *log.Logger

	loop *render.Loop
	stop context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*Entry
	byPath  map[string]string
}

// NewRegistry はレジストリを作成します。
func NewRegistry(sched *render.Scheduler, opts Options, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Metadata == nil {
		opts.Metadata = NewMemoryMetadata()
	}
	if opts.Open == nil {
		opts.Open = backend.Open
	}
	if opts.Reopen == nil {
		opts.Reopen = backend.Reopen
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		sched:   sched,
		opts:    opts,
		logger:  logger,
		loop:    render.NewLoop(),
		stop:    stop,
		entries: make(map[string]*Entry),
		byPath:  make(map[string]string),
	}
	go func() { _ = r.loop.Run(ctx) }()
	return r
}

// Open は path の文書を開いて登録します。同じパスがすでに開かれていればそれを返します。
func (r *Registry) Open(ctx context.Context, path, name string) (*Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	if id, ok := r.byPath[abs]; ok {
		e := r.entries[id]
		r.mu.RUnlock()
		return e, nil
	}
	r.mu.RUnlock()

	job := render.NewLoadJob(abs, render.Opener(r.opts.Open))
	finished := make(chan struct{})
	job.OnFinished(r.loop, func(render.Job) { close(finished) })
	r.sched.Submit(job, render.PriorityUrgent)
	select {
	case <-finished:
	case <-ctx.Done():
		r.sched.Cancel(job)
		return nil, ctx.Err()
	}
	if err := job.Err(); err != nil {
		return nil, err
	}

	doc := job.Loaded
	if name == "" {
		name = filepath.Base(abs)
	}
	e := &Entry{
		ID:       doc.ID,
		Name:     name,
		Path:     abs,
		Doc:      doc,
		Pages:    pagecache.New(doc),
		OpenedAt: time.Now(),
		views:    make(map[string]*View),
	}

	r.mu.Lock()
	if id, ok := r.byPath[abs]; ok {
		existing := r.entries[id]
		r.mu.Unlock()
		_ = doc.Close()
		return existing, nil
	}
	r.entries[e.ID] = e
	r.byPath[abs] = e.ID
	r.mu.Unlock()

	if r.opts.Watcher != nil {
		id := e.ID
		if err := r.opts.Watcher.Watch(abs, func() {
			if err := r.Reload(id); err != nil && !errors.Is(err, errDocumentNotFound) {
				r.logger.Printf("viewer: reload %s: %v", abs, err)
			}
		}); err != nil {
			r.logger.Printf("viewer: watch %s: %v", abs, err)
		}
	}
	r.logger.Printf("viewer: opened %s (%s, %d pages)", name, doc.MIMEType, e.Pages.NPages())
	return e, nil
}

// Get は id の文書を返します。
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errDocumentNotFound
	}
	return e, nil
}

// List は開いている文書を名前順に返します。
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// View は viewerID の閲覧者のビューを返します。なければ作成します。
func (r *Registry) View(id, viewerID string) (*View, error) {
	e, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[viewerID]; ok {
		v.touch()
		return v, nil
	}
	v := newView(e, viewerID, r)
	e.views[viewerID] = v
	return v, nil
}

// Reload はファイルから文書を読み直し、すべてのビューのキャッシュを作り直します。
func (r *Registry) Reload(id string) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	views := e.viewList()
	release := make(chan struct{})
	var paused, finished sync.WaitGroup
	paused.Add(len(views))
	finished.Add(len(views))
	for _, v := range views {
		go func() {
			defer finished.Done()
			v.reload(&paused, release)
		}()
	}
	// すべてのビューが止まってからバックエンドとページ寸法を差し替える
	paused.Wait()
	err = r.opts.Reopen(e.Doc)
	if err == nil {
		e.Pages.Refresh()
	}
	close(release)
	finished.Wait()
	if err != nil {
		return err
	}
	r.logger.Printf("viewer: reloaded %s (%d pages)", e.Name, e.Pages.NPages())
	return nil
}

// Close は文書を閉じて登録を解除します。
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		delete(r.byPath, e.Path)
	}
	r.mu.Unlock()
	if !ok {
		return errDocumentNotFound
	}
	if r.opts.Watcher != nil {
		r.opts.Watcher.Unwatch(e.Path)
	}
	for _, v := range e.viewList() {
		v.close()
	}
	return e.Doc.Close()
}

// CloseIdleViews は idle 以上使われておらず、購読者もいないビューを閉じます。
func (r *Registry) CloseIdleViews(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	closed := 0
	for _, e := range r.List() {
		e.mu.Lock()
		var stale []*View
		for key, v := range e.views {
			if v.idleSince().Before(cutoff) && v.events.count() == 0 {
				stale = append(stale, v)
				delete(e.views, key)
			}
		}
		e.mu.Unlock()
		for _, v := range stale {
			v.close()
			closed++
		}
	}
	return closed
}

// LoadLibrary は dir 以下の対応している文書をすべて開きます。
func (r *Registry) LoadLibrary(ctx context.Context, dir string) (int, error) {
	opened := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, err := r.Open(ctx, path, ""); err != nil {
			if errors.Is(err, document.ErrUnsupported) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Printf("viewer: skip %s: %v", path, err)
			return nil
		}
		opened++
		return nil
	})
	return opened, err
}

// Shutdown はすべての文書を閉じます。
func (r *Registry) Shutdown() {
	for _, e := range r.List() {
		if err := r.Close(e.ID); err != nil {
			r.logger.Printf("viewer: close %s: %v", e.Name, err)
		}
	}
	r.stop()
}
