package viewer

import (
	"context"
	"image"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/pixcache"
	"github.com/yourusername/paper-view/internal/render"
)

const closeTimeout = 5 * time.Second

// 受け付けるスケールの範囲です。
const (
	minScale = 0.01
	maxScale = 16
)

func checkScale(scale float64) error {
	if math.IsNaN(scale) || scale < minScale || scale > maxScale {
		return invalidInput("scale は %g から %g の範囲で指定してください。", float64(minScale), float64(maxScale))
	}
	return nil
}

// SelectionRequest はクライアントから受け取る選択範囲です。
type SelectionRequest struct {
	Page  int           `json:"page"`
	Rect  document.Rect `json:"rect"`
	Style string        `json:"style"`
}

// RangeRequest は表示範囲の更新要求です。
type RangeRequest struct {
	Start      int                `json:"start"`
	End        int                `json:"end"`
	Scale      float64            `json:"scale"`
	Rotation   int                `json:"rotation"`
	Selections []SelectionRequest `json:"selections"`
}

// ViewStatus はビューの現在の状態です。
type ViewStatus struct {
	ViewState
	Ranged  bool  `json:"ranged"`
	Preload int   `json:"preload"`
	MaxSize int64 `json:"maxSize"`
}

// SelectionInfo は作成済みの選択オーバーレイの情報です。
type SelectionInfo struct {
	Page    int           `json:"page"`
	Rect    document.Rect `json:"rect"`
	Style   string        `json:"style"`
	Covered []Region      `json:"covered"`
}

// View は1人の閲覧者が1つの文書を見ている状態です。
// ピクセルキャッシュは専用の Loop ゴルーチン上だけで操作されます。
type View struct {
	ViewerID string

	entry  *Entry
	sched  *render.Scheduler
	meta   MetadataStore
	logger *log.Logger

	loop   *render.Loop
	cache  *pixcache.Cache
	events *hub
	ctx    context.Context
	stop   context.CancelFunc
	done   chan struct{}

	lastUsed atomic.Int64

	// 以下は Loop 上でのみ読み書きします。
	state   ViewState
	ranged  bool
	maxSize int64
}

func newView(e *Entry, viewerID string, r *Registry) *View {
	ctx, stop := context.WithCancel(context.Background())
	v := &View{
		ViewerID: viewerID,
		entry:    e,
		sched:    r.sched,
		meta:     r.opts.Metadata,
		logger:   r.logger,
		loop:     render.NewLoop(),
		events:   newHub(),
		ctx:      ctx,
		stop:     stop,
		done:     make(chan struct{}),
		state:    ViewState{Scale: 1},
		maxSize:  r.opts.CacheSize,
	}
	v.cache = pixcache.New(e.Doc, e.Pages, r.sched, pixcache.Options{
		MaxSize:    r.opts.CacheSize,
		MaxPreload: r.opts.MaxPreload,
		Loop:       v.loop,
		Logger:     r.logger,
		Debug:      r.opts.Debug,
	})
	if v.maxSize <= 0 {
		v.maxSize = pixcache.DefaultMaxSize
	}
	v.cache.OnJobFinished(func(page int, region *image.Rectangle) {
		v.events.publish(Event{Type: EventJobFinished, Page: page, Region: regionOf(region)})
	})
	if st, ok, err := v.meta.Load(ctx, e.Path); err != nil {
		v.logger.Printf("viewer: load view state for %s: %v", e.Name, err)
	} else if ok && checkScale(st.Scale) == nil {
		v.state = st
	}
	v.touch()

	go func() {
		defer close(v.done)
		_ = v.loop.Run(ctx)
	}()
	return v
}

func (v *View) touch() {
	v.lastUsed.Store(time.Now().UnixNano())
}

func (v *View) idleSince() time.Time {
	return time.Unix(0, v.lastUsed.Load())
}

// call は fn をビューの Loop 上で実行します。
func (v *View) call(ctx context.Context, fn func() error) error {
	v.touch()
	if v.ctx.Err() != nil {
		return errViewClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(v.ctx, cancel)
	defer stop()

	result := make(chan error, 1)
	if err := v.loop.Call(ctx, func() { result <- fn() }); err != nil {
		if v.ctx.Err() != nil {
			return errViewClosed
		}
		return err
	}
	return <-result
}

func (v *View) checkPage(page int) error {
	if n := v.entry.Pages.NPages(); page < 0 || page >= n {
		return newError("PAGE_NOT_FOUND", "指定されたページは存在しません。", nil)
	}
	return nil
}

// Status は現在の表示状態を返します。
func (v *View) Status(ctx context.Context) (ViewStatus, error) {
	var st ViewStatus
	err := v.call(ctx, func() error {
		st = ViewStatus{ViewState: v.state, Ranged: v.ranged, Preload: v.cache.Preload(), MaxSize: v.maxSize}
		return nil
	})
	return st, err
}

// SetVisibleRange は表示範囲と選択を更新し、保存された表示状態を書き換えます。
func (v *View) SetVisibleRange(ctx context.Context, req RangeRequest) (ViewStatus, error) {
	if err := checkScale(req.Scale); err != nil {
		return ViewStatus{}, err
	}
	if req.Rotation%90 != 0 {
		return ViewStatus{}, invalidInput("rotation は 90 の倍数で指定してください。")
	}
	selections, err := parseSelections(req.Selections)
	if err != nil {
		return ViewStatus{}, err
	}

	var st ViewStatus
	err = v.call(ctx, func() error {
		n := v.entry.Pages.NPages()
		if req.Start < 0 || req.End < req.Start || req.End >= n {
			return invalidInput("表示範囲 [%d, %d] が不正です (全 %d ページ)。", req.Start, req.End, n)
		}
		v.cache.SetVisibleRange(req.Start, req.End, req.Scale, req.Rotation, selections)
		v.ranged = true
		v.state = ViewState{
			Start:    req.Start,
			End:      req.End,
			Scale:    req.Scale,
			Rotation: document.NormalizeRotation(req.Rotation),
		}
		st = ViewStatus{ViewState: v.state, Ranged: true, Preload: v.cache.Preload(), MaxSize: v.maxSize}
		return nil
	})
	if err != nil {
		return ViewStatus{}, err
	}
	if err := v.meta.Save(ctx, v.entry.Path, st.ViewState); err != nil {
		v.logger.Printf("viewer: save view state for %s: %v", v.entry.Name, err)
	}
	return st, nil
}

func parseSelections(reqs []SelectionRequest) ([]pixcache.Selection, error) {
	out := make([]pixcache.Selection, 0, len(reqs))
	for _, r := range reqs {
		style, err := parseStyle(r.Style)
		if err != nil {
			return nil, err
		}
		out = append(out, pixcache.Selection{Page: r.Page, Rect: r.Rect, Style: style})
	}
	return out, nil
}

func parseStyle(s string) (document.SelectionStyle, error) {
	switch strings.ToLower(s) {
	case "", "glyph":
		return document.SelectionGlyph, nil
	case "word":
		return document.SelectionWord, nil
	case "line":
		return document.SelectionLine, nil
	default:
		return 0, invalidInput("不明な選択スタイル %q です。", s)
	}
}

// SetSelections はウィンドウを変えずに選択だけを更新します。
func (v *View) SetSelections(ctx context.Context, reqs []SelectionRequest) error {
	selections, err := parseSelections(reqs)
	if err != nil {
		return err
	}
	return v.call(ctx, func() error {
		v.cache.SetSelections(selections)
		return nil
	})
}

// Selections は作成済みの選択オーバーレイを返します。
func (v *View) Selections(ctx context.Context) ([]SelectionInfo, error) {
	var out []SelectionInfo
	err := v.call(ctx, func() error {
		for _, s := range v.cache.SelectionList() {
			covered := make([]Region, 0, len(s.Covered))
			for i := range s.Covered {
				covered = append(covered, *regionOf(&s.Covered[i]))
			}
			out = append(out, SelectionInfo{Page: s.Page, Rect: s.Rect, Style: s.Style.String(), Covered: covered})
		}
		return nil
	})
	return out, err
}

// StyleChanged は表示スタイルの変更を通知し、選択オーバーレイを作り直させます。
func (v *View) StyleChanged(ctx context.Context) error {
	err := v.call(ctx, func() error {
		v.cache.StyleChanged()
		return nil
	})
	if err == nil {
		v.events.publish(Event{Type: EventRedraw, Page: -1})
	}
	return err
}

// SetMaxSize はキャッシュのメモリ上限を変更します。
func (v *View) SetMaxSize(ctx context.Context, size int64) error {
	if size < 0 {
		return invalidInput("maxSize は 0 以上で指定してください。")
	}
	return v.call(ctx, func() error {
		v.cache.SetMaxSize(size)
		v.maxSize = size
		if size == 0 {
			v.maxSize = pixcache.DefaultMaxSize
		}
		return nil
	})
}

// Clear はキャッシュ済みのサーフェスをすべて破棄します。表示範囲は保持されます。
func (v *View) Clear(ctx context.Context) error {
	return v.call(ctx, func() error {
		v.cache.Clear()
		return nil
	})
}

// Surface は page のサーフェスを返します。描画が済んでいなければ nil です。
func (v *View) Surface(ctx context.Context, page int) (*image.RGBA, error) {
	var img *image.RGBA
	err := v.call(ctx, func() error {
		if err := v.checkPage(page); err != nil {
			return err
		}
		img = v.cache.Surface(page)
		return nil
	})
	return img, err
}

// SelectionOverlay は page の選択オーバーレイを返します。scale が 0 なら現在のスケールを使います。
func (v *View) SelectionOverlay(ctx context.Context, page int, scale float64) (*image.RGBA, error) {
	if scale != 0 {
		if err := checkScale(scale); err != nil {
			return nil, err
		}
	}
	var img *image.RGBA
	err := v.call(ctx, func() error {
		if err := v.checkPage(page); err != nil {
			return err
		}
		if scale == 0 {
			scale = v.state.Scale
		}
		img = v.cache.SelectionOverlay(page, scale)
		return nil
	})
	return img, err
}

// ReloadPage は page を緊急の優先度で描画し直します。
func (v *View) ReloadPage(ctx context.Context, page int, region *image.Rectangle) error {
	return v.call(ctx, func() error {
		if err := v.checkPage(page); err != nil {
			return err
		}
		v.cache.ReloadPage(page, region)
		return nil
	})
}

// PageContent はキャッシュ済みのページ付随データです。
type PageContent struct {
	Links  []document.LinkMapping  `json:"links"`
	Text   string                  `json:"text"`
	Layout []document.Rect         `json:"layout,omitempty"`
	Images []document.ImageMapping `json:"images"`
	Forms  []document.FormField    `json:"forms"`
}

// Content は page のリンク・テキスト・画像・フォームを返します。
func (v *View) Content(ctx context.Context, page int) (PageContent, error) {
	var pc PageContent
	err := v.call(ctx, func() error {
		if err := v.checkPage(page); err != nil {
			return err
		}
		pc.Links = v.cache.LinkMapping(page)
		pc.Text, pc.Layout = v.cache.TextLayout(page)
		pc.Images = v.cache.ImageMapping(page)
		pc.Forms = v.cache.FormFieldMapping(page)
		return nil
	})
	return pc, err
}

// Subscribe はイベントの購読を開始します。
func (v *View) Subscribe() (<-chan Event, func()) {
	v.touch()
	return v.events.subscribe()
}

// run はジョブを投入し、完了まで待ちます。ctx が終わるとジョブはキャンセルされます。
func (v *View) run(ctx context.Context, job render.Job, priority render.Priority) error {
	v.touch()
	finished := make(chan struct{})
	job.OnFinished(v.loop, func(render.Job) { close(finished) })
	v.sched.Submit(job, priority)
	select {
	case <-finished:
		return job.Err()
	case <-ctx.Done():
		v.sched.Cancel(job)
		return ctx.Err()
	case <-v.ctx.Done():
		v.sched.Cancel(job)
		return errViewClosed
	}
}

// Thumbnail は page のサムネイルを描画します。
func (v *View) Thumbnail(ctx context.Context, page, width int) (*image.RGBA, error) {
	if err := v.checkPage(page); err != nil {
		return nil, err
	}
	if width <= 0 {
		return nil, invalidInput("width は正の数で指定してください。")
	}
	var rotation int
	if err := v.call(ctx, func() error {
		rotation = v.state.Rotation
		return nil
	}); err != nil {
		return nil, err
	}
	job := render.NewThumbnailJob(v.entry.Doc, page, rotation, width)
	if err := v.run(ctx, job, render.PriorityHigh); err != nil {
		return nil, err
	}
	return job.Image, nil
}

// Outline は文書のアウトラインを取得します。
func (v *View) Outline(ctx context.Context) ([]document.OutlineItem, error) {
	job := render.NewLinksJob(v.entry.Doc)
	if err := v.run(ctx, job, render.PriorityHigh); err != nil {
		return nil, err
	}
	return job.Outline, nil
}

// Fonts は文書のフォントを走査します。走査の進捗はイベントとして通知されます。
func (v *View) Fonts(ctx context.Context) ([]document.FontInfo, error) {
	job := render.NewFontsJob(v.entry.Doc)
	if err := v.run(ctx, job, render.PriorityLow); err != nil {
		return nil, err
	}
	return job.Fonts, nil
}

// FindResult は検索結果です。
type FindResult struct {
	Query   string                  `json:"query"`
	Total   int                     `json:"total"`
	Pages   []int                   `json:"pages"`
	Matches map[int][]document.Rect `json:"matches"`
}

// Find は文書全体を検索します。ページごとの進捗はイベントとして通知されます。
func (v *View) Find(ctx context.Context, query string, caseSensitive bool) (FindResult, error) {
	if query == "" {
		return FindResult{}, invalidInput("検索語を指定してください。")
	}
	job := render.NewFindJob(v.entry.Doc, query, caseSensitive)
	job.OnUpdated(v.loop, func(_ render.Job, progress float64) {
		v.events.publish(Event{Type: EventFindProgress, Page: -1, Progress: progress})
	})
	if err := v.run(ctx, job, render.PriorityHigh); err != nil {
		return FindResult{}, err
	}
	res := FindResult{Query: query, Total: job.Total(), Pages: job.MatchedPages(), Matches: make(map[int][]document.Rect)}
	for _, p := range res.Pages {
		res.Matches[p] = job.Matches(p)
	}
	return res, nil
}

// reload は文書の差し替えを Loop 上で待ち、キャッシュを作り直します。
// Loop に入った時点でジョブをすべてキャンセルして paused に知らせ、release が閉じるまで止まります。
// 再開後、表示範囲は新しいページ数に収まるように切り詰められます。
func (v *View) reload(paused *sync.WaitGroup, release <-chan struct{}) {
	var once sync.Once
	done := func() { once.Do(paused.Done) }
	defer done()

	err := v.call(context.Background(), func() error {
		v.cache.Clear()
		done()
		<-release

		n := v.entry.Pages.NPages()
		if !v.ranged || n == 0 {
			return nil
		}
		st := v.state
		st.End = min(st.End, n-1)
		st.Start = min(st.Start, st.End)
		v.cache.SetVisibleRange(st.Start, st.End, st.Scale, st.Rotation, nil)
		v.state = st
		return nil
	})
	if err != nil {
		v.logger.Printf("viewer: reset view %s of %s: %v", v.ViewerID, v.entry.Name, err)
		return
	}
	v.events.publish(Event{Type: EventRedraw, Page: -1})
}

// close はジョブをキャンセルして Loop を止めます。
func (v *View) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	_ = v.call(ctx, func() error {
		v.cache.Clear()
		return nil
	})
	cancel()
	v.stop()
	<-v.done
	v.events.close()
}
