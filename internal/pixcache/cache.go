// Package pixcache は表示範囲の周辺ページの描画結果を保持するキャッシュです。
//
// キャッシュは表示中のページ範囲 (ウィンドウ) とその前後の先読みマージンだけを保持し、
// 各ページにつき実行中のジョブとサーフェスを高々1つずつ持ちます。
// Cache のメソッドと完了通知はすべて同じ Loop 上で呼び出される前提で、内部ではロックを取りません。
package pixcache

import (
	"fmt"
	"image"
	"io"
	"log"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/pagecache"
	"github.com/yourusername/paper-view/internal/raster"
	"github.com/yourusername/paper-view/internal/render"
)

const (
	// DefaultMaxSize はキャッシュが使うメモリの既定の上限です。
	DefaultMaxSize int64 = 50 * 1024 * 1024
	// DefaultMaxPreload は先読みマージンの既定の最大ページ数です。
	DefaultMaxPreload = 3

	selectionAlpha = 0x80
)

// Scheduler はキャッシュがジョブを投入するスケジューラーです。*render.Scheduler が実装します。
type Scheduler interface {
	Submit(job render.Job, priority render.Priority)
	Reprioritize(job render.Job, priority render.Priority)
	Cancel(job render.Job)
}

// Options はキャッシュの設定です。
type Options struct {
	// MaxSize はウィンドウとマージンのサーフェスに使えるメモリの上限 (バイト) です。
	MaxSize int64
	// MaxPreload は先読みマージンの最大ページ数です。負の値は先読みを無効にします。
	MaxPreload int
	// Loop は完了通知を受け取る Loop です。nil の場合はスケジューラーの既定の Loop。
	Loop   *render.Loop
	Logger *log.Logger
	Debug  bool
}

// Selection はページ上の選択範囲です。
type Selection struct {
	Page  int
	Rect  document.Rect
	Style document.SelectionStyle
	// Covered は選択が覆うピクセル領域です。SelectionList の結果にのみ設定されます。
	Covered []image.Rectangle
}

// target はサーフェスが描画された条件です。
type target struct {
	width, height, rotation int
	scale                   float64
}

type selectionState struct {
	// set は選択対象の矩形があることを示します。
	set    bool
	target document.Rect
	style  document.SelectionStyle

	// 以下は最後に作成したオーバーレイの状態です。
	covered bool
	rect    document.Rect
	scale   float64
	from    *image.RGBA
	overlay *image.RGBA
	region  []image.Rectangle
}

func (s *selectionState) dropOverlay() {
	s.covered = false
	s.overlay = nil
	s.region = nil
	s.from = nil
}

type slot struct {
	job    *render.RenderJob
	region *image.Rectangle

	surface *image.RGBA
	built   target

	links      []document.LinkMapping
	text       string
	textLayout []document.Rect
	images     []document.ImageMapping
	forms      []document.FormField
	have       render.RenderFlags

	sel selectionState
}

// Cache はページのサーフェスキャッシュです。
type Cache struct {
	doc    *document.Document
	pages  *pagecache.Cache
	sched  Scheduler
	loop   *render.Loop
	logger *log.Logger
	debug  bool

	maxSize    int64
	maxPreload int

	ranged   bool
	start    int
	end      int
	preload  int
	scale    float64
	rotation int
	scrollUp bool

	prev   []slot
	window []slot
	next   []slot

	onFinished func(page int, region *image.Rectangle)
}

// New はキャッシュを作成します。ドキュメントのないキャッシュは作れません。
func New(doc *document.Document, pages *pagecache.Cache, sched Scheduler, opts Options) *Cache {
	if doc == nil || pages == nil || sched == nil {
		panic("pixcache: document, page cache and scheduler are required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxPreload == 0 {
		opts.MaxPreload = DefaultMaxPreload
	}
	if opts.MaxPreload < 0 {
		opts.MaxPreload = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Cache{
		doc:        doc,
		pages:      pages,
		sched:      sched,
		loop:       opts.Loop,
		logger:     logger,
		debug:      opts.Debug,
		maxSize:    opts.MaxSize,
		maxPreload: opts.MaxPreload,
		scale:      1,
	}
}

// OnJobFinished はサーフェスが更新されたときの通知先を登録します。
// region が nil の場合はページ全体を再描画します。
func (c *Cache) OnJobFinished(fn func(page int, region *image.Rectangle)) {
	c.onFinished = fn
}

// Range は現在のウィンドウを返します。
func (c *Cache) Range() (start, end int) {
	return c.start, c.end
}

// Preload は現在の先読みマージンのページ数を返します。
func (c *Cache) Preload() int {
	return c.preload
}

// SetMaxSize はメモリ上限を変更します。上限が下がった場合はキャッシュを空にします。
func (c *Cache) SetMaxSize(size int64) {
	if size <= 0 {
		size = DefaultMaxSize
	}
	if size == c.maxSize {
		return
	}
	if size < c.maxSize {
		c.Clear()
	}
	c.maxSize = size
}

// SetVisibleRange は表示範囲を設定し、不要になったジョブとサーフェスを破棄して
// 不足しているページの描画ジョブを投入します。
func (c *Cache) SetVisibleRange(start, end int, scale float64, rotation int, selections []Selection) {
	n := c.pages.NPages()
	if start < 0 || end < start || end >= n {
		panic(fmt.Sprintf("pixcache: invalid range [%d, %d] for %d pages", start, end, n))
	}
	if !(scale > 0) {
		panic(fmt.Sprintf("pixcache: invalid scale %v", scale))
	}
	rotation = document.NormalizeRotation(rotation)

	preload := c.preloadSize(start, end, scale, rotation)
	c.updateRange(start, end, preload)
	c.scale = scale
	c.rotation = rotation
	c.clearJobSizes()
	c.setSelectionList(selections)
	c.addJobsIfNeeded()
}

// preloadSize はメモリ上限に収まる先読みマージンのページ数を求めます。
// ウィンドウだけで上限を超える場合は 0 です。
func (c *Cache) preloadSize(start, end int, scale float64, rotation int) int {
	n := c.pages.NPages()
	var used int64
	for p := start; p <= end; p++ {
		used += c.pageBytes(p, rotation, scale)
	}
	if used >= c.maxSize {
		return 0
	}

	preload := 0
	for i := 1; (start-i >= 0 || end+i < n) && preload < c.maxPreload; i++ {
		grew := false
		if end+i < n {
			size := c.pageBytes(end+i, rotation, scale)
			if used+size > c.maxSize {
				break
			}
			used += size
			preload++
			grew = true
		}
		if start-i >= 0 {
			size := c.pageBytes(start-i, rotation, scale)
			if used+size > c.maxSize {
				break
			}
			used += size
			if !grew {
				preload++
			}
		}
	}
	return preload
}

func (c *Cache) pageBytes(page, rotation int, scale float64) int64 {
	w, h := c.pages.Size(page, rotation, scale)
	return raster.Bytes(w, h)
}

func (c *Cache) wantFor(page int) target {
	w, h := c.pages.Size(page, c.rotation, c.scale)
	return target{width: w, height: h, rotation: c.rotation, scale: c.scale}
}

func jobTarget(j *render.RenderJob) target {
	return target{width: j.Width, height: j.Height, rotation: j.Rotation, scale: j.Scale}
}

// updateRange は古いスロットを新しいウィンドウとマージンへ移し、範囲外のものを破棄します。
func (c *Cache) updateRange(start, end, preload int) {
	if c.ranged && start == c.start && end == c.end && preload == c.preload {
		return
	}
	n := c.pages.NPages()
	newPrev := make([]slot, preload)
	newWindow := make([]slot, end-start+1)
	newNext := make([]slot, preload)

	move := func(s *slot, page int) {
		if page < start-preload || page > end+preload {
			c.dispose(s)
			return
		}
		var dst *slot
		priority := render.PriorityLow
		switch {
		case page < start:
			dst = &newPrev[page-(start-preload)]
		case page > end:
			dst = &newNext[page-(end+1)]
		default:
			dst = &newWindow[page-start]
			priority = render.PriorityUrgent
		}
		*dst = *s
		*s = slot{}
		if dst.job != nil && dst.job.Priority() != priority {
			c.sched.Reprioritize(dst.job, priority)
		}
	}

	if c.ranged {
		for i := range c.prev {
			page := c.start - c.preload + i
			if page < 0 {
				c.dispose(&c.prev[i])
				continue
			}
			move(&c.prev[i], page)
		}
		for i := range c.window {
			move(&c.window[i], c.start+i)
		}
		for i := range c.next {
			page := c.end + 1 + i
			if page >= n {
				c.dispose(&c.next[i])
				continue
			}
			move(&c.next[i], page)
		}
		if start != c.start {
			c.scrollUp = start < c.start
		}
	}

	c.prev, c.window, c.next = newPrev, newWindow, newNext
	c.start, c.end, c.preload = start, end, preload
	c.ranged = true
}

// find は page のスロットを返します。ウィンドウとマージンの外であれば nil です。
func (c *Cache) find(page int) *slot {
	if !c.ranged || page < c.start-c.preload || page > c.end+c.preload {
		return nil
	}
	switch {
	case page < c.start:
		return &c.prev[page-(c.start-c.preload)]
	case page > c.end:
		return &c.next[page-(c.end+1)]
	default:
		return &c.window[page-c.start]
	}
}

// each は存在するページのスロットをページ順に fn へ渡します。
func (c *Cache) each(fn func(page int, s *slot)) {
	n := c.pages.NPages()
	for i := range c.prev {
		if page := c.start - c.preload + i; page >= 0 {
			fn(page, &c.prev[i])
		}
	}
	for i := range c.window {
		fn(c.start+i, &c.window[i])
	}
	for i := range c.next {
		if page := c.end + 1 + i; page < n {
			fn(page, &c.next[i])
		}
	}
}

func (c *Cache) dispose(s *slot) {
	if s.job != nil {
		c.sched.Cancel(s.job)
	}
	*s = slot{}
}

// clearJobSizes は現在のスケールと回転に合わないジョブとサーフェスを破棄します。
func (c *Cache) clearJobSizes() {
	c.each(func(page int, s *slot) {
		want := c.wantFor(page)
		if s.job != nil && jobTarget(s.job) != want {
			if c.debug {
				c.logger.Printf("pixcache: drop stale job page=%d", page)
			}
			c.sched.Cancel(s.job)
			s.job = nil
			s.region = nil
		}
		if s.surface != nil && s.built != want {
			s.surface = nil
			s.sel.dropOverlay()
		}
	})
}

func (c *Cache) addJobsIfNeeded() {
	n := c.pages.NPages()
	for i := range c.window {
		c.addJobIfNeeded(&c.window[i], c.start+i, render.PriorityUrgent)
	}
	prev := func() {
		for i := len(c.prev) - 1; i >= 0; i-- {
			page := c.start - c.preload + i
			if page < 0 {
				break
			}
			c.addJobIfNeeded(&c.prev[i], page, render.PriorityLow)
		}
	}
	next := func() {
		for i := range c.next {
			page := c.end + 1 + i
			if page >= n {
				break
			}
			c.addJobIfNeeded(&c.next[i], page, render.PriorityLow)
		}
	}
	if c.scrollUp {
		prev()
		next()
	} else {
		next()
		prev()
	}
}

func (c *Cache) addJobIfNeeded(s *slot, page int, priority render.Priority) {
	if s.job != nil {
		return
	}
	if s.surface != nil && s.built == c.wantFor(page) {
		return
	}
	c.addJob(s, page, nil, priority)
}

func (c *Cache) addJob(s *slot, page int, region *image.Rectangle, priority render.Priority) {
	want := c.wantFor(page)
	flags := render.IncludeAll &^ s.have
	job := render.NewRenderJob(c.doc, page, c.rotation, c.scale, want.width, want.height, flags)
	if region != nil {
		r := *region
		job.Region = &r
	}
	s.job = job
	s.region = job.Region
	job.OnFinished(c.loop, func(j render.Job) {
		c.jobFinished(j.(*render.RenderJob))
	})
	c.sched.Submit(job, priority)
}

// jobFinished は完了したジョブの結果をスロットに取り込みます。
// スロットが別のジョブに置き換わっている場合や描画条件が変わっている場合は黙って捨てます。
func (c *Cache) jobFinished(job *render.RenderJob) {
	s := c.find(job.Page)
	if s == nil || s.job != job {
		if c.debug {
			c.logger.Printf("pixcache: discard superseded result page=%d", job.Page)
		}
		return
	}
	region := s.region
	s.job = nil
	s.region = nil

	if err := job.Err(); err != nil {
		c.logger.Printf("pixcache: page %d render failed: %v", job.Page, err)
		return
	}
	if jobTarget(job) != c.wantFor(job.Page) {
		if c.debug {
			c.logger.Printf("pixcache: discard stale result page=%d", job.Page)
		}
		return
	}

	built := jobTarget(job)
	if region != nil && s.surface != nil && s.built == built {
		merged := cloneRGBA(s.surface)
		raster.Blit(merged, job.Surface, *region)
		s.surface = merged
	} else {
		s.surface = job.Surface
	}
	s.built = built
	s.sel.overlay = nil

	if job.Flags&render.IncludeLinks != 0 {
		s.links = job.Links
	}
	if job.Flags&render.IncludeText != 0 {
		s.text = job.Text
		s.textLayout = job.TextLayout
	}
	if job.Flags&render.IncludeImages != 0 {
		s.images = job.Images
	}
	if job.Flags&render.IncludeForms != 0 {
		s.forms = job.Forms
	}
	s.have |= job.Flags

	if c.onFinished != nil {
		c.onFinished(job.Page, region)
	}
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

// harvest は通知が届く前に完了しているジョブの結果を取り込みます。
func (c *Cache) harvest(s *slot) {
	if s.job != nil && s.job.IsFinished() {
		c.jobFinished(s.job)
	}
}

// Surface は page のサーフェスを返します。まだ描画されていなければ nil です。
func (c *Cache) Surface(page int) *image.RGBA {
	s := c.find(page)
	if s == nil {
		return nil
	}
	c.harvest(s)
	return s.surface
}

// LinkMapping は page のリンク配置を返します。
func (c *Cache) LinkMapping(page int) []document.LinkMapping {
	s := c.find(page)
	if s == nil {
		return nil
	}
	c.harvest(s)
	return s.links
}

// TextLayout は page のテキストと各ルーンの矩形を返します。
func (c *Cache) TextLayout(page int) (string, []document.Rect) {
	s := c.find(page)
	if s == nil {
		return "", nil
	}
	c.harvest(s)
	return s.text, s.textLayout
}

// ImageMapping は page の画像配置を返します。
func (c *Cache) ImageMapping(page int) []document.ImageMapping {
	s := c.find(page)
	if s == nil {
		return nil
	}
	c.harvest(s)
	return s.images
}

// FormFieldMapping は page のフォームフィールドを返します。
func (c *Cache) FormFieldMapping(page int) []document.FormField {
	s := c.find(page)
	if s == nil {
		return nil
	}
	c.harvest(s)
	return s.forms
}

// ReloadPage は page の実行中のジョブをキャンセルし、緊急の描画ジョブを投入し直します。
// region が指定された場合、完了時にその領域だけがサーフェスへ反映されます。
func (c *Cache) ReloadPage(page int, region *image.Rectangle) {
	if n := c.pages.NPages(); page < 0 || page >= n {
		panic(fmt.Sprintf("pixcache: invalid page %d", page))
	}
	s := c.find(page)
	if s == nil {
		return
	}
	if s.job != nil {
		c.sched.Cancel(s.job)
		s.job = nil
		s.region = nil
	}
	// フォームの値が変わっている可能性がある
	s.have &^= render.IncludeForms
	c.addJob(s, page, region, render.PriorityUrgent)
}

// Clear はすべてのジョブをキャンセルし、すべてのサーフェスを解放します。
// ウィンドウは保持されるため、同じ引数で SetVisibleRange を呼ぶと再び描画されます。
func (c *Cache) Clear() {
	for i := range c.prev {
		c.dispose(&c.prev[i])
	}
	for i := range c.window {
		c.dispose(&c.window[i])
	}
	for i := range c.next {
		c.dispose(&c.next[i])
	}
}
