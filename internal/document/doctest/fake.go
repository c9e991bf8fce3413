// Package doctest はテスト用の差し替え可能なドキュメントバックエンドを提供します。
package doctest

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"strings"
	"sync"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/raster"
)

// SelectionFill は RenderSelection がオーバーレイを塗る色です。
var SelectionFill = color.RGBA{B: 0xff, A: 0xff}

// Backend はページ寸法・失敗・ブロッキングを設定できる偽バックエンドです。
// 記録された呼び出しはテストのゴルーチンから安全に参照できます。
type Backend struct {
	mu sync.Mutex

	sizes   [][2]float64
	labels  []string
	texts   []string
	fonts   []document.FontInfo
	links   map[int][]document.LinkMapping
	outline []document.OutlineItem
	fail    map[int]error
	panics  map[int]bool

	// gate が設定されている場合、Render は値を受信するかコンテキストが終わるまで待ちます。
	gate    chan struct{}
	started chan document.RenderContext

	calls  []document.RenderContext
	saved  int
	closed bool

	selections     bool
	selectionCalls int
}

// New は n ページ、各ページ width x height の偽バックエンドを作成します。
func New(n int, width, height float64) *Backend {
	b := &Backend{
		links:  make(map[int][]document.LinkMapping),
		fail:   make(map[int]error),
		panics: make(map[int]bool),
	}
	for i := 0; i < n; i++ {
		b.sizes = append(b.sizes, [2]float64{width, height})
		b.labels = append(b.labels, "")
		b.texts = append(b.texts, "")
	}
	return b
}

// NewDocument は偽バックエンドを包んだ Document を返します。
func NewDocument(n int, width, height float64) (*document.Document, *Backend) {
	b := New(n, width, height)
	return document.New("fake.pdf", "application/pdf", b), b
}

// SetPageSize はページ寸法を変更します。
func (b *Backend) SetPageSize(page int, width, height float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizes[page] = [2]float64{width, height}
}

// SetLabel はページラベルを設定します。
func (b *Backend) SetLabel(page int, label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.labels[page] = label
}

// SetText はページのテキストを設定します。各ルーンは1ポイント幅の矩形として配置されます。
func (b *Backend) SetText(page int, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts[page] = text
}

// SetLinks はページのリンクを設定します。
func (b *Backend) SetLinks(page int, links []document.LinkMapping) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[page] = links
}

// SetOutline はアウトラインを設定します。
func (b *Backend) SetOutline(items []document.OutlineItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outline = items
}

// SetFonts は ScanFonts が1ステップに1つずつ見つけるフォントを設定します。
func (b *Backend) SetFonts(fonts []document.FontInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fonts = fonts
}

// RenderSelections を true にすると RenderSelection がグリフ単位のオーバーレイを返します。
// false の間は document.ErrNoCapability を返します。
func (b *Backend) RenderSelections(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selections = enabled
}

// SelectionCalls は RenderSelection が描画した回数を返します。
func (b *Backend) SelectionCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selectionCalls
}

// Fail は page の描画を err で失敗させます。nil を渡すと解除します。
func (b *Backend) Fail(page int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, page)
		return
	}
	b.fail[page] = err
}

// Panic は page の描画でパニックさせます。
func (b *Backend) Panic(page int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panics[page] = true
}

// Block 以降の Render は返されたチャネルに値が送られるまで待ちます。
// Render 開始時のコンテキストは Started から受け取れます。
func (b *Backend) Block() (release chan<- struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.started = make(chan document.RenderContext, 64)
	return b.gate
}

// Unblock はブロッキングを解除します。
func (b *Backend) Unblock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
	}
	b.gate = nil
}

// Started は Block 中に開始された Render を通知するチャネルです。
func (b *Backend) Started() <-chan document.RenderContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Calls は記録された Render 呼び出しのコピーを返します。
func (b *Backend) Calls() []document.RenderContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]document.RenderContext, len(b.calls))
	copy(out, b.calls)
	return out
}

// RenderedPages は Render が呼ばれたページ番号を呼び出し順に返します。
func (b *Backend) RenderedPages() []int {
	calls := b.Calls()
	pages := make([]int, len(calls))
	for i, c := range calls {
		pages[i] = c.Page
	}
	return pages
}

// Closed は Close が呼ばれたかどうかを返します。
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// PageCount は document.Backend を実装します。
func (b *Backend) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sizes)
}

// PageSize は document.Backend を実装します。
func (b *Backend) PageSize(page int) (float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sizes[page]
	return s[0], s[1]
}

// Render はページ番号に応じた単色の画像を目標寸法で返します。
func (b *Backend) Render(ctx context.Context, rc document.RenderContext) (*image.RGBA, error) {
	b.mu.Lock()
	b.calls = append(b.calls, rc)
	gate, started := b.gate, b.started
	err := b.fail[rc.Page]
	shouldPanic := b.panics[rc.Page]
	b.mu.Unlock()

	if gate != nil {
		started <- rc
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldPanic {
		panic("doctest: render panic")
	}
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, rc.TargetWidth, rc.TargetHeight))
	fill := PageColor(rc.Page)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = fill.R, fill.G, fill.B, fill.A
	}
	return img, nil
}

// PageColor は Render がページを塗りつぶす色です。
func PageColor(page int) color.RGBA {
	return color.RGBA{R: uint8(page * 16), G: 0x80, B: uint8(255 - page*16), A: 0xff}
}

// Close は document.Backend を実装します。
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// PageLabel は document.Labeler を実装します。
func (b *Backend) PageLabel(page int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.labels[page]
}

// Text は document.TextProvider を実装します。
func (b *Backend) Text(page int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.texts[page], nil
}

// TextLayout は各ルーンを左から順に 1x10 の矩形として返します。
func (b *Backend) TextLayout(page int) ([]document.Rect, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var rects []document.Rect
	x := 0.0
	for range b.texts[page] {
		rects = append(rects, document.Rect{X1: x, Y1: 0, X2: x + 1, Y2: 10})
		x++
	}
	return rects, nil
}

// RenderSelection は sel に重なるグリフの矩形を SelectionFill で塗ったオーバーレイを返します。
func (b *Backend) RenderSelection(rc document.RenderContext, _ *image.RGBA, sel document.Rect, _ document.SelectionStyle) (*image.RGBA, []image.Rectangle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.selections {
		return nil, nil, document.ErrNoCapability
	}
	b.selectionCalls++
	overlay := image.NewRGBA(image.Rect(0, 0, rc.TargetWidth, rc.TargetHeight))
	size := b.sizes[rc.Page]
	sel = sel.Canon()
	var region []image.Rectangle
	x := 0.0
	for range b.texts[rc.Page] {
		glyph := document.Rect{X1: x, Y1: 0, X2: x + 1, Y2: 10}
		x++
		if glyph.X2 <= sel.X1 || glyph.X1 >= sel.X2 || glyph.Y2 <= sel.Y1 || glyph.Y1 >= sel.Y2 {
			continue
		}
		area := raster.PixelRect(glyph, size[0], size[1], rc.Rotation, rc.Scale).Intersect(overlay.Bounds())
		for y := area.Min.Y; y < area.Max.Y; y++ {
			for px := area.Min.X; px < area.Max.X; px++ {
				overlay.SetRGBA(px, y, SelectionFill)
			}
		}
		region = append(region, area)
	}
	return overlay, region, nil
}

// Links は document.LinkProvider を実装します。
func (b *Backend) Links(page int) ([]document.LinkMapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.links[page], nil
}

// Outline は document.LinkProvider を実装します。
func (b *Backend) Outline() ([]document.OutlineItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outline, nil
}

// ScanFonts は1ステップにつき1フォントを scan に追加します。
func (b *Backend) ScanFonts(ctx context.Context, scan *document.FontScan) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.fonts)
	if scan.Step < n {
		scan.Fonts = append(scan.Fonts, b.fonts[scan.Step])
	}
	scan.Step++
	if scan.Step >= n {
		return 1, true, nil
	}
	return float64(scan.Step) / float64(n), false, nil
}

// Save はページごとのテキストを書き出します。
func (b *Backend) Save(ctx context.Context, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.saved++
	body := strings.Join(b.texts, "\n")
	b.mu.Unlock()
	if _, err := io.WriteString(dst, body); err != nil {
		return errors.Join(errors.New("doctest: save failed"), err)
	}
	return nil
}

// Info は document.InfoProvider を実装します。
func (b *Backend) Info() document.Info {
	return document.Info{Title: "Fake", Format: "fake"}
}
