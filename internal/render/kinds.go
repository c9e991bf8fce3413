package render

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"
	"unicode"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/raster"
)

// RenderFlags は描画と同時に取得するページデータです。
type RenderFlags uint8

const (
	IncludeLinks RenderFlags = 1 << iota
	IncludeText
	IncludeImages
	IncludeForms

	IncludeNone RenderFlags = 0
	IncludeAll              = IncludeLinks | IncludeText | IncludeImages | IncludeForms
)

// PageData はページに付随するマッピング情報です。
type PageData struct {
	Links      []document.LinkMapping
	Text       string
	TextLayout []document.Rect
	Images     []document.ImageMapping
	Forms      []document.FormField
}

// collect は flags に応じてバックエンドが対応する範囲のデータを取得します。
// マッピングの取得失敗は描画結果を無効にしません。
func (d *PageData) collect(b document.Backend, page int, flags RenderFlags) {
	if flags&IncludeLinks != 0 {
		if lp, ok := b.(document.LinkProvider); ok {
			d.Links, _ = lp.Links(page)
		}
	}
	if flags&IncludeText != 0 {
		if tp, ok := b.(document.TextProvider); ok {
			d.Text, _ = tp.Text(page)
			d.TextLayout, _ = tp.TextLayout(page)
		}
	}
	if flags&IncludeImages != 0 {
		if ip, ok := b.(document.ImageProvider); ok {
			d.Images, _ = ip.Images(page)
		}
	}
	if flags&IncludeForms != 0 {
		if fp, ok := b.(document.FormProvider); ok {
			d.Forms, _ = fp.FormFields(page)
		}
	}
}

func checkPage(b document.Backend, page int) error {
	if n := b.PageCount(); page >= n {
		return fmt.Errorf("page %d out of range (document has %d pages)", page, n)
	}
	return nil
}

// RenderJob は1ページを目標寸法のサーフェスに描画します。
type RenderJob struct {
	jobBase
	Page     int
	Rotation int
	Scale    float64
	Width    int
	Height   int
	Flags    RenderFlags
	// Region が設定されている場合、呼び出し側はこの領域だけを差し替えます。
	Region *image.Rectangle

	// 以下は IsFinished が true になった後に読み出せます。
	Surface *image.RGBA
	PageData
}

// NewRenderJob は描画ジョブを作成します。不正な引数は呼び出し側のバグとしてパニックします。
func NewRenderJob(doc *document.Document, page, rotation int, scale float64, width, height int, flags RenderFlags) *RenderJob {
	if page < 0 {
		panic(fmt.Sprintf("render: invalid page %d", page))
	}
	if scale <= 0 || width <= 0 || height <= 0 {
		panic(fmt.Sprintf("render: invalid target scale=%v size=%dx%d", scale, width, height))
	}
	j := &RenderJob{
		Page:     page,
		Rotation: document.NormalizeRotation(rotation),
		Scale:    scale,
		Width:    width,
		Height:   height,
		Flags:    flags,
	}
	j.init(j, KindRender, doc)
	return j
}

func (j *RenderJob) step(ctx context.Context, b document.Backend) (bool, error) {
	if err := checkPage(b, j.Page); err != nil {
		return false, err
	}
	rc := document.RenderContext{
		Page:         j.Page,
		Rotation:     j.Rotation,
		Scale:        j.Scale,
		TargetWidth:  j.Width,
		TargetHeight: j.Height,
	}
	surface, err := b.Render(ctx, rc)
	if err != nil {
		return false, fmt.Errorf("render page %d: %w", j.Page, err)
	}
	if surface.Bounds().Dx() != j.Width || surface.Bounds().Dy() != j.Height {
		surface = raster.Scale(surface, j.Width, j.Height)
	}
	j.Surface = surface
	j.PageData.collect(b, j.Page, j.Flags)
	return false, nil
}

// ThumbnailJob はページを幅 Width のサムネイルに描画します。
type ThumbnailJob struct {
	jobBase
	Page     int
	Rotation int
	Width    int

	Image *image.RGBA
}

// NewThumbnailJob はサムネイルジョブを作成します。
func NewThumbnailJob(doc *document.Document, page, rotation, width int) *ThumbnailJob {
	if page < 0 || width <= 0 {
		panic(fmt.Sprintf("render: invalid thumbnail page=%d width=%d", page, width))
	}
	j := &ThumbnailJob{Page: page, Rotation: document.NormalizeRotation(rotation), Width: width}
	j.init(j, KindThumbnail, doc)
	return j
}

func (j *ThumbnailJob) step(ctx context.Context, b document.Backend) (bool, error) {
	if err := checkPage(b, j.Page); err != nil {
		return false, err
	}
	pw, ph := b.PageSize(j.Page)
	if j.Rotation == 90 || j.Rotation == 270 {
		pw, ph = ph, pw
	}
	if pw <= 0 || ph <= 0 {
		return false, fmt.Errorf("page %d has no size", j.Page)
	}
	scale := float64(j.Width) / pw
	height := int(math.Max(1, math.Floor(ph*scale+0.5)))
	img, err := b.Render(ctx, document.RenderContext{
		Page:         j.Page,
		Rotation:     j.Rotation,
		Scale:        scale,
		TargetWidth:  j.Width,
		TargetHeight: height,
	})
	if err != nil {
		return false, fmt.Errorf("thumbnail page %d: %w", j.Page, err)
	}
	if img.Bounds().Dx() != j.Width || img.Bounds().Dy() != height {
		img = raster.ScaleSmooth(img, j.Width, height)
	}
	j.Image = img
	return false, nil
}

// PageDataJob は描画せずにページのマッピング情報だけを取得します。
type PageDataJob struct {
	jobBase
	Page  int
	Flags RenderFlags

	PageData
}

// NewPageDataJob はページデータ取得ジョブを作成します。
func NewPageDataJob(doc *document.Document, page int, flags RenderFlags) *PageDataJob {
	if page < 0 {
		panic(fmt.Sprintf("render: invalid page %d", page))
	}
	j := &PageDataJob{Page: page, Flags: flags}
	j.init(j, KindPageData, doc)
	return j
}

func (j *PageDataJob) step(_ context.Context, b document.Backend) (bool, error) {
	if err := checkPage(b, j.Page); err != nil {
		return false, err
	}
	j.PageData.collect(b, j.Page, j.Flags)
	return false, nil
}

// LinksJob はドキュメントのアウトラインを取得します。
type LinksJob struct {
	jobBase

	Outline []document.OutlineItem
}

// NewLinksJob はアウトライン取得ジョブを作成します。
func NewLinksJob(doc *document.Document) *LinksJob {
	j := &LinksJob{}
	j.init(j, KindLinks, doc)
	return j
}

func (j *LinksJob) step(_ context.Context, b document.Backend) (bool, error) {
	lp, ok := b.(document.LinkProvider)
	if !ok {
		return false, document.ErrNoCapability
	}
	outline, err := lp.Outline()
	if err != nil {
		return false, fmt.Errorf("outline: %w", err)
	}
	j.Outline = outline
	return false, nil
}

// FontsJob はフォントを段階的に走査します。各ステップの後に進捗が通知されます。
type FontsJob struct {
	jobBase
	scan document.FontScan

	Fonts []document.FontInfo
}

// NewFontsJob はフォント走査ジョブを作成します。
func NewFontsJob(doc *document.Document) *FontsJob {
	j := &FontsJob{}
	j.init(j, KindFonts, doc)
	return j
}

func (j *FontsJob) step(ctx context.Context, b document.Backend) (bool, error) {
	scanner, ok := b.(document.FontScanner)
	if !ok {
		return false, document.ErrNoCapability
	}
	progress, done, err := scanner.ScanFonts(ctx, &j.scan)
	if err != nil {
		return false, fmt.Errorf("scan fonts: %w", err)
	}
	if done {
		j.Fonts = j.scan.Fonts
		return false, nil
	}
	j.reportProgress(progress)
	return true, nil
}

// TransferJob は元ファイルを Dest に書き出します。
// バックエンドが document.Saver を実装しない場合はファイルをそのままコピーします。
type TransferJob struct {
	jobBase
	Dest io.Writer

	Written int64
}

// NewTransferJob は転送ジョブを作成します。
func NewTransferJob(doc *document.Document, dest io.Writer) *TransferJob {
	if dest == nil {
		panic("render: transfer job without destination")
	}
	j := &TransferJob{Dest: dest}
	j.init(j, KindTransfer, doc)
	return j
}

func (j *TransferJob) step(ctx context.Context, b document.Backend) (bool, error) {
	cw := &countingWriter{w: j.Dest}
	if saver, ok := b.(document.Saver); ok {
		if err := saver.Save(ctx, cw); err != nil {
			return false, fmt.Errorf("save: %w", err)
		}
		j.Written = cw.n
		return false, nil
	}
	f, err := os.Open(j.doc.Path)
	if err != nil {
		return false, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(cw, f); err != nil {
		return false, fmt.Errorf("copy source: %w", err)
	}
	j.Written = cw.n
	return false, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// FindJob はページを1つずつ検索します。既定では Loop 上で実行されます。
type FindJob struct {
	jobBase
	Query         string
	CaseSensitive bool

	mu      sync.Mutex
	next    int
	pages   int
	matches [][]document.Rect
}

// NewFindJob は検索ジョブを作成します。
func NewFindJob(doc *document.Document, query string, caseSensitive bool) *FindJob {
	if query == "" {
		panic("render: empty search query")
	}
	j := &FindJob{Query: query, CaseSensitive: caseSensitive}
	j.init(j, KindFind, doc)
	j.mode = RunInLoop
	return j
}

// Matches は page で見つかった一致箇所を返します。未検索のページは nil です。
func (j *FindJob) Matches(page int) []document.Rect {
	j.mu.Lock()
	defer j.mu.Unlock()
	if page < 0 || page >= len(j.matches) {
		return nil
	}
	return j.matches[page]
}

// Total はこれまでに見つかった一致の総数を返します。
func (j *FindJob) Total() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, m := range j.matches {
		n += len(m)
	}
	return n
}

// MatchedPages は一致を含むページ番号を昇順で返します。
func (j *FindJob) MatchedPages() []int {
	j.mu.Lock()
	defer j.mu.Unlock()
	var pages []int
	for i, m := range j.matches {
		if len(m) > 0 {
			pages = append(pages, i)
		}
	}
	return pages
}

func (j *FindJob) step(_ context.Context, b document.Backend) (bool, error) {
	tp, ok := b.(document.TextProvider)
	if !ok {
		return false, document.ErrNoCapability
	}
	j.mu.Lock()
	if j.matches == nil {
		j.pages = b.PageCount()
		j.matches = make([][]document.Rect, j.pages)
	}
	page, pages := j.next, j.pages
	j.mu.Unlock()
	if page >= pages {
		return false, nil
	}

	text, err := tp.Text(page)
	if err != nil {
		return false, fmt.Errorf("text page %d: %w", page, err)
	}
	layout, err := tp.TextLayout(page)
	if err != nil {
		return false, fmt.Errorf("text layout page %d: %w", page, err)
	}
	found := findRects(text, layout, j.Query, j.CaseSensitive)

	j.mu.Lock()
	j.matches[page] = found
	j.next++
	again := j.next < j.pages
	j.mu.Unlock()
	if again {
		j.reportProgress(float64(page+1) / float64(pages))
	}
	return again, nil
}

// findRects は text 中の query の出現ごとに、該当ルーンの矩形を結合して返します。
func findRects(text string, layout []document.Rect, query string, caseSensitive bool) []document.Rect {
	hay := []rune(text)
	needle := []rune(query)
	if !caseSensitive {
		for i := range hay {
			hay[i] = unicode.ToLower(hay[i])
		}
		for i := range needle {
			needle[i] = unicode.ToLower(needle[i])
		}
	}
	var out []document.Rect
	for i := 0; i+len(needle) <= len(hay); i++ {
		if !equalRunes(hay[i:i+len(needle)], needle) {
			continue
		}
		if r, ok := unionRects(layout, i, i+len(needle)); ok {
			out = append(out, r)
		}
		i += len(needle) - 1
	}
	return out
}

func equalRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func unionRects(layout []document.Rect, from, to int) (document.Rect, bool) {
	if from >= len(layout) {
		return document.Rect{}, false
	}
	if to > len(layout) {
		to = len(layout)
	}
	u := layout[from].Canon()
	for _, r := range layout[from+1 : to] {
		r = r.Canon()
		u.X1 = math.Min(u.X1, r.X1)
		u.Y1 = math.Min(u.Y1, r.Y1)
		u.X2 = math.Max(u.X2, r.X2)
		u.Y2 = math.Max(u.Y2, r.Y2)
	}
	return u, true
}

// Opener はパスからドキュメントを開く関数です。
type Opener func(path string) (*document.Document, error)

// LoadJob はドキュメントを開きます。ドキュメントロックを取らずに実行されます。
type LoadJob struct {
	jobBase
	Path string
	open Opener

	Loaded *document.Document
}

// NewLoadJob は読み込みジョブを作成します。
func NewLoadJob(path string, open Opener) *LoadJob {
	if open == nil {
		panic("render: load job without opener")
	}
	j := &LoadJob{Path: path, open: open}
	j.init(j, KindLoad, nil)
	return j
}

func (j *LoadJob) step(_ context.Context, _ document.Backend) (bool, error) {
	doc, err := j.open(j.Path)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", j.Path, err)
	}
	j.Loaded = doc
	return false, nil
}
