// Package pdf は MuPDF (go-fitz) と pdfcpu を使った PDF バックエンドです。
// ラスタライズとテキスト抽出は MuPDF、フォント走査とリンク領域・保存は pdfcpu が担当します。
package pdf

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gen2brain/go-fitz"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/raster"
)

// MIMEType はこのバックエンドが扱う形式です。
const MIMEType = "application/pdf"

// Backend は1つの PDF ファイルを表します。
// メソッドは document.Document のロック下で呼ばれるため、内部で追加の排他はほとんど行いません。
type Backend struct {
	path  string
	doc   *fitz.Document
	sizes [][2]float64

	textMu sync.Mutex
	texts  map[int]*pageText

	// pdfcpu のコンテキストはフォント走査・リンク取得で遅延読み込みします。
	ctx     *model.Context
	ctxErr  error
	pageRef map[int]int
}

// Open は path の PDF を開きます。
func Open(path string) (*Backend, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("PDFを開けませんでした: %w", err)
	}
	n := doc.NumPage()
	sizes := make([][2]float64, n)
	for i := 0; i < n; i++ {
		rect, err := doc.Bound(i)
		if err != nil {
			_ = doc.Close()
			return nil, fmt.Errorf("ページ %d の寸法を取得できませんでした: %w", i+1, err)
		}
		sizes[i] = [2]float64{float64(rect.Dx()), float64(rect.Dy())}
	}
	return &Backend{
		path:  path,
		doc:   doc,
		sizes: sizes,
		texts: make(map[int]*pageText),
	}, nil
}

// PageCount はページ数を返します。
func (b *Backend) PageCount() int { return len(b.sizes) }

// PageSize はページ寸法をポイント単位で返します。
func (b *Backend) PageSize(page int) (float64, float64) {
	s := b.sizes[page]
	return s[0], s[1]
}

// Render は 72·scale DPI でページをラスタライズし、回転して目標サイズに合わせます。
func (b *Backend) Render(ctx context.Context, rc document.RenderContext) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := b.doc.ImageDPI(rc.Page, 72*rc.Scale)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", rc.Page, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return raster.Fit(img, rc.Rotation, rc.TargetWidth, rc.TargetHeight), nil
}

// Close は MuPDF のドキュメントを解放します。
func (b *Backend) Close() error {
	return b.doc.Close()
}

// Text はページのテキストを返します。
func (b *Backend) Text(page int) (string, error) {
	pt, err := b.pageText(page)
	if err != nil {
		return "", err
	}
	return pt.text, nil
}

// TextLayout は Text の各ルーンに対応する矩形を返します。
func (b *Backend) TextLayout(page int) ([]document.Rect, error) {
	pt, err := b.pageText(page)
	if err != nil {
		return nil, err
	}
	return pt.layout, nil
}

func (b *Backend) pageText(page int) (*pageText, error) {
	b.textMu.Lock()
	defer b.textMu.Unlock()
	if pt, ok := b.texts[page]; ok {
		return pt, nil
	}
	src, err := b.doc.HTML(page, false)
	if err != nil {
		return nil, fmt.Errorf("text page %d: %w", page, err)
	}
	pt := parseStext(src)
	b.texts[page] = pt
	return pt, nil
}

// Outline は文書のしおりを返します。
func (b *Backend) Outline() ([]document.OutlineItem, error) {
	toc, err := b.doc.ToC()
	if err != nil {
		// しおりを持たない文書はエラーではなく空として扱う
		return nil, nil
	}
	items := make([]document.OutlineItem, 0, len(toc))
	for _, o := range toc {
		items = append(items, document.OutlineItem{
			Level: o.Level,
			Title: o.Title,
			Page:  o.Page,
			URI:   o.URI,
		})
	}
	return items, nil
}

// Info は文書のメタデータを返します。
func (b *Backend) Info() document.Info {
	m := b.doc.Metadata()
	return document.Info{
		Title:    m["title"],
		Author:   m["author"],
		Subject:  m["subject"],
		Creator:  m["creator"],
		Producer: m["producer"],
		Format:   m["format"],
	}
}

// Save は pdfcpu で最適化したコピーを dst に書き出します。
func (b *Backend) Save(ctx context.Context, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(b.path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pdfapi.Optimize(f, dst, model.NewDefaultConfiguration()); err != nil {
		return fmt.Errorf("PDFの最適化に失敗しました: %w", err)
	}
	return nil
}

// Validate は pdfcpu で path の構造を検証します。
func Validate(path string) error {
	if err := pdfapi.ValidateFile(path, model.NewDefaultConfiguration()); err != nil {
		return fmt.Errorf("PDFの検証に失敗しました: %w", err)
	}
	return nil
}

func (b *Backend) context() (*model.Context, error) {
	if b.ctx == nil && b.ctxErr == nil {
		b.ctx, b.ctxErr = pdfapi.ReadContextFile(b.path)
		if b.ctxErr != nil {
			b.ctxErr = fmt.Errorf("PDF構造の読み込みに失敗しました: %w", b.ctxErr)
		}
	}
	return b.ctx, b.ctxErr
}

func stripSubset(name string) string {
	if i := strings.IndexByte(name, '+'); i == 6 {
		return name[i+1:]
	}
	return name
}
