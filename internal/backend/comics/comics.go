// Package comics は画像を格納した ZIP アーカイブ (CBZ) を1ページ1画像の文書として扱います。
package comics

import (
	"archive/zip"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"slices"
	"strings"
	"unicode"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/raster"
)

// MIMETypes はこのバックエンドが扱う形式です。
var MIMETypes = []string{"application/vnd.comicbook+zip", "application/x-cbz", "application/zip"}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

type page struct {
	file          *zip.File
	width, height float64
}

// Backend は開いたアーカイブです。
type Backend struct {
	zr    *zip.ReadCloser
	pages []page
}

// Open は path のアーカイブを開き、画像エントリをファイル名の自然順に並べます。
func Open(filename string) (*Backend, error) {
	zr, err := zip.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("アーカイブを開けませんでした: %w", err)
	}
	b := &Backend{zr: zr}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !imageExts[strings.ToLower(path.Ext(f.Name))] {
			continue
		}
		if strings.HasPrefix(path.Base(f.Name), ".") || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		cfg, err := decodeConfig(f)
		if err != nil {
			// 読めない画像はページとして数えない
			continue
		}
		b.pages = append(b.pages, page{file: f, width: float64(cfg.Width), height: float64(cfg.Height)})
	}
	if len(b.pages) == 0 {
		_ = zr.Close()
		return nil, fmt.Errorf("アーカイブに画像がありません: %w", document.ErrUnsupported)
	}
	slices.SortFunc(b.pages, func(x, y page) int { return naturalCompare(x.file.Name, y.file.Name) })
	return b, nil
}

func decodeConfig(f *zip.File) (image.Config, error) {
	rc, err := f.Open()
	if err != nil {
		return image.Config{}, err
	}
	defer rc.Close()
	cfg, _, err := image.DecodeConfig(rc)
	return cfg, err
}

// PageCount はページ数を返します。
func (b *Backend) PageCount() int { return len(b.pages) }

// PageSize は画像のピクセル寸法をそのままポイントとして返します。
func (b *Backend) PageSize(p int) (float64, float64) {
	return b.pages[p].width, b.pages[p].height
}

// Render はページ画像を展開して目標寸法へ合わせます。
func (b *Backend) Render(ctx context.Context, rc document.RenderContext) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := b.pages[rc.Page].file.Open()
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", rc.Page, err)
	}
	defer r.Close()
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", rc.Page, err)
	}
	return raster.Fit(img, rc.Rotation, rc.TargetWidth, rc.TargetHeight), nil
}

// PageLabel はエントリのファイル名 (拡張子なし) を返します。
func (b *Backend) PageLabel(p int) string {
	name := path.Base(b.pages[p].file.Name)
	return strings.TrimSuffix(name, path.Ext(name))
}

// Info は形式名だけを返します。
func (b *Backend) Info() document.Info {
	return document.Info{Format: "CBZ"}
}

// Close はアーカイブを閉じます。
func (b *Backend) Close() error {
	return b.zr.Close()
}

// naturalCompare は数字の並びを数値として比較し、page2 を page10 より前に並べます。
func naturalCompare(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	i, j := 0, 0
	for i < len(ra) && j < len(rb) {
		if unicode.IsDigit(ra[i]) && unicode.IsDigit(rb[j]) {
			si := i
			for i < len(ra) && unicode.IsDigit(ra[i]) {
				i++
			}
			sj := j
			for j < len(rb) && unicode.IsDigit(rb[j]) {
				j++
			}
			na := strings.TrimLeft(string(ra[si:i]), "0")
			nb := strings.TrimLeft(string(rb[sj:j]), "0")
			if len(na) != len(nb) {
				return len(na) - len(nb)
			}
			if c := strings.Compare(na, nb); c != 0 {
				return c
			}
			continue
		}
		ca, cb := unicode.ToLower(ra[i]), unicode.ToLower(rb[j])
		if ca != cb {
			return int(ca) - int(cb)
		}
		i++
		j++
	}
	return (len(ra) - i) - (len(rb) - j)
}
