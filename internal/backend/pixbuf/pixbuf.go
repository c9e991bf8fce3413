// Package pixbuf は単一のラスター画像を1ページの文書として扱います。
package pixbuf

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/raster"
)

// MIMETypes はこのバックエンドが扱う形式です。
var MIMETypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp", "image/bmp", "image/tiff"}

// Backend はデコード済みの画像を保持します。
type Backend struct {
	img    image.Image
	format string
}

// Open は path の画像をデコードします。
func Open(path string) (*Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("画像をデコードできませんでした: %w", err)
	}
	return &Backend{img: img, format: format}, nil
}

func (b *Backend) PageCount() int { return 1 }

func (b *Backend) PageSize(int) (float64, float64) {
	r := b.img.Bounds()
	return float64(r.Dx()), float64(r.Dy())
}

func (b *Backend) Render(ctx context.Context, rc document.RenderContext) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return raster.Fit(b.img, rc.Rotation, rc.TargetWidth, rc.TargetHeight), nil
}

func (b *Backend) Info() document.Info {
	return document.Info{Format: b.format}
}

func (b *Backend) Close() error { return nil }
