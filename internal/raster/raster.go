// Package raster はサーフェス (RGBA 画像) の拡大縮小・回転・選択範囲の合成を提供します。
package raster

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/yourusername/paper-view/internal/document"
)

// ToRGBA は任意の画像を原点 (0,0) 始まりの *image.RGBA に変換します。
func ToRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Scale は src を width x height に拡大縮小します。寸法が同じ場合はコピーせずに返します。
func Scale(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return ToRGBA(src)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// ScaleSmooth はサムネイル向けに高品質な補間で縮小します。
func ScaleSmooth(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return ToRGBA(src)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Rotate は時計回りに rotation 度 (90 の倍数) 回転した画像を返します。
func Rotate(src *image.RGBA, rotation int) *image.RGBA {
	rotation = document.NormalizeRotation(rotation)
	if rotation == 0 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.RGBA
	if rotation == 180 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.RGBAAt(b.Min.X+x, b.Min.Y+y)
			switch rotation {
			case 90:
				dst.SetRGBA(h-1-y, x, c)
			case 180:
				dst.SetRGBA(w-1-x, h-1-y, c)
			case 270:
				dst.SetRGBA(y, w-1-x, c)
			}
		}
	}
	return dst
}

// Fit はページ画像を目標寸法へ合わせて回転・拡大縮小します。
// src は回転前の画像で、width/height は回転後の目標寸法です。
func Fit(src image.Image, rotation, width, height int) *image.RGBA {
	rotation = document.NormalizeRotation(rotation)
	w, h := width, height
	if rotation == 90 || rotation == 270 {
		w, h = height, width
	}
	return Rotate(Scale(src, w, h), rotation)
}

// PixelRect はドキュメント座標の矩形を、回転・スケール適用後のピクセル矩形に変換します。
// pageWidth/pageHeight はスケール 1.0 のページ寸法です。
func PixelRect(r document.Rect, pageWidth, pageHeight float64, rotation int, scale float64) image.Rectangle {
	r = r.Canon()
	pw, ph := pageWidth*scale, pageHeight*scale
	x1, y1 := transform(r.X1*scale, r.Y1*scale, pw, ph, rotation)
	x2, y2 := transform(r.X2*scale, r.Y2*scale, pw, ph, rotation)
	return image.Rect(
		int(math.Floor(math.Min(x1, x2))),
		int(math.Floor(math.Min(y1, y2))),
		int(math.Ceil(math.Max(x1, x2))),
		int(math.Ceil(math.Max(y1, y2))),
	)
}

func transform(x, y, pw, ph float64, rotation int) (float64, float64) {
	switch document.NormalizeRotation(rotation) {
	case 90:
		return ph - y, x
	case 180:
		return pw - x, ph - y
	case 270:
		return y, pw - x
	default:
		return x, y
	}
}

// SelectionColor は選択オーバーレイの既定色です。
var SelectionColor = color.RGBA{R: 0x35, G: 0x84, B: 0xe4, A: 0xff}

// Highlight は surface と同じ寸法の透明画像を作り、area の部分だけ surface の画素を
// 反転して base 色で半透明に着色したオーバーレイを返します。
func Highlight(surface *image.RGBA, area image.Rectangle, base color.RGBA, alpha uint8) *image.RGBA {
	b := surface.Bounds()
	overlay := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	area = area.Intersect(overlay.Bounds())
	if area.Empty() {
		return overlay
	}
	a := uint32(alpha)
	for y := area.Min.Y; y < area.Max.Y; y++ {
		for x := area.Min.X; x < area.Max.X; x++ {
			c := surface.RGBAAt(b.Min.X+x, b.Min.Y+y)
			// 反転した元画素と選択色を混ぜる
			r := (uint32(255-c.R)*(255-a) + uint32(base.R)*a) / 255
			g := (uint32(255-c.G)*(255-a) + uint32(base.G)*a) / 255
			bl := (uint32(255-c.B)*(255-a) + uint32(base.B)*a) / 255
			overlay.SetRGBA(x, y, premultiply(uint8(r), uint8(g), uint8(bl), alpha))
		}
	}
	return overlay
}

func premultiply(r, g, b, a uint8) color.RGBA {
	return color.RGBA{
		R: uint8(uint32(r) * uint32(a) / 255),
		G: uint8(uint32(g) * uint32(a) / 255),
		B: uint8(uint32(b) * uint32(a) / 255),
		A: a,
	}
}

// Blit は src の region 部分だけを dst に上書きします。寸法が異なる場合は false を返します。
func Blit(dst, src *image.RGBA, region image.Rectangle) bool {
	if dst.Bounds().Size() != src.Bounds().Size() {
		return false
	}
	region = region.Intersect(dst.Bounds())
	if region.Empty() {
		return true
	}
	draw.Draw(dst, region, src, region.Min.Sub(dst.Bounds().Min).Add(src.Bounds().Min), draw.Src)
	return true
}

// Bytes は RGBA サーフェスの推定メモリ量を返します。
func Bytes(width, height int) int64 {
	return int64(width) * int64(height) * 4
}
