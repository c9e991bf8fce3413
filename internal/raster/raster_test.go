package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/yourusername/paper-view/internal/document"
)

func TestRotateMovesCorners(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 2))
	red := color.RGBA{R: 255, A: 255}
	src.SetRGBA(0, 0, red)

	tests := []struct {
		rotation int
		w, h     int
		x, y     int
	}{
		{90, 2, 4, 1, 0},
		{180, 4, 2, 3, 1},
		{270, 2, 4, 0, 3},
		{-90, 2, 4, 0, 3},
	}
	for _, tt := range tests {
		dst := Rotate(src, tt.rotation)
		if b := dst.Bounds(); b.Dx() != tt.w || b.Dy() != tt.h {
			t.Errorf("Rotate(%d) bounds = %v", tt.rotation, b)
			continue
		}
		if dst.RGBAAt(tt.x, tt.y) != red {
			t.Errorf("Rotate(%d): corner not at (%d,%d)", tt.rotation, tt.x, tt.y)
		}
	}
	if Rotate(src, 0) != src {
		t.Fatal("Rotate(0) copied the image")
	}
}

func TestFitSwapsTargetForQuarterTurns(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 20))
	dst := Fit(src, 90, 40, 20)
	if b := dst.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("Fit bounds = %v", b)
	}
}

func TestPixelRectAppliesRotationAndScale(t *testing.T) {
	r := document.Rect{X1: 10, Y1: 0, X2: 0, Y2: 20}
	tests := []struct {
		rotation int
		scale    float64
		want     image.Rectangle
	}{
		{0, 1, image.Rect(0, 0, 10, 20)},
		{0, 2, image.Rect(0, 0, 20, 40)},
		{90, 1, image.Rect(30, 0, 50, 10)},
		{180, 1, image.Rect(90, 30, 100, 50)},
		{270, 1, image.Rect(0, 90, 20, 100)},
	}
	for _, tt := range tests {
		if got := PixelRect(r, 100, 50, tt.rotation, tt.scale); got != tt.want {
			t.Errorf("PixelRect(rot=%d, scale=%v) = %v, want %v", tt.rotation, tt.scale, got, tt.want)
		}
	}
}

func TestHighlightOnlyTintsArea(t *testing.T) {
	surface := image.NewRGBA(image.Rect(0, 0, 10, 10))
	overlay := Highlight(surface, image.Rect(2, 2, 4, 4), SelectionColor, 0x80)
	if a := overlay.RGBAAt(3, 3).A; a != 0x80 {
		t.Fatalf("alpha inside = %d", a)
	}
	if a := overlay.RGBAAt(5, 5).A; a != 0 {
		t.Fatalf("alpha outside = %d", a)
	}
	if c := overlay.RGBAAt(3, 3); c.R > c.A || c.G > c.A || c.B > c.A {
		t.Fatalf("overlay not premultiplied: %+v", c)
	}
}

func TestBlitCopiesRegionOnly(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	blue := color.RGBA{B: 255, A: 255}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.SetRGBA(x, y, blue)
		}
	}
	if !Blit(dst, src, image.Rect(0, 0, 2, 2)) {
		t.Fatal("Blit refused matching sizes")
	}
	if dst.RGBAAt(1, 1) != blue || dst.RGBAAt(3, 3) == blue {
		t.Fatal("Blit copied the wrong pixels")
	}
	if Blit(dst, image.NewRGBA(image.Rect(0, 0, 2, 2)), image.Rect(0, 0, 1, 1)) {
		t.Fatal("Blit accepted a size mismatch")
	}
}
