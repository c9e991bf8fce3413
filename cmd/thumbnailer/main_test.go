package main

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestRunWritesThumbnail(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "page.png")
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	src.SetRGBA(0, 0, color.RGBA{A: 0xff})
	f, err := os.Create(input)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, src); err != nil {
		t.Fatal(err)
	}
	f.Close()

	output := filepath.Join(dir, "thumb.png")
	if err := run(t.Context(), input, output, 0, 50, false); err != nil {
		t.Fatalf("run: %v", err)
	}
	out, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	cfg, err := png.DecodeConfig(out)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 50 || cfg.Height != 25 {
		t.Fatalf("thumbnail = %dx%d", cfg.Width, cfg.Height)
	}

	if err := run(t.Context(), input, output, 3, 50, false); err == nil {
		t.Fatal("rendered a missing page")
	}
}
