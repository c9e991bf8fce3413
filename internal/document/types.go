package document

import (
	"fmt"
	"math"
)

// Rect はスケール 1.0 のドキュメント座標系における矩形です。
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Canon は X1<=X2, Y1<=Y2 となるように正規化した矩形を返します。
func (r Rect) Canon() Rect {
	if r.X1 > r.X2 {
		r.X1, r.X2 = r.X2, r.X1
	}
	if r.Y1 > r.Y2 {
		r.Y1, r.Y2 = r.Y2, r.Y1
	}
	return r
}

// Empty は面積を持たない矩形かどうかを返します。
func (r Rect) Empty() bool {
	c := r.Canon()
	return c.X2-c.X1 <= 0 || c.Y2-c.Y1 <= 0
}

// SelectionStyle は選択の粒度です。
type SelectionStyle int

const (
	SelectionGlyph SelectionStyle = iota
	SelectionWord
	SelectionLine
)

func (s SelectionStyle) String() string {
	switch s {
	case SelectionGlyph:
		return "glyph"
	case SelectionWord:
		return "word"
	case SelectionLine:
		return "line"
	default:
		return fmt.Sprintf("style(%d)", int(s))
	}
}

// NormalizeRotation は回転角を 0, 90, 180, 270 のいずれかに正規化します。
func NormalizeRotation(rotation int) int {
	r := rotation % 360
	if r < 0 {
		r += 360
	}
	return (r / 90) * 90
}

// RenderContext は1ページを描画するためのパラメーターです。
type RenderContext struct {
	Page         int
	Rotation     int
	Scale        float64
	TargetWidth  int
	TargetHeight int
}

// ScaledSize はスケールと回転を適用したピクセル寸法を返します。各辺は最低 1 ピクセルです。
func ScaledSize(width, height float64, rotation int, scale float64) (int, int) {
	w := max(1, int(math.Floor(width*scale+0.5)))
	h := max(1, int(math.Floor(height*scale+0.5)))
	switch NormalizeRotation(rotation) {
	case 90, 270:
		return h, w
	default:
		return w, h
	}
}

// LinkMapping はページ上のリンク領域です。
type LinkMapping struct {
	Area Rect   `json:"area"`
	URI  string `json:"uri,omitempty"`
	// Page はドキュメント内リンクの遷移先ページ (-1 は外部リンク)。
	Page int `json:"page"`
}

// OutlineItem はアウトライン (しおり) の1項目です。
type OutlineItem struct {
	Level int    `json:"level"`
	Title string `json:"title"`
	Page  int    `json:"page"`
	URI   string `json:"uri,omitempty"`
}

// ImageMapping はページ内の画像配置です。
type ImageMapping struct {
	Area Rect `json:"area"`
	ID   int  `json:"id"`
}

// FormField はフォームフィールドの配置と値です。
type FormField struct {
	Area  Rect   `json:"area"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FontInfo は走査で見つかったフォントです。
type FontInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Embedded bool   `json:"embedded"`
}

// Info はドキュメントのメタデータです。
type Info struct {
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Creator  string `json:"creator,omitempty"`
	Producer string `json:"producer,omitempty"`
	Format   string `json:"format,omitempty"`
}
