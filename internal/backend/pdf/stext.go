package pdf

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/yourusername/paper-view/internal/document"
)

// pageText は MuPDF の HTML 出力から組み立てたテキストと、ルーンごとの矩形です。
type pageText struct {
	text   string
	layout []document.Rect
}

// parseStext は fitz の HTML 出力を読みます。行は絶対配置の <p>、フォントサイズは <span> に入っています。
// グリフ幅は出力に含まれないため、フォントサイズから近似します。
func parseStext(src string) *pageText {
	z := html.NewTokenizer(strings.NewReader(src))
	var (
		sb     strings.Builder
		layout []document.Rect

		inLine                 bool
		top, lineHeight, x, sz float64
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return &pageText{text: sb.String(), layout: layout}
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			style := map[string]float64{}
			if hasAttr {
				style = tagStyle(z)
			}
			switch atom.Lookup(name) {
			case atom.P:
				inLine = true
				top = style["top"]
				x = style["left"]
				lineHeight = style["line-height"]
				sz = lineHeight
			case atom.Span:
				if v, ok := style["font-size"]; ok {
					sz = v
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.P && inLine {
				sb.WriteByte('\n')
				layout = append(layout, document.Rect{X1: x, Y1: top, X2: x, Y2: top + lineHeight})
				inLine = false
			}
		case html.TextToken:
			if !inLine {
				continue
			}
			for _, r := range string(z.Text()) {
				w := sz * advance(r)
				sb.WriteRune(r)
				layout = append(layout, document.Rect{X1: x, Y1: top, X2: x + w, Y2: top + lineHeight})
				x += w
			}
		}
	}
}

func tagStyle(z *html.Tokenizer) map[string]float64 {
	out := map[string]float64{}
	for {
		key, val, more := z.TagAttr()
		if string(key) == "style" {
			for _, decl := range strings.Split(string(val), ";") {
				k, v, ok := strings.Cut(decl, ":")
				if !ok {
					continue
				}
				f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "pt"), 64)
				if err == nil {
					out[strings.TrimSpace(k)] = f
				}
			}
		}
		if !more {
			return out
		}
	}
}

// advance はフォントサイズに対するおおよその送り幅です。
func advance(r rune) float64 {
	switch {
	case r == ' ':
		return 0.25
	case r >= 0x2E80:
		return 1
	default:
		return 0.5
	}
}
