package pdf

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/yourusername/paper-view/internal/document"
)

// Links はページの Link 注釈を読み、領域と遷移先を返します。
// PDF の座標は左下原点なので、ページ上端からの座標に変換します。
func (b *Backend) Links(page int) ([]document.LinkMapping, error) {
	pc, err := b.context()
	if err != nil {
		return nil, err
	}
	d, _, _, err := pc.PageDict(page+1, false)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", page, err)
	}
	annots, err := pc.DereferenceArray(d["Annots"])
	if err != nil {
		return nil, fmt.Errorf("page %d annotations: %w", page, err)
	}

	_, h := b.PageSize(page)
	var links []document.LinkMapping
	for _, o := range annots {
		ad, err := pc.DereferenceDict(o)
		if err != nil || ad == nil {
			continue
		}
		if st := ad.NameEntry("Subtype"); st == nil || *st != "Link" {
			continue
		}
		rect, err := pc.DereferenceArray(ad["Rect"])
		if err != nil || len(rect) != 4 {
			continue
		}
		var v [4]float64
		for i := range v {
			if v[i], err = pc.DereferenceNumber(rect[i]); err != nil {
				break
			}
		}
		if err != nil {
			continue
		}

		m := document.LinkMapping{
			Area: document.Rect{X1: v[0], Y1: h - v[3], X2: v[2], Y2: h - v[1]}.Canon(),
			Page: -1,
		}
		if action, err := pc.DereferenceDict(ad["A"]); err == nil && action != nil {
			if uri, ok := action.Find("URI"); ok {
				m.URI = literal(pc, uri)
			} else if dest, ok := action.Find("D"); ok {
				m.Page = b.destPage(pc, dest)
			}
		} else if dest, ok := ad.Find("Dest"); ok {
			m.Page = b.destPage(pc, dest)
		}
		links = append(links, m)
	}
	return links, nil
}

// destPage は明示的な遷移先配列の先頭にあるページ参照をページ番号に変換します。
// 名前付きの遷移先は解決せず -1 を返します。
func (b *Backend) destPage(pc *model.Context, dest types.Object) int {
	arr, err := pc.DereferenceArray(dest)
	if err != nil || len(arr) == 0 {
		return -1
	}
	ref, ok := arr[0].(types.IndirectRef)
	if !ok {
		return -1
	}
	if b.pageRef == nil {
		b.pageRef = make(map[int]int, pc.PageCount)
		for i := 1; i <= pc.PageCount; i++ {
			_, pr, _, err := pc.PageDict(i, false)
			if err != nil || pr == nil {
				continue
			}
			b.pageRef[pr.ObjectNumber.Value()] = i - 1
		}
	}
	if page, ok := b.pageRef[ref.ObjectNumber.Value()]; ok {
		return page
	}
	return -1
}

func literal(pc *model.Context, o types.Object) string {
	o, err := pc.Dereference(o)
	if err != nil {
		return ""
	}
	switch v := o.(type) {
	case types.StringLiteral:
		s, err := types.StringLiteralToString(v)
		if err != nil {
			return v.Value()
		}
		return s
	case types.HexLiteral:
		s, err := types.HexLiteralToString(v)
		if err != nil {
			return ""
		}
		return s
	default:
		return ""
	}
}
