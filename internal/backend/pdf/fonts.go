package pdf

import (
	"context"
	"slices"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/yourusername/paper-view/internal/document"
)

// fontScanBatch は ScanFonts の1ステップで調べるオブジェクト数です。
const fontScanBatch = 64

// fontScanState は1回の走査で使う xref の番号一覧と重複判定です。
type fontScanState struct {
	objects []int
	seen    map[string]bool
}

// ScanFonts は xref テーブルを fontScanBatch 件ずつ走査してフォント辞書を集めます。
func (b *Backend) ScanFonts(ctx context.Context, scan *document.FontScan) (float64, bool, error) {
	pc, err := b.context()
	if err != nil {
		return 0, false, err
	}
	st, ok := scan.State.(*fontScanState)
	if !ok || scan.Step == 0 {
		st = &fontScanState{
			objects: make([]int, 0, len(pc.Table)),
			seen:    make(map[string]bool),
		}
		for nr := range pc.Table {
			st.objects = append(st.objects, nr)
		}
		slices.Sort(st.objects)
		scan.State = st
		scan.Fonts = nil
	}

	from := scan.Step * fontScanBatch
	to := min(from+fontScanBatch, len(st.objects))
	for i := from; i < to; i++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		entry := pc.Table[st.objects[i]]
		if entry == nil || entry.Free || entry.Object == nil {
			continue
		}
		d, ok := entry.Object.(types.Dict)
		if !ok {
			continue
		}
		if t := d.Type(); t == nil || *t != "Font" {
			continue
		}
		if info, ok := st.add(pc, d); ok {
			scan.Fonts = append(scan.Fonts, info)
		}
	}
	scan.Step++
	if to >= len(st.objects) {
		return 1, true, nil
	}
	return float64(to) / float64(len(st.objects)), false, nil
}

func (st *fontScanState) add(pc *model.Context, d types.Dict) (document.FontInfo, bool) {
	info := document.FontInfo{Embedded: embedded(pc, d, 0)}
	if base := d.NameEntry("BaseFont"); base != nil {
		info.Name = stripSubset(*base)
	}
	if sub := d.NameEntry("Subtype"); sub != nil {
		info.Type = *sub
	}
	if info.Name == "" {
		info.Name = "(anonymous)"
	}
	key := info.Name + "/" + info.Type
	if st.seen[key] {
		return info, false
	}
	st.seen[key] = true
	return info, true
}

func embedded(pc *model.Context, font types.Dict, depth int) bool {
	if st := font.NameEntry("Subtype"); st != nil && *st == "Type3" {
		return true
	}
	obj, ok := font.Find("FontDescriptor")
	if !ok {
		// Type0 フォントは子孫フォントの記述子を見る
		if depth > 0 {
			return false
		}
		arr, err := pc.DereferenceArray(font["DescendantFonts"])
		if err != nil || len(arr) == 0 {
			return false
		}
		df, err := pc.DereferenceDict(arr[0])
		if err != nil || df == nil {
			return false
		}
		return embedded(pc, df, depth+1)
	}
	fd, err := pc.DereferenceDict(obj)
	if err != nil || fd == nil {
		return false
	}
	for _, k := range []string{"FontFile", "FontFile2", "FontFile3"} {
		if _, ok := fd.Find(k); ok {
			return true
		}
	}
	return false
}
