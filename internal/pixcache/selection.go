package pixcache

import (
	"errors"
	"image"
	"slices"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/raster"
)

// SetSelections は選択の一覧だけを更新します。ウィンドウとジョブには影響しません。
func (c *Cache) SetSelections(selections []Selection) {
	c.setSelectionList(selections)
}

// setSelectionList は各スロットの選択対象を更新し、選択のなくなったページのオーバーレイを破棄します。
func (c *Cache) setSelectionList(selections []Selection) {
	list := slices.Clone(selections)
	slices.SortStableFunc(list, func(a, b Selection) int { return a.Page - b.Page })

	i := 0
	c.each(func(page int, s *slot) {
		for i < len(list) && list[i].Page < page {
			i++
		}
		if i < len(list) && list[i].Page == page {
			s.sel.set = true
			s.sel.target = list[i].Rect.Canon()
			s.sel.style = list[i].Style
			return
		}
		s.sel.set = false
		s.sel.dropOverlay()
	})
}

// SelectionList はオーバーレイが作成済みの選択をページ順に返します。
func (c *Cache) SelectionList() []Selection {
	var out []Selection
	c.each(func(page int, s *slot) {
		if !s.sel.covered {
			return
		}
		out = append(out, Selection{
			Page:    page,
			Rect:    s.sel.rect,
			Style:   s.sel.style,
			Covered: slices.Clone(s.sel.region),
		})
	})
	return out
}

// StyleChanged は表示スタイルの変更に合わせて、すべての選択オーバーレイを破棄します。
func (c *Cache) StyleChanged() {
	c.each(func(_ int, s *slot) {
		s.sel.overlay = nil
	})
}

// SelectionOverlay は page の選択範囲を示す半透明のオーバーレイを返します。
// オーバーレイは選択矩形・スケール・元のサーフェスのいずれかが変わったときだけ作り直されます。
func (c *Cache) SelectionOverlay(page int, scale float64) *image.RGBA {
	s := c.find(page)
	if s == nil || !c.ensureSelection(page, s, scale) {
		return nil
	}
	return s.sel.overlay
}

// SelectionRegion は page の選択が覆うピクセル領域を返します。
func (c *Cache) SelectionRegion(page int, scale float64) []image.Rectangle {
	s := c.find(page)
	if s == nil || !c.ensureSelection(page, s, scale) {
		return nil
	}
	return s.sel.region
}

func (c *Cache) ensureSelection(page int, s *slot, scale float64) bool {
	if !s.sel.set {
		return false
	}
	c.harvest(s)
	sel := &s.sel
	if sel.overlay != nil && sel.rect == sel.target && sel.scale == scale && sel.from == s.surface {
		return true
	}

	w, h := c.pages.Size(page, c.rotation, scale)
	rc := document.RenderContext{
		Page:         page,
		Rotation:     c.rotation,
		Scale:        scale,
		TargetWidth:  w,
		TargetHeight: h,
	}

	var overlay *image.RGBA
	var region []image.Rectangle
	// インタラクティブスレッドからはロックを待たない
	locked, err := c.doc.TryWith(func(b document.Backend) error {
		sr, ok := b.(document.SelectionRenderer)
		if !ok {
			return document.ErrNoCapability
		}
		var rerr error
		overlay, region, rerr = sr.RenderSelection(rc, s.surface, sel.target, sel.style)
		return rerr
	})
	if err != nil && !errors.Is(err, document.ErrNoCapability) {
		c.logger.Printf("pixcache: page %d selection failed: %v", page, err)
	}
	if !locked || err != nil || overlay == nil {
		if s.surface == nil || s.surface.Bounds().Dx() != w || s.surface.Bounds().Dy() != h {
			return false
		}
		pw, ph := c.pages.PointSize(page)
		area := raster.PixelRect(sel.target, pw, ph, c.rotation, scale).Intersect(image.Rect(0, 0, w, h))
		overlay = raster.Highlight(s.surface, area, raster.SelectionColor, selectionAlpha)
		region = []image.Rectangle{area}
	}

	sel.covered = true
	sel.rect = sel.target
	sel.scale = scale
	sel.from = s.surface
	sel.overlay = overlay
	sel.region = region
	return true
}
