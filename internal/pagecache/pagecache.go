// Package pagecache はページ寸法とラベルのスナップショットを保持します。
// 値はドキュメントロックの下で一度だけ取得され、以降はロックなしで参照できます。
package pagecache

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/yourusername/paper-view/internal/document"
)

type pageSize struct {
	width, height float64
}

// Cache はページジオメトリのキャッシュです。
type Cache struct {
	doc *document.Document

	mu      sync.RWMutex
	sizes   []pageSize
	labels  []string
	uniform bool
	maxW    float64
	maxH    float64
}

// New はドキュメントのページ寸法とラベルを取得してキャッシュを作成します。
func New(doc *document.Document) *Cache {
	c := &Cache{doc: doc}
	c.Refresh()
	return c
}

// Refresh はドキュメントの再読み込み後にスナップショットを取り直します。
func (c *Cache) Refresh() {
	var sizes []pageSize
	var labels []string
	_ = c.doc.With(func(b document.Backend) error {
		n := b.PageCount()
		sizes = make([]pageSize, n)
		labels = make([]string, n)
		labeler, _ := b.(document.Labeler)
		for i := 0; i < n; i++ {
			w, h := b.PageSize(i)
			sizes[i] = pageSize{w, h}
			if labeler != nil {
				labels[i] = labeler.PageLabel(i)
			}
		}
		return nil
	})

	uniform := true
	var maxW, maxH float64
	for i, s := range sizes {
		if i > 0 && s != sizes[0] {
			uniform = false
		}
		maxW = math.Max(maxW, s.width)
		maxH = math.Max(maxH, s.height)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes = sizes
	c.labels = labels
	c.uniform = uniform
	c.maxW, c.maxH = maxW, maxH
}

// NPages はページ数を返します。
func (c *Cache) NPages() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sizes)
}

func (c *Cache) page(page int) pageSize {
	if page < 0 || page >= len(c.sizes) {
		panic(fmt.Sprintf("pagecache: invalid page %d (document has %d pages)", page, len(c.sizes)))
	}
	return c.sizes[page]
}

// PointSize はスケール 1.0、回転なしのページ寸法をポイント単位で返します。
func (c *Cache) PointSize(page int) (float64, float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.page(page)
	return s.width, s.height
}

// Size は回転とスケールを適用したピクセル寸法を返します。
func (c *Cache) Size(page, rotation int, scale float64) (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.page(page)
	return document.ScaledSize(s.width, s.height, rotation, scale)
}

// MaxSize は全ページ中の最大の幅と高さを、回転とスケールを適用して返します。
func (c *Cache) MaxSize(rotation int, scale float64) (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return document.ScaledSize(c.maxW, c.maxH, rotation, scale)
}

// Uniform はすべてのページが同じ寸法かどうかを返します。
func (c *Cache) Uniform() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uniform
}

// Label はページラベルを返します。ラベルがない場合は 1 始まりのページ番号です。
func (c *Cache) Label(page int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.page(page)
	if l := c.labels[page]; l != "" {
		return l
	}
	return strconv.Itoa(page + 1)
}

// PageByLabel はラベルに一致するページを探します。
// 一致するラベルがなく、数値として解釈できる場合はページ番号として扱います。
func (c *Cache) PageByLabel(label string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, l := range c.labels {
		if l != "" && l == label {
			return i, true
		}
	}
	if n, err := strconv.Atoi(label); err == nil && n >= 1 && n <= len(c.sizes) {
		return n - 1, true
	}
	return 0, false
}

// ThumbnailSize は幅 width のサムネイルの寸法を返します。
func (c *Cache) ThumbnailSize(page, rotation, width int) (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.page(page)
	w, h := s.width, s.height
	if r := document.NormalizeRotation(rotation); r == 90 || r == 270 {
		w, h = h, w
	}
	if w <= 0 {
		return width, width
	}
	return width, int(math.Max(1, math.Floor(h*float64(width)/w+0.5)))
}
