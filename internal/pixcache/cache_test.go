package pixcache

import (
	"errors"
	"image"
	"image/color"
	"io"
	"log"
	"reflect"
	"testing"
	"time"

	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/document/doctest"
	"github.com/yourusername/paper-view/internal/pagecache"
	"github.com/yourusername/paper-view/internal/render"
)

type submission struct {
	page     int
	priority render.Priority
	scale    float64
	region   *image.Rectangle
}

// recorder は実際のスケジューラーへの呼び出しを記録します。
type recorder struct {
	*render.Scheduler
	jobs    []*render.RenderJob
	submits []submission
	cancels []int
	reprios []submission
}

func (r *recorder) Submit(job render.Job, p render.Priority) {
	j := job.(*render.RenderJob)
	r.jobs = append(r.jobs, j)
	r.submits = append(r.submits, submission{page: j.Page, priority: p, scale: j.Scale, region: j.Region})
	r.Scheduler.Submit(job, p)
}

func (r *recorder) Reprioritize(job render.Job, p render.Priority) {
	r.reprios = append(r.reprios, submission{page: job.(*render.RenderJob).Page, priority: p})
	r.Scheduler.Reprioritize(job, p)
}

func (r *recorder) Cancel(job render.Job) {
	r.cancels = append(r.cancels, job.(*render.RenderJob).Page)
	r.Scheduler.Cancel(job)
}

// liveJobs はキャンセルも完了もしていないジョブのページごとの数を返します。
func (r *recorder) liveJobs() map[int]int {
	live := make(map[int]int)
	for _, j := range r.jobs {
		if !j.IsCancelled() && !j.IsFinished() {
			live[j.Page]++
		}
	}
	return live
}

type harness struct {
	cache *Cache
	rec   *recorder
	fake  *doctest.Backend
	loop  *render.Loop
	pages *pagecache.Cache
}

func newHarness(t *testing.T, n int, opts Options) *harness {
	t.Helper()
	loop := render.NewLoop()
	sched := render.NewScheduler(render.Config{Loop: loop}, log.New(io.Discard, "", 0))
	t.Cleanup(sched.Close)
	doc, fake := doctest.NewDocument(n, 100, 100)
	pages := pagecache.New(doc)
	rec := &recorder{Scheduler: sched}
	opts.Loop = loop
	return &harness{
		cache: New(doc, pages, rec, opts),
		rec:   rec,
		fake:  fake,
		loop:  loop,
		pages: pages,
	}
}

func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		h.loop.RunPending()
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitSurfaces(t *testing.T, from, to int) {
	t.Helper()
	h.runUntil(t, func() bool {
		for p := from; p <= to; p++ {
			if h.cache.Surface(p) == nil {
				return false
			}
		}
		return true
	})
}

func (h *harness) waitStarted(t *testing.T) int {
	t.Helper()
	select {
	case rc := <-h.fake.Started():
		return rc.Page
	case <-time.After(3 * time.Second):
		t.Fatal("render did not start")
	}
	return -1
}

func priorities(subs []submission) map[int]render.Priority {
	out := make(map[int]render.Priority)
	for _, s := range subs {
		out[s.page] = s.priority
	}
	return out
}

func TestScenarioWindowWithMargin(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: 1})
	h.fake.Block()
	defer h.fake.Unblock()

	h.cache.SetVisibleRange(3, 3, 1, 0, nil)

	if h.cache.Preload() != 1 {
		t.Fatalf("preload = %d, want 1", h.cache.Preload())
	}
	for _, p := range []int{2, 3, 4} {
		if h.cache.find(p) == nil {
			t.Fatalf("no slot for page %d", p)
		}
	}
	for _, p := range []int{1, 5} {
		if h.cache.find(p) != nil {
			t.Fatalf("unexpected slot for page %d", p)
		}
	}
	want := map[int]render.Priority{3: render.PriorityUrgent, 2: render.PriorityLow, 4: render.PriorityLow}
	if got := priorities(h.rec.submits); !reflect.DeepEqual(got, want) || len(h.rec.submits) != 3 {
		t.Fatalf("submits = %+v, want %v", h.rec.submits, want)
	}
	if h.rec.submits[0].page != 3 {
		t.Fatalf("first submission = page %d, want the visible page", h.rec.submits[0].page)
	}
}

func TestScenarioWindowMovesForward(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: 1})
	h.fake.Block()
	defer h.fake.Unblock()

	h.cache.SetVisibleRange(3, 3, 1, 0, nil)
	h.waitStarted(t)
	old := map[int]*render.RenderJob{}
	for _, j := range h.rec.jobs {
		old[j.Page] = j
	}
	h.rec.submits = nil

	h.cache.SetVisibleRange(4, 4, 1, 0, nil)

	if !reflect.DeepEqual(h.rec.cancels, []int{2}) {
		t.Fatalf("cancels = %v, want [2]", h.rec.cancels)
	}
	if !old[2].IsCancelled() {
		t.Fatal("page 2 job still live")
	}
	if h.cache.find(2) != nil {
		t.Fatal("page 2 still has a slot")
	}
	if got := priorities(h.rec.reprios); !reflect.DeepEqual(got, map[int]render.Priority{
		3: render.PriorityLow,
		4: render.PriorityUrgent,
	}) {
		t.Fatalf("reprioritized = %v", got)
	}
	if s := h.cache.find(3); s.job != old[3] {
		t.Fatal("page 3 job was not carried into the margin")
	}
	if got := h.rec.submits; len(got) != 1 || got[0].page != 5 || got[0].priority != render.PriorityLow {
		t.Fatalf("submits = %+v, want one low job for page 5", got)
	}
}

func TestScenarioScaleChangeDiscardsInFlightJob(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: -1})
	h.fake.Block()

	var sizes []image.Point
	h.cache.OnJobFinished(func(page int, _ *image.Rectangle) {
		sizes = append(sizes, h.cache.find(page).surface.Bounds().Size())
	})

	h.cache.SetVisibleRange(3, 3, 1, 0, nil)
	if got := h.waitStarted(t); got != 3 {
		t.Fatalf("started page %d", got)
	}
	stale := h.rec.jobs[0]

	h.cache.SetVisibleRange(3, 3, 2, 0, nil)
	if !stale.IsCancelled() {
		t.Fatal("scale 1.0 job was not cancelled")
	}
	last := h.rec.submits[len(h.rec.submits)-1]
	if last.page != 3 || last.scale != 2 || last.priority != render.PriorityUrgent {
		t.Fatalf("replacement = %+v", last)
	}
	if live := h.rec.liveJobs(); live[3] != 1 {
		t.Fatalf("live jobs for page 3 = %d, want 1", live[3])
	}

	h.fake.Unblock()
	h.waitSurfaces(t, 3, 3)
	if b := h.cache.Surface(3).Bounds(); b.Dx() != 200 || b.Dy() != 200 {
		t.Fatalf("surface = %v, want 200x200", b)
	}
	for _, s := range sizes {
		if s != image.Pt(200, 200) {
			t.Fatalf("installed a %v surface", s)
		}
	}
}

func TestStaleResultIsDiscardedOnArrival(t *testing.T) {
	h := newHarness(t, 5, Options{MaxPreload: -1})
	h.fake.Block()

	h.cache.SetVisibleRange(0, 0, 1, 0, nil)
	h.waitStarted(t)
	job := h.cache.find(0).job
	// 描画中に目標が変わったが、まだジョブは取り消されていない状態
	h.cache.scale = 2
	h.fake.Unblock()
	h.runUntil(t, job.IsFinished)

	if s := h.cache.Surface(0); s != nil {
		t.Fatalf("stale surface %v installed", s.Bounds())
	}
	if h.cache.find(0).job != nil {
		t.Fatal("stale job still held by the slot")
	}
}

func TestScenarioReloadPage(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: -1})
	var events []*image.Rectangle
	h.cache.OnJobFinished(func(_ int, region *image.Rectangle) { events = append(events, region) })

	h.cache.SetVisibleRange(3, 3, 1, 0, nil)
	h.waitSurfaces(t, 3, 3)
	// 領域外の画素が保持されることを確かめるための印
	marked := color.RGBA{R: 1, G: 2, B: 3, A: 255}
	h.cache.find(3).surface.SetRGBA(90, 90, marked)

	h.fake.Block()
	region := image.Rect(0, 0, 50, 50)
	before := len(h.rec.submits)
	h.cache.ReloadPage(3, &region)
	if got := h.rec.submits[before:]; len(got) != 1 || got[0].page != 3 ||
		got[0].priority != render.PriorityUrgent || got[0].region == nil || *got[0].region != region {
		t.Fatalf("reload submits = %+v", got)
	}
	if len(h.rec.cancels) != 0 {
		t.Fatalf("cancels = %v, want none", h.rec.cancels)
	}
	h.waitStarted(t)
	first := h.cache.find(3).job

	h.cache.ReloadPage(3, &region)
	if !first.IsCancelled() || !reflect.DeepEqual(h.rec.cancels, []int{3}) {
		t.Fatalf("outstanding reload job not cancelled, cancels = %v", h.rec.cancels)
	}
	if live := h.rec.liveJobs(); live[3] != 1 {
		t.Fatalf("live jobs for page 3 = %d, want 1", live[3])
	}
	second := h.cache.find(3).job

	h.fake.Unblock()
	h.runUntil(t, func() bool { return h.cache.Surface(3) != nil && h.cache.find(3).job == nil })
	if !second.IsFinished() {
		t.Fatal("reload job did not finish")
	}
	surface := h.cache.Surface(3)
	if got := surface.RGBAAt(90, 90); got != marked {
		t.Fatalf("pixel outside region = %v, want preserved %v", got, marked)
	}
	if got := surface.RGBAAt(10, 10); got != doctest.PageColor(3) {
		t.Fatalf("pixel inside region = %v", got)
	}
	if len(events) < 2 || events[len(events)-1] == nil || *events[len(events)-1] != region {
		t.Fatalf("events = %v", events)
	}
}

func TestReloadPageOutsideCacheIsIgnored(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: -1})
	h.cache.ReloadPage(5, nil)
	h.cache.SetVisibleRange(0, 0, 1, 0, nil)
	before := len(h.rec.submits)
	h.cache.ReloadPage(5, nil)
	if len(h.rec.submits) != before {
		t.Fatal("reload of an uncached page submitted a job")
	}
}

func TestPagesOutsideMarginHoldNothing(t *testing.T) {
	h := newHarness(t, 30, Options{MaxPreload: 2})
	ranges := [][2]int{{0, 1}, {5, 7}, {6, 6}, {20, 22}, {19, 19}, {27, 29}, {10, 12}}
	for _, r := range ranges {
		h.cache.SetVisibleRange(r[0], r[1], 1, 0, nil)
		n := h.cache.Preload()
		for p := 0; p < 30; p++ {
			inside := p >= r[0]-n && p <= r[1]+n
			if s := h.cache.find(p); s != nil && !inside {
				t.Fatalf("range %v: slot for page %d", r, p)
			}
		}
		for page, count := range h.rec.liveJobs() {
			if page < r[0]-n || page > r[1]+n {
				t.Fatalf("range %v: %d live jobs for page %d", r, count, page)
			}
			if count > 1 {
				t.Fatalf("range %v: %d live jobs for page %d", r, count, page)
			}
		}
		h.loop.RunPending()
	}
}

func TestSurfacesMatchScaleAndRotation(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: 2})
	h.fake.SetPageSize(4, 50, 120)
	h.pages.Refresh()

	h.cache.SetVisibleRange(3, 5, 1.5, 90, nil)
	h.waitSurfaces(t, 1, 7)
	for p := 1; p <= 7; p++ {
		w, hh := h.pages.Size(p, 90, 1.5)
		if b := h.cache.Surface(p).Bounds(); b.Dx() != w || b.Dy() != hh {
			t.Fatalf("page %d surface = %v, want %dx%d", p, b, w, hh)
		}
	}
	if live := h.rec.liveJobs(); len(live) != 0 {
		t.Fatalf("live jobs after completion = %v", live)
	}
}

func TestTinyScaleRendersAtLeastOnePixel(t *testing.T) {
	h := newHarness(t, 3, Options{MaxPreload: 1})
	h.cache.SetVisibleRange(1, 1, 0.001, 90, nil)
	h.waitSurfaces(t, 0, 2)
	for p := 0; p <= 2; p++ {
		if b := h.cache.Surface(p).Bounds(); b.Dx() != 1 || b.Dy() != 1 {
			t.Fatalf("page %d surface = %v, want 1x1", p, b)
		}
	}
}

func TestScaleChangeWithSamePixelSizeRerenders(t *testing.T) {
	h := newHarness(t, 3, Options{MaxPreload: -1})
	h.cache.SetVisibleRange(0, 0, 1, 0, nil)
	h.waitSurfaces(t, 0, 0)
	h.rec.submits = nil

	// 100 * 1.004 も 100 ピクセルに丸められる
	h.cache.SetVisibleRange(0, 0, 1.004, 0, nil)
	if got := h.rec.submits; len(got) != 1 || got[0].page != 0 || got[0].scale != 1.004 {
		t.Fatalf("submits = %+v, want one job for page 0 at scale 1.004", got)
	}
	if h.cache.Surface(0) != nil {
		t.Fatal("surface built at the old scale is still served")
	}
	h.waitSurfaces(t, 0, 0)
}

func TestSetVisibleRangeIsIdempotent(t *testing.T) {
	for _, blocked := range []bool{false, true} {
		h := newHarness(t, 10, Options{MaxPreload: 2})
		if blocked {
			h.fake.Block()
		}
		sel := []Selection{{Page: 4, Rect: document.Rect{X1: 1, Y1: 1, X2: 5, Y2: 5}}}
		h.cache.SetVisibleRange(3, 5, 1, 0, sel)
		if !blocked {
			h.waitSurfaces(t, 1, 7)
		}
		submits, cancels, reprios := len(h.rec.submits), len(h.rec.cancels), len(h.rec.reprios)

		h.cache.SetVisibleRange(3, 5, 1, 0, sel)
		if len(h.rec.submits) != submits || len(h.rec.cancels) != cancels || len(h.rec.reprios) != reprios {
			t.Fatalf("blocked=%v: second call changed jobs: submits %d->%d cancels %d->%d reprios %d->%d",
				blocked, submits, len(h.rec.submits), cancels, len(h.rec.cancels), reprios, len(h.rec.reprios))
		}
		if blocked {
			h.fake.Unblock()
		}
	}
}

func TestFailedRenderIsRetriedOnNextRange(t *testing.T) {
	h := newHarness(t, 5, Options{MaxPreload: -1})
	h.fake.Fail(2, errors.New("broken page"))

	h.cache.SetVisibleRange(2, 2, 1, 0, nil)
	job := h.rec.jobs[0]
	h.runUntil(t, func() bool {
		h.cache.Surface(2)
		return job.IsFinished() && h.cache.find(2).job == nil
	})
	if h.cache.Surface(2) != nil {
		t.Fatal("failed render installed a surface")
	}

	h.fake.Fail(2, nil)
	h.cache.SetVisibleRange(2, 2, 1, 0, nil)
	if len(h.rec.submits) != 2 {
		t.Fatalf("submits = %d, want a retry", len(h.rec.submits))
	}
	h.waitSurfaces(t, 2, 2)
}

func TestClearRoundTrip(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: 1})
	population := func() []int {
		var pages []int
		h.cache.each(func(page int, s *slot) {
			if s.surface != nil {
				pages = append(pages, page)
			}
		})
		return pages
	}

	h.cache.SetVisibleRange(3, 5, 1, 0, nil)
	h.waitSurfaces(t, 2, 6)
	first := population()

	h.cache.Clear()
	h.cache.each(func(page int, s *slot) {
		if s.surface != nil || s.job != nil {
			t.Fatalf("page %d kept state after clear", page)
		}
	})
	if live := h.rec.liveJobs(); len(live) != 0 {
		t.Fatalf("live jobs after clear = %v", live)
	}

	h.cache.SetVisibleRange(3, 5, 1, 0, nil)
	h.waitSurfaces(t, 2, 6)
	if second := population(); !reflect.DeepEqual(first, second) {
		t.Fatalf("population = %v, want %v", second, first)
	}
	if live := h.rec.liveJobs(); len(live) != 0 {
		t.Fatalf("leaked jobs = %v", live)
	}
}

func TestPreloadFollowsScrollDirection(t *testing.T) {
	h := newHarness(t, 20, Options{MaxPreload: 1})
	h.fake.Block()
	defer h.fake.Unblock()

	order := func() []int {
		var pages []int
		for _, s := range h.rec.submits {
			pages = append(pages, s.page)
		}
		h.rec.submits = nil
		return pages
	}

	h.cache.SetVisibleRange(10, 10, 1, 0, nil)
	order()
	h.cache.SetVisibleRange(5, 5, 1, 0, nil)
	if got := order(); !reflect.DeepEqual(got, []int{5, 4, 6}) {
		t.Fatalf("scrolling up submitted %v, want [5 4 6]", got)
	}
	h.cache.SetVisibleRange(15, 15, 1, 0, nil)
	if got := order(); !reflect.DeepEqual(got, []int{15, 16, 14}) {
		t.Fatalf("scrolling down submitted %v, want [15 16 14]", got)
	}
}

func TestPreloadSizeFollowsMemoryBudget(t *testing.T) {
	const page = 100 * 100 * 4
	tests := []struct {
		name       string
		maxSize    int64
		maxPreload int
		start, end int
		want       int
	}{
		{"window fills budget", page, 3, 5, 5, 0},
		{"one page each side", 3 * page, 3, 5, 5, 1},
		{"capped by max preload", 1000 * page, 2, 5, 5, 2},
		{"first page grows forward", 4 * page, 3, 0, 0, 3},
		{"last page grows backward", 3 * page, 3, 9, 9, 2},
		{"preload disabled", 1000 * page, -1, 5, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10, Options{MaxSize: tt.maxSize, MaxPreload: tt.maxPreload})
			if got := h.cache.preloadSize(tt.start, tt.end, 1, 0); got != tt.want {
				t.Fatalf("preloadSize = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSetMaxSizeShrinkClears(t *testing.T) {
	h := newHarness(t, 10, Options{MaxPreload: 1})
	h.cache.SetVisibleRange(3, 3, 1, 0, nil)
	h.waitSurfaces(t, 2, 4)
	h.cache.SetMaxSize(DefaultMaxSize * 2)
	if h.cache.Surface(3) == nil {
		t.Fatal("growing the budget dropped surfaces")
	}
	h.cache.SetMaxSize(100 * 100 * 4)
	if h.cache.Surface(3) != nil {
		t.Fatal("shrinking the budget kept surfaces")
	}
	h.cache.SetVisibleRange(3, 3, 1, 0, nil)
	if h.cache.Preload() != 0 {
		t.Fatalf("preload = %d, want 0", h.cache.Preload())
	}
}

func TestMappingsAreHarvested(t *testing.T) {
	h := newHarness(t, 3, Options{MaxPreload: -1})
	h.fake.SetText(1, "abc")
	h.fake.SetLinks(1, []document.LinkMapping{{URI: "https://example.com", Page: -1}})

	h.cache.SetVisibleRange(1, 1, 1, 0, nil)
	job := h.rec.jobs[0]
	h.runUntil(t, job.IsFinished)

	// 通知を待たずに取り込まれる
	if links := h.cache.LinkMapping(1); len(links) != 1 {
		t.Fatalf("links = %v", links)
	}
	if text, layout := h.cache.TextLayout(1); text != "abc" || len(layout) != 3 {
		t.Fatalf("text = %q layout = %v", text, layout)
	}
	if h.cache.LinkMapping(0) != nil {
		t.Fatal("mapping for an uncached page")
	}

	// 取得済みのマッピングは再描画で要求しない
	h.cache.SetVisibleRange(1, 1, 2, 0, nil)
	if flags := h.rec.jobs[len(h.rec.jobs)-1].Flags; flags&render.IncludeLinks != 0 || flags&render.IncludeText != 0 {
		t.Fatalf("flags = %b, mappings requested again", flags)
	}
}

func TestInvalidRangePanics(t *testing.T) {
	h := newHarness(t, 5, Options{})
	cases := map[string]func(){
		"negative start": func() { h.cache.SetVisibleRange(-1, 0, 1, 0, nil) },
		"end before":     func() { h.cache.SetVisibleRange(3, 2, 1, 0, nil) },
		"past end":       func() { h.cache.SetVisibleRange(0, 5, 1, 0, nil) },
		"zero scale":     func() { h.cache.SetVisibleRange(0, 0, 0, 0, nil) },
		"reload bad":     func() { h.cache.ReloadPage(9, nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}
