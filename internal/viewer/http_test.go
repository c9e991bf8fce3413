package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/paper-view/internal/auth"
	"github.com/yourusername/paper-view/internal/document"
	"github.com/yourusername/paper-view/internal/document/doctest"
	"github.com/yourusername/paper-view/internal/render"
)

// library は偽バックエンドをパスで引けるようにします。
type library struct {
	mu      sync.Mutex
	fakes   map[string]*doctest.Backend
	reopens map[string]*doctest.Backend
}

func newLibrary() *library {
	return &library{fakes: make(map[string]*doctest.Backend), reopens: make(map[string]*doctest.Backend)}
}

func (l *library) add(path string, pages int) *doctest.Backend {
	l.mu.Lock()
	defer l.mu.Unlock()
	fake := doctest.New(pages, 100, 100)
	l.fakes[path] = fake
	return fake
}

func (l *library) open(path string) (*document.Document, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, fake := range l.fakes {
		if strings.HasSuffix(path, p) {
			return document.New(path, "application/pdf", fake), nil
		}
	}
	return nil, fmt.Errorf("open %s: %w", path, document.ErrUnsupported)
}

func (l *library) reopen(doc *document.Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, fake := range l.reopens {
		if strings.HasSuffix(doc.Path, p) {
			return doc.Reload(fake)
		}
	}
	return fmt.Errorf("reopen %s: no replacement", doc.Path)
}

type testServer struct {
	router *gin.Engine
	reg    *Registry
	lib    *library
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := log.New(io.Discard, "", 0)
	sched := render.NewScheduler(render.Config{Workers: 2}, logger)
	t.Cleanup(sched.Close)
	lib := newLibrary()
	reg := NewRegistry(sched, Options{Open: lib.open, Reopen: lib.reopen}, logger)
	t.Cleanup(reg.Shutdown)

	router := gin.New()
	api := router.Group("/api")
	api.Use(func(c *gin.Context) {
		viewer := c.GetHeader("X-Viewer")
		if viewer == "" {
			viewer = "viewer-1"
		}
		c.Set(auth.ContextViewerKey, viewer)
		c.Next()
	})
	NewHandler(reg, HandlerOptions{}).Register(api)
	return &testServer{router: router, reg: reg, lib: lib}
}

func (s *testServer) open(t *testing.T, name string, pages int) (*Entry, *doctest.Backend) {
	t.Helper()
	fake := s.lib.add(name, pages)
	e, err := s.reg.Open(t.Context(), "/library/"+name, "")
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return e, fake
}

func (s *testServer) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decodeBody(t, w, &body)
	return body.Code
}

// waitSurface は surface が描画されるまで取得を繰り返します。
func (s *testServer) waitSurface(t *testing.T, id string, page int) *httptest.ResponseRecorder {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := s.do(http.MethodGet, fmt.Sprintf("/api/documents/%s/pages/%d/surface", id, page), "", nil)
		if w.Code == http.StatusOK {
			return w
		}
		if w.Code != http.StatusNoContent {
			t.Fatalf("surface page %d = %d %s", page, w.Code, w.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("page %d was never rendered", page)
	return nil
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestServer(t)
	b, _ := s.open(t, "b.pdf", 2)
	a, fake := s.open(t, "a.pdf", 3)
	fake.SetLabel(0, "i")

	again, err := s.reg.Open(t.Context(), "/library/a.pdf", "")
	if err != nil || again != a {
		t.Fatalf("reopening the same path gave %v, %v", again, err)
	}

	w := s.do(http.MethodGet, "/api/documents", "", nil)
	var list struct {
		Documents []DocumentInfo `json:"documents"`
	}
	decodeBody(t, w, &list)
	if len(list.Documents) != 2 || list.Documents[0].ID != a.ID || list.Documents[1].ID != b.ID {
		t.Fatalf("documents = %+v", list.Documents)
	}
	if list.Documents[0].Pages != 3 || list.Documents[0].Info.Title != "Fake" {
		t.Fatalf("document info = %+v", list.Documents[0])
	}

	w = s.do(http.MethodGet, "/api/documents/"+b.ID, "", nil)
	var detail struct {
		Pages []PageInfo `json:"pages"`
	}
	decodeBody(t, w, &detail)
	if len(detail.Pages) != 2 || detail.Pages[1].Label != "2" || detail.Pages[1].Width != 100 {
		t.Fatalf("pages = %+v", detail.Pages)
	}

	if w := s.do(http.MethodDelete, "/api/documents/"+a.ID, "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("close = %d", w.Code)
	}
	if !fake.Closed() {
		t.Fatal("backend not closed")
	}
	w = s.do(http.MethodGet, "/api/documents/"+a.ID, "", nil)
	if w.Code != http.StatusNotFound || errorCode(t, w) != "DOCUMENT_NOT_FOUND" {
		t.Fatalf("get closed document = %d %s", w.Code, w.Body.String())
	}
}

func TestOpenUnsupported(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.reg.Open(t.Context(), "/library/missing.txt", ""); err == nil {
		t.Fatal("opened an unknown document")
	}
	if n, err := s.reg.LoadLibrary(t.Context(), t.TempDir()); err != nil || n != 0 {
		t.Fatalf("LoadLibrary on an empty dir = %d, %v", n, err)
	}
}

func TestPageByLabel(t *testing.T) {
	s := newTestServer(t)
	e, fake := s.open(t, "labels.pdf", 3)
	fake.SetLabel(1, "ii")
	e.Pages.Refresh()

	w := s.do(http.MethodGet, "/api/documents/"+e.ID+"/labels/ii", "", nil)
	var body struct {
		Page int `json:"page"`
	}
	decodeBody(t, w, &body)
	if w.Code != http.StatusOK || body.Page != 1 {
		t.Fatalf("label lookup = %d %s", w.Code, w.Body.String())
	}
	if w := s.do(http.MethodGet, "/api/documents/"+e.ID+"/labels/zz", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown label = %d", w.Code)
	}
}

func TestSurfaceAfterVisibleRange(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "doc.pdf", 4)

	w := s.do(http.MethodGet, "/api/documents/"+e.ID+"/pages/0/surface", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("surface before any range = %d", w.Code)
	}

	w = s.do(http.MethodPut, "/api/documents/"+e.ID+"/view", `{"start":0,"end":1,"scale":1.5,"rotation":90}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("set range = %d %s", w.Code, w.Body.String())
	}
	var st ViewStatus
	decodeBody(t, w, &st)
	if !st.Ranged || st.End != 1 || st.Scale != 1.5 || st.Rotation != 90 {
		t.Fatalf("status = %+v", st)
	}

	w = s.waitSurface(t, e.ID, 1)
	if got := w.Header().Get("X-Image-Width"); got != "150" {
		t.Fatalf("width = %s", got)
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	want := doctest.PageColor(1)
	if r, g, b, _ := img.At(10, 10).RGBA(); uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b>>8) != want.B {
		t.Fatalf("pixel = %v, want %v", img.At(10, 10), want)
	}

	etag := w.Header().Get("ETag")
	w = s.do(http.MethodGet, "/api/documents/"+e.ID+"/pages/1/surface", "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional surface = %d", w.Code)
	}

	// 別の閲覧者は自分のビューを持つ
	w = s.do(http.MethodGet, "/api/documents/"+e.ID+"/pages/1/surface", "", map[string]string{"X-Viewer": "other"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("surface for another viewer = %d", w.Code)
	}
}

func TestSmallestScaleRenders(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "small.pdf", 1)
	if w := s.do(http.MethodPut, "/api/documents/"+e.ID+"/view", `{"start":0,"end":0,"scale":0.01}`, nil); w.Code != http.StatusOK {
		t.Fatalf("set range = %d %s", w.Code, w.Body.String())
	}
	w := s.waitSurface(t, e.ID, 0)
	if got := w.Header().Get("X-Image-Width"); got != "1" {
		t.Fatalf("width = %s, want 1", got)
	}
}

func TestInvalidRequests(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "doc.pdf", 2)
	base := "/api/documents/" + e.ID

	tests := []struct {
		name, method, path, body string
		status                   int
		code                     string
	}{
		{"range past end", http.MethodPut, base + "/view", `{"start":0,"end":2,"scale":1}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"reversed range", http.MethodPut, base + "/view", `{"start":1,"end":0,"scale":1}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"zero scale", http.MethodPut, base + "/view", `{"start":0,"end":0,"scale":0}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"tiny scale", http.MethodPut, base + "/view", `{"start":0,"end":0,"scale":0.001}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"huge scale", http.MethodPut, base + "/view", `{"start":0,"end":0,"scale":1000}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"tiny overlay scale", http.MethodGet, base + "/pages/0/selection?scale=0.001", "", http.StatusBadRequest, "INVALID_INPUT"},
		{"odd rotation", http.MethodPut, base + "/view", `{"start":0,"end":0,"scale":1,"rotation":45}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad style", http.MethodPut, base + "/view", `{"start":0,"end":0,"scale":1,"selections":[{"page":0,"style":"para"}]}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"missing page", http.MethodGet, base + "/pages/9/surface", "", http.StatusNotFound, "PAGE_NOT_FOUND"},
		{"reload missing page", http.MethodPost, base + "/pages/-1/reload", "", http.StatusNotFound, "PAGE_NOT_FOUND"},
		{"non numeric page", http.MethodGet, base + "/pages/x/surface", "", http.StatusBadRequest, "INVALID_INPUT"},
		{"empty query", http.MethodGet, base + "/find?q=", "", http.StatusBadRequest, "INVALID_INPUT"},
		{"export without queue", http.MethodPost, base + "/export", `{"operation":"export"}`, http.StatusServiceUnavailable, "JOBS_DISABLED"},
		{"unknown document", http.MethodGet, "/api/documents/nope/view", "", http.StatusNotFound, "DOCUMENT_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.body, nil)
			if w.Code != tt.status || errorCode(t, w) != tt.code {
				t.Fatalf("%s %s = %d %s", tt.method, tt.path, w.Code, w.Body.String())
			}
		})
	}
}

func TestJobFinishedEvents(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "doc.pdf", 3)
	v, err := s.reg.View(e.ID, "viewer-1")
	if err != nil {
		t.Fatal(err)
	}
	events, cancel := v.Subscribe()
	defer cancel()

	if _, err := v.SetVisibleRange(t.Context(), RangeRequest{Start: 2, End: 2, Scale: 1}); err != nil {
		t.Fatalf("set range: %v", err)
	}
	ev := waitEvent(t, events, func(ev Event) bool { return ev.Page == 2 })
	if ev.Type != EventJobFinished || ev.Region != nil {
		t.Fatalf("event for the visible page = %+v", ev)
	}
	s.waitSurface(t, e.ID, 2)

	region := image.Rect(10, 10, 30, 20)
	if err := v.ReloadPage(t.Context(), 2, &region); err != nil {
		t.Fatalf("reload page: %v", err)
	}
	ev = waitEvent(t, events, func(ev Event) bool { return ev.Page == 2 })
	if ev.Region == nil || *ev.Region != (Region{X: 10, Y: 10, Width: 20, Height: 10}) {
		t.Fatalf("event after reload = %+v", ev)
	}
}

// waitEvent は match を満たすイベントが届くまで他のイベントを読み捨てます。
func waitEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for an event")
		}
	}
}

func TestReloadClampsRange(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "shrinks.pdf", 5)
	s.lib.reopens["shrinks.pdf"] = doctest.New(2, 100, 100)

	if w := s.do(http.MethodPut, "/api/documents/"+e.ID+"/view", `{"start":3,"end":4,"scale":1}`, nil); w.Code != http.StatusOK {
		t.Fatalf("set range = %d", w.Code)
	}
	v, _ := s.reg.View(e.ID, "viewer-1")
	events, cancel := v.Subscribe()
	defer cancel()

	w := s.do(http.MethodPost, "/api/documents/"+e.ID+"/reload", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reload = %d %s", w.Code, w.Body.String())
	}
	var info DocumentInfo
	decodeBody(t, w, &info)
	if info.Pages != 2 {
		t.Fatalf("pages after reload = %d", info.Pages)
	}

	waitEvent(t, events, func(ev Event) bool { return ev.Type == EventRedraw })
	st, err := v.Status(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if st.Start != 1 || st.End != 1 {
		t.Fatalf("range after reload = [%d, %d]", st.Start, st.End)
	}
	s.waitSurface(t, e.ID, 1)
}

func TestSelectionsAndOverlay(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "doc.pdf", 2)
	base := "/api/documents/" + e.ID

	body := `{"start":0,"end":0,"scale":1,"selections":[{"page":0,"rect":{"x1":20,"y1":20,"x2":10,"y2":10},"style":"word"}]}`
	if w := s.do(http.MethodPut, base+"/view", body, nil); w.Code != http.StatusOK {
		t.Fatalf("set range = %d %s", w.Code, w.Body.String())
	}
	s.waitSurface(t, e.ID, 0)

	w := s.do(http.MethodGet, base+"/pages/0/selection", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("overlay = %d %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodGet, base+"/selections", "", nil)
	var list struct {
		Selections []SelectionInfo `json:"selections"`
	}
	decodeBody(t, w, &list)
	if len(list.Selections) != 1 || list.Selections[0].Style != "word" {
		t.Fatalf("selections = %+v", list.Selections)
	}
	if c := list.Selections[0].Covered; len(c) != 1 || c[0] != (Region{X: 10, Y: 10, Width: 10, Height: 10}) {
		t.Fatalf("covered = %+v", c)
	}

	if w := s.do(http.MethodPut, base+"/selections", `{"selections":[]}`, nil); w.Code != http.StatusNoContent {
		t.Fatalf("clear selections = %d", w.Code)
	}
	if w := s.do(http.MethodGet, base+"/pages/0/selection", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("overlay after clearing = %d", w.Code)
	}
}

func TestFindOutlineAndFonts(t *testing.T) {
	s := newTestServer(t)
	e, fake := s.open(t, "text.pdf", 3)
	fake.SetText(0, "hello world")
	fake.SetText(2, "say Hello")
	fake.SetOutline([]document.OutlineItem{{Level: 0, Title: "Intro", Page: 0}})
	fake.SetFonts([]document.FontInfo{{Name: "Serif", Type: "TrueType", Embedded: true}})
	base := "/api/documents/" + e.ID

	w := s.do(http.MethodGet, base+"/find?q=hello", "", nil)
	var res FindResult
	decodeBody(t, w, &res)
	if res.Total != 2 || len(res.Pages) != 2 || res.Pages[0] != 0 || res.Pages[1] != 2 {
		t.Fatalf("find = %+v", res)
	}
	if m := res.Matches[2]; len(m) != 1 || m[0].X1 != 4 || m[0].X2 != 9 {
		t.Fatalf("matches on page 2 = %+v", m)
	}

	w = s.do(http.MethodGet, base+"/find?q=hello&caseSensitive=true", "", nil)
	decodeBody(t, w, &res)
	if res.Total != 1 || res.Pages[0] != 0 {
		t.Fatalf("case sensitive find = %+v", res)
	}

	w = s.do(http.MethodGet, base+"/outline", "", nil)
	var outline struct {
		Outline []document.OutlineItem `json:"outline"`
	}
	decodeBody(t, w, &outline)
	if len(outline.Outline) != 1 || outline.Outline[0].Title != "Intro" {
		t.Fatalf("outline = %+v", outline)
	}

	w = s.do(http.MethodGet, base+"/fonts", "", nil)
	var fonts struct {
		Fonts []document.FontInfo `json:"fonts"`
	}
	decodeBody(t, w, &fonts)
	if len(fonts.Fonts) != 1 || fonts.Fonts[0].Name != "Serif" {
		t.Fatalf("fonts = %+v", fonts)
	}

	w = s.do(http.MethodGet, base+"/pages/0/thumbnail?width=50", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Image-Width") != "50" || w.Header().Get("X-Image-Height") != "50" {
		t.Fatalf("thumbnail = %d %v", w.Code, w.Header())
	}
}

func TestViewStateRestored(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "doc.pdf", 6)
	base := "/api/documents/" + e.ID

	if w := s.do(http.MethodPut, base+"/view", `{"start":2,"end":3,"scale":2,"rotation":-90}`, nil); w.Code != http.StatusOK {
		t.Fatalf("set range = %d", w.Code)
	}
	time.Sleep(time.Millisecond)
	if n := s.reg.CloseIdleViews(0); n != 1 {
		t.Fatalf("closed %d idle views", n)
	}

	w := s.do(http.MethodGet, base+"/view", "", nil)
	var st ViewStatus
	decodeBody(t, w, &st)
	if st.Ranged || st.Start != 2 || st.End != 3 || st.Scale != 2 || st.Rotation != 270 {
		t.Fatalf("restored status = %+v", st)
	}
}

func TestCacheSizeAndClear(t *testing.T) {
	s := newTestServer(t)
	e, _ := s.open(t, "doc.pdf", 8)
	base := "/api/documents/" + e.ID

	w := s.do(http.MethodPut, base+"/view", `{"start":3,"end":3,"scale":1}`, nil)
	var st ViewStatus
	decodeBody(t, w, &st)
	if st.Preload == 0 {
		t.Fatalf("no preload with the default budget: %+v", st)
	}
	s.waitSurface(t, e.ID, 3)

	// 1ページ分の予算では先読みできない
	w = s.do(http.MethodPut, base+"/view/cache", `{"maxSize":40000}`, nil)
	decodeBody(t, w, &st)
	if w.Code != http.StatusOK || st.MaxSize != 40000 {
		t.Fatalf("set cache size = %d %+v", w.Code, st)
	}
	if w := s.do(http.MethodGet, base+"/pages/3/surface", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("surface kept after shrinking the budget = %d", w.Code)
	}
	w = s.do(http.MethodPut, base+"/view", `{"start":3,"end":3,"scale":1}`, nil)
	decodeBody(t, w, &st)
	if st.Preload != 0 {
		t.Fatalf("preload with a one page budget = %d", st.Preload)
	}
	s.waitSurface(t, e.ID, 3)

	if w := s.do(http.MethodDelete, base+"/view", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", w.Code)
	}
	if w := s.do(http.MethodGet, base+"/pages/3/surface", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("surface after clear = %d", w.Code)
	}
}
