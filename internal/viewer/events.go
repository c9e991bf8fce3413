package viewer

import (
	"image"
	"sync"
)

const (
	EventJobFinished  = "job-finished"
	EventRedraw       = "redraw"
	EventFindProgress = "find-progress"

	subscriberBuffer = 32
)

// Region はイベントに含まれる再描画領域です。
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func regionOf(r *image.Rectangle) *Region {
	if r == nil {
		return nil
	}
	return &Region{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Event はビューからクライアントへ送る通知です。
type Event struct {
	Type     string  `json:"type"`
	Page     int     `json:"page"`
	Region   *Region `json:"region,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// hub はイベントの購読者を管理します。遅い購読者へのイベントは捨てられます。
type hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
