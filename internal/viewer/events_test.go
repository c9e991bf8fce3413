package viewer

import (
	"strings"
	"testing"
)

func TestHubDropsEventsForSlowSubscribers(t *testing.T) {
	h := newHub()
	ch, cancel := h.subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.publish(Event{Type: EventJobFinished, Page: i})
	}
	if got := len(ch); got != subscriberBuffer {
		t.Fatalf("buffered %d events", got)
	}
	if first := <-ch; first.Page != 0 {
		t.Fatalf("first event = %+v", first)
	}
	cancel()
	cancel()
	if h.count() != 0 {
		t.Fatal("subscriber still registered")
	}

	h.close()
	late, _ := h.subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscription on a closed hub is open")
	}
}

func TestMemoryMetadata(t *testing.T) {
	m := NewMemoryMetadata()
	if _, ok, _ := m.Load(t.Context(), "/a.pdf"); ok {
		t.Fatal("state for an unknown path")
	}
	want := ViewState{Start: 1, End: 2, Scale: 1.25, Rotation: 180}
	if err := m.Save(t.Context(), "/a.pdf", want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := m.Load(t.Context(), "/a.pdf")
	if err != nil || !ok || got != want {
		t.Fatalf("Load = %+v, %v, %v", got, ok, err)
	}
	if metaKey("/a.pdf") == metaKey("/b.pdf") || !strings.HasPrefix(metaKey("/a.pdf"), metaKeyPrefix) {
		t.Fatalf("metaKey = %q", metaKey("/a.pdf"))
	}
}
