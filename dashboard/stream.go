package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// feed fans values out to SSE subscribers and optionally keeps the last
// keep values for late joiners.  A subscriber that falls behind by more than
// its buffer misses values; publish never blocks.
type feed[T any] struct {
	keep int
	buf  int

	mu      sync.Mutex
	history []T
	subs    map[chan T]struct{}
}

func newFeed[T any](keep, buf int) *feed[T] {
	return &feed[T]{keep: keep, buf: buf, subs: make(map[chan T]struct{})}
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keep > 0 {
		f.history = append(f.history, v)
		// compacted at twice the limit
		if len(f.history) >= 2*f.keep {
			f.history = append(f.history[:0:0], f.history[len(f.history)-f.keep:]...)
		}
	}
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// subscribe registers a subscriber and returns the history as of that
// moment.  No value falls between the history and the first value on ch.
func (f *feed[T]) subscribe() (<-chan T, []T, func()) {
	ch := make(chan T, f.buf)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	h := f.history
	if len(h) > f.keep {
		h = h[len(h)-f.keep:]
	}
	history := append([]T(nil), h...)
	f.mu.Unlock()

	return ch, history, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

func (f *feed[T]) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// serveSSE writes first as an initial burst, then every value from ch until
// the client goes away.
func serveSSE[T any](w http.ResponseWriter, r *http.Request, first []T, ch <-chan T) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	for _, v := range first {
		if err := writeEvent(w, v); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-ch:
			if err := writeEvent(w, v); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
