// ABOUTME: Sliding-window tracker for event IDs already handled by the bridge
// ABOUTME: Lark redelivers events after reconnects, so delivery is at-least-once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	elem *list.Element
}

// Window remembers event IDs for a bounded time and count. It answers one
// question: is this the first time we have seen this ID?
type Window struct {
	mu     sync.Mutex
	ids    map[string]*entry
	order  *list.List // oldest at front
	ttl    time.Duration
	cap    int
	done   chan struct{}
	closed bool
}

// NewWindow creates a tracker that forgets IDs after ttl or when more than
// cap IDs are held, whichever comes first. A background sweep reclaims
// expired entries.
func NewWindow(ttl time.Duration, cap int) *Window {
	w := &Window{
		ids:   make(map[string]*entry),
		order: list.New(),
		ttl:   ttl,
		cap:   cap,
		done:  make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Observe records id and reports whether this is its first sighting inside
// the window. The check and the record are one atomic step, so exactly one
// caller wins for a given id.
func (w *Window) Observe(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.ids[id]; ok && time.Since(e.at) < w.ttl {
		e.at = time.Now()
		w.order.MoveToBack(e.elem)
		return false
	}
	w.record(id)
	return true
}

// Seen reports whether id is currently inside the window, without recording.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.ids[id]
	return ok && time.Since(e.at) < w.ttl
}

// record inserts or refreshes id. Caller holds w.mu.
func (w *Window) record(id string) {
	if e, ok := w.ids[id]; ok {
		e.at = time.Now()
		w.order.MoveToBack(e.elem)
		return
	}
	if len(w.ids) >= w.cap {
		if front := w.order.Front(); front != nil {
			old, _ := front.Value.(string)
			w.order.Remove(front)
			delete(w.ids, old)
		}
	}
	w.ids[id] = &entry{at: time.Now(), elem: w.order.PushBack(id)}
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops every expired entry. Walks from the oldest end and stops at
// the first live entry, since order is insertion order.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		id, _ := front.Value.(string)
		e := w.ids[id]
		if e == nil {
			w.order.Remove(front)
			continue
		}
		if now.Sub(e.at) <= w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.ids, id)
	}
}

// Close stops the background sweep. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
