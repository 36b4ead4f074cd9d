package popup

import (
	"context"
	"slices"
	"sync"
	"time"
)

// WindowInfo tells the page which window to open or close.
type WindowInfo struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	CloseRequested bool   `json:"closeRequested"`
}

// Tracker opens windows through the browser page: the page picks up
// windows to open from Windows and reports closure with MarkClosed.
type Tracker struct {
	validate func(url string) bool
	lifetime time.Duration
	windows  map[string]*window
	order    []string
	mu       sync.Mutex

	nowFunc func() time.Time
}

func NewTracker(validate func(url string) bool, lifetime time.Duration) *Tracker {
	return &Tracker{
		validate: validate,
		lifetime: lifetime,
		windows:  make(map[string]*window),
		nowFunc:  time.Now,
	}
}

func (t *Tracker) Open(ctx context.Context, url string) (Window, error) {
	if t.validate != nil && !t.validate(url) {
		return nil, ErrBlocked
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reap()
	w := newWindow(url, t.lifetime, t.nowFunc)
	t.windows[w.id] = w
	t.order = append(t.order, w.id)
	return w, nil
}

// MarkClosed records that the page saw the window close. It reports whether
// the window is known.
func (t *Tracker) MarkClosed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[id]
	if !ok {
		return false
	}
	w.markClosed()
	if w.info().CloseRequested {
		t.forget(id)
	}
	return true
}

// Windows lists the windows the page should have open, plus the ones the
// server asked to close.
func (t *Tracker) Windows() []WindowInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reap()
	out := make([]WindowInfo, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.windows[id].info())
	}
	return out
}

// reap forgets windows that are closed and not waiting for the page to
// close them, and every window twice past its lifetime.
func (t *Tracker) reap() {
	now := t.nowFunc()
	for _, id := range append([]string(nil), t.order...) {
		w := t.windows[id]
		stale := t.lifetime > 0 && !now.Before(w.openedAt.Add(2*t.lifetime))
		if stale || (w.Closed() && !w.info().CloseRequested) {
			t.forget(id)
		}
	}
}

func (t *Tracker) forget(id string) {
	delete(t.windows, id)
	t.order = slices.DeleteFunc(t.order, func(o string) bool { return o == id })
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.windows = make(map[string]*window)
	t.order = nil
	t.mu.Unlock()
}
