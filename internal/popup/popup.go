package popup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBlocked is returned when a window could not be opened.
var ErrBlocked = errors.New("popup was blocked")

// Window is a handle to an authorization window.
type Window interface {
	ID() string
	URL() string
	Closed() bool
	Close()
}

type Opener interface {
	Open(ctx context.Context, url string) (Window, error)
}

// window is closed when closure was reported, when Close was called or when
// its lifetime elapsed.
type window struct {
	id       string
	url      string
	openedAt time.Time
	lifetime time.Duration

	closed         bool
	closeRequested bool
	mu             sync.Mutex

	nowFunc func() time.Time
}

func newWindow(url string, lifetime time.Duration, nowFunc func() time.Time) *window {
	return &window{
		id:       uuid.NewString(),
		url:      url,
		openedAt: nowFunc(),
		lifetime: lifetime,
		nowFunc:  nowFunc,
	}
}

func (w *window) ID() string  { return w.id }
func (w *window) URL() string { return w.url }

func (w *window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed || (w.lifetime > 0 && !w.nowFunc().Before(w.openedAt.Add(w.lifetime)))
}

// Close asks the page to close the window unless it already reported it
// closed.
func (w *window) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closeRequested = true
	}
	w.closed = true
	w.mu.Unlock()
}

func (w *window) markClosed() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *window) info() WindowInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowInfo{
		ID:             w.id,
		URL:            w.url,
		CloseRequested: w.closeRequested,
	}
}
