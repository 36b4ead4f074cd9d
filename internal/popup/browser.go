package popup

import (
	"context"
	"time"

	"github.com/pkg/browser"
)

// BrowserOpener opens windows in the desktop browser of the host. Closure
// cannot be observed, so windows count as closed once their lifetime
// elapses.
type BrowserOpener struct {
	validate func(url string) bool
	lifetime time.Duration
	openURL  func(url string) error
}

func NewBrowserOpener(validate func(url string) bool, lifetime time.Duration) *BrowserOpener {
	return &BrowserOpener{
		validate: validate,
		lifetime: lifetime,
		openURL:  browser.OpenURL,
	}
}

func (b *BrowserOpener) Open(ctx context.Context, url string) (Window, error) {
	if b.validate != nil && !b.validate(url) {
		return nil, ErrBlocked
	}
	if err := b.openURL(url); err != nil {
		return nil, ErrBlocked
	}
	return newWindow(url, b.lifetime, time.Now), nil
}
