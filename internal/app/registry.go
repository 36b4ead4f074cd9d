package app

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matheuscscp/open-finance-portal/internal/logging"
)

// Registry holds the application of every active browser session. Apps
// that receive no request for the idle timeout are closed and forgotten.
type Registry struct {
	deps        *Deps
	idleTimeout time.Duration
	apps        map[string]*App
	mu          sync.Mutex

	nowFunc func() time.Time
}

func NewRegistry(deps *Deps) *Registry {
	return &Registry{
		deps:        deps,
		idleTimeout: deps.Config.Session.IdleTimeout,
		apps:        make(map[string]*App),
		nowFunc:     time.Now,
	}
}

// Get returns the app of the browser session, creating it if needed. The
// second return value reports whether the app was created. Created apps
// still need Init.
func (r *Registry) Get(ctx context.Context, id string) (*App, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	if a, ok := r.apps[id]; ok {
		a.touch(now)
		return a, false
	}

	a := newApp(id, r.deps, logrus.WithField("browserSession", id))
	a.touch(now)
	r.apps[id] = a
	logging.FromContext(ctx).Debug("browser session created")
	return a, true
}

// Lookup returns the app of the browser session without creating it.
func (r *Registry) Lookup(id string) (*App, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.apps[id]
	if ok {
		a.touch(r.nowFunc())
	}
	return a, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.apps)
}

// Evict closes the apps idle for longer than the idle timeout and returns
// how many were closed.
func (r *Registry) Evict() int {
	r.mu.Lock()
	now := r.nowFunc()
	var idle []*App
	for id, a := range r.apps {
		if now.Sub(a.idleSince()) > r.idleTimeout {
			idle = append(idle, a)
			delete(r.apps, id)
		}
	}
	r.mu.Unlock()

	for _, a := range idle {
		a.Close()
	}
	return len(idle)
}

// Run evicts idle apps periodically until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	interval := r.idleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(); n > 0 {
				logrus.WithField("evicted", n).Debug("idle browser sessions evicted")
			}
		}
	}
}

// Close closes every app.
func (r *Registry) Close() {
	r.mu.Lock()
	apps := r.apps
	r.apps = make(map[string]*App)
	r.mu.Unlock()

	for _, a := range apps {
		a.Close()
	}
}
