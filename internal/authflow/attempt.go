package authflow

import (
	"context"
	"sync"
)

// Result is the terminal outcome of one authorization attempt.
type Result struct {
	Outcome    Outcome
	Err        error
	RedirectTo string
}

// Attempt resolves once the authorization attempt reaches a terminal
// outcome.
type Attempt struct {
	done   chan struct{}
	result Result
	once   sync.Once
}

func newAttempt() *Attempt {
	return &Attempt{done: make(chan struct{})}
}

func (a *Attempt) finish(r Result) {
	a.once.Do(func() {
		a.result = r
		close(a.done)
	})
}

func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		return a.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
