// Package shutdown provides the termination signal used by the proxy
// service's forward and tunnel paths and by the command's shutdown
// sequence. It pairs a
// context-based sender with a refcounted receiver so that a shutdown
// request can both announce intent (context cancellation) and let the
// issuer wait until every in-flight task has actually drained.
package shutdown

import (
	"context"
	"sync"
)

// Token is the sender half: closing it (via Cancel) notifies every watcher
// exactly once, the same guarantee context.Context's Done channel provides.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewToken derives a Token from parent. Cancelling parent also fires the
// token.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns the token's context; watchers select on Context().Done().
func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel signals shutdown intent. Safe to call more than once.
func (t *Token) Cancel() {
	t.cancel()
}

// Track registers one in-flight task against the token and returns a done
// function the caller must invoke exactly once when the task finishes.
// Wait blocks until every tracked task has called its done function.
// Once the token is cancelled, Track registers nothing and returns a no-op.
func (t *Token) Track() (done func()) {
	if t.ctx.Err() != nil {
		return func() {}
	}
	t.wg.Add(1)
	var once sync.Once
	return func() {
		once.Do(t.wg.Done)
	}
}

// Wait blocks until the receiver refcount reaches zero. Callers typically
// call Cancel first so no new tasks are tracked, then Wait for drain.
func (t *Token) Wait() {
	t.wg.Wait()
}
