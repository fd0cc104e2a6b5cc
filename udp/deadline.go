package udp

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

// aLongTimeAgo is a deadline in the past, used to wake anything parked on the
// socket when a context is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

// deadlineGuard shares one socket deadline between every caller parked in one
// direction. A cancelled context expires the deadline, which wakes all of
// them, and the deadline is only cleared once every cancelled caller has
// left. Callers woken by someone else's cancellation wait on cleared and park
// again.
type deadlineGuard struct {
	set func(time.Time) error

	mu      sync.Mutex
	expired int
	cleared chan struct{}
}

func newDeadlineGuard(set func(time.Time) error) *deadlineGuard {
	return &deadlineGuard{set: set}
}

// watch expires the deadline once ctx is done. The returned func must be
// called when the call is over.
func (g *deadlineGuard) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		g.expire()
		close(fired)
	})

	return func() {
		if !stop() {
			<-fired
			g.restore()
		}
	}
}

func (g *deadlineGuard) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.expired == 0 {
		g.cleared = make(chan struct{})
	}
	g.expired++
	_ = g.set(aLongTimeAgo)
}

func (g *deadlineGuard) restore() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expired--
	if g.expired == 0 {
		_ = g.set(time.Time{})
		close(g.cleared)
	}
}

// wait blocks until no cancelled caller holds the deadline expired, or ctx is
// done.
func (g *deadlineGuard) wait(ctx context.Context) error {
	g.mu.Lock()
	expired, cleared := g.expired, g.cleared
	g.mu.Unlock()

	if expired == 0 {
		return nil
	}

	select {
	case <-cleared:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spurious sorts out an error from a parked call. An expired deadline that
// belongs to another caller waits for it to clear and returns nil so the call
// parks again, one caused by ctx returns the context error.
func (g *deadlineGuard) spurious(ctx context.Context, err error) error {
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return g.wait(ctx)
}
