// Package eventlock collapses near simultaneous submissions of the same event
// id into one write. Every entry expires after a TTL, so a lost Release or a
// crashed writer only costs redundant work later.
package eventlock

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry[R any] struct {
	expires time.Time
	done    bool
	result  R

	// ready is closed once the holder remembers a result or lets go
	ready chan struct{}
}

// pending reports whether e is a held lock nobody has settled yet
func (e entry[R]) pending() bool {
	return !e.done && e.ready != nil
}

// Locks is a per event id advisory lock that also caches the outcome of the
// holder for the rest of the TTL.
type Locks[R any] struct {
	ttl     time.Duration
	entries *xsync.MapOf[string, entry[R]]

	// Now can be replaced in tests
	Now func() time.Time
}

func New[R any](ttl time.Duration) *Locks[R] {
	return &Locks[R]{
		ttl:     ttl,
		entries: xsync.NewMapOf[string, entry[R]](),
		Now:     time.Now,
	}
}

// TryAcquire takes the lock for id unless a live entry already exists
func (l *Locks[R]) TryAcquire(id string) bool {
	if l == nil || l.ttl <= 0 {
		return true
	}

	now := l.Now()
	acquired := false
	var stale chan struct{}

	l.entries.Compute(id, func(old entry[R], loaded bool) (entry[R], bool) {
		if loaded && old.expires.After(now) {
			return old, false
		}
		if loaded && old.pending() {
			stale = old.ready
		}
		acquired = true
		return entry[R]{expires: now.Add(l.ttl), ready: make(chan struct{})}, false
	})

	if stale != nil {
		close(stale)
	}
	return acquired
}

// Remember stores the holder's result, restarts the TTL and wakes any waiters
func (l *Locks[R]) Remember(id string, result R) {
	if l == nil || l.ttl <= 0 {
		return
	}

	var waiting chan struct{}
	l.entries.Compute(id, func(old entry[R], loaded bool) (entry[R], bool) {
		if loaded && old.pending() {
			waiting = old.ready
		}
		return entry[R]{expires: l.Now().Add(l.ttl), done: true, result: result}, false
	})

	if waiting != nil {
		close(waiting)
	}
}

// Recall returns a cached result for id while it is still live
func (l *Locks[R]) Recall(id string) (R, bool) {
	var zero R
	if l == nil {
		return zero, false
	}

	e, ok := l.entries.Load(id)
	if !ok || !e.done || !e.expires.After(l.Now()) {
		return zero, false
	}
	return e.result, true
}

// Wait blocks until the holder of id settles, then recalls its result.
// It reports false when nothing is held, the holder released without a
// result, or ctx ends first.
func (l *Locks[R]) Wait(ctx context.Context, id string) (R, bool) {
	var zero R
	if l == nil {
		return zero, false
	}

	e, ok := l.entries.Load(id)
	if !ok {
		return zero, false
	}
	if e.pending() {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return zero, false
		}
	}

	return l.Recall(id)
}

// Release drops the entry for id. Holders call it when they failed and have
// nothing to cache; it also forgets results that no longer hold.
func (l *Locks[R]) Release(id string) {
	if l == nil {
		return
	}

	var waiting chan struct{}
	l.entries.Compute(id, func(old entry[R], loaded bool) (entry[R], bool) {
		if loaded && old.pending() {
			waiting = old.ready
		}
		return old, true
	})

	if waiting != nil {
		close(waiting)
	}
}

// Prune removes expired entries and returns how many were dropped
func (l *Locks[R]) Prune() int {
	if l == nil {
		return 0
	}

	now := l.Now()
	pruned := 0
	l.entries.Range(func(id string, _ entry[R]) bool {
		var waiting chan struct{}
		l.entries.Compute(id, func(old entry[R], loaded bool) (entry[R], bool) {
			if !loaded {
				return old, true
			}
			if old.expires.After(now) {
				return old, false
			}
			if old.pending() {
				waiting = old.ready
			}
			pruned++
			return old, true
		})
		if waiting != nil {
			close(waiting)
		}
		return true
	})
	return pruned
}

func (l *Locks[R]) Size() int {
	if l == nil {
		return 0
	}
	return l.entries.Size()
}
