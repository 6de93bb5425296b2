package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lifecycle tracks readiness draining and in-flight session mints during
// graceful shutdown. A nil *Lifecycle is never draining.
type Lifecycle struct {
	draining atomic.Bool
	inflight sync.WaitGroup
	mu       sync.Mutex
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.draining.Store(draining)
	l.mu.Unlock()
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Begin registers one in-flight mint. It reports false once draining has
// started; otherwise the returned func must be called when the mint ends.
func (l *Lifecycle) Begin() (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draining.Load() {
		return nil, false
	}
	l.inflight.Add(1)
	var once sync.Once
	return func() { once.Do(l.inflight.Done) }, true
}

// Wait blocks until in-flight mints finish or ctx is done. It reports
// whether everything finished. Call it after SetDraining(true).
func (l *Lifecycle) Wait(ctx context.Context) bool {
	if l == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
