package relay

import (
	"context"
	"sync"
)

// registry tracks connected clients so shutdown can cancel and await them.
type registry struct {
	mu      sync.Mutex
	clients map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	c    *client
	once sync.Once
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*entry)}
}

// add registers c and returns its idempotent removal func.
func (r *registry) add(c *client) (remove func()) {
	e := &entry{c: c}

	r.mu.Lock()
	old := r.clients[c.id]
	r.clients[c.id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.remove(old)
	}
	return func() { r.remove(e) }
}

func (r *registry) remove(e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.clients[e.c.id] == e {
			delete(r.clients, e.c.id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *registry) snapshot() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, e.c)
	}
	return out
}

// closeAll disconnects every client and returns how many there were.
func (r *registry) closeAll() int {
	clients := r.snapshot()
	for _, c := range clients {
		c.close()
	}
	return len(clients)
}

// wait blocks until every registered client is removed or ctx ends.
func (r *registry) wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
