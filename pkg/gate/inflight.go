package gate

import "sync"

// inflightGuard serializes purchase attempts per (image, buyer) key. Without
// it, two concurrent first purchases could both pass the license lookup and
// both settle; the ledger's unique index would still prevent a double
// license, but the buyer would be charged twice.
type inflightGuard struct {
	mu     sync.Mutex
	active map[string]chan struct{}
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{active: make(map[string]chan struct{})}
}

// acquire blocks until the key is free and returns the release func.
func (g *inflightGuard) acquire(key string) func() {
	for {
		g.mu.Lock()
		ch, busy := g.active[key]
		if !busy {
			done := make(chan struct{})
			g.active[key] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.active, key)
				g.mu.Unlock()
				close(done)
			}
		}
		g.mu.Unlock()
		<-ch
	}
}
