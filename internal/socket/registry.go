package socket

import "sync"

// Token is a composable cancellation signal passed to run loops instead
// of a stoppable-base-class contract.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewToken creates an unstopped token.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Stop signals cancellation. Safe to call more than once.
func (t *Token) Stop() {
	t.once.Do(func() { close(t.ch) })
}

// Stopped reports whether Stop was called.
func (t *Token) Stopped() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on Stop.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}

// Registry owns the set of live connection workers. The accept loop adds
// and reaps; Stop signals all workers before joining any of them, so total
// shutdown latency is bounded by one poll interval rather than the sum of
// every worker's blocking reads.
type Registry struct {
	mu    sync.Mutex
	conns []*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add tracks a new worker.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.conns = append(r.conns, c)
	r.mu.Unlock()
}

// Reap drops workers whose run loop has finished, bounding memory on a
// long-lived server.
func (r *Registry) Reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.conns[:0]
	for _, c := range r.conns {
		if !c.Finished() {
			live = append(live, c)
		}
	}
	r.conns = live
}

// SignalAll tells every tracked worker to stop without waiting.
func (r *Registry) SignalAll() {
	r.mu.Lock()
	conns := append([]*Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, c := range conns {
		c.stop.Stop()
	}
}

// JoinAll waits for every tracked worker to exit, in creation order.
func (r *Registry) JoinAll() {
	r.mu.Lock()
	conns := append([]*Conn(nil), r.conns...)
	r.mu.Unlock()
	for _, c := range conns {
		<-c.done
	}
}

// Snapshot returns the currently tracked workers.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Conn(nil), r.conns...)
}

// Len reports the number of tracked workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
