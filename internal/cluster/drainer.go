package cluster

import "sync"

// drainer is the borrow-with-await-on-close primitive behind every
// Connection: a borrow count plus two one-shot events. Borrowers take a
// ConnLock; teardown first marks the drainer draining (refusing new
// borrows), then waits for the count to reach zero, at which point the
// drained event fires exactly once.
type drainer struct {
	mu        sync.Mutex
	borrowers int
	draining  bool
	drainingC chan struct{} // closed when teardown begins
	drainedC  chan struct{} // closed when teardown completes
}

func newDrainer() *drainer {
	return &drainer{
		drainingC: make(chan struct{}),
		drainedC:  make(chan struct{}),
	}
}

// acquire returns a live ConnLock, or ok=false once draining has begun.
func (d *drainer) acquire() (ConnLock, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return ConnLock{}, false
	}
	d.borrowers++
	return ConnLock{d: d, once: new(sync.Once)}, true
}

func (d *drainer) release() {
	d.mu.Lock()
	d.borrowers--
	fire := d.draining && d.borrowers == 0
	d.mu.Unlock()
	if fire {
		close(d.drainedC)
	}
}

// beginDrain stops new borrows. Idempotent. If no borrows are outstanding
// the drained event fires immediately.
func (d *drainer) beginDrain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	fire := d.borrowers == 0
	d.mu.Unlock()
	close(d.drainingC)
	if fire {
		close(d.drainedC)
	}
}

// await blocks until every outstanding borrow is released. beginDrain must
// have been called.
func (d *drainer) await() {
	<-d.drainedC
}

// ConnLock keeps a Connection alive for its holder: the connection's drain
// signal cannot fire while the token is held. Tokens may be handed across
// goroutines; Release is idempotent. The zero ConnLock holds nothing.
type ConnLock struct {
	d    *drainer
	once *sync.Once
}

func (l ConnLock) Release() {
	if l.once == nil {
		return
	}
	l.once.Do(l.d.release)
}

func (l ConnLock) held() bool {
	return l.once != nil
}
