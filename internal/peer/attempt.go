package peer

import "sync"

// AttemptTable records every host:port that an outbound join is currently
// attempting. Inbound (accepted) handshakes are not recorded in it. Joins
// against an address with any
// endpoint already in the table are ignored. The dedup matters most when a
// fixed client port is configured: all outbound flows then share one source
// address and the kernel cannot tell two dials to the same target apart.
type AttemptTable struct {
	mu       sync.Mutex
	inFlight map[HostPort]struct{}
}

func NewAttemptTable() *AttemptTable {
	return &AttemptTable{inFlight: make(map[HostPort]struct{})}
}

// Begin claims every endpoint of addr. If any endpoint is already claimed,
// nothing is claimed and Begin reports false.
func (t *AttemptTable) Begin(addr Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ep := range addr.Endpoints() {
		if _, ok := t.inFlight[ep]; ok {
			return false
		}
	}
	for _, ep := range addr.Endpoints() {
		t.inFlight[ep] = struct{}{}
	}
	return true
}

// End releases every endpoint of addr claimed by a previous Begin.
func (t *AttemptTable) End(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ep := range addr.Endpoints() {
		delete(t.inFlight, ep)
	}
}

func (t *AttemptTable) Contains(hp HostPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[hp]
	return ok
}

func (t *AttemptTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}
