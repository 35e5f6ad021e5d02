package peer

import "sync"

// RoutingTable maps every peer we can currently reach, or are in the middle
// of connecting to, to its address. It is a superset of the live connection
// set: a peer being handshaken or torn down may appear here before or after
// it appears in the connection maps.
//
// All writes go through the table's mutex. TryAdd is the race-resolution
// primitive: when two connections to the same peer are being committed, only
// the first insert succeeds and the second connection must be dropped.
type RoutingTable struct {
	mu      sync.Mutex
	entries map[ID]Address
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{entries: make(map[ID]Address)}
}

// TryAdd inserts the entry and reports whether it was inserted. It fails
// when any entry for the peer already exists, even with an equal address.
func (t *RoutingTable) TryAdd(id ID, addr Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return false
	}
	t.entries[id] = addr
	return true
}

func (t *RoutingTable) Contains(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *RoutingTable) Get(id ID) (Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.entries[id]
	return addr, ok
}

func (t *RoutingTable) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of the table.
func (t *RoutingTable) Snapshot() map[ID]Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ID]Address, len(t.entries))
	for id, addr := range t.entries {
		out[id] = addr
	}
	return out
}
