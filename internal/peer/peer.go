package peer

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID identifies one process in the cluster. A fresh ID is generated every
// time a process starts, so a restarted node is a new peer even when it
// comes back on the same host and port.
type ID [16]byte

// Nil is the zero ID. It never identifies a live peer.
var Nil ID

func NewID() ID {
	return ID(uuid.New())
}

func (id ID) IsNil() bool {
	return id == Nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short returns the first eight hex characters, for log lines.
func (id ID) Short() string {
	return uuid.UUID(id).String()[:8]
}

func (id ID) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out
}

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("parse peer id: %w", err)
	}
	return ID(u), nil
}

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return Nil, fmt.Errorf("peer id must be 16 bytes, got %d", len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// HostPort is a single reachable endpoint.
type HostPort struct {
	Host string
	Port uint16
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(int(hp.Port)))
}

func (hp HostPort) IsZero() bool {
	return hp.Host == "" && hp.Port == 0
}

func ParseHostPort(s string) (HostPort, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return HostPort{}, fmt.Errorf("parse host:port: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return HostPort{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if host == "" {
		return HostPort{}, fmt.Errorf("empty host in %q", s)
	}
	return HostPort{Host: host, Port: uint16(port)}, nil
}

// Address is the set of endpoints one peer can be reached on. The set is
// immutable once constructed; two addresses are equal when they hold the
// same endpoints regardless of order. A node whose reachable addresses
// change presents the new set as a new Address on a new connection attempt.
type Address struct {
	endpoints []HostPort // sorted, deduplicated
}

func NewAddress(endpoints ...HostPort) (Address, error) {
	if len(endpoints) == 0 {
		return Address{}, fmt.Errorf("address needs at least one endpoint")
	}
	eps := make([]HostPort, 0, len(endpoints))
	for _, hp := range endpoints {
		if hp.IsZero() {
			return Address{}, fmt.Errorf("address contains zero endpoint")
		}
		eps = append(eps, hp)
	}
	sortEndpoints(eps)
	eps = dedupEndpoints(eps)
	return Address{endpoints: eps}, nil
}

// ParseAddress builds an Address from comma-separated host:port strings.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, ",")
	eps := make([]HostPort, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hp, err := ParseHostPort(part)
		if err != nil {
			return Address{}, err
		}
		eps = append(eps, hp)
	}
	return NewAddress(eps...)
}

func (a Address) IsZero() bool {
	return len(a.endpoints) == 0
}

func (a Address) Len() int {
	return len(a.endpoints)
}

// Endpoints returns a copy; callers cannot mutate the address through it.
func (a Address) Endpoints() []HostPort {
	out := make([]HostPort, len(a.endpoints))
	copy(out, a.endpoints)
	return out
}

// Primary is the first endpoint in canonical order, used for log lines and
// as the default dial target ordering.
func (a Address) Primary() HostPort {
	if len(a.endpoints) == 0 {
		return HostPort{}
	}
	return a.endpoints[0]
}

func (a Address) Contains(hp HostPort) bool {
	for _, ep := range a.endpoints {
		if ep == hp {
			return true
		}
	}
	return false
}

func (a Address) Equal(b Address) bool {
	if len(a.endpoints) != len(b.endpoints) {
		return false
	}
	for i := range a.endpoints {
		if a.endpoints[i] != b.endpoints[i] {
			return false
		}
	}
	return true
}

func (a Address) String() string {
	parts := make([]string, len(a.endpoints))
	for i, ep := range a.endpoints {
		parts[i] = ep.String()
	}
	return strings.Join(parts, ",")
}

func sortEndpoints(eps []HostPort) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Host != eps[j].Host {
			return eps[i].Host < eps[j].Host
		}
		return eps[i].Port < eps[j].Port
	})
}

func dedupEndpoints(eps []HostPort) []HostPort {
	out := eps[:0]
	for i, ep := range eps {
		if i > 0 && ep == eps[i-1] {
			continue
		}
		out = append(out, ep)
	}
	return out
}
