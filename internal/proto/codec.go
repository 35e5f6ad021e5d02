package proto

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"clusterlink/internal/peer"
)

const (
	// maxStringLen bounds every length-prefixed string on the wire.
	maxStringLen = 4096
	// maxEndpoints bounds the endpoint count of a single peer address.
	maxEndpoints = 64
	// maxRoutingEntries bounds a routing table received during handshake.
	maxRoutingEntries = 4096
)

func writeUvarint(w io.Writer, n uint64) error {
	buf := make([]byte, varint.UvarintSize(n))
	varint.PutUvarint(buf, n)
	_, err := w.Write(buf)
	return err
}

// WriteString writes a uvarint length followed by the raw bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string too long: %d", len(s))
	}
	if err := writeUvarint(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r *bufio.Reader) (string, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string too long: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteID writes the 16 raw bytes of a peer id.
func WriteID(w io.Writer, id peer.ID) error {
	_, err := w.Write(id.Bytes())
	return err
}

func ReadID(r *bufio.Reader) (peer.ID, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return peer.Nil, err
	}
	return peer.ID(buf), nil
}

// WriteAddress writes an endpoint count followed by each endpoint as a
// host:port string.
func WriteAddress(w io.Writer, addr peer.Address) error {
	eps := addr.Endpoints()
	if len(eps) > maxEndpoints {
		return fmt.Errorf("too many endpoints: %d", len(eps))
	}
	if err := writeUvarint(w, uint64(len(eps))); err != nil {
		return err
	}
	for _, ep := range eps {
		if err := WriteString(w, ep.String()); err != nil {
			return err
		}
	}
	return nil
}

func ReadAddress(r *bufio.Reader) (peer.Address, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return peer.Address{}, err
	}
	if n == 0 || n > maxEndpoints {
		return peer.Address{}, fmt.Errorf("bad endpoint count: %d", n)
	}
	eps := make([]peer.HostPort, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return peer.Address{}, err
		}
		hp, err := peer.ParseHostPort(s)
		if err != nil {
			return peer.Address{}, err
		}
		eps = append(eps, hp)
	}
	return peer.NewAddress(eps...)
}

// WriteRoutingTable writes an entry count followed by (id, address) pairs.
// The iteration order is not part of the format.
func WriteRoutingTable(w io.Writer, table map[peer.ID]peer.Address) error {
	if len(table) > maxRoutingEntries {
		return fmt.Errorf("routing table too large: %d", len(table))
	}
	if err := writeUvarint(w, uint64(len(table))); err != nil {
		return err
	}
	for id, addr := range table {
		if err := WriteID(w, id); err != nil {
			return err
		}
		if err := WriteAddress(w, addr); err != nil {
			return err
		}
	}
	return nil
}

func ReadRoutingTable(r *bufio.Reader) (map[peer.ID]peer.Address, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxRoutingEntries {
		return nil, fmt.Errorf("routing table too large: %d", n)
	}
	table := make(map[peer.ID]peer.Address, n)
	for i := uint64(0); i < n; i++ {
		id, err := ReadID(r)
		if err != nil {
			return nil, err
		}
		addr, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		if _, ok := table[id]; ok {
			return nil, fmt.Errorf("duplicate routing entry for %s", id)
		}
		table[id] = addr
	}
	return table, nil
}
