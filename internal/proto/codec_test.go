package proto

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"clusterlink/internal/peer"
)

func reader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range []string{"", "x", ProtoHeader, strings.Repeat("a", maxStringLen)} {
		buf.Reset()
		require.NoError(t, WriteString(&buf, s))
		got, err := ReadString(reader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, s, got)
	}

	require.Error(t, WriteString(&buf, strings.Repeat("a", maxStringLen+1)))
}

func TestReadStringTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "hello"))
	_, err := ReadString(reader(buf.Bytes()[:3]))
	require.Error(t, err)
}

func TestPreambleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := LocalPreamble()
	require.NoError(t, WritePreamble(&buf, p))
	got, err := ReadPreamble(reader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, p, got)
	require.Equal(t, ProtoHeader, got.Header)
	require.Equal(t, ClusterVersion, got.Version)
}

func TestAddressRoundTrip(t *testing.T) {
	addr, err := peer.ParseAddress("10.0.0.1:29015,10.0.0.2:29016")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteAddress(&buf, addr))
	got, err := ReadAddress(reader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, addr.Equal(got))
}

func TestReadAddressRejectsEmpty(t *testing.T) {
	// An address with zero endpoints is not representable.
	_, err := ReadAddress(reader([]byte{0}))
	require.Error(t, err)
}

func TestRoutingTableRoundTrip(t *testing.T) {
	table := make(map[peer.ID]peer.Address)
	for i := 0; i < 10; i++ {
		addr, err := peer.ParseAddress("192.168.0.1:29015,192.168.0.2:29015")
		require.NoError(t, err)
		table[peer.NewID()] = addr
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRoutingTable(&buf, table))
	got, err := ReadRoutingTable(reader(buf.Bytes()))
	require.NoError(t, err)

	require.Len(t, got, len(table))
	for id, addr := range table {
		gotAddr, ok := got[id]
		require.True(t, ok, "missing entry for %s", id)
		require.True(t, addr.Equal(gotAddr))
	}
}

func TestRoutingTableEmptyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRoutingTable(&buf, nil))
	got, err := ReadRoutingTable(reader(buf.Bytes()))
	require.NoError(t, err)
	require.Empty(t, got)
}
