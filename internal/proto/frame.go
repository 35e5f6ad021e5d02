package proto

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// Every message on an established connection is one frame:
//
//	[tag: u8][length: uvarint][payload: length bytes]
//
// The payload is opaque to the transport; the tag selects the handler on
// the receiving side. A zero-length payload is legal (heartbeats are empty
// frames).
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// TagHeartbeat is reserved for the heartbeat manager.
const TagHeartbeat byte = 'H'

// EncodeFrame returns the wire bytes for one frame.
func EncodeFrame(tag byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	n := uint64(len(payload))
	out := make([]byte, 0, 1+varint.UvarintSize(n)+len(payload))
	out = append(out, tag)
	lenBuf := make([]byte, varint.UvarintSize(n))
	varint.PutUvarint(lenBuf, n)
	out = append(out, lenBuf...)
	out = append(out, payload...)
	return out, nil
}

// WriteFrame writes one frame in a single Write call so that concurrent
// writers serialized by the caller's mutex cannot interleave bytes.
// It returns the number of wire bytes written.
func WriteFrame(w io.Writer, tag byte, payload []byte) (int, error) {
	frame, err := EncodeFrame(tag, payload)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		total += n
	}
	return total, nil
}

// ReadFrame reads one frame. The returned payload is freshly allocated.
func ReadFrame(r *bufio.Reader) (byte, []byte, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	n, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return tag, payload, nil
}
