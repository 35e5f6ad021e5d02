package proto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// The preamble strings are byte-exact: any two builds that want to talk to
// each other must write identical header, version and arch strings. The
// build mode is compared too, but a mismatch there is a policy decision for
// the caller (warn or abort).
const (
	ProtoHeader    = "clusterlink cluster\n"
	ClusterVersion = "2.0"

	BuildModeRelease = "release"
	BuildModeDebug   = "debug"
)

// ArchBitsize is the pointer width of this build, as a string on the wire.
func ArchBitsize() string {
	return strconv.Itoa(strconv.IntSize)
}

// Preamble is everything exchanged before peer identification.
type Preamble struct {
	Header    string
	Version   string
	Arch      string
	BuildMode string
}

func LocalPreamble() Preamble {
	return Preamble{
		Header:    ProtoHeader,
		Version:   ClusterVersion,
		Arch:      ArchBitsize(),
		BuildMode: BuildModeRelease,
	}
}

func WritePreamble(w io.Writer, p Preamble) error {
	for _, s := range []string{p.Header, p.Version, p.Arch, p.BuildMode} {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadPreamble(r *bufio.Reader) (Preamble, error) {
	var p Preamble
	var err error
	if p.Header, err = ReadString(r); err != nil {
		return Preamble{}, fmt.Errorf("read proto header: %w", err)
	}
	if p.Version, err = ReadString(r); err != nil {
		return Preamble{}, fmt.Errorf("read version: %w", err)
	}
	if p.Arch, err = ReadString(r); err != nil {
		return Preamble{}, fmt.Errorf("read arch: %w", err)
	}
	if p.BuildMode, err = ReadString(r); err != nil {
		return Preamble{}, fmt.Errorf("read build mode: %w", err)
	}
	return p, nil
}
