package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"clusterlink/internal/debuglog"
	"clusterlink/internal/peer"
)

// ErrAddressInUse reports that the listen port was already bound. It is the
// one bind failure callers are expected to branch on.
var ErrAddressInUse = errors.New("address in use")

// ListenerSet binds one TCP listener per address of the bind set, all on
// the same port. With port 0 the first bind picks the port and the rest
// reuse it. Accepted connections from every listener are fanned into a
// single channel.
type ListenerSet struct {
	listeners []net.Listener
	port      uint16
	conns     chan net.Conn
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds addrs on port. Empty addrs means all interfaces.
func Listen(addrs []string, port uint16) (*ListenerSet, error) {
	if len(addrs) == 0 {
		addrs = []string{""}
	}
	ls := &ListenerSet{
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	for _, host := range addrs {
		bindPort := port
		if ls.port != 0 {
			bindPort = ls.port
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(bindPort))))
		if err != nil {
			ls.Close()
			if errors.Is(err, syscall.EADDRINUSE) {
				return nil, fmt.Errorf("%w: %v", ErrAddressInUse, err)
			}
			return nil, fmt.Errorf("bind %s: %w", host, err)
		}
		ls.listeners = append(ls.listeners, l)
		if ls.port == 0 {
			ls.port = uint16(l.Addr().(*net.TCPAddr).Port)
		}
	}
	for _, l := range ls.listeners {
		ls.wg.Add(1)
		go ls.acceptLoop(l)
	}
	debuglog.Debugf("listening on port %d (%d listeners)", ls.port, len(ls.listeners))
	return ls, nil
}

func (ls *ListenerSet) acceptLoop(l net.Listener) {
	defer ls.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ls.done:
			default:
				debuglog.Debugf("accept error on %s: %v", l.Addr(), err)
			}
			return
		}
		select {
		case ls.conns <- conn:
		case <-ls.done:
			_ = conn.Close()
			return
		}
	}
}

// Conns delivers accepted connections until the set is closed.
func (ls *ListenerSet) Conns() <-chan net.Conn {
	return ls.conns
}

func (ls *ListenerSet) Port() uint16 {
	return ls.port
}

// Addrs returns the bound endpoints with wildcard hosts resolved to the
// machine's interface addresses.
func (ls *ListenerSet) Addrs() []peer.HostPort {
	var out []peer.HostPort
	for _, l := range ls.listeners {
		ta := l.Addr().(*net.TCPAddr)
		if !ta.IP.IsUnspecified() {
			out = append(out, peer.HostPort{Host: ta.IP.String(), Port: uint16(ta.Port)})
			continue
		}
		for _, ip := range interfaceIPs() {
			out = append(out, peer.HostPort{Host: ip, Port: uint16(ta.Port)})
		}
	}
	return out
}

// Close stops accepting; pending accepted connections not yet consumed are
// closed. Safe to call more than once.
func (ls *ListenerSet) Close() error {
	var err error
	ls.closeOnce.Do(func() {
		close(ls.done)
		for _, l := range ls.listeners {
			err = multierr.Append(err, l.Close())
		}
		ls.wg.Wait()
	})
	return err
}

func interfaceIPs() []string {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return []string{"127.0.0.1"}
	}
	var out []string
	for _, a := range ifaces {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	if len(out) == 0 {
		out = []string{"127.0.0.1"}
	}
	return out
}

// Dial connects to hp. When clientPort is nonzero every outbound flow binds
// the same local port, which is why the caller must dedup dials to one
// target through the attempt table; SO_REUSEADDR/SO_REUSEPORT are set so
// parallel dials to distinct targets can share the source address.
func Dial(ctx context.Context, hp peer.HostPort, clientPort uint16) (net.Conn, error) {
	d := net.Dialer{Timeout: 8 * time.Second}
	if clientPort != 0 {
		d.LocalAddr = &net.TCPAddr{Port: int(clientPort)}
		d.Control = reusePortControl
	}
	conn, err := d.DialContext(ctx, "tcp", hp.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hp, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
