package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx/config"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Conn is a bound UDP socket with batched, offload aware send and receive.
//
// Send and Recv may be used from different goroutines at the same time.
// Concurrent senders on one Conn get no ordering guarantee between them.
type Conn struct {
	uc       *net.UDPConn
	rc       syscall.RawConn
	l        *logrus.Logger
	network  string
	sockType SocketType
	caps     Capabilities
	metrics  *connMetrics

	readDeadline  *deadlineGuard
	writeDeadline *deadlineGuard
}

// Bind opens a UDP socket on addr. An IPv4 (or v4-mapped) address gives an
// IPv4 socket, the unspecified IPv6 address or the zero AddrPort gives a dual
// stack socket and any other IPv6 address an IPv6 only socket.
func Bind(l *logrus.Logger, addr netip.AddrPort) (*Conn, error) {
	network, laddr := listenAddr(addr)

	caps, err := Probe()
	if err != nil {
		return nil, err
	}

	uc, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		uc:      uc,
		l:       l,
		network: network,
		caps:    caps,
		metrics: newConnMetrics(),
	}
	c.readDeadline = newDeadlineGuard(uc.SetReadDeadline)
	c.writeDeadline = newDeadlineGuard(uc.SetWriteDeadline)

	// Not every platform has raw access, the fallback path does without.
	c.rc, _ = uc.SyscallConn()

	c.sockType, err = sys.init(c)
	if err != nil {
		_ = uc.Close()
		return nil, err
	}

	l.WithField("localAddr", c.LocalAddr()).
		WithField("socketType", c.sockType).
		WithField("maxGSOSegments", caps.MaxGSOSegments).
		Debug("UDP socket bound")

	return c, nil
}

func listenAddr(addr netip.AddrPort) (string, *net.UDPAddr) {
	ip := addr.Addr().Unmap()
	switch {
	case ip.Is4():
		return "udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, addr.Port()))
	case !ip.IsValid() || ip.IsUnspecified():
		// Go only leaves IPV6_V6ONLY off for the wildcard under the "udp" network
		return "udp", &net.UDPAddr{Port: int(addr.Port())}
	default:
		return "udp6", net.UDPAddrFromAddrPort(addr)
	}
}

// SocketType is the address family mode the socket was classified as at bind.
func (c *Conn) SocketType() SocketType {
	return c.sockType
}

// Capabilities are the offload capabilities this socket sends with.
func (c *Conn) Capabilities() Capabilities {
	return c.caps
}

// LocalAddr is the address the socket is bound to, with a v4-mapped address
// reported as plain IPv4.
func (c *Conn) LocalAddr() netip.AddrPort {
	ua, ok := c.uc.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(normalizeAddr(c.sockType, ap.Addr()), ap.Port())
}

// TTL returns the time to live, or hop limit for IPv6 sockets, of outgoing
// datagrams.
func (c *Conn) TTL() (uint8, error) {
	if c.sockType == SocketTypeIPv4 {
		ttl, err := ipv4.NewConn(c.uc).TTL()
		return uint8(ttl), err
	}

	hops, err := ipv6.NewConn(c.uc).HopLimit()
	return uint8(hops), err
}

// SetTTL sets the time to live, or hop limit for IPv6 sockets, of outgoing
// datagrams. Dual stack sockets also get the IPv4 time to live set where the
// platform allows it.
func (c *Conn) SetTTL(ttl uint8) error {
	if c.sockType == SocketTypeIPv4 {
		return ipv4.NewConn(c.uc).SetTTL(int(ttl))
	}

	if err := ipv6.NewConn(c.uc).SetHopLimit(int(ttl)); err != nil {
		return err
	}

	if c.sockType == SocketTypeIPv6 {
		if err := ipv4.NewConn(c.uc).SetTTL(int(ttl)); err != nil {
			c.l.WithError(err).Debug("Failed to set IPv4 TTL on dual stack socket")
		}
	}
	return nil
}

// Close closes the socket. Blocked Send and Recv calls return with an error.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// TrySend makes a single attempt at sending transmits in order and returns how
// many fully completed. ErrWouldBlock means the socket is not writable and
// nothing was sent. A short count with a nil error means the caller should
// resume from transmits[n].
//
// Every transmit is checked before anything is sent, a bad one fails the whole
// call.
//
// A transmit only counts once all of its datagrams were accepted. Without
// segmentation offload a transmit goes out as separate datagrams, so an error
// may follow some of them leaving, including with n == 0 when the first
// transmit was cut short. Resuming sends that transmit again in full.
func (c *Conn) TrySend(transmits []Transmit) (int, error) {
	if len(transmits) == 0 {
		return 0, nil
	}

	limit := sys.maxSegments(c)
	for i := range transmits {
		if err := checkTransmit(c.sockType, &transmits[i], limit); err != nil {
			return 0, fmt.Errorf("transmit %d to %v: %w", i, transmits[i].Destination, err)
		}
	}

	n, err := sys.send(c, transmits)
	err = c.deadlineWouldBlock(err)
	c.metrics.sent(transmits[:n], err)
	return n, err
}

// TryRecv makes a single attempt at receiving into bufs, describing each
// datagram in the matching meta slot. Only the first min(len(bufs), len(meta),
// BatchSize) pairs are used. It returns the number of slots filled, at least
// one unless an error is returned. ErrWouldBlock means nothing was waiting.
func (c *Conn) TryRecv(bufs [][]byte, meta []RecvMeta) (int, error) {
	n := min(len(bufs), len(meta), BatchSize)
	if n == 0 {
		return 0, ErrNoBuffers
	}

	got, err := sys.recv(c, bufs[:n], meta[:n])
	err = c.deadlineWouldBlock(err)
	c.metrics.received(got, err)
	return got, err
}

// Send delivers every transmit, waiting for the socket to become writable as
// needed. It returns the number of transmits completed, which is less than
// len(transmits) only alongside an error. When ctx is done the context error
// is returned and the caller may resume from the completed count. The same
// caveat as TrySend applies to a transmit cut short by an error.
//
// Cancelling ctx only ends this call, other callers on the Conn keep waiting.
func (c *Conn) Send(ctx context.Context, transmits []Transmit) (int, error) {
	stop := c.writeDeadline.watch(ctx)
	defer stop()

	sent := 0
	for sent < len(transmits) {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, err := c.TrySend(transmits[sent:])
		sent += n
		if err == nil {
			continue
		}

		if errors.Is(err, ErrWouldBlock) {
			err = c.awaitWritable()
		}

		if err != nil {
			if err = c.writeDeadline.spurious(ctx, err); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

// Recv waits for at least one datagram and receives as many as are ready, up
// to BatchSize, the same way as TryRecv.
func (c *Conn) Recv(ctx context.Context, bufs [][]byte, meta []RecvMeta) (int, error) {
	stop := c.readDeadline.watch(ctx)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := c.TryRecv(bufs, meta)
		if err == nil {
			return n, nil
		}

		if errors.Is(err, ErrWouldBlock) {
			err = c.awaitReadable()
		}

		if err != nil {
			if err = c.readDeadline.spurious(ctx, err); err != nil {
				return 0, err
			}
		}
	}
}

// awaitWritable parks on the runtime poller until the socket reports
// writable. The first callback declines so the poller waits, the second
// accepts.
func (c *Conn) awaitWritable() error {
	waited := false
	return c.rc.Write(func(uintptr) bool {
		done := waited
		waited = true
		return done
	})
}

func (c *Conn) awaitReadable() error {
	waited := false
	return c.rc.Read(func(uintptr) bool {
		done := waited
		waited = true
		return done
	})
}

// deadlineWouldBlock reports an expired deadline as the socket not being ready.
// Only a cancelled Send or Recv expires one and they sort out whose it was.
func (c *Conn) deadlineWouldBlock(err error) error {
	if c.rc != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrWouldBlock
	}
	return err
}

// ReloadConfig applies the listen.read_buffer and listen.write_buffer socket
// buffer sizes.
func (c *Conn) ReloadConfig(cfg *config.C) {
	b := cfg.GetInt("listen.read_buffer", 0)
	if b > 0 {
		err := c.SetRecvBuffer(b)
		if err == nil {
			s, err := c.GetRecvBuffer()
			if err == nil {
				c.l.WithField("size", s).Info("listen.read_buffer was set")
			} else {
				c.l.WithError(err).Warn("Failed to get listen.read_buffer")
			}
		} else {
			c.l.WithError(err).Error("Failed to set listen.read_buffer")
		}
	}

	b = cfg.GetInt("listen.write_buffer", 0)
	if b > 0 {
		err := c.SetSendBuffer(b)
		if err == nil {
			s, err := c.GetSendBuffer()
			if err == nil {
				c.l.WithField("size", s).Info("listen.write_buffer was set")
			} else {
				c.l.WithError(err).Warn("Failed to get listen.write_buffer")
			}
		} else {
			c.l.WithError(err).Error("Failed to set listen.write_buffer")
		}
	}
}
