//go:build linux || darwin

package udp

import (
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Which sockets an option is set on. Dual stack sockets get both.
const (
	forIPv4 = 1 << iota
	forIPv6
)

type sockopt struct {
	name   string
	family int
	level  int
	opt    int
	value  int
}

func (o sockopt) appliesTo(ty SocketType) bool {
	switch ty {
	case SocketTypeIPv4:
		return o.family&forIPv4 != 0
	case SocketTypeIPv6Only:
		return o.family&forIPv6 != 0
	}
	return true
}

// initSocket classifies the socket and turns on the metadata we want with every
// received datagram. Options the kernel refuses only cost us that metadata, a
// descriptor that is not a usable socket fails the bind.
func initSocket(c *Conn, options []sockopt) (SocketType, error) {
	var ty SocketType
	var err error

	cerr := c.rc.Control(func(fd uintptr) {
		ty, err = classify(int(fd))
		if err != nil {
			return
		}

		for _, o := range options {
			if !o.appliesTo(ty) {
				continue
			}

			serr := unix.SetsockoptInt(int(fd), o.level, o.opt, o.value)
			switch {
			case serr == nil:
			case errors.Is(serr, unix.EBADF), errors.Is(serr, unix.ENOTSOCK):
				err = os.NewSyscallError("setsockopt "+o.name, serr)
				return
			default:
				c.l.WithError(serr).WithField("option", o.name).Debug("Failed to set socket option")
			}
		}
	})
	if cerr != nil {
		return 0, cerr
	}
	return ty, err
}

func classify(fd int) (SocketType, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, os.NewSyscallError("getsockname", err)
	}

	switch sa.(type) {
	case *unix.SockaddrInet4:
		return SocketTypeIPv4, nil
	case *unix.SockaddrInet6:
		v6only, err := unix.GetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY)
		if err != nil {
			return 0, os.NewSyscallError("getsockopt IPV6_V6ONLY", err)
		}
		if v6only != 0 {
			return SocketTypeIPv6Only, nil
		}
		return SocketTypeIPv6, nil
	}
	return 0, &net.AddrError{Err: "socket is not IPv4 or IPv6", Addr: "unknown"}
}

// opError turns a failed syscall into the error callers see. A socket that is
// not ready is ErrWouldBlock, anything else keeps the errno reachable through
// errors.Is.
func (c *Conn) opError(op string, err error) error {
	if errors.Is(err, unix.EAGAIN) {
		return ErrWouldBlock
	}
	return &net.OpError{Op: op, Net: "udp", Source: c.uc.LocalAddr(), Err: os.NewSyscallError(op, err)}
}

func (c *Conn) GetRecvBuffer() (int, error) {
	return c.getsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUF)
}

func (c *Conn) GetSendBuffer() (int, error) {
	return c.getsockoptInt(unix.SOL_SOCKET, unix.SO_SNDBUF)
}

func (c *Conn) getsockoptInt(level, opt int) (int, error) {
	var v int
	var err error
	cerr := c.rc.Control(func(fd uintptr) {
		v, err = unix.GetsockoptInt(int(fd), level, opt)
	})
	if cerr != nil {
		return 0, cerr
	}
	return v, err
}

func (c *Conn) setsockoptInt(level, opt, value int) error {
	var err error
	cerr := c.rc.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), level, opt, value)
	})
	if cerr != nil {
		return cerr
	}
	return err
}
