package udp

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// BatchSize is 1, darwin has no sendmmsg or recvmmsg.
const BatchSize = 1

// in bsd/netinet/in.h as of xnu 7195.50.7.100.1, the received TOS arrives
// under the option used to ask for it.
const (
	ipRecvTOS    = 0x1b
	msgTypeIPTOS = ipRecvTOS
)

var sys platform = darwinPlatform{}

var socketOptions = []sockopt{
	{name: "IP_RECVTOS", family: forIPv4, level: unix.IPPROTO_IP, opt: ipRecvTOS, value: 1},
	{name: "IP_RECVPKTINFO", family: forIPv4, level: unix.IPPROTO_IP, opt: unix.IP_RECVPKTINFO, value: 1},
	{name: "IP_DONTFRAG", family: forIPv4, level: unix.IPPROTO_IP, opt: unix.IP_DONTFRAG, value: 1},
	{name: "IPV6_RECVTCLASS", family: forIPv6, level: unix.IPPROTO_IPV6, opt: unix.IPV6_RECVTCLASS, value: 1},
	{name: "IPV6_RECVPKTINFO", family: forIPv6, level: unix.IPPROTO_IPV6, opt: unix.IPV6_RECVPKTINFO, value: 1},
	{name: "IPV6_DONTFRAG", family: forIPv6, level: unix.IPPROTO_IPV6, opt: unix.IPV6_DONTFRAG, value: 1},
}

// No segmentation offload, transmits are always split before they get here.
func pushSegmentSize(*cmsgEncoder, int) {}

type darwinPlatform struct{}

func (darwinPlatform) maxGSOSegments() (int, error) {
	return 1, nil
}

func (darwinPlatform) init(c *Conn) (SocketType, error) {
	return initSocket(c, socketOptions)
}

func (darwinPlatform) maxSegments(*Conn) int {
	return MaxGSOSegments
}

func (darwinPlatform) send(c *Conn, transmits []Transmit) (int, error) {
	var control controlBuffer
	var n int
	var serr error

	err := c.rc.Write(func(fd uintptr) bool {
		n, serr = sendEach(c.sockType, transmits, func(t *Transmit, dst netip.AddrPort, datagram []byte) error {
			enc := newCmsgEncoder(control.bytes())
			encodeTransmit(&enc, c.sockType, dst, t, 0)
			to := toSockaddr(c.sockType, dst)

			for {
				_, err := unix.SendmsgN(int(fd), datagram, enc.bytes(), to, 0)
				switch err {
				case nil:
					return nil
				case unix.EINTR:
				default:
					return c.opError("sendmsg", err)
				}
			}
		})
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, serr
}

func (darwinPlatform) recv(c *Conn, bufs [][]byte, meta []RecvMeta) (int, error) {
	var control controlBuffer
	var n, controlLen int
	var from unix.Sockaddr
	var rerr error

	err := c.rc.Read(func(fd uintptr) bool {
		for {
			n, controlLen, _, from, rerr = unix.Recvmsg(int(fd), bufs[0], control.bytes(), 0)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if rerr != nil {
		return 0, c.opError("recvmsg", rerr)
	}

	m := &meta[0]
	m.Reset()
	m.Source = fromSockaddr(c.sockType, from)
	m.Len = n
	decodeControl(c.sockType, control.bytes()[:controlLen], m)
	return 1, nil
}

func (c *Conn) SetRecvBuffer(n int) error {
	return c.uc.SetReadBuffer(n)
}

func (c *Conn) SetSendBuffer(n int) error {
	return c.uc.SetWriteBuffer(n)
}

func toSockaddr(ty SocketType, dst netip.AddrPort) unix.Sockaddr {
	if ty == SocketTypeIPv4 {
		return &unix.SockaddrInet4{Port: int(dst.Port()), Addr: dst.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(dst.Port()), Addr: dst.Addr().As16()}
}

func fromSockaddr(ty SocketType, sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(normalizeAddr(ty, netip.AddrFrom16(sa.Addr)), uint16(sa.Port))
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
}
