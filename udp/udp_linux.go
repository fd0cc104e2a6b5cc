package udp

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// BatchSize is the most datagrams handed to or taken from the kernel in one
// sendmmsg or recvmmsg call.
const BatchSize = 32

// Linux reports the received TOS under the same type used to set it.
const msgTypeIPTOS = unix.IP_TOS

var sys platform = linuxPlatform{}

var socketOptions = []sockopt{
	{name: "IP_RECVTOS", family: forIPv4, level: unix.IPPROTO_IP, opt: unix.IP_RECVTOS, value: 1},
	{name: "IP_PKTINFO", family: forIPv4, level: unix.IPPROTO_IP, opt: unix.IP_PKTINFO, value: 1},
	{name: "IP_MTU_DISCOVER", family: forIPv4, level: unix.IPPROTO_IP, opt: unix.IP_MTU_DISCOVER, value: unix.IP_PMTUDISC_PROBE},
	{name: "IPV6_RECVTCLASS", family: forIPv6, level: unix.IPPROTO_IPV6, opt: unix.IPV6_RECVTCLASS, value: 1},
	{name: "IPV6_RECVPKTINFO", family: forIPv6, level: unix.IPPROTO_IPV6, opt: unix.IPV6_RECVPKTINFO, value: 1},
	{name: "IPV6_MTU_DISCOVER", family: forIPv6, level: unix.IPPROTO_IPV6, opt: unix.IPV6_MTU_DISCOVER, value: unix.IPV6_PMTUDISC_PROBE},
}

func pushSegmentSize(enc *cmsgEncoder, size int) {
	enc.pushUint16(unix.SOL_UDP, unix.UDP_SEGMENT, uint16(size))
}

type linuxPlatform struct{}

// maxGSOSegments tries UDP_SEGMENT on a throwaway socket. Kernels before 4.18
// refuse it, which only means no segmentation offload.
func (linuxPlatform) maxGSOSegments() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if errors.Is(err, unix.EAFNOSUPPORT) {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	}
	if err != nil {
		return 0, os.NewSyscallError("socket", err)
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_UDP, unix.UDP_SEGMENT, 1500); err != nil {
		return 1, nil
	}
	return MaxGSOSegments, nil
}

func (linuxPlatform) init(c *Conn) (SocketType, error) {
	return initSocket(c, socketOptions)
}

// maxSegments without offload keeps every expanded transmit inside one
// sendmmsg batch.
func (linuxPlatform) maxSegments(c *Conn) int {
	if c.caps.MaxGSOSegments > 1 {
		return c.caps.MaxGSOSegments
	}
	return BatchSize
}

func (linuxPlatform) send(c *Conn, transmits []Transmit) (int, error) {
	b := sendBatches.Get().(*sendBatch)
	defer b.release()

	gso := c.caps.MaxGSOSegments > 1

	n, packed := 0, 0
	for packed < len(transmits) {
		t := &transmits[packed]
		dst, err := normalizeDestination(c.sockType, t.Destination)
		if err != nil {
			return partial(packed, err)
		}

		if gso || t.segmentCount() == 1 {
			if n == BatchSize {
				break
			}

			segmentSize := 0
			if t.segmentCount() > 1 {
				segmentSize = t.SegmentSize
			}
			b.set(n, packed, c.sockType, dst, t, t.Contents, segmentSize)
			n++

		} else {
			if n+t.segmentCount() > BatchSize {
				break
			}

			for datagram := range t.Segments() {
				b.set(n, packed, c.sockType, dst, t, datagram, 0)
				n++
			}
		}
		packed++
	}

	if n == 0 {
		return 0, nil
	}

	accepted := 0
	var errno syscall.Errno
	err := c.rc.Write(func(fd uintptr) bool {
		for accepted < n {
			var k int
			k, errno = sendmmsg(fd, b.msgs[accepted:n])
			switch {
			case errno == 0 && k == 0:
				errno = unix.EAGAIN
				return true
			case errno == 0:
				accepted += k
			case errno == unix.EINTR:
			default:
				return true
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	if accepted == n {
		return packed, nil
	}

	// Only transmits whose every datagram was accepted count.
	return partial(b.owners[accepted], c.opError("sendmmsg", errno))
}

func (linuxPlatform) recv(c *Conn, bufs [][]byte, meta []RecvMeta) (int, error) {
	b := recvBatches.Get().(*recvBatch)
	defer b.release()

	n := len(bufs)
	for i := range n {
		b.set(i, bufs[i])
	}

	var got int
	var errno syscall.Errno
	err := c.rc.Read(func(fd uintptr) bool {
		for {
			got, errno = recvmmsg(fd, b.msgs[:n])
			if errno != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if errno != 0 {
		return 0, c.opError("recvmmsg", errno)
	}
	if got == 0 {
		return 0, ErrWouldBlock
	}

	for i := range got {
		m := &meta[i]
		m.Reset()
		m.Source = b.source(c.sockType, i)
		m.Len = int(b.msgs[i].Len)
		decodeControl(c.sockType, b.control[i].bytes()[:b.msgs[i].Hdr.Controllen], m)
	}
	return got, nil
}

// SetRecvBuffer sets SO_RCVBUF, going past net.core.rmem_max when we have
// CAP_NET_ADMIN.
func (c *Conn) SetRecvBuffer(n int) error {
	if err := c.setsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, n); err != nil {
		return c.uc.SetReadBuffer(n)
	}
	return nil
}

// SetSendBuffer sets SO_SNDBUF, going past net.core.wmem_max when we have
// CAP_NET_ADMIN.
func (c *Conn) SetSendBuffer(n int) error {
	if err := c.setsockoptInt(unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, n); err != nil {
		return c.uc.SetWriteBuffer(n)
	}
	return nil
}
