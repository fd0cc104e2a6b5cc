package udp

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmsghdr is struct mmsghdr from sys/socket.h. Go pads it to the alignment of
// unix.Msghdr the same way the kernel does on every arch.
type mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
}

// sendmmsg is swapped out in tests.
var sendmmsg = func(fd uintptr, msgs []mmsghdr) (int, syscall.Errno) {
	n, _, errno := unix.Syscall6(
		unix.SYS_SENDMMSG,
		fd,
		uintptr(unsafe.Pointer(&msgs[0])),
		uintptr(len(msgs)),
		0,
		0,
		0,
	)
	return int(n), errno
}

func recvmmsg(fd uintptr, msgs []mmsghdr) (int, syscall.Errno) {
	n, _, errno := unix.Syscall6(
		unix.SYS_RECVMMSG,
		fd,
		uintptr(unsafe.Pointer(&msgs[0])),
		uintptr(len(msgs)),
		0,
		0,
		0,
	)
	return int(n), errno
}

// sendBatch is the scratch space for one sendmmsg call. Names are sized for
// IPv6 and hold an IPv4 sockaddr on IPv4 sockets.
type sendBatch struct {
	msgs    [BatchSize]mmsghdr
	iovs    [BatchSize]unix.Iovec
	names   [BatchSize]unix.RawSockaddrInet6
	control [BatchSize]controlBuffer
	// owners maps each message back to the transmit it came from
	owners [BatchSize]int
}

var sendBatches = sync.Pool{New: func() any { return new(sendBatch) }}

func (b *sendBatch) set(i, owner int, ty SocketType, dst netip.AddrPort, t *Transmit, datagram []byte, segmentSize int) {
	b.owners[i] = owner

	iov := &b.iovs[i]
	iov.Base = nil
	if len(datagram) > 0 {
		iov.Base = &datagram[0]
	}
	iov.SetLen(len(datagram))

	enc := newCmsgEncoder(b.control[i].bytes())
	encodeTransmit(&enc, ty, dst, t, segmentSize)
	control := enc.bytes()

	h := &b.msgs[i].Hdr
	*h = unix.Msghdr{}
	h.Name = (*byte)(unsafe.Pointer(&b.names[i]))
	h.Namelen = putSockaddr(ty, dst, &b.names[i])
	h.Iov = iov
	h.SetIovlen(1)
	if len(control) > 0 {
		h.Control = &control[0]
		h.SetControllen(len(control))
	}
	b.msgs[i].Len = 0
}

// release drops references to caller memory and returns b to the pool.
func (b *sendBatch) release() {
	for i := range b.iovs {
		b.iovs[i].Base = nil
	}
	sendBatches.Put(b)
}

type recvBatch struct {
	msgs    [BatchSize]mmsghdr
	iovs    [BatchSize]unix.Iovec
	names   [BatchSize]unix.RawSockaddrInet6
	control [BatchSize]controlBuffer
}

var recvBatches = sync.Pool{New: func() any { return new(recvBatch) }}

func (b *recvBatch) set(i int, buf []byte) {
	iov := &b.iovs[i]
	iov.Base = nil
	if len(buf) > 0 {
		iov.Base = &buf[0]
	}
	iov.SetLen(len(buf))

	h := &b.msgs[i].Hdr
	*h = unix.Msghdr{}
	h.Name = (*byte)(unsafe.Pointer(&b.names[i]))
	h.Namelen = unix.SizeofSockaddrInet6
	h.Iov = iov
	h.SetIovlen(1)
	h.Control = (*byte)(unsafe.Pointer(&b.control[i][0]))
	h.SetControllen(controlBufferSize)
	b.msgs[i].Len = 0
}

func (b *recvBatch) source(ty SocketType, i int) netip.AddrPort {
	return sockaddrToAddrPort(ty, &b.names[i])
}

func (b *recvBatch) release() {
	for i := range b.iovs {
		b.iovs[i].Base = nil
	}
	recvBatches.Put(b)
}

// putSockaddr writes dst into rsa in the family of the socket and returns the
// length to hand the kernel.
func putSockaddr(ty SocketType, dst netip.AddrPort, rsa *unix.RawSockaddrInet6) uint32 {
	if ty == SocketTypeIPv4 {
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		*sa = unix.RawSockaddrInet4{Family: unix.AF_INET, Addr: dst.Addr().As4()}
		binary.BigEndian.PutUint16((*[2]byte)(unsafe.Pointer(&sa.Port))[:], dst.Port())
		return unix.SizeofSockaddrInet4
	}

	*rsa = unix.RawSockaddrInet6{Family: unix.AF_INET6, Addr: dst.Addr().As16()}
	binary.BigEndian.PutUint16((*[2]byte)(unsafe.Pointer(&rsa.Port))[:], dst.Port())
	return unix.SizeofSockaddrInet6
}

func sockaddrToAddrPort(ty SocketType, rsa *unix.RawSockaddrInet6) netip.AddrPort {
	port := binary.BigEndian.Uint16((*[2]byte)(unsafe.Pointer(&rsa.Port))[:])

	switch rsa.Family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), port)
	case unix.AF_INET6:
		return netip.AddrPortFrom(normalizeAddr(ty, netip.AddrFrom16(rsa.Addr)), port)
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
}
