package udp

import (
	"math"
	"net/netip"
)

// normalizeDestination rewrites dst into the form the socket family expects.
// IPv4 sockets take plain IPv4, dual stack sockets take IPv4 as a v4-mapped
// IPv6 address.
func normalizeDestination(ty SocketType, dst netip.AddrPort) (netip.AddrPort, error) {
	addr := dst.Addr()
	switch ty {
	case SocketTypeIPv4:
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.AddrPort{}, ErrInvalidIPv6RemoteForSocket
		}
	case SocketTypeIPv6Only:
		if addr.Is4() || addr.Is4In6() {
			return netip.AddrPort{}, ErrInvalidIPv4RemoteForSocket
		}
	case SocketTypeIPv6:
		if addr.Is4() {
			addr = netip.AddrFrom16(addr.As16())
		}
	}
	return netip.AddrPortFrom(addr, dst.Port()), nil
}

// normalizeAddr turns an address reported by the kernel into the form callers
// see in RecvMeta.
func normalizeAddr(ty SocketType, addr netip.Addr) netip.Addr {
	if ty == SocketTypeIPv6Only {
		return addr
	}
	return addr.Unmap()
}

// isIPv4Path reports whether traffic to dst is carried by the IPv4 stack, which
// decides between IPv4 and IPv6 level control messages.
func isIPv4Path(ty SocketType, dst netip.AddrPort) bool {
	return ty == SocketTypeIPv4 || dst.Addr().Is4In6() || dst.Addr().Is4()
}

// checkTransmit rejects a transmit the socket can not send as given.
// maxSegments is the most wire datagrams a single transmit may carry.
func checkTransmit(ty SocketType, t *Transmit, maxSegments int) error {
	if t.SegmentSize < 0 || t.SegmentSize > math.MaxUint16 {
		return ErrInvalidSegmentSize
	}

	dst, err := normalizeDestination(ty, t.Destination)
	if err != nil {
		return err
	}

	if t.SrcIP.IsValid() && t.SrcIP.Unmap().Is4() != isIPv4Path(ty, dst) {
		return ErrInvalidSourceForSocket
	}

	if t.segmentCount() > maxSegments {
		return ErrTooManySegments
	}
	return nil
}

// sendEach drives single datagram sends for platforms that can not hand the
// kernel a whole batch. Transmits with a segment size are expanded into one
// send per segment and only count once every segment was accepted.
//
// An error after at least one completed transmit is dropped and the completed
// count returned, so the caller resumes at the first unfinished transmit. Any
// segments of that transmit that did leave will be sent again on resume.
func sendEach(ty SocketType, transmits []Transmit, send func(t *Transmit, dst netip.AddrPort, datagram []byte) error) (int, error) {
	for i := range transmits {
		t := &transmits[i]
		dst, err := normalizeDestination(ty, t.Destination)
		if err != nil {
			return partial(i, err)
		}

		for datagram := range t.Segments() {
			if err = send(t, dst, datagram); err != nil {
				return partial(i, err)
			}
		}
	}
	return len(transmits), nil
}

func partial(done int, err error) (int, error) {
	if done > 0 {
		return done, nil
	}
	return 0, err
}
