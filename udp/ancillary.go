//go:build linux || darwin

package udp

import (
	"encoding/binary"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// encodeTransmit writes the control messages for t, already normalized to
// dst, into enc. Entries are only written for what t asks for. segmentSize is
// the segmentation offload size to request, zero for none.
func encodeTransmit(enc *cmsgEncoder, ty SocketType, dst netip.AddrPort, t *Transmit, segmentSize int) {
	v4 := isIPv4Path(ty, dst)

	if t.ECN.IsSet() {
		if v4 {
			enc.pushInt32(unix.IPPROTO_IP, unix.IP_TOS, int32(t.ECN))
		} else {
			enc.pushInt32(unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int32(t.ECN))
		}
	}

	if t.SrcIP.IsValid() {
		if v4 {
			pushInet4Pktinfo(enc, t.SrcIP.Unmap())
		} else {
			pushInet6Pktinfo(enc, t.SrcIP)
		}
	}

	if segmentSize > 0 {
		pushSegmentSize(enc, segmentSize)
	}
}

// pushInet4Pktinfo asks for src as the local address. The interface is left to
// the routing table.
func pushInet4Pktinfo(enc *cmsgEncoder, src netip.Addr) {
	data := enc.push(unix.IPPROTO_IP, unix.IP_PKTINFO, unix.SizeofInet4Pktinfo)
	if data == nil {
		return
	}
	info := (*unix.Inet4Pktinfo)(unsafe.Pointer(&data[0]))
	info.Spec_dst = src.As4()
}

func pushInet6Pktinfo(enc *cmsgEncoder, src netip.Addr) {
	data := enc.push(unix.IPPROTO_IPV6, unix.IPV6_PKTINFO, unix.SizeofInet6Pktinfo)
	if data == nil {
		return
	}
	info := (*unix.Inet6Pktinfo)(unsafe.Pointer(&data[0]))
	info.Addr = src.As16()
}

// decodeControl fills the ECN and destination address of m from the control
// messages the kernel attached to a received datagram. Unknown entries are
// skipped, a malformed buffer leaves the rest of m untouched.
func decodeControl(ty SocketType, b []byte, m *RecvMeta) {
	for len(b) >= unix.CmsgLen(0) {
		hdr, data, rest, err := unix.ParseOneSocketControlMessage(b)
		if err != nil {
			return
		}
		b = rest

		switch {
		case hdr.Level == unix.IPPROTO_IP && hdr.Type == msgTypeIPTOS,
			hdr.Level == unix.IPPROTO_IPV6 && hdr.Type == unix.IPV6_TCLASS:
			if tos, ok := trafficClass(data); ok {
				m.ECN, _ = EcnFromBits(tos)
			}

		case hdr.Level == unix.IPPROTO_IP && hdr.Type == unix.IP_PKTINFO:
			if len(data) >= unix.SizeofInet4Pktinfo {
				info := (*unix.Inet4Pktinfo)(unsafe.Pointer(&data[0]))
				m.DstIP = normalizeAddr(ty, netip.AddrFrom4(info.Addr))
			}

		case hdr.Level == unix.IPPROTO_IPV6 && hdr.Type == unix.IPV6_PKTINFO:
			if len(data) >= unix.SizeofInet6Pktinfo {
				info := (*unix.Inet6Pktinfo)(unsafe.Pointer(&data[0]))
				m.DstIP = normalizeAddr(ty, netip.AddrFrom16(info.Addr))
			}
		}
	}
}

// trafficClass reads a TOS or traffic class payload, which the kernel sends
// either as an int or as a single byte depending on the platform and family.
func trafficClass(data []byte) (uint8, bool) {
	switch {
	case len(data) >= 4:
		return uint8(binary.NativeEndian.Uint32(data)), true
	case len(data) >= 1:
		return data[0], true
	}
	return 0, false
}
