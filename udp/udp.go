package udp

import (
	"iter"
	"net/netip"
)

// MaxGSOSegments is the most datagrams the kernel will split a single
// segmented send into (UDP_MAX_SEGMENTS).
const MaxGSOSegments = 64

// Capabilities describes what the running kernel offers UDP sockets. It is
// probed once per process, see Probe.
type Capabilities struct {
	// MaxGSOSegments is the number of datagrams a single Transmit may carry
	// when generic segmentation offload is available. It is 1 when it is not.
	MaxGSOSegments int
}

// EcnCodepoint is the explicit congestion notification value carried in the
// low two bits of the IPv4 TOS or IPv6 traffic class field. The zero value
// means Not-ECT and is treated as "no codepoint".
type EcnCodepoint uint8

const (
	ECT0 EcnCodepoint = 0b10
	ECT1 EcnCodepoint = 0b01
	CE   EcnCodepoint = 0b11
)

// EcnFromBits maps the low two bits of b to a codepoint. ok is false for the
// Not-ECT pattern 00.
func EcnFromBits(b uint8) (e EcnCodepoint, ok bool) {
	switch b & 0b11 {
	case 0b10:
		return ECT0, true
	case 0b01:
		return ECT1, true
	case 0b11:
		return CE, true
	}
	return 0, false
}

// ParseEcnCodepoint accepts the names produced by EcnCodepoint.String. The
// empty string and "none" parse to the zero value.
func ParseEcnCodepoint(s string) (EcnCodepoint, bool) {
	switch s {
	case "", "none":
		return 0, true
	case "ect0":
		return ECT0, true
	case "ect1":
		return ECT1, true
	case "ce":
		return CE, true
	}
	return 0, false
}

// IsSet reports whether e carries a codepoint.
func (e EcnCodepoint) IsSet() bool {
	_, ok := EcnFromBits(uint8(e))
	return ok
}

func (e EcnCodepoint) String() string {
	switch e & 0b11 {
	case ECT0:
		return "ect0"
	case ECT1:
		return "ect1"
	case CE:
		return "ce"
	}
	return "none"
}

// SocketType is the address family mode of a bound socket. It decides which
// control messages are used and how addresses are normalized.
type SocketType int

const (
	// SocketTypeIPv4 is an AF_INET socket.
	SocketTypeIPv4 SocketType = iota
	// SocketTypeIPv6Only is an AF_INET6 socket that only talks to IPv6 peers.
	SocketTypeIPv6Only
	// SocketTypeIPv6 is a dual stack AF_INET6 socket that also reaches IPv4
	// peers through v4-mapped addresses.
	SocketTypeIPv6
)

func (t SocketType) String() string {
	switch t {
	case SocketTypeIPv4:
		return "ipv4"
	case SocketTypeIPv6Only:
		return "ipv6only"
	case SocketTypeIPv6:
		return "ipv6"
	}
	return "unknown"
}

// Transmit is one outgoing unit. The payload is only borrowed for the
// duration of the send call.
type Transmit struct {
	// Destination is where the datagrams are sent.
	Destination netip.AddrPort
	// ECN is the codepoint to mark outgoing IP headers with, zero for none.
	ECN EcnCodepoint
	// Contents is the payload. With SegmentSize set it holds several
	// back to back datagrams.
	Contents []byte
	// SegmentSize splits Contents into datagrams of this many bytes, the last
	// one possibly shorter. Zero means Contents is a single datagram.
	SegmentSize int
	// SrcIP overrides the local address the datagrams leave from. The zero
	// value lets the kernel choose.
	SrcIP netip.Addr
}

// segmentCount is the number of wire datagrams t represents.
func (t *Transmit) segmentCount() int {
	if t.SegmentSize <= 0 || len(t.Contents) <= t.SegmentSize {
		return 1
	}
	return (len(t.Contents) + t.SegmentSize - 1) / t.SegmentSize
}

// Segments yields the wire datagrams t represents, in order.
func (t *Transmit) Segments() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if t.SegmentSize <= 0 || len(t.Contents) <= t.SegmentSize {
			yield(t.Contents)
			return
		}

		for offset := 0; offset < len(t.Contents); offset += t.SegmentSize {
			end := min(offset+t.SegmentSize, len(t.Contents))
			if !yield(t.Contents[offset:end:end]) {
				return
			}
		}
	}
}

// RecvMeta describes one received datagram. Only the first Len bytes of the
// matching buffer are valid.
type RecvMeta struct {
	// Source is the sender of the datagram.
	Source netip.AddrPort
	// Len is the number of payload bytes written to the buffer.
	Len int
	// ECN is the codepoint observed on the IP header, zero when not reported.
	ECN EcnCodepoint
	// DstIP is the local address the datagram arrived on, invalid when not
	// reported.
	DstIP netip.Addr
}

// DefaultRecvMeta is the "nothing received" value: an unspecified [::]:0
// source, no length and no metadata.
func DefaultRecvMeta() RecvMeta {
	return RecvMeta{Source: netip.AddrPortFrom(netip.IPv6Unspecified(), 0)}
}

// Reset sets m back to DefaultRecvMeta.
func (m *RecvMeta) Reset() {
	*m = DefaultRecvMeta()
}
