package udp

import "errors"

var (
	ErrInvalidIPv6RemoteForSocket = errors.New("listener is IPv4, but writing to IPv6 remote")
	ErrInvalidIPv4RemoteForSocket = errors.New("listener is IPv6 only, but writing to IPv4 remote")
	ErrInvalidSourceForSocket     = errors.New("source address family does not match the destination")
	ErrInvalidSegmentSize         = errors.New("segment size must be between 0 and 65535")
	ErrTooManySegments            = errors.New("transmit carries more datagrams than can be sent at once")

	// ErrWouldBlock is returned by TrySend and TryRecv when the socket is not
	// ready. Nothing was sent or received by that call.
	ErrWouldBlock = errors.New("udp socket operation would block")

	// ErrNoBuffers is returned when a receive is given no usable buffer and
	// metadata slot pairs.
	ErrNoBuffers = errors.New("no receive buffers provided")
)
