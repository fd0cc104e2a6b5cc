//go:build linux || darwin

package udp

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// controlBufferSize holds the most a single datagram carries in either
// direction: an ECN entry, an IPv6 packet info entry and a segment size.
// Buffers are laid out as [controlBufferSize / 8]uint64 to keep the
// alignment the kernel expects.
const controlBufferSize = 128

type controlBuffer [controlBufferSize / 8]uint64

func (b *controlBuffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&b[0])), controlBufferSize)
}

// cmsgEncoder appends control messages to an aligned buffer.
type cmsgEncoder struct {
	buf []byte
	n   int
}

func newCmsgEncoder(buf []byte) cmsgEncoder {
	return cmsgEncoder{buf: buf}
}

// push appends a header for a size byte payload and returns the zeroed
// payload for the caller to fill in, or nil when it does not fit.
func (e *cmsgEncoder) push(level, typ int32, size int) []byte {
	space := unix.CmsgSpace(size)
	if e.n+space > len(e.buf) {
		return nil
	}

	entry := e.buf[e.n : e.n+space]
	clear(entry)

	hdr := (*unix.Cmsghdr)(unsafe.Pointer(&entry[0]))
	hdr.Level = level
	hdr.Type = typ
	hdr.SetLen(unix.CmsgLen(size))

	e.n += space
	data := unix.CmsgLen(0)
	return entry[data : data+size]
}

func (e *cmsgEncoder) pushInt32(level, typ int32, v int32) bool {
	data := e.push(level, typ, 4)
	if data == nil {
		return false
	}
	binary.NativeEndian.PutUint32(data, uint32(v))
	return true
}

func (e *cmsgEncoder) pushUint16(level, typ int32, v uint16) bool {
	data := e.push(level, typ, 2)
	if data == nil {
		return false
	}
	binary.NativeEndian.PutUint16(data, v)
	return true
}

// bytes is the encoded buffer, nil when nothing was pushed.
func (e *cmsgEncoder) bytes() []byte {
	if e.n == 0 {
		return nil
	}
	return e.buf[:e.n]
}
