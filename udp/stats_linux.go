package udp

import (
	"fmt"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sys/unix"
)

// socketMemory is the u32 array SO_MEMINFO fills, indexed as in
// linux/sock_diag.h.
type socketMemory [len(socketMemoryFields)]uint32

var socketMemoryFields = [...]string{
	"rmem_alloc",
	"rcvbuf",
	"wmem_alloc",
	"sndbuf",
	"fwd_alloc",
	"wmem_queued",
	"optmem",
	"backlog",
	"drops",
}

func (c *Conn) socketMemory(m *socketMemory) error {
	var err error
	cerr := c.rc.Control(func(fd uintptr) {
		size := uint32(unsafe.Sizeof(*m))
		_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, fd, unix.SOL_SOCKET, unix.SO_MEMINFO, uintptr(unsafe.Pointer(m)), uintptr(unsafe.Pointer(&size)), 0)
		if errno != 0 {
			err = errno
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}

type socketMemoryGauges struct {
	conn   *Conn
	gauges [len(socketMemoryFields)]metrics.Gauge
}

func (g *socketMemoryGauges) update() {
	var m socketMemory
	if g.conn.socketMemory(&m) != nil {
		return
	}
	for i, v := range m {
		g.gauges[i].Update(int64(v))
	}
}

// NewStatsEmitter registers udp.<index>.<field> gauges for the SO_MEMINFO
// counters of each conn and returns the func that refreshes them. A conn
// whose kernel refuses SO_MEMINFO gets no gauges.
func NewStatsEmitter(conns []*Conn) func() {
	var all []*socketMemoryGauges
	var m socketMemory
	for i, c := range conns {
		if c.socketMemory(&m) != nil {
			continue
		}

		g := &socketMemoryGauges{conn: c}
		for j, field := range socketMemoryFields {
			g.gauges[j] = metrics.GetOrRegisterGauge(fmt.Sprintf("udp.%d.%s", i, field), nil)
		}
		all = append(all, g)
	}

	return func() {
		for _, g := range all {
			g.update()
		}
	}
}
