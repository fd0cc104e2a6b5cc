package udp

import (
	"net/netip"
	"syscall"
	"testing"
	"time"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/udpx/config"
	"github.com/slackhq/udpx/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestProbe_linux(t *testing.T) {
	caps, err := Probe()
	require.NoError(t, err)
	assert.Contains(t, []int{1, MaxGSOSegments}, caps.MaxGSOSegments)
}

func TestSockaddr(t *testing.T) {
	var rsa unix.RawSockaddrInet6

	dst := netip.MustParseAddrPort("192.0.2.1:4242")
	assert.Equal(t, uint32(unix.SizeofSockaddrInet4), putSockaddr(SocketTypeIPv4, dst, &rsa))
	assert.Equal(t, dst, sockaddrToAddrPort(SocketTypeIPv4, &rsa))

	mapped := netip.MustParseAddrPort("[::ffff:192.0.2.1]:4242")
	assert.Equal(t, uint32(unix.SizeofSockaddrInet6), putSockaddr(SocketTypeIPv6, mapped, &rsa))
	assert.Equal(t, dst, sockaddrToAddrPort(SocketTypeIPv6, &rsa))
	assert.Equal(t, mapped, sockaddrToAddrPort(SocketTypeIPv6Only, &rsa))

	// Ports are in network byte order on the wire
	b := (*[unix.SizeofSockaddrInet6]byte)(unsafe.Pointer(&rsa))
	assert.Equal(t, []byte{0x10, 0x92}, b[2:4])
}

func TestConn_tryRecvWouldBlock(t *testing.T) {
	a, _ := bindPair(t, loopback4)

	n, err := a.TryRecv([][]byte{make([]byte, 10)}, []RecvMeta{DefaultRecvMeta()})
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 0, n)
}

func TestConn_batchRecv(t *testing.T) {
	ctx := testContext(t)
	a, b := bindPair(t, loopback4)

	transmits := make([]Transmit, 5)
	for i := range transmits {
		transmits[i] = Transmit{Destination: b.LocalAddr(), ECN: ECT0, Contents: []byte{byte(i)}}
	}
	n, err := a.Send(ctx, transmits)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	bufs := make([][]byte, 8)
	meta := make([]RecvMeta, 8)
	for i := range bufs {
		bufs[i] = make([]byte, 16)
	}

	// Loopback delivers synchronously so one recvmmsg sees all of them
	got, err := b.Recv(ctx, bufs, meta)
	require.NoError(t, err)
	require.Equal(t, 5, got)
	for i := range got {
		assert.Equal(t, 1, meta[i].Len)
		assert.Equal(t, byte(i), bufs[i][0])
		assert.Equal(t, ECT0, meta[i].ECN)
		assert.Equal(t, a.LocalAddr(), meta[i].Source)
		assert.Equal(t, netip.MustParseAddr("127.0.0.1"), meta[i].DstIP)
	}
}

func TestConn_moreSegmentsThanBatch(t *testing.T) {
	ctx := testContext(t)
	a, b := bindPair(t, loopback4)
	if a.Capabilities().MaxGSOSegments == 1 {
		t.Skip("kernel without UDP_SEGMENT")
	}

	const s, count = 10, BatchSize + 8
	contents := make([]byte, s*count)
	for i := range contents {
		contents[i] = byte(i / s)
	}

	n, err := a.Send(ctx, []Transmit{{Destination: b.LocalAddr(), Contents: contents, SegmentSize: s}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for i := range count {
		data, _ := recvOne(t, ctx, b)
		require.Len(t, data, s)
		assert.Equal(t, byte(i), data[0])
	}

	// Past the kernel limit is refused up front
	_, err = a.TrySend([]Transmit{{Destination: b.LocalAddr(), Contents: make([]byte, (MaxGSOSegments+1)*s), SegmentSize: s}})
	assert.ErrorIs(t, err, ErrTooManySegments)
}

func TestConn_srcIP(t *testing.T) {
	ctx := testContext(t)
	l := test.NewLogger()

	wild, err := Bind(l, netip.MustParseAddrPort("0.0.0.0:0"))
	require.NoError(t, err)
	defer wild.Close()

	dst, err := Bind(l, loopback4)
	require.NoError(t, err)
	defer dst.Close()

	// 127.0.0.2 is on lo without being configured
	src := netip.MustParseAddr("127.0.0.2")
	_, err = wild.Send(ctx, []Transmit{{Destination: dst.LocalAddr(), SrcIP: src, Contents: []byte("x")}})
	require.NoError(t, err)

	_, meta := recvOne(t, ctx, dst)
	assert.Equal(t, src, meta.Source.Addr())
	assert.Equal(t, wild.LocalAddr().Port(), meta.Source.Port())
}

func TestConn_ReloadConfig(t *testing.T) {
	a, _ := bindPair(t, loopback4)

	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString("listen:\n  read_buffer: 262144\n  write_buffer: 262144\n"))
	a.ReloadConfig(c)

	// The kernel doubles what it is asked for and clamps to rmem_max without
	// CAP_NET_ADMIN, either way it moved off zero.
	rb, err := a.GetRecvBuffer()
	require.NoError(t, err)
	assert.Positive(t, rb)

	wb, err := a.GetSendBuffer()
	require.NoError(t, err)
	assert.Positive(t, wb)
}

func TestNewStatsEmitter(t *testing.T) {
	a, b := bindPair(t, loopback4)

	emit := NewStatsEmitter([]*Conn{a, b})
	emit()

	var m socketMemory
	if a.socketMemory(&m) != nil {
		t.Skip("kernel without SO_MEMINFO")
	}

	g, ok := metrics.Get("udp.1.rcvbuf").(metrics.Gauge)
	require.True(t, ok)
	assert.Positive(t, g.Value())

	// Give the emitter a moment of traffic to look at
	_, err := a.Send(testContext(t), []Transmit{{Destination: b.LocalAddr(), Contents: make([]byte, 100)}})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	emit()

	g, ok = metrics.Get("udp.1.rmem_alloc").(metrics.Gauge)
	require.True(t, ok)
	assert.Positive(t, g.Value())
}

func TestConnMetrics(t *testing.T) {
	ctx := testContext(t)
	a, b := bindPair(t, loopback4)

	txd := metrics.GetOrRegisterCounter("udp.tx.datagrams", nil)
	rxd := metrics.GetOrRegisterCounter("udp.rx.datagrams", nil)
	txBefore, rxBefore := txd.Count(), rxd.Count()

	_, err := a.Send(ctx, []Transmit{{Destination: b.LocalAddr(), Contents: make([]byte, 30), SegmentSize: 10}})
	require.NoError(t, err)
	for range 3 {
		recvOne(t, ctx, b)
	}

	assert.Equal(t, int64(3), txd.Count()-txBefore)
	assert.Equal(t, int64(3), rxd.Count()-rxBefore)
}

type sendmmsgResult struct {
	accepted int
	errno    unix.Errno
}

func TestLinuxSend_partial(t *testing.T) {
	single := func(dst netip.AddrPort) Transmit {
		return Transmit{Destination: dst, Contents: []byte("x")}
	}
	triple := func(dst netip.AddrPort) Transmit {
		return Transmit{Destination: dst, Contents: make([]byte, 30), SegmentSize: 10}
	}

	tests := []struct {
		name      string
		gso       bool
		transmits []func(netip.AddrPort) Transmit
		kernel    []sendmmsgResult
		wantN     int
		wantErr   error
		wantCalls []int
	}{
		{
			name:      "all at once",
			transmits: []func(netip.AddrPort) Transmit{single, single, single},
			kernel:    []sendmmsgResult{{3, 0}},
			wantN:     3,
			wantCalls: []int{3},
		},
		{
			name:      "short batch is continued",
			transmits: []func(netip.AddrPort) Transmit{single, single, single},
			kernel:    []sendmmsgResult{{1, 0}, {2, 0}},
			wantN:     3,
			wantCalls: []int{3, 2},
		},
		{
			name:      "interrupted is retried",
			transmits: []func(netip.AddrPort) Transmit{single, single},
			kernel:    []sendmmsgResult{{0, unix.EINTR}, {2, 0}},
			wantN:     2,
			wantCalls: []int{2, 2},
		},
		{
			name:      "full buffer after progress",
			transmits: []func(netip.AddrPort) Transmit{single, single, single},
			kernel:    []sendmmsgResult{{2, 0}, {0, unix.EAGAIN}},
			wantN:     2,
			wantCalls: []int{3, 1},
		},
		{
			name:      "full buffer up front",
			transmits: []func(netip.AddrPort) Transmit{single, single},
			kernel:    []sendmmsgResult{{0, unix.EAGAIN}},
			wantErr:   ErrWouldBlock,
			wantCalls: []int{2},
		},
		{
			name:      "nothing accepted and no error",
			transmits: []func(netip.AddrPort) Transmit{single},
			kernel:    []sendmmsgResult{{0, 0}},
			wantErr:   ErrWouldBlock,
			wantCalls: []int{1},
		},
		{
			name:      "hard error after progress",
			transmits: []func(netip.AddrPort) Transmit{single, single},
			kernel:    []sendmmsgResult{{1, 0}, {0, unix.EPERM}},
			wantN:     1,
			wantCalls: []int{2, 1},
		},
		{
			name:      "hard error up front",
			transmits: []func(netip.AddrPort) Transmit{single, single},
			kernel:    []sendmmsgResult{{0, unix.EPERM}},
			wantErr:   unix.EPERM,
			wantCalls: []int{2},
		},
		{
			name:      "offloaded transmit is one message",
			gso:       true,
			transmits: []func(netip.AddrPort) Transmit{single, triple, single},
			kernel:    []sendmmsgResult{{2, 0}, {0, unix.EAGAIN}},
			wantN:     2,
			wantCalls: []int{3, 1},
		},
		{
			name:      "expanded transmit cut short does not count",
			transmits: []func(netip.AddrPort) Transmit{single, triple, single},
			kernel:    []sendmmsgResult{{2, 0}, {0, unix.EAGAIN}},
			wantN:     1,
			wantCalls: []int{5, 3},
		},
		{
			name:      "expanded transmit accepted whole",
			transmits: []func(netip.AddrPort) Transmit{single, triple, single},
			kernel:    []sendmmsgResult{{4, 0}, {0, unix.EAGAIN}},
			wantN:     2,
			wantCalls: []int{5, 1},
		},
		{
			name:      "first expanded transmit cut short",
			transmits: []func(netip.AddrPort) Transmit{triple, single},
			kernel:    []sendmmsgResult{{1, 0}, {0, unix.EPERM}},
			wantErr:   unix.EPERM,
			wantCalls: []int{4, 3},
		},
	}

	a, b := bindPair(t, loopback4)
	orig := sendmmsg
	t.Cleanup(func() { sendmmsg = orig })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.caps.MaxGSOSegments = 1
			if tt.gso {
				a.caps.MaxGSOSegments = MaxGSOSegments
			}

			var calls []int
			sendmmsg = func(_ uintptr, msgs []mmsghdr) (int, syscall.Errno) {
				calls = append(calls, len(msgs))
				if len(calls) > len(tt.kernel) {
					return 0, unix.EAGAIN
				}
				r := tt.kernel[len(calls)-1]
				return r.accepted, r.errno
			}

			transmits := make([]Transmit, len(tt.transmits))
			for i, f := range tt.transmits {
				transmits[i] = f(b.LocalAddr())
			}

			n, err := a.TrySend(transmits)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}
