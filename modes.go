package udpx

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx/config"
	"github.com/slackhq/udpx/udp"
)

// runner drives a bound socket until ctx is done or, for finite modes, the work
// runs out.
type runner interface {
	name() string
	run(ctx context.Context, l *logrus.Logger, conn *udp.Conn) error
}

func newRunner(c *config.C) (runner, error) {
	switch mode := c.GetString("mode", "sink"); mode {
	case "sink":
		return &sink{}, nil
	case "echo":
		return &echo{}, nil
	case "blast":
		return newBlast(c)
	default:
		return nil, fmt.Errorf("unknown mode `%s`. possible modes: %s", mode, []string{"sink", "echo", "blast"})
	}
}

// recvBatch holds BatchSize receive slots.
type recvBatch struct {
	bufs [][]byte
	meta []udp.RecvMeta
}

func newRecvBatch(size int) *recvBatch {
	b := &recvBatch{
		bufs: make([][]byte, udp.BatchSize),
		meta: make([]udp.RecvMeta, udp.BatchSize),
	}
	for i := range b.bufs {
		b.bufs[i] = make([]byte, size)
		b.meta[i] = udp.DefaultRecvMeta()
	}
	return b
}

// sink reads and discards everything.
type sink struct {
	datagrams atomic.Uint64
	bytes     atomic.Uint64
}

func (s *sink) name() string { return "sink" }

func (s *sink) run(ctx context.Context, l *logrus.Logger, conn *udp.Conn) error {
	b := newRecvBatch(udp.MaxGSOSegments * 1024)
	defer func() {
		l.WithField("datagrams", s.datagrams.Load()).WithField("bytes", s.bytes.Load()).Info("Sink stopped")
	}()

	for {
		n, err := conn.Recv(ctx, b.bufs, b.meta)
		if err != nil {
			return err
		}

		for i := range n {
			s.bytes.Add(uint64(b.meta[i].Len))
			if l.IsLevelEnabled(logrus.DebugLevel) {
				l.WithField("from", b.meta[i].Source).
					WithField("len", b.meta[i].Len).
					WithField("ecn", b.meta[i].ECN).
					WithField("dst", b.meta[i].DstIP).
					Debug("Datagram received")
			}
		}
		s.datagrams.Add(uint64(n))
	}
}

// echo sends every datagram back to where it came from, from the address it
// arrived on and with the ECN marking it arrived with.
type echo struct {
	echoed atomic.Uint64
}

func (e *echo) name() string { return "echo" }

func (e *echo) run(ctx context.Context, l *logrus.Logger, conn *udp.Conn) error {
	b := newRecvBatch(udp.MaxGSOSegments * 1024)
	transmits := make([]udp.Transmit, 0, udp.BatchSize)

	for {
		n, err := conn.Recv(ctx, b.bufs, b.meta)
		if err != nil {
			return err
		}

		transmits = transmits[:0]
		for i := range n {
			transmits = append(transmits, udp.Transmit{
				Destination: b.meta[i].Source,
				ECN:         b.meta[i].ECN,
				Contents:    b.bufs[i][:b.meta[i].Len],
				SrcIP:       b.meta[i].DstIP,
			})
		}

		sent, err := conn.Send(ctx, transmits)
		e.echoed.Add(uint64(sent))
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			// A peer we can not answer is not a reason to stop answering the rest
			l.WithError(err).WithField("sent", sent).WithField("batch", n).Warn("Failed to echo datagrams")
		}
	}
}

// blast sends count transmits of size bytes to target, each split into
// segment_size datagrams when that is set.
type blast struct {
	target      string
	count       int
	batch       int
	transmit    udp.Transmit
	transmitted atomic.Uint64
}

func newBlast(c *config.C) (*blast, error) {
	target, err := c.GetAddrPort("blast.target", netip.AddrPort{})
	if err != nil {
		return nil, err
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("blast.target must be set")
	}

	count := c.GetInt("blast.count", 1)
	if count < 1 {
		return nil, fmt.Errorf("blast.count must be at least 1: %d", count)
	}

	batch := c.GetInt("blast.batch", udp.BatchSize)
	if batch < 1 {
		return nil, fmt.Errorf("blast.batch must be at least 1: %d", batch)
	}

	size := c.GetInt("blast.size", 1200)
	if size < 1 {
		return nil, fmt.Errorf("blast.size must be at least 1: %d", size)
	}

	segmentSize := c.GetInt("blast.segment_size", 0)
	if segmentSize < 0 || segmentSize > 0xffff {
		return nil, fmt.Errorf("blast.segment_size is out of range: %d", segmentSize)
	}
	if segmentSize > 0 && (size+segmentSize-1)/segmentSize > udp.MaxGSOSegments {
		return nil, fmt.Errorf("blast.size of %d needs more than %d segments of %d", size, udp.MaxGSOSegments, segmentSize)
	}

	ecnName := c.GetString("blast.ecn", "")
	ecn, ok := udp.ParseEcnCodepoint(ecnName)
	if !ok {
		return nil, fmt.Errorf("blast.ecn was not understood: %s. possible values: %s", ecnName, []string{"none", "ect0", "ect1", "ce"})
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	return &blast{
		target: target.String(),
		count:  count,
		batch:  batch,
		transmit: udp.Transmit{
			Destination: target,
			ECN:         ecn,
			Contents:    payload,
			SegmentSize: segmentSize,
		},
	}, nil
}

func (b *blast) name() string { return "blast" }

func (b *blast) run(ctx context.Context, l *logrus.Logger, conn *udp.Conn) error {
	transmits := make([]udp.Transmit, min(b.batch, b.count))
	for i := range transmits {
		transmits[i] = b.transmit
	}

	l.WithField("target", b.target).
		WithField("count", b.count).
		WithField("size", len(b.transmit.Contents)).
		WithField("segmentSize", b.transmit.SegmentSize).
		WithField("ecn", b.transmit.ECN).
		Info("Blasting")

	for remaining := b.count; remaining > 0; {
		n, err := conn.Send(ctx, transmits[:min(len(transmits), remaining)])
		b.transmitted.Add(uint64(n))
		remaining -= n
		if err != nil {
			return err
		}
	}

	l.WithField("transmits", b.transmitted.Load()).Info("Blast complete")
	return nil
}
