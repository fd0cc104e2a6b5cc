package udp

import (
	"errors"

	"github.com/rcrowley/go-metrics"
)

// connMetrics are shared by every Conn in the process, registered in the
// default go-metrics registry.
type connMetrics struct {
	txTransmits  metrics.Counter
	txDatagrams  metrics.Counter
	txWouldBlock metrics.Counter
	txErrors     metrics.Counter

	rxDatagrams  metrics.Counter
	rxWouldBlock metrics.Counter
	rxErrors     metrics.Counter
}

func newConnMetrics() *connMetrics {
	return &connMetrics{
		txTransmits:  metrics.GetOrRegisterCounter("udp.tx.transmits", nil),
		txDatagrams:  metrics.GetOrRegisterCounter("udp.tx.datagrams", nil),
		txWouldBlock: metrics.GetOrRegisterCounter("udp.tx.would_block", nil),
		txErrors:     metrics.GetOrRegisterCounter("udp.tx.errors", nil),

		rxDatagrams:  metrics.GetOrRegisterCounter("udp.rx.datagrams", nil),
		rxWouldBlock: metrics.GetOrRegisterCounter("udp.rx.would_block", nil),
		rxErrors:     metrics.GetOrRegisterCounter("udp.rx.errors", nil),
	}
}

func (m *connMetrics) sent(transmits []Transmit, err error) {
	switch {
	case errors.Is(err, ErrWouldBlock):
		m.txWouldBlock.Inc(1)
	case err != nil:
		m.txErrors.Inc(1)
	}

	if len(transmits) == 0 {
		return
	}

	var datagrams int64
	for i := range transmits {
		datagrams += int64(transmits[i].segmentCount())
	}
	m.txTransmits.Inc(int64(len(transmits)))
	m.txDatagrams.Inc(datagrams)
}

func (m *connMetrics) received(n int, err error) {
	switch {
	case errors.Is(err, ErrWouldBlock):
		m.rxWouldBlock.Inc(1)
	case err != nil:
		m.rxErrors.Inc(1)
	default:
		m.rxDatagrams.Inc(int64(n))
	}
}
