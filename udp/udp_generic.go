//go:build !linux && !darwin

package udp

import (
	"errors"
	"net/netip"
)

// BatchSize is 1, this platform sends and receives one datagram per call.
const BatchSize = 1

var sys platform = fallbackPlatform{}

// fallbackPlatform goes through the net package alone. It offers no ECN, no
// destination address and no segmentation offload. Calls block until the
// socket is ready instead of reporting ErrWouldBlock.
type fallbackPlatform struct{}

func (fallbackPlatform) maxGSOSegments() (int, error) {
	return 1, nil
}

func (fallbackPlatform) init(c *Conn) (SocketType, error) {
	la := c.LocalAddr()
	switch {
	case la.Addr().Is4():
		return SocketTypeIPv4, nil
	case c.network == "udp":
		return SocketTypeIPv6, nil
	}
	return SocketTypeIPv6Only, nil
}

func (fallbackPlatform) maxSegments(*Conn) int {
	return MaxGSOSegments
}

func (fallbackPlatform) send(c *Conn, transmits []Transmit) (int, error) {
	return sendEach(c.sockType, transmits, func(_ *Transmit, dst netip.AddrPort, datagram []byte) error {
		_, err := c.uc.WriteToUDPAddrPort(datagram, dst)
		return err
	})
}

func (fallbackPlatform) recv(c *Conn, bufs [][]byte, meta []RecvMeta) (int, error) {
	n, from, err := c.uc.ReadFromUDPAddrPort(bufs[0])
	if err != nil {
		return 0, err
	}

	m := &meta[0]
	m.Reset()
	m.Source = netip.AddrPortFrom(normalizeAddr(c.sockType, from.Addr()), from.Port())
	m.Len = n
	return 1, nil
}

func (c *Conn) SetRecvBuffer(n int) error {
	return c.uc.SetReadBuffer(n)
}

func (c *Conn) SetSendBuffer(n int) error {
	return c.uc.SetWriteBuffer(n)
}

func (c *Conn) GetRecvBuffer() (int, error) {
	return 0, errors.ErrUnsupported
}

func (c *Conn) GetSendBuffer() (int, error) {
	return 0, errors.ErrUnsupported
}
