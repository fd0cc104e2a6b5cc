package udp

// platform is the set of operations that differ per operating system. Exactly
// one implementation is compiled in and assigned to sys.
type platform interface {
	// maxGSOSegments reports how many datagrams one segmented send may carry.
	maxGSOSegments() (int, error)

	// init configures a freshly bound socket and classifies its family.
	init(c *Conn) (SocketType, error)

	// maxSegments is the largest segment count a single transmit may have on c.
	maxSegments(c *Conn) int

	// send makes one attempt at handing transmits to the kernel and reports
	// how many fully completed.
	send(c *Conn, transmits []Transmit) (int, error)

	// recv makes one attempt at filling bufs and meta, which are of equal
	// length and no longer than BatchSize.
	recv(c *Conn, bufs [][]byte, meta []RecvMeta) (int, error)
}
