package udpx

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx/config"
	"github.com/slackhq/udpx/sshd"
	"github.com/slackhq/udpx/udp"
	"golang.org/x/sync/errgroup"
)

// Control owns the listen socket and the mode running on it.
type Control struct {
	l             *logrus.Logger
	c             *config.C
	conn          *udp.Conn
	run           runner
	ctx           context.Context
	cancel        context.CancelFunc
	statsStart    func()
	statsInterval time.Duration
	ssh           *sshd.SSHServer
	sshStart      func()

	g    errgroup.Group
	done chan struct{}
	err  error
}

// Start runs the configured mode, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	if c.statsInterval > 0 {
		emit := udp.NewStatsEmitter([]*udp.Conn{c.conn})
		c.g.Go(func() error {
			t := time.NewTicker(c.statsInterval)
			defer t.Stop()
			for {
				select {
				case <-c.ctx.Done():
					return nil
				case <-t.C:
					emit()
				}
			}
		})
	}

	c.c.CatchHUP(c.ctx)

	go func() {
		defer close(c.done)
		err := c.run.run(c.ctx, c.l, c.conn)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.err = err
			c.l.WithError(err).WithField("mode", c.run.name()).Error("Mode stopped")
		}
	}()
}

// Stop signals the mode to finish, returns after the socket is closed
func (c *Control) Stop() {
	c.cancel()
	c.ssh.Stop()
	<-c.done
	_ = c.g.Wait()

	if err := c.conn.Close(); err != nil {
		c.l.WithError(err).Error("Close listener failed")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled.
// A mode that finishes on its own, like blast, also ends the block.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
	}
	c.Stop()
}

// Done is closed once the mode returns.
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// Err is the error the mode stopped with, if any. Only meaningful after Done.
func (c *Control) Err() error {
	return c.err
}

// LocalAddr is the address the listener is bound to.
func (c *Control) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr()
}
