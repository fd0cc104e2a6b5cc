package udpx

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx/config"
	"github.com/slackhq/udpx/sshd"
	"github.com/slackhq/udpx/udp"
	"github.com/slackhq/udpx/util"
	"go.yaml.in/yaml/v3"
)

type m = logrus.Fields

// Main validates the config and, unless configTest is set, binds the listen
// socket for the configured mode. Nothing moves until Control.Start is called.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"), "udpx")
	if err != nil {
		return nil, util.NewContextualError("Error while creating SSH server", nil, err)
	}

	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			return nil, util.NewContextualError("Error while configuring the sshd", nil, err)
		}
	}

	listen, err := listenAddrPort(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse listen address", m{"listen.host": c.GetString("listen.host", "")}, err)
	}

	run, err := newRunner(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure mode", m{"mode": c.GetString("mode", "")}, err)
	}

	statsStart, statsInterval, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	caps, err := udp.Probe()
	if err != nil {
		return nil, util.NewContextualError("Failed to probe UDP capabilities", nil, err)
	}
	l.WithField("maxGSOSegments", caps.MaxGSOSegments).WithField("batchSize", udp.BatchSize).Info("UDP capabilities")

	if configTest {
		return &Control{l: l, c: c}, nil
	}

	conn, err := udp.Bind(l, listen)
	if err != nil {
		return nil, util.NewContextualError("Failed to open udp listener", m{"listen": listen}, err)
	}

	if c.IsSet("listen.ttl") {
		ttl := c.GetUint8("listen.ttl", 64)
		if err := conn.SetTTL(ttl); err != nil {
			_ = conn.Close()
			return nil, util.NewContextualError("Failed to set listen.ttl", m{"ttl": ttl}, err)
		}
	}

	conn.ReloadConfig(c)
	c.RegisterReloadCallback(conn.ReloadConfig)

	l.WithField("listen", conn.LocalAddr()).
		WithField("socketType", conn.SocketType()).
		WithField("mode", run.name()).
		Info("UDP listener started")

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := &Control{
		l:             l,
		c:             c,
		conn:          conn,
		run:           run,
		ctx:           ctx,
		cancel:        cancel,
		statsStart:    statsStart,
		statsInterval: statsInterval,
		ssh:           ssh,
		sshStart:      sshStart,
		done:          make(chan struct{}),
	}

	wireSSHReload(l, ssh, c)
	attachCommands(l, c, ssh, ctrl, buildVersion)

	return ctrl, nil
}

// listenAddrPort reads listen.host and listen.port. Hostnames are resolved.
func listenAddrPort(c *config.C) (netip.AddrPort, error) {
	host := strings.Trim(c.GetString("listen.host", "0.0.0.0"), "[]")
	port := c.GetInt("listen.port", 0)
	if port < 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("listen.port is out of range: %d", port)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		rip, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return netip.AddrPort{}, err
		}
		var ok bool
		ip, ok = netip.AddrFromSlice(rip.IP)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("could not use resolved address %s", rip.IP)
		}
	}

	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}
