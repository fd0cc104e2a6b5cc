package udpx

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"reflect"
	"runtime/pprof"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx/config"
	"github.com/slackhq/udpx/sshd"
	"github.com/slackhq/udpx/udp"
)

type sshJSONFlags struct {
	Json   bool
	Pretty bool
}

type sshSendFlags struct {
	ECN         string
	Src         string
	SegmentSize int
}

func jsonFlags() (*flag.FlagSet, any) {
	fl := flag.NewFlagSet("", flag.ContinueOnError)
	s := sshJSONFlags{}
	fl.BoolVar(&s.Json, "json", false, "outputs as json")
	fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
	return fl, &s
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if !c.GetBool("sshd.enabled", false) {
			ssh.Stop()
			return
		}

		run, err := configSSH(l, ssh, c)
		if err != nil {
			l.WithError(err).Error("Failed to reconfigure the sshd")
			ssh.Stop()
			return
		}
		go run()
	})
}

// configSSH loads the host key and users into ssh and returns a func that
// (re)starts the listener.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}

	i := strings.LastIndex(listen, ":")
	if i < 0 || i == len(listen)-1 {
		return nil, fmt.Errorf("sshd.listen does not have a port")
	} else if listen[i+1:] == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	hostKeyFile := c.GetString("sshd.host_key", "")
	if hostKeyFile == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}

	hostKeyBytes, err := os.ReadFile(hostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
	}

	if err := ssh.SetHostKey(hostKeyBytes); err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	ssh.ClearTrustedCAs()
	for _, ca := range c.GetStringSlice("sshd.trusted_cas", nil) {
		if err := ssh.AddTrustedCA(ca); err != nil {
			l.WithError(err).WithField("sshCA", ca).Warn("SSH CA had an error, ignoring")
		}
	}

	ssh.ClearAuthorizedKeys()
	keys, ok := c.Get("sshd.authorized_users").([]any)
	if !ok {
		l.Info("no ssh users to authorize")
	}

	for _, rk := range keys {
		kDef, ok := rk.(map[string]any)
		if !ok {
			l.WithField("sshKeyConfig", rk).Warn("Authorized user had an error, ignoring")
			continue
		}

		user, ok := kDef["user"].(string)
		if !ok {
			l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the user field")
			continue
		}

		switch v := kDef["keys"].(type) {
		case string:
			if err := ssh.AddAuthorizedKey(user, v); err != nil {
				l.WithError(err).WithField("sshKeyConfig", rk).WithField("sshKey", v).Warn("Failed to authorize key")
			}

		case []any:
			for _, subK := range v {
				sk, ok := subK.(string)
				if !ok {
					l.WithField("sshKeyConfig", rk).WithField("sshKey", subK).Warn("Did not understand ssh key")
					continue
				}

				if err := ssh.AddAuthorizedKey(user, sk); err != nil {
					l.WithError(err).WithField("sshKeyConfig", sk).Warn("Failed to authorize key")
				}
			}

		default:
			l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the keys field or was not understood")
		}
	}

	return func() {
		ssh.Stop()
		if err := ssh.Run(listen); err != nil {
			l.WithError(err).Error("Failed to run the SSH server")
		}
	}, nil
}

func attachCommands(l *logrus.Logger, c *config.C, ssh *sshd.SSHServer, ctrl *Control, buildVersion string) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "caps",
		ShortDescription: "Prints the UDP offload capabilities of the listener",
		Flags:            jsonFlags,
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshCaps(ctrl.conn, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "socket",
		ShortDescription: "Prints the listener address, socket type, ttl and buffer sizes",
		Flags:            jsonFlags,
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshSocket(ctrl.conn, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "counters",
		ShortDescription: "Prints the udp counters and gauges",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshCounters(metrics.DefaultRegistry, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "set-ttl",
		ShortDescription: "Sets the ttl or hop limit of outgoing datagrams",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshSetTTL(ctrl.conn, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "send",
		ShortDescription: "Sends a datagram from the listener, send <ip:port> <payload>",
		Help:             "A segment size splits the payload into that many bytes per datagram.",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshSendFlags{}
			fl.StringVar(&s.ECN, "ecn", "", "ECN codepoint, one of ect0, ect1 or ce")
			fl.StringVar(&s.Src, "src", "", "source address to send from")
			fl.IntVar(&s.SegmentSize, "segment-size", 0, "bytes per datagram")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshSend(ctrl.conn, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			c.ReloadConfig()
			return w.WriteLine("Config reloaded")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-cpu-profile",
		ShortDescription: "Starts a cpu profile and write output to the provided file",
		Callback:         sshStartCpuProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-cpu-profile",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "save-heap-profile",
		ShortDescription: "Saves a heap profile to the provided path",
		Callback:         sshGetHeapProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "version",
		ShortDescription: "Prints the currently running version of udpx",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return w.WriteLine(buildVersion)
		},
	})
}

func writeJSON(fs *sshJSONFlags, w sshd.StringWriter, v any) error {
	js := json.NewEncoder(w.GetWriter())
	if fs.Pretty {
		js.SetIndent("", "    ")
	}
	return js.Encode(v)
}

func sshCaps(conn *udp.Conn, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshJSONFlags)
	if !ok {
		return nil
	}

	caps := struct {
		BatchSize      int `json:"batchSize"`
		MaxGSOSegments int `json:"maxGsoSegments"`
	}{udp.BatchSize, conn.Capabilities().MaxGSOSegments}

	if fs.Json || fs.Pretty {
		return writeJSON(fs, w, caps)
	}

	return w.WriteLine(fmt.Sprintf("batch size: %d\nmax gso segments: %d", caps.BatchSize, caps.MaxGSOSegments))
}

type sshSocketInfo struct {
	LocalAddr   string `json:"localAddr"`
	SocketType  string `json:"socketType"`
	TTL         int    `json:"ttl"`
	RecvBuffer  int    `json:"recvBuffer"`
	SendBuffer  int    `json:"sendBuffer"`
}

func sshSocket(conn *udp.Conn, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshJSONFlags)
	if !ok {
		return nil
	}

	info := sshSocketInfo{
		LocalAddr:  conn.LocalAddr().String(),
		SocketType: conn.SocketType().String(),
		TTL:        -1,
	}

	if ttl, err := conn.TTL(); err == nil {
		info.TTL = int(ttl)
	}

	// Unsupported platforms report -1
	var err error
	if info.RecvBuffer, err = conn.GetRecvBuffer(); err != nil {
		info.RecvBuffer = -1
	}
	if info.SendBuffer, err = conn.GetSendBuffer(); err != nil {
		info.SendBuffer = -1
	}

	if fs.Json || fs.Pretty {
		return writeJSON(fs, w, info)
	}

	return w.WriteLine(fmt.Sprintf("local addr: %s\nsocket type: %s\nttl: %d\nrecv buffer: %d\nsend buffer: %d",
		info.LocalAddr, info.SocketType, info.TTL, info.RecvBuffer, info.SendBuffer))
}

func sshCounters(r metrics.Registry, w sshd.StringWriter) error {
	var lines []string
	r.Each(func(name string, i any) {
		if !strings.HasPrefix(name, "udp.") {
			return
		}

		switch m := i.(type) {
		case metrics.Counter:
			lines = append(lines, fmt.Sprintf("%s: %d", name, m.Count()))
		case metrics.Gauge:
			lines = append(lines, fmt.Sprintf("%s: %d", name, m.Value()))
		}
	})

	if len(lines) == 0 {
		return w.WriteLine("No udp counters registered")
	}

	slices.Sort(lines)
	return w.WriteLine(strings.Join(lines, "\n"))
}

func sshSetTTL(conn *udp.Conn, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No ttl was provided")
	}

	ttl, err := strconv.ParseUint(a[0], 10, 8)
	if err != nil || ttl == 0 {
		return w.WriteLine(fmt.Sprintf("Invalid ttl %s, expected 1-255", a[0]))
	}

	if err := conn.SetTTL(uint8(ttl)); err != nil {
		return w.WriteLine(fmt.Sprintf("Failed to set the ttl: %s", err))
	}

	return w.WriteLine(fmt.Sprintf("TTL is: %d", ttl))
}

func sshSend(conn *udp.Conn, a any, args []string, w sshd.StringWriter) error {
	fs, ok := a.(*sshSendFlags)
	if !ok {
		return nil
	}

	if len(args) != 2 {
		return w.WriteLine("Expected a destination and a payload")
	}

	dst, err := netip.ParseAddrPort(args[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Invalid destination: %s", err))
	}

	ecn, ok := udp.ParseEcnCodepoint(fs.ECN)
	if !ok {
		return w.WriteLine(fmt.Sprintf("Unknown ecn codepoint %s", fs.ECN))
	}

	t := udp.Transmit{
		Destination: dst,
		ECN:         ecn,
		Contents:    []byte(args[1]),
		SegmentSize: fs.SegmentSize,
	}

	if fs.Src != "" {
		t.SrcIP, err = netip.ParseAddr(fs.Src)
		if err != nil {
			return w.WriteLine(fmt.Sprintf("Invalid source: %s", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := conn.Send(ctx, []udp.Transmit{t}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return w.WriteLine("Timed out waiting for the socket to become writable")
		}
		return w.WriteLine(fmt.Sprintf("Failed to send: %s", err))
	}

	n := 0
	for range t.Segments() {
		n++
	}
	return w.WriteLine(fmt.Sprintf("Sent %d bytes in %d datagrams to %s", len(t.Contents), n, dst))
}

func sshStartCpuProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		_ = file.Close()
		return w.WriteLine(fmt.Sprintf("Unable to start cpu profile: %s", err))
	}

	return w.WriteLine(fmt.Sprintf("Started cpu profile, issue stop-cpu-profile to write the output to %s", a[0]))
}

func sshGetHeapProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	file, err := os.Create(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
	}
	defer file.Close()

	if err := pprof.WriteHeapProfile(file); err != nil {
		return w.WriteLine(fmt.Sprintf("Unable to write profile: %s", err))
	}

	return w.WriteLine(fmt.Sprintf("Mem profile created at %s", a[0]))
}

func sshLogLevel(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.GetLevel()))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a[0], logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.GetLevel()))
}

func sshLogFormat(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return w.WriteLine(fmt.Sprintf("Unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"}))
	}

	return w.WriteLine(fmt.Sprintf("Log format is: %s", reflect.TypeOf(l.Formatter)))
}
