package udpx

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx/sshd"
	"github.com/slackhq/udpx/test"
	"github.com/slackhq/udpx/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func writeHostKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "host_key")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func newClientKey(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
}

func TestConfigSSH_errors(t *testing.T) {
	l := test.NewLogger()
	srv, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"), "udpx")
	require.NoError(t, err)

	tests := []struct {
		raw     string
		wantErr string
	}{
		{"sshd:\n  enabled: true\n", "sshd.listen must be provided"},
		{"sshd:\n  listen: 127.0.0.1\n", "sshd.listen does not have a port"},
		{"sshd:\n  listen: 127.0.0.1:22\n", "sshd.listen can not use port 22"},
		{"sshd:\n  listen: 127.0.0.1:2222\n", "sshd.host_key must be provided"},
		{"sshd:\n  listen: 127.0.0.1:2222\n  host_key: /nope/nope\n", "error while loading sshd.host_key file: "},
	}

	for _, tt := range tests {
		_, err := configSSH(l, srv, newConfig(t, tt.raw))
		assert.ErrorContains(t, err, tt.wantErr, tt.raw)
	}

	bad := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0o600))
	_, err = configSSH(l, srv, newConfig(t, "sshd:\n  listen: 127.0.0.1:2222\n  host_key: "+bad+"\n"))
	assert.ErrorContains(t, err, "error while adding sshd.host_key: ")
}

func TestConfigSSH_users(t *testing.T) {
	l, hook := test.NewCapturingLogger()
	srv, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"), "udpx")
	require.NoError(t, err)

	_, one := newClientKey(t)
	_, two := newClientKey(t)
	_, three := newClientKey(t)

	run, err := configSSH(l, srv, newConfig(t, fmt.Sprintf(`
sshd:
  listen: 127.0.0.1:2222
  host_key: %s
  trusted_cas:
    - %q
  authorized_users:
    - user: alice
      keys: %q
    - user: bob
      keys:
        - %q
        - 42
    - keys: nobody
    - nope
`, writeHostKey(t), one, two, three)))
	require.NoError(t, err)
	assert.NotNil(t, run)

	var msgs []string
	for _, e := range hook.AllEntries() {
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, msgs, "Trusted CA key")
	assert.Contains(t, msgs, "Authorized ssh key")
	assert.Contains(t, msgs, "Did not understand ssh key")
	assert.Contains(t, msgs, "Authorized user is missing the user field")
	assert.Contains(t, msgs, "Authorized user had an error, ignoring")
}

func TestSSHCommands(t *testing.T) {
	ctx := testContext(t)
	conn := bindPeer(t)
	peer := bindPeer(t)

	ob := &bytes.Buffer{}
	w := sshd.NewStringWriter(ob)

	require.NoError(t, sshCaps(conn, &sshJSONFlags{Json: true}, w))
	var caps map[string]int
	require.NoError(t, json.Unmarshal(ob.Bytes(), &caps))
	assert.Equal(t, udp.BatchSize, caps["batchSize"])
	assert.Equal(t, conn.Capabilities().MaxGSOSegments, caps["maxGsoSegments"])

	ob.Reset()
	require.NoError(t, sshSetTTL(conn, []string{"33"}, w))
	assert.Equal(t, "TTL is: 33\n", ob.String())

	ob.Reset()
	require.NoError(t, sshSetTTL(conn, []string{"0"}, w))
	assert.Equal(t, "Invalid ttl 0, expected 1-255\n", ob.String())

	ob.Reset()
	require.NoError(t, sshSocket(conn, &sshJSONFlags{Pretty: true}, w))
	var info sshSocketInfo
	require.NoError(t, json.Unmarshal(ob.Bytes(), &info))
	assert.Equal(t, conn.LocalAddr().String(), info.LocalAddr)
	assert.Equal(t, "ipv4", info.SocketType)
	assert.Equal(t, 33, info.TTL)

	ob.Reset()
	require.NoError(t, sshSocket(conn, &sshJSONFlags{}, w))
	assert.Contains(t, ob.String(), "socket type: ipv4\nttl: 33\n")

	ob.Reset()
	require.NoError(t, sshSend(conn, &sshSendFlags{ECN: "ect0", SegmentSize: 2}, []string{peer.LocalAddr().String(), "abcde"}, w))
	assert.Equal(t, fmt.Sprintf("Sent 5 bytes in 3 datagrams to %s\n", peer.LocalAddr()), ob.String())

	bufs := [][]byte{make([]byte, 16)}
	meta := []udp.RecvMeta{udp.DefaultRecvMeta()}
	var got []string
	for range 3 {
		n, err := peer.Recv(ctx, bufs, meta)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		got = append(got, string(bufs[0][:meta[0].Len]))
	}
	assert.Equal(t, []string{"ab", "cd", "e"}, got)

	for _, tt := range []struct {
		fs   sshSendFlags
		args []string
		want string
	}{
		{sshSendFlags{}, []string{"127.0.0.1:1"}, "Expected a destination and a payload\n"},
		{sshSendFlags{}, []string{"nope", "x"}, "Invalid destination: "},
		{sshSendFlags{ECN: "red"}, []string{"127.0.0.1:1", "x"}, "Unknown ecn codepoint red\n"},
		{sshSendFlags{Src: "nope"}, []string{"127.0.0.1:1", "x"}, "Invalid source: "},
		{sshSendFlags{}, []string{"[::1]:1", "x"}, "Failed to send: "},
	} {
		ob.Reset()
		require.NoError(t, sshSend(conn, &tt.fs, tt.args, w))
		assert.Contains(t, ob.String(), tt.want)
	}
}

func TestSSHCounters(t *testing.T) {
	ob := &bytes.Buffer{}
	w := sshd.NewStringWriter(ob)

	r := metrics.NewRegistry()
	require.NoError(t, sshCounters(r, w))
	assert.Equal(t, "No udp counters registered\n", ob.String())

	metrics.GetOrRegisterCounter("udp.tx.datagrams", r).Inc(3)
	metrics.GetOrRegisterGauge("udp.1.rcvbuf", r).Update(212992)
	metrics.GetOrRegisterCounter("other", r).Inc(1)

	ob.Reset()
	require.NoError(t, sshCounters(r, w))
	assert.Equal(t, "udp.1.rcvbuf: 212992\nudp.tx.datagrams: 3\n", ob.String())
}

func TestSSHLogging(t *testing.T) {
	l := test.NewLogger()
	ob := &bytes.Buffer{}
	w := sshd.NewStringWriter(ob)

	require.NoError(t, sshLogLevel(l, []string{"debug"}, w))
	assert.Equal(t, "Log level is: debug\n", ob.String())
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	ob.Reset()
	require.NoError(t, sshLogLevel(l, []string{"loud"}, w))
	assert.Contains(t, ob.String(), "Unknown log level loud")

	ob.Reset()
	require.NoError(t, sshLogFormat(l, []string{"json"}, w))
	assert.Equal(t, "Log format is: *logrus.JSONFormatter\n", ob.String())

	ob.Reset()
	require.NoError(t, sshLogFormat(l, []string{"xml"}, w))
	assert.Contains(t, ob.String(), "Unknown log format `xml`")
}

func TestControl_sshConsole(t *testing.T) {
	signer, key := newClientKey(t)

	ctrl := startControl(t, fmt.Sprintf(`
listen:
  host: 127.0.0.1
sshd:
  enabled: true
  listen: 127.0.0.1:0
  host_key: %s
  authorized_users:
    - user: ops
      keys: %q
`, writeHostKey(t), key))
	defer ctrl.Stop()

	require.Eventually(t, func() bool { return ctrl.ssh.Addr() != nil }, time.Second, time.Millisecond)

	client, err := ssh.Dial("tcp", ctrl.ssh.Addr().String(), &ssh.ClientConfig{
		User:            "ops",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test only
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	out, err := sess.Output("socket -json")
	require.NoError(t, err)

	var info sshSocketInfo
	require.NoError(t, json.Unmarshal(out, &info))
	assert.Equal(t, ctrl.LocalAddr(), netip.MustParseAddrPort(info.LocalAddr))
}
