package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/udpx/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	// Missing path
	c := NewC(l)
	assert.Error(t, c.Load(filepath.Join(dir, "nope.yml")))

	// Empty directory
	assert.EqualError(t, c.Load(dir), "no config files found at "+dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("listen:\n  host: 0.0.0.0\n  port: 4242\nmode: sink\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("listen:\n  port: 5353\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "03.txt"), []byte("mode: echo\n"), 0o600))

	require.NoError(t, c.Load(dir))
	assert.Len(t, c.Files(), 2)
	assert.Equal(t, "0.0.0.0", c.GetString("listen.host", ""))
	assert.Equal(t, 5353, c.GetInt("listen.port", 0))
	assert.Equal(t, "sink", c.GetString("mode", ""))

	// A file named directly is read whatever its extension
	c = NewC(l)
	require.NoError(t, c.Load(filepath.Join(dir, "03.txt")))
	assert.Equal(t, "echo", c.GetString("mode", ""))
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.Error(t, c.LoadString(""))
	assert.Error(t, c.LoadString(" invalid yaml"))

	require.NoError(t, c.LoadString("outer:\n  inner: hi\n"))
	assert.Equal(t, map[string]any{"outer": map[string]any{"inner": "hi"}}, c.Settings)
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["blast"] = map[string]any{"target": "127.0.0.1:4242"}
	assert.Equal(t, "127.0.0.1:4242", c.Get("blast.target"))
	assert.True(t, c.IsSet("blast.target"))

	// Missing
	assert.Nil(t, c.Get("blast.nope"))
	assert.Nil(t, c.Get("blast.target.deeper"))
	assert.False(t, c.IsSet("nope"))
}

func TestConfig_GetTyped(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString(`
listen:
  port: 4242
  ttl: 300
  read_buffer: nope
stats:
  interval: 10s
  bad_interval: 10
list: [one, two]
`))

	assert.Equal(t, 4242, c.GetInt("listen.port", 0))
	assert.Equal(t, 7, c.GetInt("listen.read_buffer", 7))
	assert.Equal(t, uint8(64), c.GetUint8("listen.ttl", 64))
	assert.Equal(t, uint8(64), c.GetUint8("listen.missing", 64))
	assert.Equal(t, 10*time.Second, c.GetDuration("stats.interval", 0))
	assert.Equal(t, time.Minute, c.GetDuration("stats.bad_interval", time.Minute))
	assert.Equal(t, []string{"one", "two"}, c.GetStringSlice("list", nil))
	assert.Equal(t, []string{"d"}, c.GetStringSlice("listen.port", []string{"d"}))
	assert.Equal(t, map[string]any{"interval": "10s", "bad_interval": 10}, c.GetMap("stats", nil))
	assert.Nil(t, c.GetMap("list", nil))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["bool"] = true
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "true"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = false
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "Y"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "nO"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "maybe"
	assert.Equal(t, true, c.GetBool("bool", true))
}

func TestConfig_GetAddrPort(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("a: 127.0.0.1:53\nb: '[::1]:53'\nc: localhost\n"))

	d := netip.MustParseAddrPort("0.0.0.0:1")

	v, err := c.GetAddrPort("a", d)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:53"), v)

	v, err = c.GetAddrPort("b", d)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("[::1]:53"), v)

	v, err = c.GetAddrPort("missing", d)
	require.NoError(t, err)
	assert.Equal(t, d, v)

	_, err = c.GetAddrPort("c", d)
	assert.ErrorContains(t, err, "c: ")
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	path := filepath.Join(dir, "udpx.yml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  read_buffer: 1\n"), 0o600))

	c := NewC(l)
	require.NoError(t, c.Load(path))
	assert.True(t, c.InitialLoad())
	assert.False(t, c.HasChanged("listen.read_buffer"))

	calls := 0
	c.RegisterReloadCallback(func(c *C) {
		calls++
	})

	require.NoError(t, os.WriteFile(path, []byte("listen:\n  read_buffer: 2\n"), 0o600))
	c.ReloadConfig()
	assert.Equal(t, 1, calls)
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("listen.read_buffer"))
	assert.Equal(t, 2, c.GetInt("listen.read_buffer", 0))

	// A broken file keeps the last good settings and skips the callbacks
	require.NoError(t, os.WriteFile(path, []byte(" invalid yaml"), 0o600))
	c.ReloadConfig()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, c.GetInt("listen.read_buffer", 0))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	c := NewC(test.NewLogger())
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))

	done := make(chan struct{}, 1)
	c.RegisterReloadCallback(func(*C) { done <- struct{}{} })

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged(""))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload callback was not called")
	}
}
