package udpx

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/udpx/config"
	"github.com/slackhq/udpx/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	require.NoError(t, c.LoadString("logging:\n  level: DEBUG\n  format: json\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	jf, ok := l.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)
	assert.True(t, jf.DisableTimestamp)

	require.NoError(t, c.LoadString("logging:\n  timestamp_format: '2006'\n"))
	require.NoError(t, configLogger(l, c))
	tf, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, tf.FullTimestamp)
	assert.Equal(t, "2006", tf.TimestampFormat)
}

func TestConfigLogger_errors(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: loud\n"))
	assert.ErrorContains(t, configLogger(l, c), "possible levels")

	c = config.NewC(l)
	require.NoError(t, c.LoadString("logging:\n  format: xml\n"))
	assert.EqualError(t, configLogger(l, c), "unknown log format `xml`. possible formats: [text json]")
}
