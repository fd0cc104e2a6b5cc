package main

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// sdNotifyReady tells systemd the listener is bound and dependent units can start.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const sdNotifyReady = "READY=1"

func notifyReady(l *logrus.Logger) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debug("NOTIFY_SOCKET not set, not sending ready signal")
		return
	}

	// Abstract namespace sockets are announced with a leading @
	if strings.HasPrefix(sockName, "@") {
		sockName = "\x00" + sockName[1:]
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}

	if _, err := conn.Write([]byte(sdNotifyReady)); err != nil {
		l.WithError(err).Error("Failed to signal the systemd notification socket")
		return
	}

	l.Debug("Notified systemd the listener is ready")
}
