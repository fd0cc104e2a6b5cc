package sshd

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const handshakeTimeout = 10 * time.Second

// SSHServer is an admin console. Users authenticate with an authorized key or
// a certificate signed by a trusted CA and run registered commands.
type SSHServer struct {
	config *ssh.ServerConfig
	l      *logrus.Entry
	prompt string

	// guards the key sets, they are swapped on config reload
	keysLock    sync.RWMutex
	trustedKeys map[string]map[string]bool
	trustedCAs  []ssh.PublicKey

	commands *radix.Tree

	listenerLock sync.Mutex
	listener     net.Listener

	connsLock sync.Mutex
	conns     map[int]*session
	counter   int
}

// NewSSHServer creates a server with only the help command registered. prompt
// names the service in the terminal prompt.
func NewSSHServer(l *logrus.Entry, prompt string) (*SSHServer, error) {
	s := &SSHServer{
		trustedKeys: make(map[string]map[string]bool),
		l:           l,
		prompt:      prompt,
		commands:    radix.New(),
		conns:       make(map[int]*session),
	}

	cc := ssh.CertChecker{
		IsUserAuthority: s.isUserAuthority,
		UserKeyFallback: s.userKeyFallback,
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: cc.Authenticate,
		ServerVersion:     "SSH-2.0-" + prompt,
	}

	s.RegisterCommand(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(_ any, args []string, w StringWriter) error {
			return helpCallback(s.commands, args, w)
		},
	})

	return s, nil
}

func (s *SSHServer) isUserAuthority(auth ssh.PublicKey) bool {
	s.keysLock.RLock()
	defer s.keysLock.RUnlock()

	for _, ca := range s.trustedCAs {
		if bytes.Equal(ca.Marshal(), auth.Marshal()) {
			return true
		}
	}
	return false
}

func (s *SSHServer) userKeyFallback(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	fp := ssh.FingerprintSHA256(pubKey)

	s.keysLock.RLock()
	tk, ok := s.trustedKeys[c.User()]
	if ok {
		ok = tk[string(pubKey.Marshal())]
	}
	s.keysLock.RUnlock()

	if tk == nil {
		return nil, fmt.Errorf("unknown user %s", c.User())
	}
	if !ok {
		return nil, fmt.Errorf("unknown public key for %s (%s)", c.User(), fp)
	}

	return &ssh.Permissions{
		Extensions: map[string]string{
			"fp":   fp,
			"user": c.User(),
		},
	}, nil
}

func (s *SSHServer) SetHostKey(hostPrivateKey []byte) error {
	private, err := ssh.ParsePrivateKey(hostPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %s", err)
	}

	s.config.AddHostKey(private)
	return nil
}

func (s *SSHServer) ClearTrustedCAs() {
	s.keysLock.Lock()
	s.trustedCAs = nil
	s.keysLock.Unlock()
}

func (s *SSHServer) ClearAuthorizedKeys() {
	s.keysLock.Lock()
	s.trustedKeys = make(map[string]map[string]bool)
	s.keysLock.Unlock()
}

// AddTrustedCA adds a trusted CA for user certificates
func (s *SSHServer) AddTrustedCA(pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	s.trustedCAs = append(s.trustedCAs, pk)
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).Info("Trusted CA key")
	return nil
}

// AddAuthorizedKey adds an ssh public key for a user
func (s *SSHServer) AddAuthorizedKey(user, pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	tk, ok := s.trustedKeys[user]
	if !ok {
		tk = make(map[string]bool)
		s.trustedKeys[user] = tk
	}
	tk[string(pk.Marshal())] = true
	s.keysLock.Unlock()

	s.l.WithField("sshKey", pubKey).WithField("sshUser", user).Info("Authorized ssh key")
	return nil
}

// RegisterCommand adds a command that can be run by a user, by default only `help` is available
func (s *SSHServer) RegisterCommand(c *Command) {
	s.commands.Insert(c.Name, c)
}

// Run listens on addr and serves sessions until Stop is called.
func (s *SSHServer) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listenerLock.Lock()
	s.listener = ln
	s.listenerLock.Unlock()

	s.l.WithField("sshListener", ln.Addr()).Info("SSH server is listening")

	s.run(ln)
	s.closeSessions()

	s.l.Info("SSH server stopped listening")
	return nil
}

// Addr is the listening address, nil when not running.
func (s *SSHServer) Addr() net.Addr {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *SSHServer) run(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.l.WithError(err).Warn("Error in listener, shutting down")
			}
			return
		}

		go s.serve(c)
	}
}

func (s *SSHServer) serve(c net.Conn) {
	conn, chans, reqs, err := s.handshakeWithTimeout(c, handshakeTimeout)
	if err != nil {
		s.l.WithError(err).WithField("remoteAddress", c.RemoteAddr()).Warn("Failed to handshake")
		return
	}

	l := s.l.WithField("sshUser", conn.User())
	l.WithField("remoteAddress", c.RemoteAddr()).
		WithField("sshFingerprint", conn.Permissions.Extensions["fp"]).
		Info("ssh user logged in")

	sess := newSession(s.commands, conn, chans, s.prompt, l.WithField("subsystem", "sshd.session"))
	s.connsLock.Lock()
	s.counter++
	id := s.counter
	s.conns[id] = sess
	s.connsLock.Unlock()

	go ssh.DiscardRequests(reqs)

	<-sess.exitChan
	s.l.WithField("id", id).Debug("Closing conn")
	s.connsLock.Lock()
	delete(s.conns, id)
	s.connsLock.Unlock()
}

// handshakeWithTimeout runs the ssh handshake on c, closing c if it fails or
// does not finish within timeout.
func (s *SSHServer) handshakeWithTimeout(c net.Conn, timeout time.Duration) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	t := time.AfterFunc(timeout, func() { _ = c.Close() })

	conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if !t.Stop() {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, nil, nil, errors.New("handshake timeout")
	}

	if err != nil {
		_ = c.Close()
		return nil, nil, nil, err
	}

	return conn, chans, reqs, nil
}

// Stop closes the listener, which ends Run and every open session.
func (s *SSHServer) Stop() {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.l.WithError(err).Warn("Failed to close the sshd listener")
		}
		s.listener = nil
	}
}

func (s *SSHServer) closeSessions() {
	s.connsLock.Lock()
	defer s.connsLock.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}
