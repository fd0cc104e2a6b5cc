package sshd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/anmitsu/go-shlex"
	"github.com/armon/go-radix"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const keyTab = 9

type session struct {
	l        *logrus.Entry
	c        *ssh.ServerConn
	term     *term.Terminal
	commands *radix.Tree
	prompt   string

	closeOnce sync.Once
	exitChan  chan struct{}
}

func newSession(commands *radix.Tree, conn *ssh.ServerConn, chans <-chan ssh.NewChannel, prompt string, l *logrus.Entry) *session {
	s := &session{
		commands: radix.NewFromMap(commands.ToMap()),
		l:        l,
		c:        conn,
		prompt:   prompt,
		exitChan: make(chan struct{}),
	}

	s.commands.Insert("logout", &Command{
		Name:             "logout",
		ShortDescription: "Ends the current session",
		Callback: func(any, []string, StringWriter) error {
			s.Close()
			return nil
		},
	})

	go s.handleChannels(chans)
	return s
}

func (s *session) handleChannels(chans <-chan ssh.NewChannel) {
	// chans closes with the connection
	defer s.Close()
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			s.l.WithField("sshChannelType", newChannel.ChannelType()).Error("Unknown channel type")
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.l.WithError(err).Warn("Could not accept channel")
			continue
		}

		go s.handleRequests(requests, channel)
	}
}

func (s *session) handleRequests(in <-chan *ssh.Request, channel ssh.Channel) {
	for req := range in {
		var err error
		switch req.Type {
		case "shell":
			if s.term == nil {
				s.term = s.createTerm(channel)
				err = req.Reply(true, nil)
			} else {
				err = req.Reply(false, nil)
			}

		case "pty-req", "window-change":
			err = req.Reply(true, nil)

		case "exec":
			var payload struct{ Value string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}

			_ = req.Reply(true, nil)
			s.dispatchCommand(payload.Value, &stringWriter{channel})

			status := struct{ Status uint32 }{0}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(status))
			_ = channel.Close()
			return

		default:
			s.l.WithField("sshRequest", req.Type).Debug("Rejected unknown request")
			err = req.Reply(false, nil)
		}

		if err != nil {
			s.l.WithError(err).Info("Error handling ssh session requests")
			s.Close()
			return
		}
	}
}

func (s *session) createTerm(channel ssh.Channel) *term.Terminal {
	t := term.NewTerminal(channel, s.c.User()+"@"+s.prompt+" > ")
	t.AutoCompleteCallback = func(line string, pos int, key rune) (string, int, bool) {
		if key != keyTab {
			return "", 0, false
		}

		names := matchCommand(s.commands, line)
		if len(names) == 1 {
			return names[0] + " ", len(names[0]) + 1, true
		}

		_, _ = t.Write([]byte(strings.Join(names, "\n") + "\n\n"))
		return "", 0, false
	}

	go s.handleInput()
	return t
}

func (s *session) handleInput() {
	defer s.Close()
	w := &stringWriter{w: s.term}
	for {
		line, err := s.term.ReadLine()
		if err != nil {
			return
		}

		s.dispatchCommand(line, w)
	}
}

func (s *session) dispatchCommand(line string, w StringWriter) {
	args, err := shlex.Split(line, true)
	if err != nil {
		_ = w.WriteLine(fmt.Sprintf("could not parse: %s", err))
		return
	}

	if len(args) == 0 {
		dumpCommands(s.commands, w)
		return
	}

	c, err := lookupCommand(s.commands, args[0])
	if err != nil {
		return
	}

	if c == nil {
		_ = w.WriteLine(fmt.Sprintf("did not understand: %s", line))
		dumpCommands(s.commands, w)
		return
	}

	if checkHelpArgs(args) {
		_ = helpCallback(s.commands, []string{c.Name}, w)
		return
	}

	if err := execCommand(c, args[1:], w); err != nil {
		s.l.WithError(err).WithField("command", c.Name).Debug("Command failed")
	}
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		_ = s.c.Close()
		close(s.exitChan)
	})
}
