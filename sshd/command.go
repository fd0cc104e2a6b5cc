package sshd

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/armon/go-radix"
)

// CommandFlags builds the flag set for a command and the struct its values land in.
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback runs a command. fs is the struct from Command.Flags, if any,
// and a holds whatever arguments the flags did not consume. A returned error is
// only logged, messaging the user is up to the callback.
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	Flags            CommandFlags
	Callback         CommandCallback
}

func execCommand(c *Command, args []string, w StringWriter) error {
	var fs any

	if c.Flags != nil {
		var fl *flag.FlagSet
		fl, fs = c.Flags()
		if fl != nil {
			// Parse errors and usage go to the user
			fl.SetOutput(w.GetWriter())
			if err := fl.Parse(args); err != nil {
				return err
			}
			args = fl.Args()
		}
	}

	return c.Callback(fs, args, w)
}

func dumpCommands(c *radix.Tree, w StringWriter) {
	if err := w.WriteLine("Available commands:"); err != nil {
		return
	}

	var lines []string
	for _, cmd := range allCommands(c) {
		lines = append(lines, fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription))
	}

	slices.Sort(lines)
	_ = w.Write(strings.Join(lines, "\n") + "\n\n")
}

func lookupCommand(c *radix.Tree, name string) (*Command, error) {
	v, ok := c.Get(name)
	if !ok {
		return nil, nil
	}

	cmd, ok := v.(*Command)
	if !ok {
		return nil, errors.New("failed to cast command")
	}

	return cmd, nil
}

// matchCommand lists the command names starting with prefix, for tab completion.
func matchCommand(c *radix.Tree, prefix string) []string {
	var names []string
	c.WalkPrefix(prefix, func(found string, _ any) bool {
		names = append(names, found)
		return false
	})
	slices.Sort(names)
	return names
}

func allCommands(c *radix.Tree) []*Command {
	var cmds []*Command
	c.Walk(func(_ string, v any) bool {
		if cmd, ok := v.(*Command); ok {
			cmds = append(cmds, cmd)
		}
		return false
	})
	return cmds
}

func helpCallback(commands *radix.Tree, a []string, w StringWriter) error {
	if len(a) == 0 {
		dumpCommands(commands, w)
		return nil
	}

	cmd, err := lookupCommand(commands, a[0])
	if err != nil {
		return err
	}

	if cmd == nil {
		return w.WriteLine("Command not available " + a[0])
	}

	if err := w.WriteLine(fmt.Sprintf("%s - %s", cmd.Name, cmd.ShortDescription)); err != nil {
		return err
	}

	if cmd.Help != "" {
		if err := w.WriteLine("  " + cmd.Help); err != nil {
			return err
		}
	}

	if cmd.Flags != nil {
		if fs, _ := cmd.Flags(); fs != nil {
			fs.SetOutput(w.GetWriter())
			fs.PrintDefaults()
		}
	}

	return nil
}

func checkHelpArgs(args []string) bool {
	return slices.ContainsFunc(args, func(a string) bool {
		return a == "-h" || a == "-help"
	})
}
