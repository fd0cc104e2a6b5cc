package sshd

import (
	"bytes"
	"flag"
	"testing"

	"github.com/armon/go-radix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCommands() *radix.Tree {
	tree := radix.New()
	for _, c := range []*Command{
		{Name: "caps", ShortDescription: "Prints capabilities"},
		{Name: "counters", ShortDescription: "Prints counters"},
		{
			Name:             "set-ttl",
			ShortDescription: "Sets the ttl",
			Help:             "Takes a single value between 1 and 255.",
			Flags: func() (*flag.FlagSet, any) {
				fl := flag.NewFlagSet("", flag.ContinueOnError)
				fl.Bool("json", false, "outputs as json")
				return fl, nil
			},
		},
	} {
		tree.Insert(c.Name, c)
	}
	return tree
}

func TestHelpCallback(t *testing.T) {
	ob := &bytes.Buffer{}
	w := NewStringWriter(ob)
	tree := testCommands()

	require.NoError(t, helpCallback(tree, nil, w))
	assert.Equal(t, "Available commands:\ncaps - Prints capabilities\ncounters - Prints counters\nset-ttl - Sets the ttl\n\n", ob.String())

	ob.Reset()
	require.NoError(t, helpCallback(tree, []string{"set-ttl"}, w))
	assert.Equal(t, "set-ttl - Sets the ttl\n  Takes a single value between 1 and 255.\n  -json\n    \toutputs as json\n", ob.String())

	ob.Reset()
	require.NoError(t, helpCallback(tree, []string{"nope"}, w))
	assert.Equal(t, "Command not available nope\n", ob.String())
}

func TestMatchCommand(t *testing.T) {
	tree := testCommands()
	assert.Equal(t, []string{"caps", "counters"}, matchCommand(tree, "c"))
	assert.Equal(t, []string{"set-ttl"}, matchCommand(tree, "se"))
	assert.Empty(t, matchCommand(tree, "x"))
}

func TestExecCommand(t *testing.T) {
	ob := &bytes.Buffer{}
	w := NewStringWriter(ob)

	var got []string
	c := &Command{
		Name: "t",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			v := fl.Int("n", 0, "a number")
			return fl, v
		},
		Callback: func(fs any, a []string, w StringWriter) error {
			got = a
			assert.Equal(t, 3, *fs.(*int))
			return nil
		},
	}

	require.NoError(t, execCommand(c, []string{"-n", "3", "rest"}, w))
	assert.Equal(t, []string{"rest"}, got)

	// Bad flags are reported to the user and the callback is skipped
	got = nil
	assert.Error(t, execCommand(c, []string{"-bogus"}, w))
	assert.Nil(t, got)
	assert.Contains(t, ob.String(), "flag provided but not defined: -bogus")

	assert.True(t, checkHelpArgs([]string{"a", "-help"}))
	assert.False(t, checkHelpArgs([]string{"a", "--"}))
}
