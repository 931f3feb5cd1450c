package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Equal(t, "lanedeck v"+Version+"\n", out.String())
}

func TestRunNoArgsPrintsHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, run(nil, &out, &errOut))
	assert.Contains(t, out.String(), "Usage: lanedeck <command>")
	assert.Empty(t, errOut.String())
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"frobnicate"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), `unknown command "frobnicate"`)
	assert.Contains(t, errOut.String(), "Commands:")
}

func TestSubcommandHelpExitsZero(t *testing.T) {
	for _, cmd := range []string{"serve", "audit", "check", "orphans"} {
		t.Run(cmd, func(t *testing.T) {
			var out, errOut bytes.Buffer
			assert.Equal(t, 0, run([]string{cmd, "--help"}, &out, &errOut))
			assert.Contains(t, errOut.String(), "Usage: lanedeck "+cmd)
		})
	}
}

func TestSubcommandRejectsStrayArguments(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"check", "extra"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unexpected arguments")
}
