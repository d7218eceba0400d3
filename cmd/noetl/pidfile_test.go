package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noetl-test.pid")

	require.NoError(t, writePIDFile(path))
	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	removePIDFile(path)
	_, err = readPIDFile(path)
	assert.Error(t, err)
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "not a number", content: "running\n"},
		{name: "negative", content: "-12"},
		{name: "zero", content: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := readPIDFile(path)
			assert.Error(t, err)
		})
	}
}

func TestStopProcessMissingPIDFile(t *testing.T) {
	_, err := stopProcess(filepath.Join(t.TempDir(), "absent.pid"))
	assert.Error(t, err)
}

func TestServerAndWorkerCommandsCarryStopVerbs(t *testing.T) {
	for name, build := range map[string]func() *cobra.Command{
		"server": serverCmd,
		"worker": workerCmd,
	} {
		t.Run(name, func(t *testing.T) {
			var names []string
			for _, sub := range build().Commands() {
				names = append(names, sub.Name())
			}
			assert.Contains(t, names, "start")
			assert.Contains(t, names, "stop")
		})
	}
}
