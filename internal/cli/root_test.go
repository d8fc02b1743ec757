package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/store"
	"github.com/roach88/botsync/internal/yjs"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seedStore creates a database holding one branch with the given bots.
func seedStore(t *testing.T, key string, list ...*bots.Bot) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "botsync.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	for _, b := range list {
		u, err := yjs.InitializationUpdate([]*bots.Bot{b})
		require.NoError(t, err)
		data, err := base64.StdEncoding.DecodeString(u.Update)
		require.NoError(t, err)
		require.NoError(t, st.SaveUpdates(context.Background(), key, data))
	}
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "botsync", cmd.Use)
	assert.Contains(t, cmd.Long, "CRDT")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "state", "validate", "compact", "test"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "validate", "x.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRequiredDBFlags(t *testing.T) {
	for _, name := range []string{"state", "compact"} {
		t.Run(name, func(t *testing.T) {
			var sub *cobra.Command
			for _, c := range NewRootCommand().Commands() {
				if c.Name() == name {
					sub = c
				}
			}
			require.NotNil(t, sub)
			flag := sub.Flags().Lookup("db")
			require.NotNil(t, flag)
			assert.Equal(t, "", flag.DefValue)
			assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag])
		})
	}
}

func TestRootOptions_Logger(t *testing.T) {
	buf := &bytes.Buffer{}

	(&RootOptions{}).Logger(buf).Debug("hidden")
	assert.Empty(t, buf.String())

	(&RootOptions{Verbose: true}).Logger(buf).Debug("shown", "k", 1)
	assert.Contains(t, buf.String(), "msg=shown k=1")
}
