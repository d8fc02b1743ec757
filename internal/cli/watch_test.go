package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/partition"
)

// stopWriter collects output and cancels once it contains want.
type stopWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	want   string
	cancel context.CancelFunc
}

func (w *stopWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	if strings.Contains(w.buf.String(), w.want) {
		w.cancel()
	}
	return n, err
}

func (w *stopWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

const watchConfig = `
partitions:
  tempLocal:
    type: memory
    initialState:
      b: { id: b, tags: { n: 1 } }
      a: { id: a, tags: { n: 2 } }
  shared:
    type: yjs
`

func watch(t *testing.T, want string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &stopWriter{want: want, cancel: cancel}

	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestWatch_PrintsChanges(t *testing.T) {
	out, err := watch(t, "[tempLocal] status sync=true", "watch", writeConfig(t, watchConfig))

	require.NoError(t, err)
	assert.Contains(t, out, "[tempLocal] added a,b\n")
	assert.Contains(t, out, "[shared] status sync=true\n")
}

func TestWatch_SelectedPartitionJSON(t *testing.T) {
	out, err := watch(t, `"added"`, "--format", "json", "watch", writeConfig(t, watchConfig), "tempLocal")
	require.NoError(t, err)

	line := strings.SplitN(out, "\n", 2)[0]
	var e WatchEvent
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	assert.Equal(t, WatchEvent{Partition: "tempLocal", Kind: "added", Bots: []string{"a", "b"}}, e)
	assert.NotContains(t, out, `"shared"`)
}

func TestWatch_UnknownPartition(t *testing.T) {
	_, err := watch(t, "never", "watch", writeConfig(t, watchConfig), "nope")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown partition: nope")
}

func TestWatch_InvalidConfig(t *testing.T) {
	_, err := watch(t, "never", "watch", writeConfig(t, "partitions: {}\n"))

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDescribeStatus(t *testing.T) {
	assert.Equal(t, "connection=true", describeStatus(partition.StatusUpdate{Type: partition.StatusConnection, Connected: true}))
	assert.Equal(t, "sync=false", describeStatus(partition.StatusUpdate{Type: partition.StatusSync}))
}
