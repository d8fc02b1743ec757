package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/store"
	"github.com/roach88/botsync/internal/yjs"
)

// StateOptions holds flags for the state command.
type StateOptions struct {
	*RootOptions
	DBPath string
}

// StateResult is the JSON output of the state command.
type StateResult struct {
	Branch  string          `json:"branch"`
	Updates int             `json:"updates"`
	State   json.RawMessage `json:"state"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state <recordName/inst/branch>",
		Short: "Print the bot state of a persisted branch",
		Long: `Rebuild a persisted branch from its snapshot and update log and print
the resulting bot state as canonical JSON.

Examples:
  botsync state --db botsync.db rec/my-inst/shared
  botsync state --db botsync.db /my-inst/shared --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runState(opts *StateOptions, key string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openExistingStore(opts.DBPath, opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	defer st.Close()

	raw, timestamps, err := st.LoadBranch(context.Background(), key)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	if len(raw) == 0 {
		return formatter.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("branch not found: %s", key))
	}
	formatter.VerboseLog("Loaded %d update(s) for %s", len(raw), key)

	updates := make([]bots.InstUpdate, len(raw))
	for i, data := range raw {
		updates[i] = bots.InstUpdate{
			ID:        i,
			Update:    base64.StdEncoding.EncodeToString(data),
			Timestamp: timestamps[i],
		}
	}
	state, err := yjs.StateFromUpdates(updates)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeDecode, fmt.Sprintf("failed to decode branch %s: %v", key, err))
	}
	data, err := bots.MarshalCanonical(state)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeDecode, err.Error())
	}

	if formatter.JSON() {
		return formatter.Success(StateResult{Branch: key, Updates: len(raw), State: data})
	}
	fmt.Fprintln(formatter.Writer, string(data))
	return nil
}

// openExistingStore opens a database that must already exist; store.Open
// would create an empty one.
func openExistingStore(path string, opts *RootOptions, cmd *cobra.Command) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %s", path)
	}
	return store.Open(path, store.WithLogger(opts.Logger(cmd.ErrOrStderr())))
}
