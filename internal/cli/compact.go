package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	DBPath string
	All    bool
}

// CompactEntry reports one compacted branch.
type CompactEntry struct {
	Branch  string `json:"branch"`
	Merged  int    `json:"merged"`
	Bytes   int    `json:"bytes"`
	Through int64  `json:"through"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact [recordName/inst/branch...]",
		Short: "Merge branch update logs into snapshots",
		Long: `Merge the update log of each branch into a single compressed snapshot.

Examples:
  botsync compact --db botsync.db rec/my-inst/shared
  botsync compact --db botsync.db --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.All == (len(args) > 0) {
				return fmt.Errorf("pass branch keys or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database (required)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "compact every stored branch")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCompact(opts *CompactOptions, keys []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := context.Background()

	st, err := openExistingStore(opts.DBPath, opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
	}
	defer st.Close()

	if opts.All {
		branches, err := st.Branches(ctx)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error())
		}
		for _, b := range branches {
			keys = append(keys, b.Key)
		}
	}

	entries := make([]CompactEntry, 0, len(keys))
	for _, key := range keys {
		res, err := st.Compact(ctx, key)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeStore, err.Error())
		}
		formatter.VerboseLog("Compacted %s: %d update(s)", key, res.Before)
		entries = append(entries, CompactEntry{Branch: key, Merged: res.Before, Bytes: res.Bytes, Through: res.Through})
	}

	if formatter.JSON() {
		return formatter.Success(entries)
	}
	for _, e := range entries {
		if e.Bytes == 0 {
			fmt.Fprintf(formatter.Writer, "  %s: nothing to compact\n", e.Branch)
			continue
		}
		fmt.Fprintf(formatter.Writer, "  %s: merged %d update(s) into %d bytes\n", e.Branch, e.Merged, e.Bytes)
	}
	fmt.Fprintf(formatter.Writer, "✓ %d branch(es) compacted\n", len(entries))
	return nil
}
