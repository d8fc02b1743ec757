package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/config"
	"github.com/roach88/botsync/internal/factory"
	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/loop"
	"github.com/roach88/botsync/internal/observable"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/wire"
)

// WatchEvent is one line of watch output.
type WatchEvent struct {
	Partition string   `json:"partition"`
	Kind      string   `json:"kind"`
	Bots      []string `json:"bots,omitempty"`
	Status    string   `json:"status,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <config.yaml> [partition...]",
		Short: "Connect to configured partitions and print changes",
		Long: `Build the partitions of a config file, connect them and print every
bot change until interrupted.

Partitions with a host connect over websockets; the others share an
in-process hub. Pass partition ids to watch only some of them.

Examples:
  botsync watch partitions.yaml
  botsync watch partitions.yaml shared --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), rootOpts, args[0], args[1:], cmd)
		},
	}
}

func runWatch(ctx context.Context, opts *RootOptions, path string, ids []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	file, errs := config.Load(path)
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}
	configs := file.Partitions
	if len(ids) > 0 {
		configs = make(map[string]*partition.Config, len(ids))
		for _, id := range ids {
			cfg, ok := file.Partitions[id]
			if !ok {
				return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("unknown partition: %s", id))
			}
			configs[id] = cfg
		}
	}

	logger := opts.Logger(cmd.ErrOrStderr())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := loop.New(logger)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = l.Run(ctx)
	}()

	pool := factory.NewPool(ctx, factory.PoolOptions{
		Hub: hub.New(hub.Options{Logger: logger}),
		Session: wire.SessionOptions{
			Identity: bots.ConnectionInfo{SessionID: uuid.NewString()},
			Logger:   logger,
		},
		Dispatch: l,
		Logger:   logger,
	})
	w := &watcher{out: formatter.Writer, json: formatter.JSON()}

	var parts map[string]partition.Partition
	var buildErr error
	err := l.Do(ctx, func() {
		parts, buildErr = factory.BuildAll(factory.New(factory.Options{Clients: pool, Logger: logger}), configs)
		if buildErr != nil {
			return
		}
		for _, id := range sortedIDs(parts) {
			w.observe(id, parts[id])
		}
		factory.ConnectAll(parts)
	})
	if err == nil && buildErr == nil {
		formatter.VerboseLog("Watching %d partition(s)", len(parts))
		<-ctx.Done()
	}
	cancel()
	<-stopped
	pool.Wait()

	w.subs.Unsubscribe()
	for _, p := range parts {
		p.Unsubscribe()
	}
	if buildErr != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, buildErr.Error())
	}
	return nil
}

func sortedIDs(parts map[string]partition.Partition) []string {
	ids := make([]string, 0, len(parts))
	for id := range parts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// watcher prints partition notifications. It runs on the loop goroutine.
type watcher struct {
	out  io.Writer
	json bool
	subs observable.Group
}

func (w *watcher) observe(id string, p partition.Partition) {
	w.subs.Add(
		p.OnBotsAdded().Subscribe(func(added []*bots.Bot) {
			ids := make([]string, len(added))
			for i, b := range added {
				ids[i] = b.ID
			}
			w.print(WatchEvent{Partition: id, Kind: "added", Bots: ids})
		}),
		p.OnBotsRemoved().Subscribe(func(removed []string) {
			w.print(WatchEvent{Partition: id, Kind: "removed", Bots: slices.Clone(removed)})
		}),
		p.OnBotsUpdated().Subscribe(func(updated []bots.UpdatedBot) {
			ids := make([]string, len(updated))
			for i, u := range updated {
				ids[i] = u.Bot.ID
			}
			w.print(WatchEvent{Partition: id, Kind: "updated", Bots: ids})
		}),
		p.OnStatusUpdated().Subscribe(func(s partition.StatusUpdate) {
			w.print(WatchEvent{Partition: id, Kind: "status", Status: describeStatus(s)})
		}),
		p.OnError().Subscribe(func(err error) {
			w.print(WatchEvent{Partition: id, Kind: "error", Error: err.Error()})
		}),
	)
}

// describeStatus renders a status update as "{type}={flag}".
func describeStatus(s partition.StatusUpdate) string {
	var on bool
	switch s.Type {
	case partition.StatusConnection:
		on = s.Connected
	case partition.StatusAuthentication:
		on = s.Authenticated
	case partition.StatusAuthorization:
		on = s.Authorized
	case partition.StatusSync:
		on = s.Synced
	}
	return fmt.Sprintf("%s=%t", s.Type, on)
}

func (w *watcher) print(e WatchEvent) {
	slices.Sort(e.Bots)
	if w.json {
		data, _ := json.Marshal(e)
		fmt.Fprintln(w.out, string(data))
		return
	}
	switch {
	case e.Status != "":
		fmt.Fprintf(w.out, "[%s] %s %s\n", e.Partition, e.Kind, e.Status)
	case e.Error != "":
		fmt.Fprintf(w.out, "[%s] %s %s\n", e.Partition, e.Kind, e.Error)
	default:
		fmt.Fprintf(w.out, "[%s] %s %s\n", e.Partition, e.Kind, strings.Join(e.Bots, ","))
	}
}
