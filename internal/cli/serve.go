package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/server"
	"github.com/roach88/botsync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr           string
	DBPath         string
	RedisURL       string
	MaxBranchBytes int
	RateLimit      float64
	Burst          int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the branch websocket server",
		Long: `Serve the branch protocol over websockets on /ws.

Permanent branches are persisted to --db when set. With --redis, updates
are shared with every other instance subscribed to the same Redis.

Examples:
  botsync serve --addr :8080 --db botsync.db
  botsync serve --redis redis://localhost:6379/0 --rate-limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database for branch persistence")
	cmd.Flags().StringVar(&opts.RedisURL, "redis", "", "Redis URL for multi-instance relay")
	cmd.Flags().IntVar(&opts.MaxBranchBytes, "max-branch-bytes", 0, "maximum branch size in bytes (0 = unlimited)")
	cmd.Flags().Float64Var(&opts.RateLimit, "rate-limit", 0, "updates and actions per second per connection (0 = unlimited)")
	cmd.Flags().IntVar(&opts.Burst, "burst", 10, "rate limit burst")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.Logger(cmd.ErrOrStderr())

	hubOpts := hub.Options{
		MaxBranchBytes: opts.MaxBranchBytes,
		Logger:         logger,
	}
	if opts.RateLimit > 0 {
		hubOpts.Rate = rate.Limit(opts.RateLimit)
		hubOpts.Burst = opts.Burst
	}

	if opts.DBPath != "" {
		st, err := store.Open(opts.DBPath, store.WithLogger(logger))
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("failed to open database: %v", err))
		}
		defer st.Close()
		hubOpts.Persister = st
	}

	var relay *server.RedisRelay
	if opts.RedisURL != "" {
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeServeFailed, fmt.Sprintf("invalid redis url: %v", err))
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		relay, err = server.NewRelay(rdb, server.RelayOptions{Origin: uuid.NewString(), Logger: logger})
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeServeFailed, err.Error())
		}
		hubOpts.OnUpdatesAccepted = relay.Publish
	}

	h := hub.New(hubOpts)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if relay != nil {
		go runRelay(ctx, relay, h, logger)
	}

	srv := server.New(server.Options{Hub: h, Logger: logger})
	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeServeFailed, err.Error())
	}
	logger.Info("server stopped")
	return nil
}

func runRelay(ctx context.Context, relay *server.RedisRelay, h *hub.Hub, logger *slog.Logger) {
	if err := relay.Run(ctx, h); err != nil && ctx.Err() == nil {
		logger.Error("relay stopped", "error", err)
	}
}
