// Package factory builds partitions from configuration.
//
// Backends are tried in order; each ignores configs of types it does not
// handle. Types accepted in configuration but not backed by this module
// build no partition.
package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/botsync/internal/otherplayers"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/remote"
	"github.com/roach88/botsync/internal/wire"
	"github.com/roach88/botsync/internal/yjs"
)

// ErrNoBranch is returned for remote partitions without a branch.
var ErrNoBranch = errors.New("remote partition requires a branch")

// ClientProvider returns the client a remote partition should use.
type ClientProvider interface {
	Client(cfg *partition.Config) (wire.Client, error)
}

// Options configures the backends.
type Options struct {
	Clients ClientProvider

	// Cache backs partitions configured with localPersistence.
	Cache yjs.Cache

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// New returns the factory for every supported backend. The partition
// built for id is assigned the space id.
func New(opts Options) partition.Factory {
	chain := partition.Chain(
		partition.MemoryFactory,
		YjsFactory(opts),
		RemoteFactory(opts),
		OtherPlayersFactory(opts),
	)
	return func(id string, cfg *partition.Config) (partition.Partition, error) {
		p, err := chain(id, cfg)
		if err != nil || p == nil {
			return nil, err
		}
		p.SetSpace(id)
		return p, nil
	}
}

// YjsFactory builds local CRDT partitions.
func YjsFactory(opts Options) partition.Factory {
	return func(id string, cfg *partition.Config) (partition.Partition, error) {
		if !cfg.Is(partition.TypeYjs) {
			return nil, nil
		}
		o := yjs.Options{
			Space:        id,
			InitialState: cfg.InitialState,
			Logger:       opts.logger().With("partition", id),
		}
		if cfg.LocalPersistence && opts.Cache != nil {
			o.Cache = opts.Cache
			o.CacheKey = LocalKey(id)
		}
		return yjs.New(o)
	}
}

// LocalKey is the cache key of a local CRDT partition.
func LocalKey(id string) string { return "local/" + id }

// RemoteFactory builds CRDT partitions synced with a remote branch.
func RemoteFactory(opts Options) partition.Factory {
	return func(id string, cfg *partition.Config) (partition.Partition, error) {
		if !cfg.Is(partition.TypeRemoteYjs, partition.TypeYjsClient) {
			return nil, nil
		}
		ref, err := branchRef(cfg)
		if err != nil {
			return nil, err
		}
		client, err := clientFor(opts, cfg)
		if err != nil {
			return nil, err
		}
		o := remote.Options{
			Client:          client,
			Ref:             ref,
			Space:           id,
			ReadOnly:        cfg.ReadOnly,
			Static:          cfg.Static,
			SkipInitialLoad: cfg.SkipInitialLoad,
			RemoteEvents:    cfg.RemoteEventsEnabled(),
			Passcode:        cfg.UnlockPasscode(),
			Logger:          opts.logger().With("partition", id),
		}
		if cfg.LocalPersistence && opts.Cache != nil && !ref.Temporary {
			o.Cache = opts.Cache
		}
		return remote.New(o)
	}
}

// OtherPlayersFactory builds other-players partitions.
func OtherPlayersFactory(opts Options) partition.Factory {
	return func(id string, cfg *partition.Config) (partition.Partition, error) {
		if !cfg.Is(partition.TypeOtherPlayersRepo, partition.TypeOtherPlayersClient) {
			return nil, nil
		}
		ref, err := branchRef(cfg)
		if err != nil {
			return nil, err
		}
		client, err := clientFor(opts, cfg)
		if err != nil {
			return nil, err
		}
		return otherplayers.New(otherplayers.Options{
			Client: client,
			Ref:    ref,
			Space:  id,
			Logger: opts.logger().With("partition", id),
		})
	}
}

func branchRef(cfg *partition.Config) (wire.BranchRef, error) {
	if cfg.Branch == "" {
		return wire.BranchRef{}, ErrNoBranch
	}
	return wire.BranchRef{
		RecordName: cfg.RecordName,
		Inst:       cfg.Inst,
		Branch:     cfg.Branch,
		Temporary:  cfg.Temporary,
	}, nil
}

func clientFor(opts Options, cfg *partition.Config) (wire.Client, error) {
	if opts.Clients == nil {
		return nil, errors.New("no client provider configured")
	}
	return opts.Clients.Client(cfg)
}

// BuildAll builds every configured partition, in id order. Configs that
// yield no partition are skipped. On error the partitions already built
// are unsubscribed.
func BuildAll(f partition.Factory, configs map[string]*partition.Config) (map[string]partition.Partition, error) {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make(map[string]partition.Partition, len(ids))
	for _, id := range ids {
		p, err := f(id, configs[id])
		if err != nil {
			for _, built := range out {
				built.Unsubscribe()
			}
			return nil, err
		}
		if p == nil {
			continue
		}
		out[id] = p
	}
	return out, nil
}

// ConnectAll connects the partitions in id order.
func ConnectAll(parts map[string]partition.Partition) {
	ids := make([]string, 0, len(parts))
	for id := range parts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		parts[id].Connect()
	}
}

// Describe returns a one-line summary of cfg for logs.
func Describe(cfg *partition.Config) string {
	if cfg.Branch == "" {
		return cfg.Type
	}
	return fmt.Sprintf("%s %s/%s/%s", cfg.Type, cfg.RecordName, cfg.Inst, cfg.Branch)
}
