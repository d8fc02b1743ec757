package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/factory"
	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/observable"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/testutil"
	"github.com/roach88/botsync/internal/wire"
)

// Harness runs one scenario. It owns the hub and the peers' partitions.
type Harness struct {
	scenario *Scenario
	hub      *hub.Hub
	clock    *testutil.DeterministicClock
	logger   *slog.Logger

	peers  []partition.Partition
	subs   observable.Group
	result *Result
	seq    int64
}

// Run executes a scenario and returns its result. An error is returned
// only when the peers could not be set up; failed steps and assertions
// are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		if err := h.runStep(step); err != nil {
			h.result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}
	}
	for _, p := range h.peers {
		h.result.States = append(h.result.States, p.State())
	}
	for _, a := range scenario.Assertions {
		if err := checkAssertion(h.result, a); err != nil {
			h.result.AddError(err.Error())
		}
	}
	return h.result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	h := &Harness{
		scenario: s,
		clock:    testutil.NewDeterministicClock(time.UnixMilli(0)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:   NewResult(),
	}
	h.hub = hub.New(hub.Options{
		IDs:    testutil.NewSequenceIDGenerator("conn"),
		Now:    h.clock.Now,
		Logger: h.logger,
	})

	cfg := s.Partition
	cfg.ConnectionProtocol = partition.ProtocolMemory
	cfg.LocalPersistence = false

	for i := 0; i < s.peers(); i++ {
		pool := factory.NewPool(context.Background(), factory.PoolOptions{
			Hub:     h.hub,
			Session: wire.SessionOptions{Identity: bots.ConnectionInfo{SessionID: fmt.Sprintf("peer-%d", i)}},
			Logger:  h.logger,
		})
		build := factory.New(factory.Options{Clients: pool, Logger: h.logger})
		p, err := build(s.space(), &cfg)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		if p == nil {
			h.close()
			return nil, fmt.Errorf("partition type %q is not supported", cfg.Type)
		}
		h.observe(i, p)
		h.peers = append(h.peers, p)
	}
	for _, p := range h.peers {
		p.Connect()
	}
	return h, nil
}

func (h *Harness) record(e TraceEvent) {
	h.seq++
	e.Seq = h.seq
	h.result.Trace = append(h.result.Trace, e)
}

// observe traces the notifications of peer.
func (h *Harness) observe(peer int, p partition.Partition) {
	h.subs.Add(
		p.OnBotsAdded().Subscribe(func(added []*bots.Bot) {
			ids := make([]string, len(added))
			for i, b := range added {
				ids[i] = b.ID
			}
			slices.Sort(ids)
			h.record(TraceEvent{Peer: peer, Kind: KindAdded, IDs: ids})
		}),
		p.OnBotsRemoved().Subscribe(func(removed []string) {
			ids := slices.Clone(removed)
			slices.Sort(ids)
			h.record(TraceEvent{Peer: peer, Kind: KindRemoved, IDs: ids})
		}),
		p.OnBotsUpdated().Subscribe(func(updated []bots.UpdatedBot) {
			out := make([]UpdatedTags, len(updated))
			for i, u := range updated {
				out[i] = UpdatedTags{ID: u.Bot.ID, Tags: slices.Clone(u.Tags)}
			}
			slices.SortFunc(out, func(a, b UpdatedTags) int {
				switch {
				case a.ID < b.ID:
					return -1
				case a.ID > b.ID:
					return 1
				}
				return 0
			})
			h.record(TraceEvent{Peer: peer, Kind: KindUpdated, Updated: out})
		}),
		p.OnEvents().Subscribe(func(actions []bots.Action) {
			types := make([]string, len(actions))
			for i, a := range actions {
				types[i] = a.ActionType()
			}
			h.record(TraceEvent{Peer: peer, Kind: KindEvents, Actions: types})
		}),
		p.OnError().Subscribe(func(err error) {
			h.record(TraceEvent{Peer: peer, Kind: KindError, Error: err.Error()})
		}),
	)
}

func (h *Harness) runStep(step Step) error {
	p := h.peers[step.Peer]
	var actions []bots.Action
	if step.Edit != nil {
		actions = []bots.Action{editAction(p, step.Edit)}
	} else {
		for _, a := range step.Apply {
			actions = append(actions, toAction(a))
		}
	}
	_, err := p.ApplyEvents(actions)
	return err
}

func toAction(a ActionSpec) bots.Action {
	switch {
	case a.Add != nil:
		return bots.AddBot(a.Add)
	case a.Remove != "":
		return bots.RemoveBot(a.Remove)
	case a.Update != nil:
		u := bots.UpdateBot(a.Update.ID, a.Update.Tags)
		u.Masks = a.Update.Masks
		return u
	default:
		return bots.ApplyState(a.State)
	}
}

// editAction builds the edit against the peer's current version. Peers
// without a version edit against the empty version.
func editAction(p partition.Partition, e *EditSpec) bots.Action {
	version := bots.VersionVector{}
	if v, ok := p.(interface{ Version() bots.CurrentVersion }); ok {
		version = v.Version().Vector.Clone()
	}
	ops := make([]bots.TagEditOp, len(e.Ops))
	for i, op := range e.Ops {
		switch {
		case op.Preserve > 0:
			ops[i] = bots.Preserve(op.Preserve)
		case op.Insert != "":
			ops[i] = bots.Insert(op.Insert)
		default:
			ops[i] = bots.Delete(op.Delete)
		}
	}
	return bots.UpdateBot(e.Bot, bots.Tags{e.Tag: bots.Edit(version, ops...)})
}

func (h *Harness) close() {
	h.subs.Unsubscribe()
	for _, p := range h.peers {
		p.Unsubscribe()
	}
}
