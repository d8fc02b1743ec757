// Package otherplayers implements a read-only partition that shows the
// bots of every other player connected to a branch.
//
// Each player publishes its own bots on a temporary branch named
// "{branch}-player-{sessionId}". The partition watches device presence on
// the main branch and, for every other session, loads that player's
// branch through a read-only remote partition and merges its bots into
// one aggregated state.
package otherplayers

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/observable"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/remote"
	"github.com/roach88/botsync/internal/wire"
)

// Lifecycle events raised when players come and go.
const (
	EventRemoteJoined             = "onRemoteJoined"
	EventRemoteLeave              = "onRemoteLeave"
	EventRemotePlayerSubscribed   = "onRemotePlayerSubscribed"
	EventRemotePlayerUnsubscribed = "onRemotePlayerUnsubscribed"
)

// PlayerBranch returns the branch a player's bots are published on.
func PlayerBranch(branch, sessionID string) string {
	return fmt.Sprintf("%s-player-%s", branch, sessionID)
}

// Options configures a Partition.
type Options struct {
	Client wire.Client
	Ref    wire.BranchRef
	Space  string
	Logger *slog.Logger
}

// Partition aggregates the player partitions of the other sessions on a
// branch.
type Partition struct {
	client wire.Client
	ref    wire.BranchRef
	logger *slog.Logger

	state   *partition.Memory
	players map[string]*player

	subs      observable.Group
	connected bool
	closed    bool
}

// player is the registry entry for one remote session.
type player struct {
	sessionID string
	refs      int
	part      *remote.Partition
	subs      observable.Group
}

var _ partition.Partition = (*Partition)(nil)

// New creates an other-players partition for opts.Ref.
func New(opts Options) (*Partition, error) {
	if opts.Client == nil {
		return nil, errors.New("other players partition requires a client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("branch", opts.Ref.Key())
	return &Partition{
		client:  opts.Client,
		ref:     opts.Ref,
		logger:  logger,
		state:   partition.NewMemory(partition.MemoryOptions{Space: opts.Space, Logger: logger}),
		players: make(map[string]*player),
	}, nil
}

func (p *Partition) State() bots.BotsState { return p.state.State() }
func (p *Partition) Space() string         { return p.state.Space() }
func (p *Partition) Closed() bool          { return p.closed }

func (p *Partition) SetSpace(space string) {
	p.state.SetSpace(space)
	for _, pl := range p.players {
		pl.part.SetSpace(space)
	}
}

func (p *Partition) OnBotsAdded() observable.Observable[[]*bots.Bot] { return p.state.OnBotsAdded() }
func (p *Partition) OnBotsRemoved() observable.Observable[[]string]  { return p.state.OnBotsRemoved() }
func (p *Partition) OnBotsUpdated() observable.Observable[[]bots.UpdatedBot] {
	return p.state.OnBotsUpdated()
}
func (p *Partition) OnStateUpdated() observable.Observable[bots.StateUpdate] {
	return p.state.OnStateUpdated()
}
func (p *Partition) OnError() observable.Observable[error]          { return p.state.OnError() }
func (p *Partition) OnEvents() observable.Observable[[]bots.Action] { return p.state.OnEvents() }
func (p *Partition) OnStatusUpdated() observable.Observable[partition.StatusUpdate] {
	return p.state.OnStatusUpdated()
}

// Players returns the session ids of the players currently loaded, sorted.
func (p *Partition) Players() []string {
	ids := make([]string, 0, len(p.players))
	for id := range p.players {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Connect follows the connection state and device presence on the branch.
func (p *Partition) Connect() {
	if p.closed {
		return
	}
	p.subs.Add(
		p.client.ConnectionState().Subscribe(p.onConnectionState),
		p.client.WatchBranchDevices(p.ref).Subscribe(p.onDevice),
	)
}

func (p *Partition) onConnectionState(state wire.ConnectionState) {
	if p.closed {
		return
	}
	if state.Connected {
		p.connected = true
		for _, s := range partition.Connected(state.Info) {
			p.state.EmitStatus(s)
		}
		return
	}
	if p.connected {
		p.connected = false
		p.state.EmitStatus(partition.Connection(false))
		p.state.EmitStatus(partition.Sync(false))
	}
}

func (p *Partition) onDevice(e wire.DeviceEvent) {
	if p.closed {
		return
	}
	sid := e.Info.SessionID
	if sid == "" || sid == p.client.Info().SessionID {
		return
	}
	if e.Connected {
		p.playerConnected(sid)
	} else {
		p.playerDisconnected(sid)
	}
}

func (p *Partition) playerConnected(sid string) {
	if pl, ok := p.players[sid]; ok {
		pl.refs++
		return
	}
	ref := wire.BranchRef{
		RecordName: p.ref.RecordName,
		Inst:       p.ref.Inst,
		Branch:     PlayerBranch(p.ref.Branch, sid),
		Temporary:  true,
	}
	part, err := remote.New(remote.Options{
		Client:   p.client,
		Ref:      ref,
		Space:    p.Space(),
		ReadOnly: true,
		Logger:   p.logger,
	})
	if err != nil {
		p.state.EmitError(fmt.Errorf("player %s: %w", sid, err))
		return
	}
	pl := &player{sessionID: sid, refs: 1, part: part}
	p.players[sid] = pl
	p.logger.Info("player joined", "session", sid)

	pl.subs.Add(
		part.OnBotsAdded().Subscribe(func(added []*bots.Bot) {
			actions := make([]bots.Action, len(added))
			for i, b := range added {
				actions[i] = bots.AddBot(b)
			}
			p.apply(actions)
		}),
		part.OnBotsRemoved().Subscribe(func(ids []string) {
			actions := make([]bots.Action, len(ids))
			for i, id := range ids {
				actions[i] = bots.RemoveBot(id)
			}
			p.apply(actions)
		}),
		part.OnBotsUpdated().Subscribe(func(updated []bots.UpdatedBot) {
			actions := make([]bots.Action, 0, len(updated))
			for _, u := range updated {
				actions = append(actions, p.updateAction(u))
			}
			p.apply(actions)
		}),
		part.OnError().Subscribe(p.state.EmitError),
	)
	p.state.Emit([]bots.Action{
		&bots.RemoteLifecycleAction{Event: EventRemoteJoined, RemoteID: sid},
		&bots.RemoteLifecycleAction{Event: EventRemotePlayerSubscribed, RemoteID: sid},
	})
	part.Connect()
}

// updateAction copies the changed tags and masks of u into an update of
// the aggregated state.
func (p *Partition) updateAction(u bots.UpdatedBot) *bots.UpdateBotAction {
	space := p.Space()
	tags := make(bots.Tags, len(u.Tags))
	var masks bots.Tags
	for _, tag := range u.Tags {
		tags[tag] = u.Bot.Tags[tag]
		if space == "" {
			continue
		}
		if masks == nil {
			masks = make(bots.Tags)
		}
		v, _ := u.Bot.Mask(space, tag)
		masks[tag] = v
	}
	a := bots.UpdateBot(u.Bot.ID, tags)
	if masks != nil {
		a.Masks = map[string]bots.Tags{space: masks}
	}
	return a
}

func (p *Partition) apply(actions []bots.Action) {
	if p.closed || len(actions) == 0 {
		return
	}
	if _, err := p.state.ApplyEvents(actions); err != nil {
		p.state.EmitError(err)
	}
}

func (p *Partition) playerDisconnected(sid string) {
	pl, ok := p.players[sid]
	if !ok {
		return
	}
	pl.refs--
	if pl.refs > 0 {
		return
	}
	delete(p.players, sid)
	ids := pl.part.State().IDs()
	pl.subs.Unsubscribe()
	pl.part.Unsubscribe()
	p.logger.Info("player left", "session", sid, "bots", len(ids))

	actions := make([]bots.Action, len(ids))
	for i, id := range ids {
		actions[i] = bots.RemoveBot(id)
	}
	p.apply(actions)
	p.state.Emit([]bots.Action{
		&bots.RemoteLifecycleAction{Event: EventRemoteLeave, RemoteID: sid},
		&bots.RemoteLifecycleAction{Event: EventRemotePlayerUnsubscribed, RemoteID: sid},
	})
}

// ApplyEvents ignores local mutations: the partition is read-only.
func (p *Partition) ApplyEvents([]bots.Action) ([]bots.Action, error) {
	if p.closed {
		return nil, partition.ErrClosed
	}
	return nil, nil
}

// SendRemoteEvents answers get_remotes with this session and every loaded
// player, sorted. Other actions are ignored.
func (p *Partition) SendRemoteEvents(events []bots.Action) error {
	if p.closed {
		return partition.ErrClosed
	}
	for _, e := range events {
		r, ok := e.(*bots.RemoteAction)
		if !ok {
			continue
		}
		if _, ok := r.Event.(*bots.GetRemotesAction); !ok {
			continue
		}
		p.state.Emit([]bots.Action{bots.AsyncResult(r.TaskID, p.remotes())})
	}
	return nil
}

func (p *Partition) remotes() []string {
	ids := []string{p.client.Info().SessionID}
	for id, pl := range p.players {
		if pl.refs > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Unsubscribe tears down every player partition and completes the streams.
func (p *Partition) Unsubscribe() {
	if p.closed {
		return
	}
	p.closed = true
	p.subs.Unsubscribe()
	for sid, pl := range p.players {
		pl.subs.Unsubscribe()
		pl.part.Unsubscribe()
		delete(p.players, sid)
	}
	p.state.Unsubscribe()
}
