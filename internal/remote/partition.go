// Package remote implements CRDT partitions synchronized with a branch
// server through a wire.Client.
//
// A partition runs in one of three modes. Live partitions watch their
// branch and push every local update. Static partitions fetch the branch
// once and keep local updates to themselves until the space is unlocked
// with its passcode. Read-only partitions accept remote updates and ignore
// local mutations.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/crdt"
	"github.com/roach88/botsync/internal/observable"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/wire"
	"github.com/roach88/botsync/internal/yjs"
)

// ErrWrongPasscode rejects an unlock with a password that does not match.
var ErrWrongPasscode = errors.New("the provided password is not correct")

// Names of the derived shout notifications.
const (
	EventRemoteData    = "onRemoteData"
	EventRemoteWhisper = "onRemoteWhisper"
)

// Options configures a Partition.
type Options struct {
	Client wire.Client
	Ref    wire.BranchRef
	Space  string

	ReadOnly        bool
	Static          bool
	SkipInitialLoad bool

	// RemoteEvents surfaces device actions received on the branch.
	RemoteEvents bool

	// Passcode unlocks a static partition. Empty means
	// partition.DefaultPasscode.
	Passcode string

	ClientID crdt.ClientID
	Cache    yjs.Cache
	Logger   *slog.Logger
}

// Partition is a CRDT partition kept in sync with a remote branch.
type Partition struct {
	*yjs.Partition

	client wire.Client
	ref    wire.BranchRef
	logger *slog.Logger

	readOnly        bool
	static          bool
	skipInitialLoad bool
	remoteEvents    bool
	passcode        string

	connected      bool
	synced         bool
	maxSizeHandled bool
	fetching       bool
	pendingUnlock  []*bots.UnlockSpaceAction
	queued         [][]byte
	nextUpdateID   int

	subs      observable.Group
	queries   map[int]observable.Subscription
	nextQuery int
	started   bool
	watching  bool
	closed    bool
}

var _ partition.Versioned = (*Partition)(nil)

// New creates a partition for opts.Ref. Nothing is sent until Connect.
func New(opts Options) (*Partition, error) {
	if opts.Client == nil {
		return nil, errors.New("remote partition requires a client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("branch", opts.Ref.Key())
	passcode := opts.Passcode
	if passcode == "" {
		passcode = partition.DefaultPasscode
	}
	p := &Partition{
		client:          opts.Client,
		ref:             opts.Ref,
		logger:          logger,
		readOnly:        opts.ReadOnly,
		static:          opts.Static,
		skipInitialLoad: opts.SkipInitialLoad,
		remoteEvents:    opts.RemoteEvents,
		passcode:        passcode,
		queries:         make(map[int]observable.Subscription),
	}
	doc, err := yjs.New(yjs.Options{
		Space:         opts.Space,
		ClientID:      opts.ClientID,
		Cache:         opts.Cache,
		CacheKey:      opts.Ref.Key(),
		OnLocalUpdate: p.onLocalUpdate,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	p.Partition = doc
	return p, nil
}

// Ref returns the branch the partition is synchronized with.
func (p *Partition) Ref() wire.BranchRef { return p.ref }

// Static reports whether the partition is still in static mode.
func (p *Partition) Static() bool { return p.static }

// ReadOnly reports whether local mutations are ignored. A static
// read-only partition stays read-only after it is unlocked.
func (p *Partition) ReadOnly() bool { return p.readOnly }

// Synced reports whether the partition caught up with its branch.
func (p *Partition) Synced() bool { return p.synced }

func (p *Partition) Closed() bool { return p.closed }

// Connect loads the local cache, follows the connection state, and
// starts the initial load: a watch in live mode, a single fetch in static
// mode, nothing with SkipInitialLoad. Only the first call has an effect.
func (p *Partition) Connect() {
	if p.closed || p.started {
		return
	}
	p.started = true
	if err := p.LoadCache(context.Background()); err != nil {
		p.EmitError(err)
	}
	p.subs.Add(
		p.client.ConnectionState().Subscribe(p.onConnectionState),
		p.client.RateLimitExceeded().Subscribe(p.onRateLimit),
	)
	switch {
	case p.static:
		p.fetch()
	case p.skipInitialLoad:
	default:
		p.watch()
	}
}

func (p *Partition) onConnectionState(state wire.ConnectionState) {
	if p.closed {
		return
	}
	if !state.Connected {
		if !p.connected {
			return
		}
		p.connected = false
		p.logger.Info("remote partition disconnected")
		p.EmitStatus(partition.Connection(false))
		p.setSynced(false)
		return
	}
	p.connected = true
	p.logger.Info("remote partition connected")
	p.EmitStatus(partition.Connection(true))
	p.EmitStatus(partition.Authentication(true, state.Info))
	p.EmitStatus(partition.Authorization(true, nil))
	if p.skipInitialLoad && !p.static {
		p.setSynced(true)
	}
}

func (p *Partition) setSynced(synced bool) {
	if p.synced == synced {
		return
	}
	p.synced = synced
	p.EmitStatus(partition.Sync(synced))
}

func (p *Partition) watch() {
	if p.watching {
		return
	}
	p.watching = true
	p.logger.Debug("watching branch")
	p.subs.Add(p.client.WatchBranch(p.ref).Subscribe(p.onBranchEvent))
}

func (p *Partition) fetch() {
	p.fetching = true
	p.logger.Debug("fetching branch")
	query(p, p.client.GetBranchUpdates(p.ref), func(r wire.BranchUpdates) {
		if p.closed {
			return
		}
		p.fetching = false
		if r.Err != nil {
			p.handleError(r.Err)
		} else {
			p.applyRemote(r.Updates)
		}
		pending := p.pendingUnlock
		p.pendingUnlock = nil
		for _, u := range pending {
			p.unlock(u)
		}
	})
}

// query subscribes fn to the single result of src. The subscription is
// released once the result arrives, or by Unsubscribe if it never does.
func query[T any](p *Partition, src observable.Observable[T], fn func(T)) {
	p.nextQuery++
	id := p.nextQuery
	done := false
	sub := src.Subscribe(func(v T) {
		if done {
			return
		}
		done = true
		if s, ok := p.queries[id]; ok {
			delete(p.queries, id)
			s.Unsubscribe()
		}
		fn(v)
	})
	if done {
		sub.Unsubscribe()
		return
	}
	p.queries[id] = sub
}

func (p *Partition) onBranchEvent(e wire.BranchEvent) {
	if p.closed {
		return
	}
	switch e.Type {
	case wire.EventUpdates:
		p.applyRemote(e.Updates)
	case wire.EventAction:
		if p.remoteEvents && e.Action != nil {
			p.Emit(deviceActions(e.Action)...)
		}
	case wire.EventError:
		p.handleError(e.Err)
	case wire.EventMaxSizeReached:
		if p.maxSizeHandled {
			return
		}
		p.maxSizeHandled = true
		p.logger.Warn("branch size limit reached", "max", e.MaxBranchSizeInBytes, "needed", e.NeededBranchSizeInBytes)
		p.Emit(&bots.MaxInstSizeReachedAction{
			Space:                   p.Space(),
			MaxBranchSizeInBytes:    e.MaxBranchSizeInBytes,
			NeededBranchSizeInBytes: e.NeededBranchSizeInBytes,
		})
	}
}

// applyRemote integrates one inbound batch. Any batch, even an empty one,
// completes the initial sync.
func (p *Partition) applyRemote(updates [][]byte) {
	if err := p.ApplyRemoteUpdates(updates); err != nil {
		p.EmitError(err)
	}
	p.setSynced(true)
}

func (p *Partition) onRateLimit(r wire.RateLimit) {
	if p.closed {
		return
	}
	p.logger.Warn("rate limit exceeded", "retry_after", r.RetryAfter)
	p.Emit(&bots.RateLimitExceededAction{Space: p.Space(), RetryAfterMs: r.RetryAfter.Milliseconds()})
}

func (p *Partition) handleError(err *wire.Error) {
	if err == nil {
		return
	}
	if !wire.IsAuthorizationCode(err.Code) {
		p.EmitError(err)
		return
	}
	p.logger.Warn("access denied", "code", err.Code, "message", err.Message)
	p.EmitStatus(partition.Authorization(false, err))
	p.Emit(&bots.RequestAuthAction{
		ErrorCode:    string(err.Code),
		ErrorMessage: err.Message,
		Reason:       err.Reason,
		Resource: bots.Resource{
			Kind:       "inst",
			RecordName: p.ref.RecordName,
			Inst:       p.ref.Inst,
			Branch:     p.ref.Branch,
		},
	})
}

// deviceActions rehomes an action received from another device. Shouts
// also produce remote data and whisper notifications.
func deviceActions(dev *bots.DeviceAction) []bots.Action {
	remoteID := dev.Connection.SessionID
	from := &bots.FromRemoteAction{Event: dev.Event, RemoteID: remoteID, TaskID: dev.TaskID}
	if dev.TaskID != "" {
		from.PlayerID = remoteID
	}
	out := []bots.Action{from}
	if shout, ok := dev.Event.(*bots.ShoutAction); ok {
		for _, name := range []string{EventRemoteData, EventRemoteWhisper} {
			out = append(out, &bots.RemoteDataAction{
				Event:    name,
				Name:     shout.EventName,
				Argument: shout.Argument,
				RemoteID: remoteID,
			})
		}
	}
	return out
}

func (p *Partition) onLocalUpdate(update []byte) {
	switch {
	case p.closed, p.readOnly:
	case p.static:
		p.queued = append(p.queued, update)
	default:
		p.push([][]byte{update})
	}
}

func (p *Partition) push(updates [][]byte) {
	p.nextUpdateID++
	p.client.AddUpdates(p.ref, updates, p.nextUpdateID)
}

// ApplyEvents applies bot mutations. Read-only partitions ignore them,
// static or not. In static mode they change the local document and are
// sent once the space is unlocked.
func (p *Partition) ApplyEvents(events []bots.Action) ([]bots.Action, error) {
	if p.closed {
		return nil, partition.ErrClosed
	}
	if p.ReadOnly() {
		return nil, nil
	}
	return p.Partition.ApplyEvents(events)
}

// SendRemoteEvents handles remote actions. Branch queries and document
// actions are answered locally; everything else is relayed to the
// devices on the branch.
func (p *Partition) SendRemoteEvents(events []bots.Action) error {
	if p.closed {
		return partition.ErrClosed
	}
	for _, e := range events {
		switch a := e.(type) {
		case *bots.UnlockSpaceAction:
			p.Unlock(a)
		case *bots.RemoteAction:
			if err := p.sendRemote(a); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Partition) sendRemote(remote *bots.RemoteAction) error {
	switch e := remote.Event.(type) {
	case *bots.GetRemoteCountAction:
		ref := p.ref
		if e.RecordName != "" || e.Inst != "" || e.Branch != "" {
			ref = wire.BranchRef{RecordName: e.RecordName, Inst: e.Inst, Branch: e.Branch}
		}
		query(p, p.client.ConnectionCount(ref), func(count int) {
			if !p.closed {
				p.Emit(bots.AsyncResult(remote.TaskID, count))
			}
		})
		return nil
	case *bots.ListInstUpdatesAction:
		query(p, p.client.GetBranchUpdates(p.ref), func(r wire.BranchUpdates) {
			if p.closed {
				return
			}
			if r.Err != nil {
				p.Emit(bots.AsyncError(remote.TaskID, r.Err))
				return
			}
			p.Emit(bots.AsyncResult(remote.TaskID, instUpdates(r)))
		})
		return nil
	case *bots.UnlockSpaceAction:
		u := *e
		if u.TaskID == "" {
			u.TaskID = remote.TaskID
		}
		p.Unlock(&u)
		return nil
	}
	handled, err := p.HandleInstAction(remote)
	if handled {
		return err
	}
	p.client.SendAction(p.ref, remote)
	return nil
}

func instUpdates(r wire.BranchUpdates) []bots.InstUpdate {
	out := make([]bots.InstUpdate, len(r.Updates))
	for i, u := range r.Updates {
		out[i] = bots.InstUpdate{ID: i, Update: base64.StdEncoding.EncodeToString(u)}
		if i < len(r.Timestamps) {
			out[i].Timestamp = r.Timestamps[i]
		}
	}
	return out
}

// Unlock lifts static mode when the password matches. An unlock received
// while the initial fetch is pending runs once the fetch completes.
func (p *Partition) Unlock(a *bots.UnlockSpaceAction) {
	if p.closed || (a.Space != "" && a.Space != p.Space()) {
		return
	}
	if p.fetching {
		p.pendingUnlock = append(p.pendingUnlock, a)
		return
	}
	p.unlock(a)
}

func (p *Partition) unlock(a *bots.UnlockSpaceAction) {
	if a.Password != p.passcode {
		p.logger.Warn("unlock rejected", "space", p.Space())
		p.resolve(a.TaskID, nil, ErrWrongPasscode)
		return
	}
	if p.static {
		p.static = false
		p.logger.Info("space unlocked", "space", p.Space(), "read_only", p.readOnly)
		p.watch()
		queued := p.queued
		p.queued = nil
		if len(queued) > 0 && !p.readOnly {
			p.push(queued)
		}
	}
	p.resolve(a.TaskID, nil, nil)
}

func (p *Partition) resolve(taskID string, result any, err error) {
	if taskID == "" {
		if err != nil {
			p.EmitError(err)
		}
		return
	}
	if err != nil {
		p.Emit(bots.AsyncError(taskID, err))
		return
	}
	p.Emit(bots.AsyncResult(taskID, result))
}

// Unsubscribe stops every network subscription before completing the
// partition's streams.
func (p *Partition) Unsubscribe() {
	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.queries {
		delete(p.queries, id)
		sub.Unsubscribe()
	}
	p.subs.Unsubscribe()
	p.Partition.Unsubscribe()
}
