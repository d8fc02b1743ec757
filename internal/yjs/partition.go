// Package yjs implements partitions backed by a CRDT document.
//
// The document has two root maps. "bots" holds one nested map per bot,
// from tag name to value; string values are stored as shared texts so
// concurrent edits merge character by character. "masks" holds the tag
// masks of the partition's space under "{botId}:{tag}" keys.
//
// Every committed document transaction is translated into bot actions and
// applied to an internal memory partition, which is what observers see.
package yjs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/crdt"
	"github.com/roach88/botsync/internal/observable"
	"github.com/roach88/botsync/internal/partition"
)

// Root map names.
const (
	BotsRoot  = "bots"
	MasksRoot = "masks"
)

// origin tags the source of a document transaction.
type origin int

const (
	originLocal origin = iota + 1
	originRemote
	originCache
	originImport
)

// Cache is a local durable store mirroring the document.
type Cache interface {
	LoadBranch(ctx context.Context, key string) ([][]byte, []int64, error)
	SaveUpdates(ctx context.Context, key string, updates ...[]byte) error
}

// Options configures a Partition.
type Options struct {
	Space        string
	InitialState bots.BotsState

	// ClientID is the local site of the document. Zero picks a random id.
	ClientID crdt.ClientID

	// Cache and CacheKey enable the local durable cache. The cache is
	// loaded by Connect or LoadCache.
	Cache    Cache
	CacheKey string

	// OnLocalUpdate receives the update of every transaction that did not
	// come from the network or the cache.
	OnLocalUpdate func(update []byte)

	Logger *slog.Logger
}

// Partition is a CRDT document exposed as a bot partition.
type Partition struct {
	doc   *crdt.Doc
	bots  *crdt.Map
	masks *crdt.Map

	internal *partition.Memory
	space    string

	localSite  crdt.ClientID
	remoteSite crdt.ClientID
	version    *observable.Behavior[bots.CurrentVersion]

	cache         Cache
	cacheKey      string
	cacheLoaded   bool
	onLocalUpdate func([]byte)

	sub    observable.Subscription
	closed bool
	logger *slog.Logger
}

var _ partition.Versioned = (*Partition)(nil)

// New creates a partition holding opts.InitialState.
func New(opts Options) (*Partition, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	doc := crdt.NewDoc(crdt.WithClientID(opts.ClientID))
	remote := crdt.NewClientID()
	for remote == doc.ClientID() {
		remote = crdt.NewClientID()
	}
	p := &Partition{
		doc:           doc,
		bots:          doc.Map(BotsRoot),
		masks:         doc.Map(MasksRoot),
		internal:      partition.NewMemory(partition.MemoryOptions{Space: opts.Space, Logger: logger}),
		space:         opts.Space,
		localSite:     doc.ClientID(),
		remoteSite:    remote,
		cache:         opts.Cache,
		cacheKey:      opts.CacheKey,
		onLocalUpdate: opts.OnLocalUpdate,
		logger:        logger,
	}
	p.version = observable.NewBehavior(bots.CurrentVersion{
		CurrentSite: p.localSite.String(),
		RemoteSite:  p.remoteSite.String(),
		Vector:      bots.VersionVector{},
	})
	p.sub = doc.OnTransaction().Subscribe(p.onTransaction)

	if len(opts.InitialState) > 0 {
		var adds []bots.Action
		for _, b := range opts.InitialState.Bots() {
			adds = append(adds, bots.AddBot(b))
		}
		if _, err := p.ApplyEvents(adds); err != nil {
			return nil, fmt.Errorf("initial state: %w", err)
		}
	}
	return p, nil
}

// Doc returns the underlying document.
func (p *Partition) Doc() *crdt.Doc { return p.doc }

func (p *Partition) State() bots.BotsState { return p.internal.State() }
func (p *Partition) Space() string         { return p.space }
func (p *Partition) Closed() bool          { return p.closed }

func (p *Partition) SetSpace(space string) {
	p.space = space
	p.internal.SetSpace(space)
}

func (p *Partition) OnBotsAdded() observable.Observable[[]*bots.Bot] {
	return p.internal.OnBotsAdded()
}
func (p *Partition) OnBotsRemoved() observable.Observable[[]string] {
	return p.internal.OnBotsRemoved()
}
func (p *Partition) OnBotsUpdated() observable.Observable[[]bots.UpdatedBot] {
	return p.internal.OnBotsUpdated()
}
func (p *Partition) OnStateUpdated() observable.Observable[bots.StateUpdate] {
	return p.internal.OnStateUpdated()
}
func (p *Partition) OnError() observable.Observable[error]          { return p.internal.OnError() }
func (p *Partition) OnEvents() observable.Observable[[]bots.Action] { return p.internal.OnEvents() }
func (p *Partition) OnStatusUpdated() observable.Observable[partition.StatusUpdate] {
	return p.internal.OnStatusUpdated()
}

// OnVersionUpdated replays the current version to new subscribers.
func (p *Partition) OnVersionUpdated() observable.Observable[bots.CurrentVersion] {
	return p.version
}

// Version returns the current version.
func (p *Partition) Version() bots.CurrentVersion { return p.version.Value() }

// Emit publishes out-of-band actions.
func (p *Partition) Emit(actions ...bots.Action) { p.internal.Emit(actions) }

// EmitError publishes err on the error stream.
func (p *Partition) EmitError(err error) { p.internal.EmitError(err) }

// EmitStatus publishes a status update.
func (p *Partition) EmitStatus(s partition.StatusUpdate) { p.internal.EmitStatus(s) }

// Connect loads the local cache and reports the partition as connected
// and synced.
func (p *Partition) Connect() {
	if p.closed {
		return
	}
	if err := p.LoadCache(context.Background()); err != nil {
		p.EmitError(err)
	}
	for _, s := range partition.Connected(&bots.ConnectionInfo{ConnectionID: p.localSite.String(), SessionID: p.localSite.String()}) {
		p.EmitStatus(s)
	}
}

// LoadCache applies the cached document once. It does nothing without a
// cache.
func (p *Partition) LoadCache(ctx context.Context) error {
	if p.cache == nil || p.cacheLoaded {
		return nil
	}
	p.cacheLoaded = true
	updates, _, err := p.cache.LoadBranch(ctx, p.cacheKey)
	if err != nil {
		return fmt.Errorf("load cache %s: %w", p.cacheKey, err)
	}
	if len(updates) == 0 {
		return nil
	}
	p.logger.Debug("loading cached document", "key", p.cacheKey, "updates", len(updates))
	return p.applyUpdates(updates, originCache)
}

// ApplyRemoteUpdates integrates updates received from the network as one
// batch.
func (p *Partition) ApplyRemoteUpdates(updates [][]byte) error {
	if p.closed {
		return partition.ErrClosed
	}
	return p.applyUpdates(updates, originRemote)
}

func (p *Partition) applyUpdates(updates [][]byte, o origin) error {
	if len(updates) == 0 {
		return nil
	}
	data := updates[0]
	if len(updates) > 1 {
		merged, err := crdt.MergeUpdates(updates...)
		if err != nil {
			return err
		}
		data = merged
	}
	return p.doc.ApplyUpdate(data, o)
}

// EncodeState encodes the whole document as one update.
func (p *Partition) EncodeState() ([]byte, error) {
	return p.doc.EncodeStateAsUpdate(nil)
}

// ApplyEvents applies bot mutations to the document in one transaction.
func (p *Partition) ApplyEvents(events []bots.Action) ([]bots.Action, error) {
	if p.closed {
		return nil, partition.ErrClosed
	}
	err := p.doc.Transact(originLocal, func(txn *crdt.Transaction) error {
		return p.applyLocal(txn, events)
	})
	return nil, err
}

// SendRemoteEvents handles the inst actions a document can answer by
// itself. Other actions are ignored.
func (p *Partition) SendRemoteEvents(events []bots.Action) error {
	if p.closed {
		return partition.ErrClosed
	}
	for _, e := range events {
		remote, ok := e.(*bots.RemoteAction)
		if !ok {
			continue
		}
		if _, err := p.HandleInstAction(remote); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe detaches the document and completes every stream.
func (p *Partition) Unsubscribe() {
	if p.closed {
		return
	}
	p.closed = true
	p.sub.Unsubscribe()
	p.version.Complete()
	p.internal.Unsubscribe()
}

func (p *Partition) onTransaction(txn *crdt.Transaction) {
	if p.closed {
		return
	}
	o, _ := txn.Origin.(origin)

	actions := p.changesToActions(txn)
	if len(actions) > 0 {
		if _, err := p.internal.ApplyEvents(actions); err != nil {
			p.EmitError(err)
		}
	}

	vector := make(bots.VersionVector)
	for client, clock := range p.doc.StateVector() {
		vector[client.String()] = int(clock)
	}
	if !txn.Local {
		delete(vector, p.localSite.String())
	}
	p.version.Next(bots.CurrentVersion{
		CurrentSite: p.localSite.String(),
		RemoteSite:  p.remoteSite.String(),
		Vector:      vector,
	})

	if p.cache != nil && o != originCache {
		if err := p.cache.SaveUpdates(context.Background(), p.cacheKey, txn.Update()); err != nil {
			p.logger.Warn("cache write failed", "key", p.cacheKey, "error", err)
		}
	}
	if p.onLocalUpdate != nil && (o == originLocal || o == originImport) {
		p.onLocalUpdate(txn.Update())
	}
}
