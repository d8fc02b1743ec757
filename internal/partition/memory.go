package partition

import (
	"log/slog"
	"slices"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/observable"
)

// MemoryOptions configures a Memory partition.
type MemoryOptions struct {
	InitialState bots.BotsState
	Space        string
	Logger       *slog.Logger
}

// Memory is a partition that keeps its state in process memory. It is
// also the observable state cache of the CRDT-backed partitions, which is
// why its batching rules are the reference for every backend.
type Memory struct {
	space  string
	state  bots.BotsState
	closed bool
	logger *slog.Logger

	added        *observable.Subject[[]*bots.Bot]
	removed      *observable.Subject[[]string]
	updated      *observable.Subject[[]bots.UpdatedBot]
	stateUpdated *observable.Subject[bots.StateUpdate]
	errors       *observable.Subject[error]
	events       *observable.Subject[[]bots.Action]
	status       *observable.Subject[StatusUpdate]
}

// NewMemory creates a memory partition.
func NewMemory(opts MemoryOptions) *Memory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		space:        opts.Space,
		state:        make(bots.BotsState),
		logger:       logger,
		added:        observable.NewSubject[[]*bots.Bot](),
		removed:      observable.NewSubject[[]string](),
		updated:      observable.NewSubject[[]bots.UpdatedBot](),
		stateUpdated: observable.NewSubject[bots.StateUpdate](),
		errors:       observable.NewSubject[error](),
		events:       observable.NewSubject[[]bots.Action](),
		status:       observable.NewSubject[StatusUpdate](),
	}
	for id, b := range opts.InitialState {
		if b != nil {
			m.state[id] = m.stamp(b.Clone())
		}
	}
	return m
}

func (m *Memory) stamp(b *bots.Bot) *bots.Bot {
	if m.space != "" {
		b.Space = m.space
	}
	return b
}

func (m *Memory) State() bots.BotsState { return m.state }
func (m *Memory) Space() string         { return m.space }
func (m *Memory) SetSpace(space string) { m.space = space }
func (m *Memory) Closed() bool          { return m.closed }

func (m *Memory) OnBotsAdded() observable.Observable[[]*bots.Bot] {
	return observable.StartWith[[]*bots.Bot](m.added, func() ([]*bots.Bot, bool) {
		current := m.state.Bots()
		return current, len(current) > 0
	})
}

func (m *Memory) OnBotsRemoved() observable.Observable[[]string]          { return m.removed }
func (m *Memory) OnBotsUpdated() observable.Observable[[]bots.UpdatedBot] { return m.updated }
func (m *Memory) OnStateUpdated() observable.Observable[bots.StateUpdate] { return m.stateUpdated }
func (m *Memory) OnError() observable.Observable[error]                   { return m.errors }
func (m *Memory) OnEvents() observable.Observable[[]bots.Action]          { return m.events }
func (m *Memory) OnStatusUpdated() observable.Observable[StatusUpdate]    { return m.status }

// Connect reports a fully connected and synced partition immediately.
func (m *Memory) Connect() {
	for _, s := range Connected(&bots.ConnectionInfo{ConnectionID: "memory", SessionID: "memory"}) {
		m.status.Next(s)
	}
}

// SendRemoteEvents has no remote side to send to.
func (m *Memory) SendRemoteEvents(events []bots.Action) error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Unsubscribe completes every stream.
func (m *Memory) Unsubscribe() {
	if m.closed {
		return
	}
	m.closed = true
	m.added.Complete()
	m.removed.Complete()
	m.updated.Complete()
	m.stateUpdated.Complete()
	m.errors.Complete()
	m.events.Complete()
	m.status.Complete()
}

// batch accumulates the changes of one ApplyEvents call.
type batch struct {
	prev bots.BotsState
	next bots.BotsState

	added      []string
	addedSet   map[string]bool
	removed    []string
	updated    []string
	updatedSet map[string]*bots.UpdatedBot
}

func (b *batch) mutable() bots.BotsState {
	if b.next == nil {
		b.next = b.prev.Clone()
	}
	return b.next
}

func (b *batch) current() bots.BotsState {
	if b.next != nil {
		return b.next
	}
	return b.prev
}

// ApplyEvents applies add, remove, update and apply_state actions. Other
// actions are ignored.
func (m *Memory) ApplyEvents(events []bots.Action) ([]bots.Action, error) {
	if m.closed {
		return nil, ErrClosed
	}
	b := &batch{
		prev:       m.state,
		addedSet:   make(map[string]bool),
		updatedSet: make(map[string]*bots.UpdatedBot),
	}
	for _, e := range bots.Lower(m.state, events) {
		switch a := e.(type) {
		case *bots.AddBotAction:
			if a.Bot != nil {
				m.applyAdd(b, a.Bot)
			}
		case *bots.RemoveBotAction:
			m.applyRemove(b, a.ID)
		case *bots.UpdateBotAction:
			m.applyUpdate(b, a)
		}
	}
	m.commit(b)
	return nil, nil
}

func (m *Memory) applyAdd(b *batch, bot *bots.Bot) {
	next := b.mutable()
	next[bot.ID] = m.stamp(bot.Clone())
	if !b.addedSet[bot.ID] {
		b.addedSet[bot.ID] = true
		b.added = append(b.added, bot.ID)
	}
	if i := slices.Index(b.removed, bot.ID); i >= 0 {
		b.removed = slices.Delete(b.removed, i, i+1)
	}
	delete(b.updatedSet, bot.ID)
}

func (m *Memory) applyRemove(b *batch, id string) {
	if _, ok := b.current()[id]; !ok {
		return
	}
	delete(b.mutable(), id)
	delete(b.updatedSet, id)
	if b.addedSet[id] {
		delete(b.addedSet, id)
		b.added = slices.DeleteFunc(b.added, func(s string) bool { return s == id })
		if _, existed := b.prev[id]; !existed {
			// Added and removed in the same batch: nobody ever saw it.
			return
		}
	}
	b.removed = append(b.removed, id)
}

func (m *Memory) applyUpdate(b *batch, a *bots.UpdateBotAction) {
	bot, ok := b.current()[a.ID]
	if !ok || bot == nil {
		return
	}
	var changed []string
	edits := make(map[string]*bots.TagEdit)
	var nb *bots.Bot
	clone := func() *bots.Bot {
		if nb == nil {
			nb = bot.Clone()
		}
		return nb
	}

	for _, tag := range a.Tags.SortedKeys() {
		value := a.Tags[tag]
		old, exists := bot.Tags[tag]
		if edit, ok := value.(*bots.TagEdit); ok {
			value = bots.ApplyEdit(old, edit)
			edits[tag] = edit
		}
		if value == nil {
			if exists {
				delete(clone().Tags, tag)
				changed = append(changed, tag)
			}
			continue
		}
		if exists && bots.ValuesEqual(old, value) {
			continue
		}
		clone().Tags[tag] = value
		changed = append(changed, tag)
	}

	if masks, ok := a.Masks[m.space]; ok && m.space != "" {
		for _, tag := range masks.SortedKeys() {
			value := masks[tag]
			old, exists := bot.Mask(m.space, tag)
			if edit, ok := value.(*bots.TagEdit); ok {
				value = bots.ApplyEdit(old, edit)
				edits[tag] = edit
			}
			if value == nil {
				if exists {
					c := clone()
					delete(c.Masks[m.space], tag)
					if len(c.Masks[m.space]) == 0 {
						delete(c.Masks, m.space)
					}
					changed = append(changed, tag)
				}
				continue
			}
			if exists && bots.ValuesEqual(old, value) {
				continue
			}
			c := clone()
			if c.Masks == nil {
				c.Masks = make(map[string]bots.Tags)
			}
			if c.Masks[m.space] == nil {
				c.Masks[m.space] = make(bots.Tags)
			}
			c.Masks[m.space][tag] = value
			changed = append(changed, tag)
		}
	}

	if nb == nil {
		return
	}
	b.mutable()[a.ID] = nb
	if b.addedSet[a.ID] {
		return
	}
	u, ok := b.updatedSet[a.ID]
	if !ok {
		u = &bots.UpdatedBot{}
		b.updatedSet[a.ID] = u
		b.updated = append(b.updated, a.ID)
	}
	u.Bot = nb
	for _, tag := range changed {
		if !slices.Contains(u.Tags, tag) {
			u.Tags = append(u.Tags, tag)
		}
		if edit, ok := edits[tag]; ok {
			if u.Edits == nil {
				u.Edits = make(map[string]*bots.TagEdit)
			}
			u.Edits[tag] = edit
		} else {
			delete(u.Edits, tag)
		}
	}
	slices.Sort(u.Tags)
}

func (m *Memory) commit(b *batch) {
	if b.next == nil {
		return
	}
	var update bots.StateUpdate
	for _, id := range b.added {
		update.Added = append(update.Added, b.next[id])
	}
	update.Removed = b.removed
	for _, id := range b.updated {
		if u, ok := b.updatedSet[id]; ok {
			update.Updated = append(update.Updated, *u)
		}
	}

	m.state = b.next
	if update.Empty() {
		return
	}
	m.logger.Debug("memory partition batch",
		"space", m.space,
		"added", len(update.Added),
		"removed", len(update.Removed),
		"updated", len(update.Updated),
	)
	if len(update.Added) > 0 {
		m.added.Next(update.Added)
	}
	if len(update.Removed) > 0 {
		m.removed.Next(update.Removed)
	}
	if len(update.Updated) > 0 {
		m.updated.Next(update.Updated)
	}
	m.stateUpdated.Next(update)
}

// Emit publishes out-of-band actions on the events stream.
func (m *Memory) Emit(actions []bots.Action) {
	if len(actions) > 0 {
		m.events.Next(actions)
	}
}

// EmitError publishes err on the error stream.
func (m *Memory) EmitError(err error) {
	m.errors.Next(err)
}

// EmitStatus publishes a status update.
func (m *Memory) EmitStatus(s StatusUpdate) {
	m.status.Next(s)
}
