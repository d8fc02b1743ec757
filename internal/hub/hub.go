// Package hub implements the server side of the branch protocol: a
// registry of branches, each holding its ordered update log, its watchers
// and the devices connected to it.
//
// A Hub serves any number of connections. Connections created with
// Connect receive messages through a send function; the websocket server
// and MemoryClient both drive the same Conn.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/wire"
)

// Persister stores the update logs of permanent branches.
type Persister interface {
	LoadBranch(ctx context.Context, key string) (updates [][]byte, timestamps []int64, err error)
	AppendUpdates(ctx context.Context, key string, updates [][]byte, timestamps []int64) error
}

// Options configures a Hub.
type Options struct {
	// MaxBranchBytes caps the total update size of a branch. Zero means
	// no limit.
	MaxBranchBytes int

	// Rate and Burst limit add_updates and send_action per connection.
	// A zero Rate disables limiting.
	Rate  rate.Limit
	Burst int

	Persister Persister

	// Authorize decides whether a connection may access a branch. A nil
	// Authorize allows everything.
	Authorize func(info bots.ConnectionInfo, ref wire.BranchRef) *wire.Error

	// OnUpdatesAccepted is called, outside the hub lock, with updates a
	// connection added. It is not called for updates injected with
	// Inject.
	OnUpdatesAccepted func(ref wire.BranchRef, updates [][]byte)

	// IDs assigns connection ids to logins that carry none. Defaults to
	// UUIDv7.
	IDs bots.IDGenerator

	Logger *slog.Logger
	Now    func() time.Time
}

// Hub is an in-process branch server. It is safe for concurrent use.
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	branches map[string]*branch
	conns    map[*Conn]struct{}
}

type branch struct {
	ref        wire.BranchRef
	loaded     bool
	updates    [][]byte
	timestamps []int64
	ids        map[string]bool
	size       int

	watchers       map[*Conn]bool
	deviceWatchers map[*Conn]bool
}

// New creates a hub.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IDs == nil {
		opts.IDs = bots.UUIDv7Generator{}
	}
	return &Hub{
		opts:     opts,
		logger:   opts.Logger,
		branches: make(map[string]*branch),
		conns:    make(map[*Conn]struct{}),
	}
}

// outbound is a message waiting to be delivered once the hub lock is
// released.
type outbound struct {
	conn *Conn
	msg  wire.Message
}

func (h *Hub) deliver(out []outbound) {
	for _, o := range out {
		if err := o.conn.send(o.msg); err != nil {
			h.logger.Debug("deliver failed", "type", o.msg.Type, "error", err)
		}
	}
}

// Connect registers a connection whose messages are delivered with send.
func (h *Hub) Connect(send func(wire.Message) error) *Conn {
	c := &Conn{
		hub:             h,
		send:            send,
		watching:        make(map[string]wire.BranchRef),
		watchingDevices: make(map[string]bool),
	}
	if h.opts.Rate > 0 {
		c.limiter = rate.NewLimiter(h.opts.Rate, max(h.opts.Burst, 1))
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// branchLocked returns the branch for ref, loading it from the persister
// the first time. h.mu must be held.
func (h *Hub) branchLocked(ref wire.BranchRef) (*branch, error) {
	key := ref.Key()
	b := h.branches[key]
	if b == nil {
		b = &branch{
			ref:            ref,
			ids:            make(map[string]bool),
			watchers:       make(map[*Conn]bool),
			deviceWatchers: make(map[*Conn]bool),
		}
		h.branches[key] = b
	}
	if b.loaded || ref.Temporary || h.opts.Persister == nil {
		b.loaded = true
		return b, nil
	}
	updates, timestamps, err := h.opts.Persister.LoadBranch(context.Background(), key)
	if err != nil {
		return nil, err
	}
	b.loaded = true
	for i, u := range updates {
		var ts int64
		if i < len(timestamps) {
			ts = timestamps[i]
		}
		b.append(u, ts)
	}
	return b, nil
}

// append adds an update unless an identical one is already stored.
func (b *branch) append(update []byte, ts int64) bool {
	id := bots.UpdateID(update)
	if b.ids[id] {
		return false
	}
	b.ids[id] = true
	b.updates = append(b.updates, update)
	b.timestamps = append(b.timestamps, ts)
	b.size += len(update)
	return true
}

// devices returns the identities of the connections watching b.
func (b *branch) devices() []bots.ConnectionInfo {
	var out []bots.ConnectionInfo
	for c := range b.watchers {
		out = append(out, c.info)
	}
	return out
}

// dropIfIdleLocked removes a temporary branch nobody watches anymore.
func (h *Hub) dropIfIdleLocked(b *branch) {
	if b.ref.Temporary && len(b.watchers) == 0 && len(b.deviceWatchers) == 0 {
		delete(h.branches, b.ref.Key())
		h.logger.Debug("dropped temporary branch", "branch", b.ref.Key())
	}
}

// Inject adds updates received from another server instance. They are
// stored and broadcast but not persisted again.
func (h *Hub) Inject(ref wire.BranchRef, updates [][]byte) error {
	h.mu.Lock()
	b, err := h.branchLocked(ref)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	now := h.opts.Now().UnixMilli()
	var fresh [][]byte
	for _, u := range updates {
		if b.append(u, now) {
			fresh = append(fresh, u)
		}
	}
	var out []outbound
	if len(fresh) > 0 {
		out = broadcastUpdates(b, nil, fresh, now)
	}
	h.mu.Unlock()
	h.deliver(out)
	return nil
}

func broadcastUpdates(b *branch, except *Conn, updates [][]byte, ts int64) []outbound {
	ref := b.ref
	encoded := wire.EncodeUpdates(updates)
	timestamps := make([]int64, len(updates))
	for i := range timestamps {
		timestamps[i] = ts
	}
	var out []outbound
	for w := range b.watchers {
		if w == except {
			continue
		}
		out = append(out, outbound{w, wire.Message{Type: wire.MsgUpdates, Ref: &ref, Updates: encoded, Timestamps: timestamps}})
	}
	return out
}

// Updates returns the stored updates of a branch.
func (h *Hub) Updates(ref wire.BranchRef) ([][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.branchLocked(ref)
	if err != nil {
		return nil, err
	}
	return append([][]byte(nil), b.updates...), nil
}

// Conn is one client connection to a Hub.
type Conn struct {
	hub     *Hub
	send    func(wire.Message) error
	limiter *rate.Limiter

	// guarded by hub.mu
	info            bots.ConnectionInfo
	loggedIn        bool
	closed          bool
	watching        map[string]wire.BranchRef
	watchingDevices map[string]bool
}

// Info returns the identity the connection logged in with.
func (c *Conn) Info() bots.ConnectionInfo {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.info
}

// Handle processes one message sent by the client.
func (c *Conn) Handle(msg wire.Message) {
	h := c.hub
	h.mu.Lock()
	out, accepted := c.handleLocked(msg)
	h.mu.Unlock()

	h.deliver(out)
	if accepted != nil && h.opts.OnUpdatesAccepted != nil {
		h.opts.OnUpdatesAccepted(*msg.Ref, accepted)
	}
}

func (c *Conn) reply(msg wire.Message) []outbound {
	return []outbound{{c, msg}}
}

func (c *Conn) fail(req wire.Message, err *wire.Error) []outbound {
	return c.reply(wire.Message{Type: wire.MsgError, ID: req.ID, Ref: req.Ref, Error: err})
}

func (c *Conn) handleLocked(msg wire.Message) ([]outbound, [][]byte) {
	h := c.hub
	if c.closed {
		return nil, nil
	}
	if msg.Type == wire.MsgLogin {
		if msg.Connection != nil {
			c.info = *msg.Connection
		}
		if c.info.ConnectionID == "" {
			c.info.ConnectionID = h.opts.IDs.Generate()
		}
		c.loggedIn = true
		info := c.info
		h.logger.Debug("connection logged in", "connection", info.ConnectionID, "session", info.SessionID)
		return c.reply(wire.Message{Type: wire.MsgLoginResult, Connection: &info}), nil
	}
	if !c.loggedIn {
		return c.fail(msg, wire.NewError(wire.ErrCodeNotLoggedIn, "login required")), nil
	}
	if msg.Ref == nil {
		return c.fail(msg, wire.NewError(wire.ErrCodeInvalidRequest, "%s requires a branch", msg.Type)), nil
	}
	if h.opts.Authorize != nil {
		if err := h.opts.Authorize(c.info, *msg.Ref); err != nil {
			return c.fail(msg, err), nil
		}
	}
	b, err := h.branchLocked(*msg.Ref)
	if err != nil {
		h.logger.Error("load branch", "branch", msg.Ref.Key(), "error", err)
		return c.fail(msg, wire.NewError(wire.ErrCodeServerError, "load branch: %v", err)), nil
	}

	switch msg.Type {
	case wire.MsgWatchBranch:
		return c.watch(b), nil
	case wire.MsgUnwatchBranch:
		return c.unwatch(b), nil
	case wire.MsgWatchDevices:
		return c.watchDevices(b), nil
	case wire.MsgUnwatchDevices:
		delete(b.deviceWatchers, c)
		delete(c.watchingDevices, b.ref.Key())
		h.dropIfIdleLocked(b)
		return nil, nil
	case wire.MsgGetUpdates:
		return c.reply(wire.Message{
			Type:       wire.MsgGetUpdatesResult,
			ID:         msg.ID,
			Ref:        msg.Ref,
			Updates:    wire.EncodeUpdates(b.updates),
			Timestamps: append([]int64(nil), b.timestamps...),
		}), nil
	case wire.MsgConnectionCount:
		return c.reply(wire.Message{Type: wire.MsgConnectionCountResult, ID: msg.ID, Ref: msg.Ref, Count: len(b.watchers)}), nil
	case wire.MsgAddUpdates:
		if out := c.limit(msg); out != nil {
			return out, nil
		}
		return c.addUpdates(b, msg)
	case wire.MsgSendAction:
		if out := c.limit(msg); out != nil {
			return out, nil
		}
		return c.sendAction(b, msg), nil
	}
	return c.fail(msg, wire.NewError(wire.ErrCodeInvalidRequest, "unknown message type %q", msg.Type)), nil
}

func (c *Conn) limit(msg wire.Message) []outbound {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	r.Cancel()
	return c.reply(wire.Message{Type: wire.MsgRateLimitExceeded, Ref: msg.Ref, RetryAfterMs: delay.Milliseconds()})
}

func (c *Conn) watch(b *branch) []outbound {
	ref := b.ref
	out := c.reply(wire.Message{
		Type:       wire.MsgUpdates,
		Ref:        &ref,
		Updates:    wire.EncodeUpdates(b.updates),
		Timestamps: append([]int64(nil), b.timestamps...),
		Initial:    true,
	})
	if b.watchers[c] {
		return out
	}
	b.watchers[c] = true
	c.watching[ref.Key()] = ref
	info := c.info
	for w := range b.deviceWatchers {
		out = append(out, outbound{w, wire.Message{Type: wire.MsgDeviceConnected, Ref: &ref, Connection: &info}})
	}
	return out
}

func (c *Conn) unwatch(b *branch) []outbound {
	if !b.watchers[c] {
		return nil
	}
	delete(b.watchers, c)
	delete(c.watching, b.ref.Key())
	ref := b.ref
	info := c.info
	var out []outbound
	for w := range b.deviceWatchers {
		out = append(out, outbound{w, wire.Message{Type: wire.MsgDeviceDisconnected, Ref: &ref, Connection: &info}})
	}
	c.hub.dropIfIdleLocked(b)
	return out
}

func (c *Conn) watchDevices(b *branch) []outbound {
	if b.deviceWatchers[c] {
		return nil
	}
	b.deviceWatchers[c] = true
	c.watchingDevices[b.ref.Key()] = true
	ref := b.ref
	var out []outbound
	for _, info := range b.devices() {
		out = append(out, outbound{c, wire.Message{Type: wire.MsgDeviceConnected, Ref: &ref, Connection: &info}})
	}
	return out
}

func (c *Conn) addUpdates(b *branch, msg wire.Message) ([]outbound, [][]byte) {
	h := c.hub
	updates, err := wire.DecodeUpdates(msg.Updates)
	if err != nil {
		return c.fail(msg, wire.NewError(wire.ErrCodeInvalidRequest, "%v", err)), nil
	}

	needed := b.size
	for _, u := range updates {
		if !b.ids[bots.UpdateID(u)] {
			needed += len(u)
		}
	}
	if h.opts.MaxBranchBytes > 0 && needed > h.opts.MaxBranchBytes {
		h.logger.Warn("branch size limit reached", "branch", b.ref.Key(), "max", h.opts.MaxBranchBytes, "needed", needed)
		return c.reply(wire.Message{
			Type:                    wire.MsgMaxSizeReached,
			Ref:                     msg.Ref,
			MaxBranchSizeInBytes:    h.opts.MaxBranchBytes,
			NeededBranchSizeInBytes: needed,
		}), nil
	}

	now := h.opts.Now().UnixMilli()
	var fresh [][]byte
	for _, u := range updates {
		if b.append(u, now) {
			fresh = append(fresh, u)
		}
	}
	if len(fresh) > 0 && !b.ref.Temporary && h.opts.Persister != nil {
		timestamps := make([]int64, len(fresh))
		for i := range timestamps {
			timestamps[i] = now
		}
		if err := h.opts.Persister.AppendUpdates(context.Background(), b.ref.Key(), fresh, timestamps); err != nil {
			h.logger.Error("persist updates", "branch", b.ref.Key(), "error", err)
		}
	}

	out := c.reply(wire.Message{Type: wire.MsgUpdatesReceived, Ref: msg.Ref, UpdateID: msg.UpdateID})
	if len(fresh) == 0 {
		return out, nil
	}
	return append(out, broadcastUpdates(b, c, fresh, now)...), fresh
}

func (c *Conn) sendAction(b *branch, msg wire.Message) []outbound {
	if msg.Action == nil {
		return c.fail(msg, wire.NewError(wire.ErrCodeInvalidRequest, "send_action requires an action"))
	}
	remote, ok := msg.Action.Action.(*bots.RemoteAction)
	if !ok {
		return c.fail(msg, wire.NewError(wire.ErrCodeInvalidRequest, "send_action requires a remote action"))
	}
	sel := remote.Selector
	everyOther := !sel.Broadcast && sel == (bots.Selector{})

	ref := b.ref
	var out []outbound
	for w := range b.watchers {
		if everyOther && w == c {
			continue
		}
		if !sel.Broadcast && !sel.Matches(w.info) {
			continue
		}
		dev := &bots.DeviceAction{Connection: c.info, Event: remote.Event, TaskID: remote.TaskID}
		out = append(out, outbound{w, wire.Message{Type: wire.MsgDeviceEvent, Ref: &ref, Action: &bots.Envelope{Action: dev}}})
	}
	return out
}

// Close unregisters the connection from every branch.
func (c *Conn) Close() {
	h := c.hub
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	var out []outbound
	for key := range c.watching {
		if b := h.branches[key]; b != nil {
			out = append(out, c.unwatch(b)...)
		}
	}
	for key := range c.watchingDevices {
		if b := h.branches[key]; b != nil {
			delete(b.deviceWatchers, c)
			h.dropIfIdleLocked(b)
		}
	}
	c.closed = true
	delete(h.conns, c)
	h.mu.Unlock()

	// Nothing is delivered to the closing connection itself.
	kept := out[:0]
	for _, o := range out {
		if o.conn != c {
			kept = append(kept, o)
		}
	}
	h.deliver(kept)
}
