package testutil

import (
	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/observable"
	"github.com/roach88/botsync/internal/wire"
)

// FakeClient is a wire.Client whose server side is driven by the test.
// Branch events and device events are pushed through the subjects
// returned by Branch and Devices. One-shot fetches stay pending in Fetches
// until the test calls them.
//
// FakeClient is not safe for concurrent use.
type FakeClient struct {
	Identity bots.ConnectionInfo
	State    *observable.Behavior[wire.ConnectionState]
	Rate     *observable.Subject[wire.RateLimit]

	// Count answers ConnectionCount.
	Count int

	Fetches []func(wire.BranchUpdates)
	Actions []*bots.RemoteAction
	Added   map[string][][]byte

	branches      map[string]*observable.Subject[wire.BranchEvent]
	devices       map[string]*observable.Subject[wire.DeviceEvent]
	watches       map[string]int
	watchesIssued map[string]int
	queries       int
}

var _ wire.Client = (*FakeClient)(nil)

// NewFakeClient creates a disconnected client for the given session.
func NewFakeClient(sessionID string) *FakeClient {
	return &FakeClient{
		Identity:      bots.ConnectionInfo{SessionID: sessionID, ConnectionID: sessionID + "-conn"},
		State:         observable.NewBehavior(wire.ConnectionState{}),
		Rate:          observable.NewSubject[wire.RateLimit](),
		Count:         1,
		Added:         make(map[string][][]byte),
		branches:      make(map[string]*observable.Subject[wire.BranchEvent]),
		devices:       make(map[string]*observable.Subject[wire.DeviceEvent]),
		watches:       make(map[string]int),
		watchesIssued: make(map[string]int),
	}
}

// Connect reports the client as logged in.
func (c *FakeClient) Connect() {
	info := c.Identity
	c.State.Next(wire.ConnectionState{Connected: true, Info: &info})
}

// Disconnect reports the connection as lost.
func (c *FakeClient) Disconnect() {
	c.State.Next(wire.ConnectionState{})
}

// Branch returns the subject feeding watchers of ref.
func (c *FakeClient) Branch(ref wire.BranchRef) *observable.Subject[wire.BranchEvent] {
	s := c.branches[ref.Key()]
	if s == nil {
		s = observable.NewSubject[wire.BranchEvent]()
		c.branches[ref.Key()] = s
	}
	return s
}

// Devices returns the subject feeding device watchers of ref.
func (c *FakeClient) Devices(ref wire.BranchRef) *observable.Subject[wire.DeviceEvent] {
	s := c.devices[ref.Key()]
	if s == nil {
		s = observable.NewSubject[wire.DeviceEvent]()
		c.devices[ref.Key()] = s
	}
	return s
}

// Watches returns the number of active watches on ref.
func (c *FakeClient) Watches(ref wire.BranchRef) int { return c.watches[ref.Key()] }

// WatchesIssued returns how many watches on ref were ever started.
func (c *FakeClient) WatchesIssued(ref wire.BranchRef) int { return c.watchesIssued[ref.Key()] }

// OpenQueries returns the number of fetch and count subscriptions that
// were not released.
func (c *FakeClient) OpenQueries() int { return c.queries }

// ConnectDevice announces a device on ref.
func (c *FakeClient) ConnectDevice(ref wire.BranchRef, info bots.ConnectionInfo) {
	c.Devices(ref).Next(wire.DeviceEvent{Connected: true, Info: info})
}

// DisconnectDevice announces that a device left ref.
func (c *FakeClient) DisconnectDevice(ref wire.BranchRef, info bots.ConnectionInfo) {
	c.Devices(ref).Next(wire.DeviceEvent{Connected: false, Info: info})
}

func (c *FakeClient) Info() bots.ConnectionInfo { return c.Identity }

func (c *FakeClient) ConnectionState() observable.Observable[wire.ConnectionState] {
	return c.State
}

func (c *FakeClient) RateLimitExceeded() observable.Observable[wire.RateLimit] { return c.Rate }

func (c *FakeClient) WatchBranch(ref wire.BranchRef) observable.Observable[wire.BranchEvent] {
	return observable.Func[wire.BranchEvent](func(fn func(wire.BranchEvent)) observable.Subscription {
		key := ref.Key()
		c.watches[key]++
		c.watchesIssued[key]++
		sub := c.Branch(ref).Subscribe(fn)
		done := false
		return observable.SubscriptionFunc(func() {
			if done {
				return
			}
			done = true
			c.watches[key]--
			sub.Unsubscribe()
		})
	})
}

func (c *FakeClient) WatchBranchDevices(ref wire.BranchRef) observable.Observable[wire.DeviceEvent] {
	return c.Devices(ref)
}

func (c *FakeClient) GetBranchUpdates(wire.BranchRef) observable.Observable[wire.BranchUpdates] {
	return observable.Func[wire.BranchUpdates](func(fn func(wire.BranchUpdates)) observable.Subscription {
		active := true
		c.queries++
		c.Fetches = append(c.Fetches, func(r wire.BranchUpdates) {
			if active {
				active = false
				fn(r)
			}
		})
		return c.release(func() { active = false })
	})
}

func (c *FakeClient) ConnectionCount(wire.BranchRef) observable.Observable[int] {
	return observable.Func[int](func(fn func(int)) observable.Subscription {
		c.queries++
		fn(c.Count)
		return c.release(func() {})
	})
}

func (c *FakeClient) release(stop func()) observable.Subscription {
	released := false
	return observable.SubscriptionFunc(func() {
		if released {
			return
		}
		released = true
		c.queries--
		stop()
	})
}

func (c *FakeClient) AddUpdates(ref wire.BranchRef, updates [][]byte, _ int) {
	c.Added[ref.Key()] = append(c.Added[ref.Key()], updates...)
}

func (c *FakeClient) SendAction(_ wire.BranchRef, action *bots.RemoteAction) {
	c.Actions = append(c.Actions, action)
}
