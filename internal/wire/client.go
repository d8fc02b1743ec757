// Package wire defines the client side of the branch synchronization
// protocol: the Client collaborator partitions talk to, the JSON messages
// it exchanges with the server, and the transports carrying them.
package wire

import (
	"time"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/observable"
)

// ConnectionState reports whether the client is connected and logged in.
type ConnectionState struct {
	Connected bool
	Info      *bots.ConnectionInfo
}

// Branch event types.
const (
	EventUpdates        = "updates"
	EventAction         = "event"
	EventError          = "error"
	EventMaxSizeReached = "max_size_reached"
)

// BranchEvent is one notification of a watched branch.
type BranchEvent struct {
	Type string

	// updates
	Updates    [][]byte
	Timestamps []int64
	Initial    bool

	// event
	Action *bots.DeviceAction

	// error
	Err *Error

	// max_size_reached
	MaxBranchSizeInBytes    int
	NeededBranchSizeInBytes int
}

// DeviceEvent reports a device connecting to or disconnecting from a
// branch.
type DeviceEvent struct {
	Connected bool
	Info      bots.ConnectionInfo
}

// BranchUpdates is the result of a one-shot fetch.
type BranchUpdates struct {
	Updates    [][]byte
	Timestamps []int64
	Err        *Error
}

// RateLimit reports that the server throttled this client.
type RateLimit struct {
	RetryAfter time.Duration
}

// Client is the connection to a branch server. Subscribing to a watch
// starts it on the server; unsubscribing stops it. One-shot results are
// delivered at most once and dropped if unsubscribed first.
type Client interface {
	// Info returns the identity of the session. The connection id may be
	// assigned by the server at login.
	Info() bots.ConnectionInfo
	ConnectionState() observable.Observable[ConnectionState]
	RateLimitExceeded() observable.Observable[RateLimit]

	WatchBranch(ref BranchRef) observable.Observable[BranchEvent]
	WatchBranchDevices(ref BranchRef) observable.Observable[DeviceEvent]
	GetBranchUpdates(ref BranchRef) observable.Observable[BranchUpdates]
	ConnectionCount(ref BranchRef) observable.Observable[int]

	AddUpdates(ref BranchRef, updates [][]byte, updateID int)
	SendAction(ref BranchRef, action *bots.RemoteAction)
}

// Dispatcher runs callbacks on the goroutine that owns the partitions.
type Dispatcher interface {
	Post(fn func()) bool
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func()) bool

// Post calls f.
func (f DispatcherFunc) Post(fn func()) bool { return f(fn) }

// Inline runs callbacks immediately on the calling goroutine.
var Inline Dispatcher = DispatcherFunc(func(fn func()) bool {
	fn()
	return true
})
