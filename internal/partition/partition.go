// Package partition defines the contract every bot state backend
// implements and provides the in-memory backend.
//
// A partition holds a slice of the bot state plus its synchronization
// strategy. Partitions are not safe for concurrent use: all calls and all
// notifications happen on one goroutine (see package loop).
package partition

import (
	"errors"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/observable"
)

var (
	// ErrClosed is returned by operations on a partition after Unsubscribe.
	ErrClosed = errors.New("partition closed")
	// ErrReadOnly is returned for writes a read-only partition refuses.
	ErrReadOnly = errors.New("partition is read-only")
)

// Partition is a backend holding part of the bot state.
type Partition interface {
	// State returns the current state. A mutation always produces a new
	// map, so callers can detect changes by identity.
	State() bots.BotsState
	Space() string
	SetSpace(space string)

	// OnBotsAdded first delivers the current bots, if any.
	OnBotsAdded() observable.Observable[[]*bots.Bot]
	OnBotsRemoved() observable.Observable[[]string]
	OnBotsUpdated() observable.Observable[[]bots.UpdatedBot]
	OnStateUpdated() observable.Observable[bots.StateUpdate]
	OnError() observable.Observable[error]
	OnEvents() observable.Observable[[]bots.Action]
	OnStatusUpdated() observable.Observable[StatusUpdate]

	// ApplyEvents applies a batch of actions. Each observable fires at
	// most once per batch. The returned actions should be dispatched
	// elsewhere.
	ApplyEvents(events []bots.Action) ([]bots.Action, error)

	// SendRemoteEvents handles actions that are not bot mutations.
	SendRemoteEvents(events []bots.Action) error

	// Connect starts any I/O the partition needs.
	Connect()

	// Unsubscribe tears the partition down. No notification fires
	// afterwards.
	Unsubscribe()
	Closed() bool
}

// Versioned is a partition backed by a CRDT document.
type Versioned interface {
	Partition
	OnVersionUpdated() observable.Observable[bots.CurrentVersion]
}

// StatusType names the aspect of a partition's connection a status update
// reports.
type StatusType string

const (
	StatusConnection     StatusType = "connection"
	StatusAuthentication StatusType = "authentication"
	StatusAuthorization  StatusType = "authorization"
	StatusSync           StatusType = "sync"
)

// StatusUpdate reports one connection state transition.
type StatusUpdate struct {
	Type          StatusType           `json:"type"`
	Connected     bool                 `json:"connected,omitempty"`
	Authenticated bool                 `json:"authenticated,omitempty"`
	Authorized    bool                 `json:"authorized,omitempty"`
	Synced        bool                 `json:"synced,omitempty"`
	Info          *bots.ConnectionInfo `json:"info,omitempty"`
	Err           error                `json:"-"`
}

// Connection reports network connectivity.
func Connection(connected bool) StatusUpdate {
	return StatusUpdate{Type: StatusConnection, Connected: connected}
}

// Authentication reports whether a session identity is known.
func Authentication(authenticated bool, info *bots.ConnectionInfo) StatusUpdate {
	return StatusUpdate{Type: StatusAuthentication, Authenticated: authenticated, Info: info}
}

// Authorization reports whether access to the data was granted.
func Authorization(authorized bool, err error) StatusUpdate {
	return StatusUpdate{Type: StatusAuthorization, Authorized: authorized, Err: err}
}

// Sync reports whether the partition caught up with its source.
func Sync(synced bool) StatusUpdate {
	return StatusUpdate{Type: StatusSync, Synced: synced}
}

// Connected is the status sequence of a partition that needs no I/O.
func Connected(info *bots.ConnectionInfo) []StatusUpdate {
	return []StatusUpdate{
		Connection(true),
		Authentication(true, info),
		Authorization(true, nil),
		Sync(true),
	}
}
