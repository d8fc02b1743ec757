package bots

import (
	"encoding/json"
	"fmt"
)

// Action is a bot mutation or an out-of-band event routed through a
// partition. Every action has a stable type discriminator used on the wire.
type Action interface {
	ActionType() string
}

// Action type discriminators.
const (
	TypeAddBot                     = "add_bot"
	TypeRemoveBot                  = "remove_bot"
	TypeUpdateBot                  = "update_bot"
	TypeApplyState                 = "apply_state"
	TypeRemote                     = "remote"
	TypeDevice                     = "device"
	TypeFromRemote                 = "from_remote"
	TypeShout                      = "action"
	TypeRemoteData                 = "remote_data"
	TypeAsyncResult                = "async_result"
	TypeAsyncError                 = "async_error"
	TypeGetRemoteCount             = "get_remote_count"
	TypeGetRemotes                 = "get_remotes"
	TypeListInstUpdates            = "list_inst_updates"
	TypeGetInstStateFromUpdates    = "get_inst_state_from_updates"
	TypeCreateInitializationUpdate = "create_initialization_update"
	TypeApplyUpdatesToInst         = "apply_updates_to_inst"
	TypeGetCurrentInstUpdate       = "get_current_inst_update"
	TypeUnlockSpace                = "unlock_space"
	TypeMaxInstSizeReached         = "max_inst_size_reached"
	TypeRateLimitExceeded          = "rate_limit_exceeded"
	TypeRequestAuth                = "request_auth"
	TypeRemoteLifecycle            = "remote_lifecycle"
)

// Names of the notifications derived from a remote shout.
const (
	OnRemoteData    = "onRemoteData"
	OnRemoteWhisper = "onRemoteWhisper"
)

// Names of the peer presence notifications.
const (
	OnRemoteJoined       = "onRemoteJoined"
	OnRemoteLeave        = "onRemoteLeave"
	OnRemoteSubscribed   = "onRemoteSubscribed"
	OnRemoteUnsubscribed = "onRemoteUnsubscribed"
)

// AddBotAction inserts or replaces a bot.
type AddBotAction struct {
	Bot *Bot `json:"bot"`
}

// RemoveBotAction deletes a bot.
type RemoveBotAction struct {
	ID string `json:"id"`
}

// UpdateBotAction merges tag and mask deltas into a bot. Nil values delete.
type UpdateBotAction struct {
	ID    string          `json:"id"`
	Tags  Tags            `json:"tags,omitempty"`
	Masks map[string]Tags `json:"masks,omitempty"`
}

// ApplyStateAction applies a partial state. It is lowered into add, remove
// and update actions before reaching a partition.
type ApplyStateAction struct {
	State PartialState `json:"state"`
}

func (*AddBotAction) ActionType() string     { return TypeAddBot }
func (*RemoveBotAction) ActionType() string  { return TypeRemoveBot }
func (*UpdateBotAction) ActionType() string  { return TypeUpdateBot }
func (*ApplyStateAction) ActionType() string { return TypeApplyState }

// AddBot creates an add action.
func AddBot(b *Bot) *AddBotAction { return &AddBotAction{Bot: b} }

// RemoveBot creates a remove action.
func RemoveBot(id string) *RemoveBotAction { return &RemoveBotAction{ID: id} }

// UpdateBot creates an update action for tags.
func UpdateBot(id string, tags Tags) *UpdateBotAction {
	return &UpdateBotAction{ID: id, Tags: tags}
}

// UpdateBotMasks creates an update action that only touches masks.
func UpdateBotMasks(id string, masks map[string]Tags) *UpdateBotAction {
	return &UpdateBotAction{ID: id, Masks: masks}
}

// ApplyState creates an apply_state action.
func ApplyState(state PartialState) *ApplyStateAction {
	return &ApplyStateAction{State: state}
}

// ConnectionInfo identifies one physical connection. Several connections
// may share a SessionID.
type ConnectionInfo struct {
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId,omitempty"`
}

// Selector targets a remote action at specific devices. The zero value
// targets every other device on the branch.
type Selector struct {
	SessionID    string `json:"sessionId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Broadcast    bool   `json:"broadcast,omitempty"`
}

// Matches reports whether the selector targets the given connection.
func (s Selector) Matches(info ConnectionInfo) bool {
	if s.SessionID != "" && s.SessionID != info.SessionID {
		return false
	}
	if s.ConnectionID != "" && s.ConnectionID != info.ConnectionID {
		return false
	}
	if s.UserID != "" && s.UserID != info.UserID {
		return false
	}
	return true
}

// RemoteAction asks a partition to run Event remotely.
type RemoteAction struct {
	Event    Action
	Selector Selector
	TaskID   string
}

// DeviceAction is an action received from another device.
type DeviceAction struct {
	Connection ConnectionInfo
	Event      Action
	TaskID     string
}

// FromRemoteAction is a device action rehomed into the local process.
// RemoteID is the sender's session; PlayerID is set when the action
// carries a task.
type FromRemoteAction struct {
	Event    Action
	RemoteID string
	PlayerID string
	TaskID   string
}

func (*RemoteAction) ActionType() string     { return TypeRemote }
func (*DeviceAction) ActionType() string     { return TypeDevice }
func (*FromRemoteAction) ActionType() string { return TypeFromRemote }

// Remote wraps an action for remote execution.
func Remote(event Action, selector Selector, taskID string) *RemoteAction {
	return &RemoteAction{Event: event, Selector: selector, TaskID: taskID}
}

// ShoutAction sends a named event with an argument to other devices.
type ShoutAction struct {
	EventName string   `json:"eventName"`
	Argument  any      `json:"argument,omitempty"`
	BotIDs    []string `json:"botIds,omitempty"`
}

// RemoteDataAction is derived from a remote shout.
type RemoteDataAction struct {
	Event    string `json:"event"`
	Name     string `json:"name"`
	Argument any    `json:"that,omitempty"`
	RemoteID string `json:"remoteId"`
}

func (*ShoutAction) ActionType() string      { return TypeShout }
func (*RemoteDataAction) ActionType() string { return TypeRemoteData }

// AsyncResultAction resolves a pending task.
type AsyncResultAction struct {
	TaskID string `json:"taskId"`
	Result any    `json:"result,omitempty"`
}

// AsyncErrorAction rejects a pending task.
type AsyncErrorAction struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

func (*AsyncResultAction) ActionType() string { return TypeAsyncResult }
func (*AsyncErrorAction) ActionType() string  { return TypeAsyncError }

// AsyncResult creates a result action.
func AsyncResult(taskID string, result any) *AsyncResultAction {
	return &AsyncResultAction{TaskID: taskID, Result: result}
}

// AsyncError creates an error action.
func AsyncError(taskID string, err error) *AsyncErrorAction {
	return &AsyncErrorAction{TaskID: taskID, Error: err.Error()}
}

// InstUpdate is one raw CRDT update exchanged through inst actions.
// Update is base64 encoded.
type InstUpdate struct {
	ID        int    `json:"id"`
	Update    string `json:"update"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// GetRemoteCountAction counts connections on a branch. Empty fields
// default to the partition's own branch.
type GetRemoteCountAction struct {
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// GetRemotesAction lists the session IDs of connected players.
type GetRemotesAction struct{}

// ListInstUpdatesAction lists the raw updates stored for the branch.
type ListInstUpdatesAction struct{}

// GetInstStateFromUpdatesAction computes the state produced by updates.
type GetInstStateFromUpdatesAction struct {
	Updates []InstUpdate `json:"updates"`
}

// CreateInitializationUpdateAction encodes bots as a single update.
type CreateInitializationUpdateAction struct {
	Bots []*Bot `json:"bots"`
}

// ApplyUpdatesToInstAction applies raw updates to the partition.
type ApplyUpdatesToInstAction struct {
	Updates []InstUpdate `json:"updates"`
}

// GetCurrentInstUpdateAction encodes the partition's current document.
type GetCurrentInstUpdateAction struct{}

func (*GetRemoteCountAction) ActionType() string             { return TypeGetRemoteCount }
func (*GetRemotesAction) ActionType() string                 { return TypeGetRemotes }
func (*ListInstUpdatesAction) ActionType() string            { return TypeListInstUpdates }
func (*GetInstStateFromUpdatesAction) ActionType() string    { return TypeGetInstStateFromUpdates }
func (*CreateInitializationUpdateAction) ActionType() string { return TypeCreateInitializationUpdate }
func (*ApplyUpdatesToInstAction) ActionType() string         { return TypeApplyUpdatesToInst }
func (*GetCurrentInstUpdateAction) ActionType() string       { return TypeGetCurrentInstUpdate }

// UnlockSpaceAction lifts static mode from a partition when Password
// matches its passcode.
type UnlockSpaceAction struct {
	Space    string `json:"space"`
	Password string `json:"password"`
	TaskID   string `json:"taskId,omitempty"`
}

// MaxInstSizeReachedAction reports that the server refused updates
// because the branch is full.
type MaxInstSizeReachedAction struct {
	Space                   string `json:"space"`
	MaxBranchSizeInBytes    int    `json:"maxBranchSizeInBytes"`
	NeededBranchSizeInBytes int    `json:"neededBranchSizeInBytes"`
}

// RateLimitExceededAction reports that the server throttled this client.
type RateLimitExceededAction struct {
	Space        string `json:"space,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Resource names the resource an authorization request is about.
type Resource struct {
	Kind       string `json:"kind"`
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// RequestAuthAction asks an external auth flow to remediate a denial.
type RequestAuthAction struct {
	ErrorCode    string   `json:"errorCode"`
	ErrorMessage string   `json:"errorMessage"`
	Reason       string   `json:"reason,omitempty"`
	Resource     Resource `json:"resource"`
}

// RemoteLifecycleAction announces a peer presence transition.
type RemoteLifecycleAction struct {
	Event    string `json:"event"`
	RemoteID string `json:"remoteId"`
}

func (*UnlockSpaceAction) ActionType() string        { return TypeUnlockSpace }
func (*MaxInstSizeReachedAction) ActionType() string { return TypeMaxInstSizeReached }
func (*RateLimitExceededAction) ActionType() string  { return TypeRateLimitExceeded }
func (*RequestAuthAction) ActionType() string        { return TypeRequestAuth }
func (*RemoteLifecycleAction) ActionType() string    { return TypeRemoteLifecycle }

var actionTypes = map[string]func() Action{
	TypeAddBot:                     func() Action { return &AddBotAction{} },
	TypeRemoveBot:                  func() Action { return &RemoveBotAction{} },
	TypeUpdateBot:                  func() Action { return &UpdateBotAction{} },
	TypeApplyState:                 func() Action { return &ApplyStateAction{} },
	TypeRemote:                     func() Action { return &RemoteAction{} },
	TypeDevice:                     func() Action { return &DeviceAction{} },
	TypeFromRemote:                 func() Action { return &FromRemoteAction{} },
	TypeShout:                      func() Action { return &ShoutAction{} },
	TypeRemoteData:                 func() Action { return &RemoteDataAction{} },
	TypeAsyncResult:                func() Action { return &AsyncResultAction{} },
	TypeAsyncError:                 func() Action { return &AsyncErrorAction{} },
	TypeGetRemoteCount:             func() Action { return &GetRemoteCountAction{} },
	TypeGetRemotes:                 func() Action { return &GetRemotesAction{} },
	TypeListInstUpdates:            func() Action { return &ListInstUpdatesAction{} },
	TypeGetInstStateFromUpdates:    func() Action { return &GetInstStateFromUpdatesAction{} },
	TypeCreateInitializationUpdate: func() Action { return &CreateInitializationUpdateAction{} },
	TypeApplyUpdatesToInst:         func() Action { return &ApplyUpdatesToInstAction{} },
	TypeGetCurrentInstUpdate:       func() Action { return &GetCurrentInstUpdateAction{} },
	TypeUnlockSpace:                func() Action { return &UnlockSpaceAction{} },
	TypeMaxInstSizeReached:         func() Action { return &MaxInstSizeReachedAction{} },
	TypeRateLimitExceeded:          func() Action { return &RateLimitExceededAction{} },
	TypeRequestAuth:                func() Action { return &RequestAuthAction{} },
	TypeRemoteLifecycle:            func() Action { return &RemoteLifecycleAction{} },
}

// Envelope carries an Action through JSON with its type discriminator.
type Envelope struct {
	Action Action
}

// MarshalJSON encodes the action as {"type": ..., "data": {...}}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Action == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(e.Action)
	if err != nil {
		return nil, fmt.Errorf("marshal %s action: %w", e.Action.ActionType(), err)
	}
	return json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{e.Action.ActionType(), data})
}

// UnmarshalJSON decodes an action written by MarshalJSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		e.Action = nil
		return nil
	}
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode action envelope: %w", err)
	}
	ctor, ok := actionTypes[raw.Type]
	if !ok {
		return fmt.Errorf("unknown action type %q", raw.Type)
	}
	a := ctor()
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, a); err != nil {
			return fmt.Errorf("decode %s action: %w", raw.Type, err)
		}
	}
	e.Action = a
	return nil
}

type remoteActionJSON struct {
	Event    Envelope `json:"event"`
	Selector Selector `json:"selector"`
	TaskID   string   `json:"taskId,omitempty"`
}

func (a *RemoteAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(remoteActionJSON{Envelope{a.Event}, a.Selector, a.TaskID})
}

func (a *RemoteAction) UnmarshalJSON(data []byte) error {
	var raw remoteActionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Event, a.Selector, a.TaskID = raw.Event.Action, raw.Selector, raw.TaskID
	return nil
}

type deviceActionJSON struct {
	Connection ConnectionInfo `json:"connection"`
	Event      Envelope       `json:"event"`
	TaskID     string         `json:"taskId,omitempty"`
}

func (a *DeviceAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(deviceActionJSON{a.Connection, Envelope{a.Event}, a.TaskID})
}

func (a *DeviceAction) UnmarshalJSON(data []byte) error {
	var raw deviceActionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Connection, a.Event, a.TaskID = raw.Connection, raw.Event.Action, raw.TaskID
	return nil
}

type fromRemoteJSON struct {
	Event    Envelope `json:"event"`
	RemoteID string   `json:"remoteId"`
	PlayerID string   `json:"playerId,omitempty"`
	TaskID   string   `json:"taskId,omitempty"`
}

func (a *FromRemoteAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(fromRemoteJSON{Envelope{a.Event}, a.RemoteID, a.PlayerID, a.TaskID})
}

func (a *FromRemoteAction) UnmarshalJSON(data []byte) error {
	var raw fromRemoteJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Event, a.RemoteID, a.PlayerID, a.TaskID = raw.Event.Action, raw.RemoteID, raw.PlayerID, raw.TaskID
	return nil
}
