package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/roach88/botsync/internal/bots"
)

// BranchRef names a branch: an independently synchronized document.
type BranchRef struct {
	RecordName string `json:"recordName,omitempty"`
	Inst       string `json:"inst"`
	Branch     string `json:"branch"`
	Temporary  bool   `json:"temporary,omitempty"`
}

// Key returns "{recordName}/{inst}/{branch}", the key branches are stored
// and published under.
func (r BranchRef) Key() string {
	return r.RecordName + "/" + r.Inst + "/" + r.Branch
}

func (r BranchRef) String() string { return r.Key() }

// Message types sent by clients.
const (
	MsgLogin           = "login"
	MsgWatchBranch     = "watch_branch"
	MsgUnwatchBranch   = "unwatch_branch"
	MsgWatchDevices    = "watch_branch_devices"
	MsgUnwatchDevices  = "unwatch_branch_devices"
	MsgGetUpdates      = "get_updates"
	MsgAddUpdates      = "add_updates"
	MsgSendAction      = "send_action"
	MsgConnectionCount = "connection_count"
)

// Message types sent by the server.
const (
	MsgLoginResult           = "login_result"
	MsgUpdates               = "updates"
	MsgGetUpdatesResult      = "get_updates_result"
	MsgUpdatesReceived       = "updates_received"
	MsgDeviceEvent           = "device_event"
	MsgDeviceConnected       = "device_connected"
	MsgDeviceDisconnected    = "device_disconnected"
	MsgConnectionCountResult = "connection_count_result"
	MsgError                 = "error"
	MsgMaxSizeReached        = "max_size_reached"
	MsgRateLimitExceeded     = "rate_limit_exceeded"
)

// Message is the JSON envelope exchanged between clients and the server.
// Which fields are set depends on Type.
type Message struct {
	Type string `json:"type"`
	// ID correlates one-shot requests with their results.
	ID int64 `json:"id,omitempty"`

	Ref *BranchRef `json:"ref,omitempty"`

	// Updates holds base64 encoded CRDT updates.
	Updates    []string `json:"updates,omitempty"`
	Timestamps []int64  `json:"timestamps,omitempty"`
	UpdateID   int      `json:"updateId,omitempty"`
	Initial    bool     `json:"initial,omitempty"`

	Action     *bots.Envelope       `json:"action,omitempty"`
	Connection *bots.ConnectionInfo `json:"connection,omitempty"`
	Token      string               `json:"token,omitempty"`
	Count      int                  `json:"count,omitempty"`

	Error *Error `json:"error,omitempty"`

	MaxBranchSizeInBytes    int   `json:"maxBranchSizeInBytes,omitempty"`
	NeededBranchSizeInBytes int   `json:"neededBranchSizeInBytes,omitempty"`
	RetryAfterMs            int64 `json:"retryAfterMs,omitempty"`
}

// EncodeUpdates base64 encodes raw updates for a Message.
func EncodeUpdates(updates [][]byte) []string {
	out := make([]string, len(updates))
	for i, u := range updates {
		out[i] = base64.StdEncoding.EncodeToString(u)
	}
	return out
}

// DecodeUpdates reverses EncodeUpdates.
func DecodeUpdates(updates []string) ([][]byte, error) {
	out := make([][]byte, len(updates))
	for i, u := range updates {
		b, err := base64.StdEncoding.DecodeString(u)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
