package harness

import "github.com/roach88/botsync/internal/bots"

// Notification kinds recorded in traces.
const (
	KindAdded   = "added"
	KindRemoved = "removed"
	KindUpdated = "updated"
	KindEvents  = "events"
	KindError   = "error"
)

// TraceEvent is one notification a peer's partition emitted.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Peer int    `json:"peer"`
	Kind string `json:"kind"`

	// IDs are the bots added or removed, sorted.
	IDs []string `json:"bots,omitempty"`

	// Updated lists the changed tags per bot, sorted by bot id.
	Updated []UpdatedTags `json:"updated,omitempty"`

	// Actions are the types of the emitted events.
	Actions []string `json:"actions,omitempty"`

	Error string `json:"error,omitempty"`
}

// UpdatedTags names the tags an update changed on one bot.
type UpdatedTags struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step applied and every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// States holds the final state of each peer.
	States []bots.BotsState `json:"states"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Count returns how many events of kind peer recorded. A negative peer
// counts every peer.
func (r *Result) Count(kind string, peer int) int {
	n := 0
	for _, e := range r.Trace {
		if e.Kind == kind && (peer < 0 || e.Peer == peer) {
			n++
		}
	}
	return n
}
