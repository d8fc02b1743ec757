package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/botsync/internal/bots"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] peer %d %s%s\n", event.Seq, event.Peer, event.Kind, describeEvent(event))
		}
	}
	return buf.String()
}

func describeEvent(e TraceEvent) string {
	switch {
	case len(e.IDs) > 0:
		return " " + strings.Join(e.IDs, ",")
	case len(e.Updated) > 0:
		parts := make([]string, len(e.Updated))
		for i, u := range e.Updated {
			parts[i] = u.ID + "[" + strings.Join(u.Tags, ",") + "]"
		}
		return " " + strings.Join(parts, " ")
	case len(e.Actions) > 0:
		return " " + strings.Join(e.Actions, ",")
	case e.Error != "":
		return " " + e.Error
	}
	return ""
}

func checkAssertion(r *Result, a Assertion) error {
	switch a.Type {
	case AssertFinalState:
		return assertFinalState(r, a)
	case AssertAbsent:
		return assertAbsent(r, a)
	case AssertTraceCount:
		return assertTraceCount(r, a)
	case AssertConverged:
		return assertConverged(r)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertFinalState checks that the bot's tags include every expected
// value. A null expected value requires the tag to be absent.
func assertFinalState(r *Result, a Assertion) error {
	bot := r.States[a.Peer][a.Bot]
	if bot == nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("bot %s on peer %d", a.Bot, a.Peer),
			Actual:   "bot not found",
		}
	}
	for _, tag := range a.Expect.SortedKeys() {
		want := a.Expect[tag]
		got, ok := bot.Tags[tag]
		if want == nil && !ok {
			continue
		}
		if !ok || !bots.ValuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s.%s = %s", a.Bot, tag, bots.Stringify(want)),
				Actual:   fmt.Sprintf("%s.%s = %s", a.Bot, tag, bots.Stringify(got)),
			}
		}
	}
	return nil
}

func assertAbsent(r *Result, a Assertion) error {
	if bot := r.States[a.Peer][a.Bot]; bot != nil {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("no bot %s on peer %d", a.Bot, a.Peer),
			Actual:   "bot exists",
		}
	}
	return nil
}

func assertTraceCount(r *Result, a Assertion) error {
	peer := a.Peer
	if a.AnyPeer {
		peer = -1
	}
	if n := r.Count(a.Kind, peer); n != a.Count {
		where := fmt.Sprintf("peer %d", a.Peer)
		if a.AnyPeer {
			where = "all peers"
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events on %s", a.Count, a.Kind, where),
			Actual:   fmt.Sprintf("%d", n),
			Trace:    r.Trace,
		}
	}
	return nil
}

// assertConverged compares the state hashes of every peer.
func assertConverged(r *Result) error {
	if len(r.States) < 2 {
		return nil
	}
	first, err := bots.StateHash(r.States[0])
	if err != nil {
		return err
	}
	for i, s := range r.States[1:] {
		h, err := bots.StateHash(s)
		if err != nil {
			return err
		}
		if h != first {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("peer %d state hash %s", i+1, first),
				Actual:   h,
			}
		}
	}
	return nil
}
