package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/botsync/internal/bots"
)

// TraceSnapshot is what golden files hold: the trace of a run and the
// final state of the first peer.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        bots.BotsState
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// toCanonicalMap converts the snapshot for bots.MarshalCanonical.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, e := range s.Trace {
		m := map[string]any{
			"seq":  e.Seq,
			"peer": e.Peer,
			"kind": e.Kind,
		}
		if len(e.IDs) > 0 {
			m["bots"] = toAnySlice(e.IDs)
		}
		if len(e.Updated) > 0 {
			updated := make([]any, len(e.Updated))
			for j, u := range e.Updated {
				updated[j] = map[string]any{"id": u.ID, "tags": toAnySlice(u.Tags)}
			}
			m["updated"] = updated
		}
		if len(e.Actions) > 0 {
			m["actions"] = toAnySlice(e.Actions)
		}
		if e.Error != "" {
			m["error"] = e.Error
		}
		trace[i] = m
	}
	state := s.State
	if state == nil {
		state = bots.BotsState{}
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"state":         state,
	}
}

// MarshalSnapshot renders the canonical JSON of a run.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	if len(result.States) > 0 {
		snap.State = result.States[0]
	}
	return bots.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden runs a scenario and compares its snapshot with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares a result's snapshot with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
