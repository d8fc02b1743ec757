package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/partition"
)

func scenario(cfg partition.Config, peers int, steps ...Step) *Scenario {
	return &Scenario{Name: "t", Description: "t", Partition: cfg, Peers: peers, Steps: steps}
}

func add(id string, tags bots.Tags) ActionSpec {
	return ActionSpec{Add: bots.CreateBot(id, tags)}
}

func TestRun_Memory(t *testing.T) {
	s := scenario(partition.Config{Type: partition.TypeMemory}, 0,
		Step{Apply: []ActionSpec{add("a", bots.Tags{"n": 1})}},
		Step{Apply: []ActionSpec{{Update: &UpdateSpec{ID: "a", Tags: bots.Tags{"n": 2}}}}},
	)
	s.Assertions = []Assertion{{Type: AssertFinalState, Bot: "a", Expect: bots.Tags{"n": 2}}}

	result, err := Run(s)

	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.States, 1)
	assert.Equal(t, 1, result.Count(KindAdded, 0))
	assert.Equal(t, 1, result.Count(KindUpdated, 0))
}

func TestRun_TextEditOnMemory(t *testing.T) {
	s := scenario(partition.Config{Type: partition.TypeMemory}, 0,
		Step{Apply: []ActionSpec{add("a", bots.Tags{"s": "abc"})}},
		Step{Edit: &EditSpec{Bot: "a", Tag: "s", Ops: []OpSpec{{Preserve: 1}, {Delete: 1}, {Insert: "Z"}}}},
	)

	result, err := Run(s)

	require.NoError(t, err)
	assert.Equal(t, "aZc", result.States[0]["a"].Tags["s"])
}

func TestRun_RemotePeersConverge(t *testing.T) {
	s := scenario(partition.Config{Type: partition.TypeRemoteYjs, Branch: "main"}, 3,
		Step{Peer: 0, Apply: []ActionSpec{add("a", bots.Tags{"s": "hello"})}},
		Step{Peer: 2, Apply: []ActionSpec{add("b", nil)}},
		Step{Peer: 1, Apply: []ActionSpec{{Remove: "a"}}},
	)
	s.Assertions = []Assertion{
		{Type: AssertConverged},
		{Type: AssertAbsent, Peer: 2, Bot: "a"},
		{Type: AssertTraceCount, Kind: KindRemoved, AnyPeer: true, Count: 3},
	}

	result, err := Run(s)

	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	for _, state := range result.States {
		assert.Equal(t, []string{"b"}, state.IDs())
	}
}

func TestRun_FailedAssertionsAreReported(t *testing.T) {
	s := scenario(partition.Config{Type: partition.TypeMemory}, 0,
		Step{Apply: []ActionSpec{add("a", bots.Tags{"n": 1})}},
	)
	s.Assertions = []Assertion{
		{Type: AssertFinalState, Bot: "a", Expect: bots.Tags{"n": 5}},
		{Type: AssertFinalState, Bot: "missing", Expect: bots.Tags{"n": 1}},
		{Type: AssertAbsent, Bot: "a"},
		{Type: AssertTraceCount, Kind: KindRemoved, Count: 1},
	}

	result, err := Run(s)

	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "a.n = 5")
	assert.Contains(t, result.Errors[1], "bot not found")
	assert.Contains(t, result.Errors[2], "bot exists")
	assert.Contains(t, result.Errors[3], "Full trace")
}

func TestRun_UnsupportedType(t *testing.T) {
	_, err := Run(scenario(partition.Config{Type: partition.TypeCausalRepo}, 0,
		Step{Apply: []ActionSpec{{Remove: "a"}}},
	))
	assert.ErrorContains(t, err, "not supported")
}

func TestRun_OtherPlayersIgnoresLocalEdits(t *testing.T) {
	s := scenario(partition.Config{Type: partition.TypeOtherPlayersRepo, Branch: "main"}, 0,
		Step{Apply: []ActionSpec{add("a", nil)}},
	)

	result, err := Run(s)

	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.States[0])
}

func TestAssertConverged_Diverged(t *testing.T) {
	r := NewResult()
	r.States = []bots.BotsState{
		{"a": bots.CreateBot("a", nil)},
		{},
	}

	err := checkAssertion(r, Assertion{Type: AssertConverged})

	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertConverged, aerr.Type)
}

func TestResult_Count(t *testing.T) {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Peer: 0, Kind: KindAdded},
		{Peer: 1, Kind: KindAdded},
		{Peer: 1, Kind: KindRemoved},
	}

	assert.Equal(t, 1, r.Count(KindAdded, 0))
	assert.Equal(t, 2, r.Count(KindAdded, -1))
	assert.Equal(t, 0, r.Count(KindUpdated, -1))
}
