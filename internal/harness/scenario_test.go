package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/partition"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Test scenario for validation"
partition:
  type: yjs
space: custom
steps:
  - apply:
      - add: { id: a, tags: { color: red } }
      - remove: gone
      - update: { id: a, tags: { color: blue }, masks: { custom: { hidden: true } } }
      - state: { b: { tags: { n: 1 } } }
  - edit: { bot: a, tag: color, ops: [{ preserve: 1 }, { delete: 2 }, { insert: "x" }] }
assertions:
  - type: final_state
    bot: a
    expect: { color: bx }
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", s.Name)
	assert.Equal(t, partition.TypeYjs, s.Partition.Type)
	assert.Equal(t, "custom", s.space())
	assert.Equal(t, 1, s.peers())
	require.Len(t, s.Steps, 2)
	require.Len(t, s.Steps[0].Apply, 4)
	assert.Equal(t, "red", s.Steps[0].Apply[0].Add.Tags["color"])
	assert.Equal(t, "gone", s.Steps[0].Apply[1].Remove)
	assert.Equal(t, true, s.Steps[0].Apply[2].Update.Masks["custom"]["hidden"])
	assert.Contains(t, s.Steps[0].Apply[3].State, "b")
	assert.Equal(t, []OpSpec{{Preserve: 1}, {Delete: 2}, {Insert: "x"}}, s.Steps[1].Edit.Ops)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: x
description: x
partition: { type: memory }
step:
  - apply: [{ remove: a }]
`))
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	base := "name: x\ndescription: d\n"
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "description: d\npartition: {type: memory}\nsteps: [{apply: [{remove: a}]}]", "name is required"},
		{"no description", "name: x\npartition: {type: memory}\nsteps: [{apply: [{remove: a}]}]", "description is required"},
		{"no type", base + "steps: [{apply: [{remove: a}]}]", "partition.type is required"},
		{"no steps", base + "partition: {type: memory}", "steps list is required"},
		{"peers need remote", base + "partition: {type: yjs}\npeers: 2\nsteps: [{apply: [{remove: a}]}]", "need a remote partition type"},
		{"remote needs branch", base + "partition: {type: remote_yjs}\nsteps: [{apply: [{remove: a}]}]", "partition.branch is required"},
		{"peer out of range", base + "partition: {type: memory}\nsteps: [{peer: 1, apply: [{remove: a}]}]", "peer 1 out of range"},
		{"empty step", base + "partition: {type: memory}\nsteps: [{}]", "exactly one of apply or edit"},
		{"two actions", base + "partition: {type: memory}\nsteps: [{apply: [{remove: a, add: {id: b}}]}]", "exactly one of add"},
		{"add without id", base + "partition: {type: memory}\nsteps: [{apply: [{add: {tags: {a: 1}}}]}]", "add: id is required"},
		{"edit without ops", base + "partition: {type: memory}\nsteps: [{edit: {bot: a, tag: s}}]", "ops list is required"},
		{"bad op", base + "partition: {type: memory}\nsteps: [{edit: {bot: a, tag: s, ops: [{}]}}]", "ops[0]"},
		{"unknown assertion", base + "partition: {type: memory}\nsteps: [{apply: [{remove: a}]}]\nassertions: [{type: nope}]", "unknown assertion type"},
		{"unknown kind", base + "partition: {type: memory}\nsteps: [{apply: [{remove: a}]}]\nassertions: [{type: trace_count, kind: nope}]", "unknown kind"},
		{"final_state without expect", base + "partition: {type: memory}\nsteps: [{apply: [{remove: a}]}]\nassertions: [{type: final_state, bot: a}]", "expect is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
