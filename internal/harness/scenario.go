package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/partition"
)

// DefaultSpace is the partition id used when a scenario names none.
const DefaultSpace = "shared"

// Scenario is a scripted run against one or more peers.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Partition configures the partition of every peer.
	Partition partition.Config `yaml:"partition"`

	// Space is the partition id. Defaults to DefaultSpace.
	Space string `yaml:"space,omitempty"`

	// Peers is the number of participants. Defaults to 1. More than one
	// peer requires a remote partition type.
	Peers int `yaml:"peers,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step applies actions, or one text edit, on a peer.
type Step struct {
	Peer  int          `yaml:"peer,omitempty"`
	Apply []ActionSpec `yaml:"apply,omitempty"`
	Edit  *EditSpec    `yaml:"edit,omitempty"`
}

// ActionSpec is one bot action. Exactly one field is set.
type ActionSpec struct {
	Add    *bots.Bot         `yaml:"add,omitempty"`
	Remove string            `yaml:"remove,omitempty"`
	Update *UpdateSpec       `yaml:"update,omitempty"`
	State  bots.PartialState `yaml:"state,omitempty"`
}

// UpdateSpec changes tags or masks of a bot. A null value deletes.
type UpdateSpec struct {
	ID    string               `yaml:"id"`
	Tags  bots.Tags            `yaml:"tags,omitempty"`
	Masks map[string]bots.Tags `yaml:"masks,omitempty"`
}

// EditSpec is a text edit of one tag, authored against the peer's current
// version.
type EditSpec struct {
	Bot string   `yaml:"bot"`
	Tag string   `yaml:"tag"`
	Ops []OpSpec `yaml:"ops"`
}

// OpSpec is one edit operation. Exactly one field is set.
type OpSpec struct {
	Preserve int    `yaml:"preserve,omitempty"`
	Insert   string `yaml:"insert,omitempty"`
	Delete   int    `yaml:"delete,omitempty"`
}

// Assertion checks the outcome of a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	Peer int `yaml:"peer,omitempty"`

	// Bot and Expect are used by final_state and absent.
	Bot    string    `yaml:"bot,omitempty"`
	Expect bots.Tags `yaml:"expect,omitempty"`

	// Kind and Count are used by trace_count. AnyPeer counts the events
	// of every peer.
	Kind    string `yaml:"kind,omitempty"`
	Count   int    `yaml:"count,omitempty"`
	AnyPeer bool   `yaml:"any_peer,omitempty"`
}

// Assertion types.
const (
	AssertFinalState = "final_state"
	AssertAbsent     = "absent"
	AssertTraceCount = "trace_count"
	AssertConverged  = "converged"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func (s *Scenario) space() string {
	if s.Space == "" {
		return DefaultSpace
	}
	return s.Space
}

func (s *Scenario) peers() int {
	if s.Peers == 0 {
		return 1
	}
	return s.Peers
}

func (s *Scenario) remote() bool {
	return s.Partition.Is(
		partition.TypeRemoteYjs,
		partition.TypeYjsClient,
		partition.TypeOtherPlayersRepo,
		partition.TypeOtherPlayersClient,
	)
}

// validateScenario checks required fields and references.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Partition.Type == "" {
		return fmt.Errorf("partition.type is required")
	}
	if s.Peers < 0 {
		return fmt.Errorf("peers must be non-negative")
	}
	if s.peers() > 1 && !s.remote() {
		return fmt.Errorf("%d peers need a remote partition type, got %s", s.peers(), s.Partition.Type)
	}
	if s.remote() && s.Partition.Branch == "" {
		return fmt.Errorf("partition.branch is required for %s", s.Partition.Type)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Peer < 0 || step.Peer >= s.peers() {
			return fmt.Errorf("steps[%d]: peer %d out of range", i, step.Peer)
		}
		if (len(step.Apply) == 0) == (step.Edit == nil) {
			return fmt.Errorf("steps[%d]: exactly one of apply or edit is required", i)
		}
		for j, a := range step.Apply {
			if err := validateAction(a); err != nil {
				return fmt.Errorf("steps[%d].apply[%d]: %w", i, j, err)
			}
		}
		if step.Edit != nil {
			if err := validateEdit(step.Edit); err != nil {
				return fmt.Errorf("steps[%d].edit: %w", i, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, s.peers()); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(a ActionSpec) error {
	set := 0
	if a.Add != nil {
		set++
		if a.Add.ID == "" {
			return fmt.Errorf("add: id is required")
		}
	}
	if a.Remove != "" {
		set++
	}
	if a.Update != nil {
		set++
		if a.Update.ID == "" {
			return fmt.Errorf("update: id is required")
		}
	}
	if a.State != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of add, remove, update or state is required")
	}
	return nil
}

func validateEdit(e *EditSpec) error {
	if e.Bot == "" || e.Tag == "" {
		return fmt.Errorf("bot and tag are required")
	}
	if len(e.Ops) == 0 {
		return fmt.Errorf("ops list is required and must be non-empty")
	}
	for i, op := range e.Ops {
		set := 0
		if op.Preserve > 0 {
			set++
		}
		if op.Insert != "" {
			set++
		}
		if op.Delete > 0 {
			set++
		}
		if set != 1 {
			return fmt.Errorf("ops[%d]: exactly one of preserve, insert or delete is required", i)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, peers int) error {
	if a.Peer < 0 || a.Peer >= peers {
		return fmt.Errorf("assertions[%d]: peer %d out of range", index, a.Peer)
	}
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertFinalState:
		if a.Bot == "" {
			return fmt.Errorf("assertions[%d]: bot is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertAbsent:
		if a.Bot == "" {
			return fmt.Errorf("assertions[%d]: bot is required for absent", index)
		}
	case AssertTraceCount:
		switch a.Kind {
		case KindAdded, KindRemoved, KindUpdated, KindEvents, KindError:
		default:
			return fmt.Errorf("assertions[%d]: unknown kind %q for trace_count", index, a.Kind)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertConverged:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
