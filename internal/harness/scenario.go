package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dotlock/internal/identity"
	"github.com/roach88/dotlock/internal/ownership"
)

// Scenario defines a multi-client ownership scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// GracePeriod overrides the stale-owner timeout (Go duration syntax).
	// Empty uses the engine default.
	GracePeriod string `yaml:"grace_period,omitempty"`

	// Clients lists the client identities, in trace order.
	Clients []string `yaml:"clients"`

	// Initial seeds the shared cell before any client starts.
	Initial *RecordSeed `yaml:"initial,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: mutual_exclusion, trace_contains, trace_order,
	// trace_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// RecordSeed is the record present in the cell when the scenario starts.
// An empty Owner seeds an unowned record.
type RecordSeed struct {
	Owner    string `yaml:"owner"`
	Position Point  `yaml:"position"`
}

// Point is a position in scenario files.
type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Position converts p to an ownership.Position.
func (p Point) Position() ownership.Position {
	return ownership.Position{X: p.X, Y: p.Y}
}

// Step is one scenario step. Exactly one of Do (with Client) or Advance is
// set; Expect may accompany either.
type Step struct {
	Client   string                 `yaml:"client,omitempty"`
	Do       string                 `yaml:"do,omitempty"`
	Position *Point                 `yaml:"position,omitempty"`
	Advance  string                 `yaml:"advance,omitempty"`
	Expect   map[string]StateExpect `yaml:"expect,omitempty"`
}

// StateExpect is the expected state of one client. Position is optional.
type StateExpect struct {
	Status   string `yaml:"status"`
	Position *Point `yaml:"position,omitempty"`
}

// Step verbs.
const (
	DoBegin = "begin"
	DoMove  = "move"
	DoEnd   = "end"
	DoDrop  = "drop"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "mutual_exclusion": at most one client in local_control after every step
	// - "trace_contains": client has a transition with cause (and status, if set)
	// - "trace_order": client's transitions include causes in this order
	// - "trace_count": client has exactly Count transitions with cause, or
	//   Count publishes when Kind is "publish"
	// - "final_state": client ends in status (and position, if set)
	Type string `yaml:"type"`

	Client   string   `yaml:"client,omitempty"`
	Cause    string   `yaml:"cause,omitempty"`
	Causes   []string `yaml:"causes,omitempty"`
	Kind     string   `yaml:"kind,omitempty"`
	Status   string   `yaml:"status,omitempty"`
	Position *Point   `yaml:"position,omitempty"`
	Count    int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertMutualExclusion = "mutual_exclusion"
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertFinalState      = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// gracePeriod returns the parsed grace period, or zero for the default.
func (s *Scenario) gracePeriod() (time.Duration, error) {
	if s.GracePeriod == "" {
		return 0, nil
	}
	return time.ParseDuration(s.GracePeriod)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if d, err := s.gracePeriod(); err != nil || d < 0 {
		return fmt.Errorf("grace_period %q is not a positive duration", s.GracePeriod)
	}

	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}

	clients := make(map[string]bool, len(s.Clients))
	for i, c := range s.Clients {
		if c == "" || identity.Normalize(c) != c {
			return fmt.Errorf("clients[%d]: %q is not a normalized identity", i, c)
		}
		if clients[c] {
			return fmt.Errorf("clients[%d]: duplicate client %q", i, c)
		}
		clients[c] = true
	}

	if s.Initial != nil {
		if !s.Initial.Position.Position().Valid() {
			return fmt.Errorf("initial: position out of range")
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, clients); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, clients); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single step.
func validateStep(index int, step *Step, clients map[string]bool) error {
	switch {
	case step.Do != "" && step.Advance != "":
		return fmt.Errorf("steps[%d]: do and advance are exclusive", index)

	case step.Do != "":
		if !clients[step.Client] {
			return fmt.Errorf("steps[%d]: unknown client %q", index, step.Client)
		}
		switch step.Do {
		case DoMove:
			if step.Position == nil {
				return fmt.Errorf("steps[%d]: move requires position", index)
			}
		case DoBegin, DoEnd, DoDrop:
			if step.Position != nil {
				return fmt.Errorf("steps[%d]: %s takes no position", index, step.Do)
			}
		default:
			return fmt.Errorf("steps[%d]: unknown action %q", index, step.Do)
		}

	case step.Advance != "":
		if step.Client != "" {
			return fmt.Errorf("steps[%d]: advance takes no client", index)
		}
		d, err := time.ParseDuration(step.Advance)
		if err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: advance %q is not a duration", index, step.Advance)
		}

	case len(step.Expect) == 0:
		return fmt.Errorf("steps[%d]: one of do, advance or expect is required", index)
	}

	for client, exp := range step.Expect {
		if !clients[client] {
			return fmt.Errorf("steps[%d].expect: unknown client %q", index, client)
		}
		if _, err := ownership.ParseStatus(exp.Status); err != nil {
			return fmt.Errorf("steps[%d].expect[%s]: %w", index, client, err)
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, clients map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	if a.Type != AssertMutualExclusion && !clients[a.Client] {
		return fmt.Errorf("assertions[%d]: unknown client %q", index, a.Client)
	}

	switch a.Type {
	case AssertMutualExclusion:
	case AssertTraceContains:
		if a.Cause == "" {
			return fmt.Errorf("assertions[%d]: cause is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Causes) == 0 {
			return fmt.Errorf("assertions[%d]: causes list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind != KindPublish && a.Cause == "" {
			return fmt.Errorf("assertions[%d]: cause is required for trace_count", index)
		}
		if a.Kind != "" && a.Kind != KindPublish && a.Kind != KindTransition {
			return fmt.Errorf("assertions[%d]: unknown kind %q", index, a.Kind)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if _, err := ownership.ParseStatus(a.Status); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
