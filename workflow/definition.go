// Package workflow loads declarative workflow definitions (states, terminal
// states, trigger-guarded transitions) and validates entity state changes
// against them. The same table format and validator serve every workflow on
// the platform; the lead funnel and the campaign lifecycle are just two
// loaded instances.
package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transition declares one legal edge of a workflow.
type Transition struct {
	From               string `json:"from" yaml:"from"`
	To                 string `json:"to" yaml:"to"`
	Trigger            string `json:"trigger" yaml:"trigger"`
	RequiresReasonCode bool   `json:"requires_reason_code,omitempty" yaml:"requires_reason_code,omitempty"`
}

// Definition is the declarative workflow document consumed at startup.
// Malformed or self-inconsistent definitions fail loading; they are a
// deployment mistake, not a runtime condition.
type Definition struct {
	Name           string       `json:"name,omitempty" yaml:"name,omitempty"`
	States         []string     `json:"states" yaml:"states"`
	TerminalStates []string     `json:"terminal_states,omitempty" yaml:"terminal_states,omitempty"`
	Transitions    []Transition `json:"transitions" yaml:"transitions"`

	// PublicEventNormalization maps a public event field to a stage rename
	// table applied when the internal stage leaks into public event payloads.
	PublicEventNormalization map[string]map[string]string `json:"normalization_for_public_events,omitempty" yaml:"normalization_for_public_events,omitempty"`
}

// Validate ensures the definition is structurally sound: non-empty unique
// states, terminal states drawn from the state set, and transitions that
// only reference declared states.
func (d Definition) Validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("workflow %s requires at least one state", d.label())
	}

	stateSet := make(map[string]struct{}, len(d.States))
	for _, state := range d.States {
		name := strings.TrimSpace(state)
		if name == "" {
			return fmt.Errorf("workflow %s has empty state name", d.label())
		}
		if _, exists := stateSet[name]; exists {
			return fmt.Errorf("workflow %s duplicate state %s", d.label(), name)
		}
		stateSet[name] = struct{}{}
	}

	for _, terminal := range d.TerminalStates {
		if _, ok := stateSet[strings.TrimSpace(terminal)]; !ok {
			return fmt.Errorf("workflow %s terminal state %s is not declared", d.label(), terminal)
		}
	}

	pairSet := make(map[string]struct{}, len(d.Transitions))
	for _, tr := range d.Transitions {
		from := strings.TrimSpace(tr.From)
		to := strings.TrimSpace(tr.To)
		if from == "" || to == "" {
			return fmt.Errorf("workflow %s transition %s missing from/to", d.label(), tr.Trigger)
		}
		if _, ok := stateSet[from]; !ok {
			return fmt.Errorf("workflow %s transition references unknown from state %s", d.label(), from)
		}
		if _, ok := stateSet[to]; !ok {
			return fmt.Errorf("workflow %s transition references unknown to state %s", d.label(), to)
		}
		if strings.TrimSpace(tr.Trigger) == "" {
			return fmt.Errorf("workflow %s transition %s=>%s missing trigger", d.label(), from, to)
		}
		key := from + "=>" + to
		if _, exists := pairSet[key]; exists {
			return fmt.Errorf("workflow %s duplicate transition %s", d.label(), key)
		}
		pairSet[key] = struct{}{}
	}
	return nil
}

func (d Definition) label() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	return "definition"
}

// Parse decodes a YAML or JSON workflow definition and validates it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		// yaml handles JSON documents too, so a single attempt is fine
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads and parses a workflow definition file.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	def, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("workflow definition %s: %w", path, err)
	}
	return def, nil
}
