package workflow

import "strings"

// Verdict codes returned by Table.Validate. They are expected, frequently
// occurring outcomes the caller branches on, never error returns.
const (
	CodeUnknownCurrentState  = "unknown_current_state"
	CodeUnknownNextState     = "unknown_next_state"
	CodeTransitionNotAllowed = "transition_not_allowed"
	CodeMissingTrigger       = "missing_trigger"
	CodeTriggerMismatch      = "trigger_mismatch"
	CodeReasonCodeRequired   = "reason_code_required"
)

const minTokenLength = 3

// Verdict is the outcome of validating one requested state change.
type Verdict struct {
	OK              bool   `json:"ok"`
	Changed         bool   `json:"changed"`
	Code            string `json:"code,omitempty"`
	ExpectedTrigger string `json:"expected_trigger,omitempty"`
}

func deny(code string) Verdict {
	return Verdict{Code: code}
}

// Table is the compiled, immutable lookup form of a Definition. Build one
// per workflow at startup and share it freely; it is safe for concurrent
// reads.
type Table struct {
	name     string
	states   map[string]struct{}
	terminal map[string]struct{}
	byPair   map[string]Transition
	byFrom   map[string][]Transition

	publicEventNormalization map[string]map[string]string
}

// NewTable compiles a validated definition into its lookup form.
func NewTable(def Definition) (*Table, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	t := &Table{
		name:                     strings.TrimSpace(def.Name),
		states:                   make(map[string]struct{}, len(def.States)),
		terminal:                 make(map[string]struct{}, len(def.TerminalStates)),
		byPair:                   make(map[string]Transition, len(def.Transitions)),
		byFrom:                   make(map[string][]Transition),
		publicEventNormalization: def.PublicEventNormalization,
	}
	for _, state := range def.States {
		t.states[strings.TrimSpace(state)] = struct{}{}
	}
	for _, state := range def.TerminalStates {
		t.terminal[strings.TrimSpace(state)] = struct{}{}
	}
	for _, tr := range def.Transitions {
		tr.From = strings.TrimSpace(tr.From)
		tr.To = strings.TrimSpace(tr.To)
		tr.Trigger = strings.TrimSpace(tr.Trigger)
		t.byPair[pairKey(tr.From, tr.To)] = tr
		t.byFrom[tr.From] = append(t.byFrom[tr.From], tr)
	}
	return t, nil
}

// MustTable compiles the definition and panics on failure. Use only during
// process startup where a malformed definition must abort loudly.
func MustTable(def Definition) *Table {
	t, err := NewTable(def)
	if err != nil {
		panic(err)
	}
	return t
}

// Name reports the workflow name the table was built from.
func (t *Table) Name() string { return t.name }

// KnownState reports whether state belongs to the workflow's state set.
func (t *Table) KnownState(state string) bool {
	_, ok := t.states[state]
	return ok
}

// TerminalState reports whether state is declared terminal.
func (t *Table) TerminalState(state string) bool {
	_, ok := t.terminal[state]
	return ok
}

// States returns the declared state set in no particular order.
func (t *Table) States() []string {
	out := make([]string, 0, len(t.states))
	for state := range t.states {
		out = append(out, state)
	}
	return out
}

// TransitionsFrom lists the declared edges leaving a state.
func (t *Table) TransitionsFrom(state string) []Transition {
	edges := t.byFrom[state]
	if len(edges) == 0 {
		return nil
	}
	return append([]Transition(nil), edges...)
}

// FindTransition looks up the single declared edge between two states.
func (t *Table) FindTransition(from, to string) (Transition, bool) {
	tr, ok := t.byPair[pairKey(from, to)]
	return tr, ok
}

// NormalizeForPublicEvent maps an internal state to its public-event alias
// for the given event field, falling back to the state itself.
func (t *Table) NormalizeForPublicEvent(field, state string) string {
	mapping, ok := t.publicEventNormalization[field]
	if !ok {
		return state
	}
	if alias, ok := mapping[state]; ok {
		return alias
	}
	return state
}

// Validate decides whether moving an entity from current to next is legal.
// It is pure: identical inputs produce identical verdicts regardless of the
// storage backend behind the entity. Callers must never persist a state
// change without an OK verdict.
//
// A self-transition is always legal, requires no trigger, and reports
// Changed=false so the caller can treat it as an idempotent no-op update.
func (t *Table) Validate(currentState, nextState, trigger, reasonCode string) Verdict {
	if !t.KnownState(currentState) {
		return deny(CodeUnknownCurrentState)
	}
	if !t.KnownState(nextState) {
		return deny(CodeUnknownNextState)
	}
	if currentState == nextState {
		return Verdict{OK: true, Changed: false}
	}

	tr, ok := t.FindTransition(currentState, nextState)
	if !ok {
		return deny(CodeTransitionNotAllowed)
	}

	if len(trigger) < minTokenLength {
		return deny(CodeMissingTrigger)
	}
	if trigger != tr.Trigger {
		v := deny(CodeTriggerMismatch)
		v.ExpectedTrigger = tr.Trigger
		return v
	}

	if tr.RequiresReasonCode {
		if len(strings.TrimSpace(reasonCode)) < minTokenLength {
			return deny(CodeReasonCodeRequired)
		}
	}

	return Verdict{OK: true, Changed: true}
}

func pairKey(from, to string) string {
	return from + "=>" + to
}
