package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leadFunnelDefinition() Definition {
	return Definition{
		Name:           "lead_funnel",
		States:         []string{"new", "contacted", "qualified", "nurture", "converted", "disqualified"},
		TerminalStates: []string{"converted", "disqualified"},
		Transitions: []Transition{
			{From: "new", To: "contacted", Trigger: "outreach_sent"},
			{From: "contacted", To: "qualified", Trigger: "qualification_call"},
			{From: "contacted", To: "nurture", Trigger: "nurture_opt_in"},
			{From: "nurture", To: "qualified", Trigger: "qualification_call"},
			{From: "qualified", To: "converted", Trigger: "deal_signed"},
			{From: "qualified", To: "disqualified", Trigger: "manual_review", RequiresReasonCode: true},
			{From: "nurture", To: "disqualified", Trigger: "manual_review", RequiresReasonCode: true},
		},
		PublicEventNormalization: map[string]map[string]string{
			"stage": {"nurture": "in_progress"},
		},
	}
}

func TestValidateHappyPath(t *testing.T) {
	table := MustTable(leadFunnelDefinition())

	v := table.Validate("new", "contacted", "outreach_sent", "")
	assert.True(t, v.OK)
	assert.True(t, v.Changed)
	assert.Empty(t, v.Code)
}

func TestValidateSelfTransitionIsNoOp(t *testing.T) {
	table := MustTable(leadFunnelDefinition())

	// no trigger needed for a self-transition
	v := table.Validate("qualified", "qualified", "", "")
	assert.True(t, v.OK)
	assert.False(t, v.Changed)
}

func TestValidateDenialCodes(t *testing.T) {
	table := MustTable(leadFunnelDefinition())

	tests := []struct {
		name            string
		current, next   string
		trigger, reason string
		code            string
		expectedTrigger string
	}{
		{
			name:    "unknown current state",
			current: "archived", next: "contacted", trigger: "outreach_sent",
			code: CodeUnknownCurrentState,
		},
		{
			name:    "unknown next state",
			current: "new", next: "archived", trigger: "outreach_sent",
			code: CodeUnknownNextState,
		},
		{
			name:    "edge not declared",
			current: "new", next: "converted", trigger: "deal_signed",
			code: CodeTransitionNotAllowed,
		},
		{
			name:    "empty trigger",
			current: "new", next: "contacted", trigger: "",
			code: CodeMissingTrigger,
		},
		{
			name:    "trigger below minimum length",
			current: "new", next: "contacted", trigger: "ok",
			code: CodeMissingTrigger,
		},
		{
			name:    "wrong trigger",
			current: "new", next: "contacted", trigger: "deal_signed",
			code:            CodeTriggerMismatch,
			expectedTrigger: "outreach_sent",
		},
		{
			name:    "reason code missing on guarded edge",
			current: "qualified", next: "disqualified", trigger: "manual_review",
			code: CodeReasonCodeRequired,
		},
		{
			name:    "whitespace reason code still missing",
			current: "qualified", next: "disqualified", trigger: "manual_review", reason: "   ",
			code: CodeReasonCodeRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := table.Validate(tt.current, tt.next, tt.trigger, tt.reason)
			assert.False(t, v.OK)
			assert.False(t, v.Changed)
			assert.Equal(t, tt.code, v.Code)
			assert.Equal(t, tt.expectedTrigger, v.ExpectedTrigger)
		})
	}
}

func TestValidateReasonCodeAccepted(t *testing.T) {
	table := MustTable(leadFunnelDefinition())

	v := table.Validate("qualified", "disqualified", "manual_review", "budget_lost")
	assert.True(t, v.OK)
	assert.True(t, v.Changed)
}

func TestValidateIsPure(t *testing.T) {
	table := MustTable(leadFunnelDefinition())

	first := table.Validate("contacted", "qualified", "qualification_call", "")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, table.Validate("contacted", "qualified", "qualification_call", ""))
	}
}

func TestTableLookups(t *testing.T) {
	table := MustTable(leadFunnelDefinition())

	assert.True(t, table.KnownState("nurture"))
	assert.False(t, table.KnownState("limbo"))
	assert.True(t, table.TerminalState("converted"))
	assert.False(t, table.TerminalState("qualified"))

	edges := table.TransitionsFrom("contacted")
	require.Len(t, edges, 2)

	tr, ok := table.FindTransition("qualified", "converted")
	require.True(t, ok)
	assert.Equal(t, "deal_signed", tr.Trigger)

	_, ok = table.FindTransition("new", "converted")
	assert.False(t, ok)
}

func TestNormalizeForPublicEvent(t *testing.T) {
	table := MustTable(leadFunnelDefinition())

	assert.Equal(t, "in_progress", table.NormalizeForPublicEvent("stage", "nurture"))
	assert.Equal(t, "qualified", table.NormalizeForPublicEvent("stage", "qualified"))
	assert.Equal(t, "nurture", table.NormalizeForPublicEvent("status", "nurture"))
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:    "no states",
			mutate:  func(d *Definition) { d.States = nil },
			wantErr: "at least one state",
		},
		{
			name:    "duplicate state",
			mutate:  func(d *Definition) { d.States = append(d.States, "new") },
			wantErr: "duplicate state",
		},
		{
			name:    "undeclared terminal state",
			mutate:  func(d *Definition) { d.TerminalStates = append(d.TerminalStates, "ghost") },
			wantErr: "terminal state",
		},
		{
			name: "transition from unknown state",
			mutate: func(d *Definition) {
				d.Transitions = append(d.Transitions, Transition{From: "ghost", To: "new", Trigger: "spawn_lead"})
			},
			wantErr: "unknown from state",
		},
		{
			name: "transition missing trigger",
			mutate: func(d *Definition) {
				d.Transitions = append(d.Transitions, Transition{From: "new", To: "qualified"})
			},
			wantErr: "missing trigger",
		},
		{
			name: "duplicate edge",
			mutate: func(d *Definition) {
				d.Transitions = append(d.Transitions, Transition{From: "new", To: "contacted", Trigger: "other_trigger"})
			},
			wantErr: "duplicate transition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := leadFunnelDefinition()
			tt.mutate(&def)
			err := def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseYAML(t *testing.T) {
	raw := []byte(`
name: campaign_lifecycle
states: [draft, scheduled, running, paused, finished]
terminal_states: [finished]
transitions:
  - from: draft
    to: scheduled
    trigger: schedule_campaign
  - from: scheduled
    to: running
    trigger: launch_window
  - from: running
    to: paused
    trigger: manual_pause
    requires_reason_code: true
  - from: paused
    to: running
    trigger: manual_resume
  - from: running
    to: finished
    trigger: budget_exhausted
`)

	def, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "campaign_lifecycle", def.Name)
	assert.Len(t, def.Transitions, 5)

	table, err := NewTable(*def)
	require.NoError(t, err)

	v := table.Validate("running", "paused", "manual_pause", "")
	assert.Equal(t, CodeReasonCodeRequired, v.Code)
}

func TestParseJSON(t *testing.T) {
	raw := []byte(`{
  "name": "minimal",
  "states": ["open", "closed"],
  "transitions": [{"from": "open", "to": "closed", "trigger": "close_request"}]
}`)

	def, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"open", "closed"}, def.States)
}

func TestParseRejectsInvalidDefinition(t *testing.T) {
	_, err := Parse([]byte(`{"states": []}`))
	require.Error(t, err)
}
