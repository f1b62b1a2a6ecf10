package model

// Prompt is the resolved current step sent to the frontend: question text
// and option labels have already had their placeholders expanded.
type Prompt struct {
	StepID       int          `json:"step_id"`
	Block        string       `json:"block,omitempty"`
	QuestionText string       `json:"question_text"`
	Icon         string       `json:"icon,omitempty"`
	Kind         string       `json:"kind"`
	Input        *InputSpec   `json:"input,omitempty"`
	Options      []OptionView `json:"options,omitempty"`
}

// InputSpec describes the input widget a step of kind "input" should show.
type InputSpec struct {
	Kind        string `json:"kind"`
	Placeholder string `json:"placeholder,omitempty"`
	Variable    string `json:"variable"`
}

// OptionView is a rendered option button.
type OptionView struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// Effect is the side effect produced by applying an option. For actions the
// engine handles itself (variable assignment, recalculation) it records
// what happened; for UI-delegated actions it carries the payload verbatim.
type Effect struct {
	Action   string         `json:"action"`
	Variable string         `json:"variable,omitempty"`
	Value    any            `json:"value,omitempty"`
	Signal   map[string]any `json:"signal,omitempty"`
}

// StepResult is the outcome of a select or submit call: the effect that was
// applied and, unless the session ended, the next rendered prompt.
type StepResult struct {
	Effect   Effect  `json:"effect"`
	Prompt   *Prompt `json:"prompt,omitempty"`
	Terminal bool    `json:"terminal"`
	Status   string  `json:"status"`
}

// SessionDescriptor is the full session view for the frontend: status,
// current prompt, and audit history.
type SessionDescriptor struct {
	ID       string         `json:"id"`
	FlowID   string         `json:"flow_id"`
	FlowName string         `json:"flow_name"`
	Status   string         `json:"status"`
	Prompt   *Prompt        `json:"prompt,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
	History  []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry is one audit-trail row in a session descriptor.
type HistoryEntry struct {
	StepID    int            `json:"step_id"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
}
