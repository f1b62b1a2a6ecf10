package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Step kinds.
const (
	StepKindMessage = "message"
	StepKindOptions = "options"
	StepKindInput   = "input"
)

// Input kinds for steps of kind "input".
const (
	InputKindText   = "text"
	InputKindAmount = "amount"
)

// Action types an option can carry. The flow engine interprets the first
// group itself; the second group is forwarded to the UI layer untouched.
const (
	ActionNavigate     = "navigate"
	ActionSetVariable  = "set_variable"
	ActionShowInput    = "show_input"
	ActionProcessInput = "process_input"
	ActionAPICall      = "api_call"
	ActionEnableEdit   = "enable_editing"
	ActionSaveManual   = "save_manual_tax"
	ActionResetEdits   = "reset_tax_edits"

	ActionShowFileUpload  = "show_file_upload"
	ActionShowNotesEditor = "show_notes_editor"
	ActionGeneratePDF     = "generate_pdf"
	ActionDownloadPDF     = "download_pdf"
	ActionSubmitReport    = "submit_to_bolagsverket"
	ActionCompleteSession = "complete_session"
)

// FlowDefinition is the root structure of a flow file. Each file declares
// one wizard flow as an ordered table of steps.
type FlowDefinition struct {
	ID        string `yaml:"id"         json:"id"`
	Name      string `yaml:"name"       json:"name"`
	EntryStep int    `yaml:"entry_step" json:"entry_step"`
	Steps     []Step `yaml:"steps"      json:"steps"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Step is one node in the conversation graph: a question, message, or
// input prompt, plus the options that leave it.
type Step struct {
	StepID           int                  `yaml:"step_id"           json:"step_id"`
	Block            string               `yaml:"block"             json:"block,omitempty"`
	QuestionText     string               `yaml:"question_text"     json:"question_text"`
	Icon             string               `yaml:"icon"              json:"icon,omitempty"`
	Kind             string               `yaml:"kind"              json:"kind"`
	InputKind        string               `yaml:"input_kind"        json:"input_kind,omitempty"`
	InputPlaceholder string               `yaml:"input_placeholder" json:"input_placeholder,omitempty"`
	AutoOption       *Option              `yaml:"auto_option"       json:"auto_option,omitempty"`
	Options          []Option             `yaml:"options"           json:"options,omitempty"`
	ShowConditions   map[string]Predicate `yaml:"show_conditions"   json:"show_conditions,omitempty"`
	// SkipTo names the step to fall through to when ShowConditions
	// evaluate false. When absent, the first viable option's target is
	// used instead.
	SkipTo *int `yaml:"skip_to" json:"skip_to,omitempty"`
}

// Option is a selectable choice attached to a step. It carries a transition
// target and a side-effect action.
type Option struct {
	Text     string     `yaml:"text"        json:"text,omitempty"`
	Value    string     `yaml:"value"       json:"value"`
	NextStep *int       `yaml:"next_step"   json:"next_step,omitempty"`
	Guard    string     `yaml:"guard"       json:"guard,omitempty"`
	Action   string     `yaml:"action"      json:"action"`
	Data     ActionData `yaml:"action_data" json:"action_data,omitempty"`
}

// ActionData is the per-action payload. Only the fields relevant to the
// option's Action are populated; the engine reads nothing else.
type ActionData struct {
	// set_variable / process_input
	Variable string `yaml:"variable" json:"variable,omitempty"`
	Value    any    `yaml:"value"    json:"value,omitempty"`

	// show_input
	InputType   string `yaml:"input_type"  json:"input_type,omitempty"`
	Placeholder string `yaml:"placeholder" json:"placeholder,omitempty"`

	// api_call: Operation is the backend operationId, Params are template
	// strings resolved against the variable context before the call.
	Operation string            `yaml:"operation" json:"operation,omitempty"`
	Params    map[string]string `yaml:"params"    json:"params,omitempty"`

	// Passthrough payload for UI-delegated actions. Forwarded verbatim.
	Extra map[string]any `yaml:"extra" json:"extra,omitempty"`
}

// HasValue reports whether the payload carries an explicit value, including
// falsy ones such as "0", 0 and false. A nil Value means absent.
func (d ActionData) HasValue() bool {
	return d.Value != nil
}

// Predicate is one declarative comparison applied to a variable context
// entry. Exactly one of the comparison fields should be set; the operand is
// either a numeric literal or the name of another context entry.
type Predicate struct {
	Gt  *Operand `yaml:"gt"  json:"gt,omitempty"`
	Gte *Operand `yaml:"gte" json:"gte,omitempty"`
	Lt  *Operand `yaml:"lt"  json:"lt,omitempty"`
	Lte *Operand `yaml:"lte" json:"lte,omitempty"`
	Eq  *Operand `yaml:"eq"  json:"eq,omitempty"`
	Ne  *Operand `yaml:"ne"  json:"ne,omitempty"`
}

// Kinds returns the names of the comparison fields that are set. Used by
// the validator to reject empty or ambiguous predicates.
func (p Predicate) Kinds() []string {
	var kinds []string
	if p.Gt != nil {
		kinds = append(kinds, "gt")
	}
	if p.Gte != nil {
		kinds = append(kinds, "gte")
	}
	if p.Lt != nil {
		kinds = append(kinds, "lt")
	}
	if p.Lte != nil {
		kinds = append(kinds, "lte")
	}
	if p.Eq != nil {
		kinds = append(kinds, "eq")
	}
	if p.Ne != nil {
		kinds = append(kinds, "ne")
	}
	return kinds
}

// Operand is either a numeric literal or a reference to another variable
// context entry, depending on the YAML scalar it was parsed from.
type Operand struct {
	Num *float64
	Var string
}

// UnmarshalYAML decodes a scalar operand: numbers become literals, strings
// become variable references.
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	var num float64
	if err := node.Decode(&num); err == nil {
		o.Num = &num
		return nil
	}
	var name string
	if err := node.Decode(&name); err != nil {
		return fmt.Errorf("operand must be a number or a variable name: %w", err)
	}
	o.Var = name
	return nil
}

// MarshalYAML encodes the operand back to the scalar form it came from.
func (o Operand) MarshalYAML() (any, error) {
	if o.Num != nil {
		return *o.Num, nil
	}
	return o.Var, nil
}

// Lit builds a literal operand. Test helper.
func Lit(n float64) *Operand { return &Operand{Num: &n} }

// Ref builds a variable-reference operand. Test helper.
func Ref(name string) *Operand { return &Operand{Var: name} }

// FindStep returns the step with the given id, or nil.
func (f *FlowDefinition) FindStep(stepID int) *Step {
	for i := range f.Steps {
		if f.Steps[i].StepID == stepID {
			return &f.Steps[i]
		}
	}
	return nil
}

// FindOption returns the first option on the step with the given value,
// or nil. The auto option is not considered; it is never user-selectable.
func (s *Step) FindOption(value string) *Option {
	for i := range s.Options {
		if s.Options[i].Value == value {
			return &s.Options[i]
		}
	}
	return nil
}

// IsTerminal reports whether selecting the option ends the session: it
// completes the session and declares no further transition.
func (o *Option) IsTerminal() bool {
	return o.Action == ActionCompleteSession && o.NextStep == nil
}
