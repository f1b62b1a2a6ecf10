package flowdef

import (
	"fmt"

	"github.com/stegvis/stegvis/internal/condition"
	"github.com/stegvis/stegvis/internal/openapi"
	"github.com/stegvis/stegvis/model"
)

// VError describes a single validation error in a flow definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates flows structurally, referentially, and against the
// backend OpenAPI spec.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all flows. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(flows []model.FlowDefinition, index *openapi.Index) []VError {
	var errs []VError
	seen := make(map[string]bool)
	for i, flow := range flows {
		prefix := fmt.Sprintf("flows[%d]", i)
		if seen[flow.ID] {
			errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("flow id %q already defined", flow.ID)})
		}
		seen[flow.ID] = true
		errs = append(errs, v.validateFlow(prefix, flow, index)...)
	}
	return errs
}

var validStepKinds = map[string]bool{
	model.StepKindMessage: true,
	model.StepKindOptions: true,
	model.StepKindInput:   true,
}

var validInputKinds = map[string]bool{
	model.InputKindText:   true,
	model.InputKindAmount: true,
}

var validActions = map[string]bool{
	model.ActionNavigate:        true,
	model.ActionSetVariable:     true,
	model.ActionShowInput:       true,
	model.ActionProcessInput:    true,
	model.ActionAPICall:         true,
	model.ActionEnableEdit:      true,
	model.ActionSaveManual:      true,
	model.ActionResetEdits:      true,
	model.ActionShowFileUpload:  true,
	model.ActionShowNotesEditor: true,
	model.ActionGeneratePDF:     true,
	model.ActionDownloadPDF:     true,
	model.ActionSubmitReport:    true,
	model.ActionCompleteSession: true,
}

const maxOptionsPerStep = 4

func (v *Validator) validateFlow(prefix string, flow model.FlowDefinition, index *openapi.Index) []VError {
	var errs []VError

	if flow.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if flow.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(flow.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	// Build the step id set for referential validation.
	stepIDs := make(map[int]bool, len(flow.Steps))
	for i, s := range flow.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.StepID <= 0 {
			errs = append(errs, VError{Path: sp + ".step_id", Code: "RANGE", Message: "step_id must be positive"})
		}
		if stepIDs[s.StepID] {
			errs = append(errs, VError{Path: sp + ".step_id", Code: "DUPLICATE", Message: fmt.Sprintf("step_id %d already defined", s.StepID)})
		}
		stepIDs[s.StepID] = true
	}

	if !stepIDs[flow.EntryStep] {
		errs = append(errs, VError{
			Path:    prefix + ".entry_step",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("entry_step %d not found in steps", flow.EntryStep),
		})
	}

	terminal := false
	for i, s := range flow.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.validateStep(sp, s, stepIDs, index)...)
		for _, o := range s.Options {
			if o.IsTerminal() {
				terminal = true
			}
		}
		if s.AutoOption != nil && s.AutoOption.IsTerminal() {
			terminal = true
		}
	}
	if !terminal {
		errs = append(errs, VError{
			Path:    prefix + ".steps",
			Code:    "NO_TERMINAL",
			Message: "flow has no terminal option; sessions could never complete",
		})
	}

	return errs
}

func (v *Validator) validateStep(prefix string, s model.Step, stepIDs map[int]bool, index *openapi.Index) []VError {
	var errs []VError

	if s.QuestionText == "" {
		errs = append(errs, VError{Path: prefix + ".question_text", Code: "REQUIRED", Message: "question_text is required"})
	}
	if s.Kind == "" {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "kind is required"})
	} else if !validStepKinds[s.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step kind %q", s.Kind)})
	}

	switch s.Kind {
	case model.StepKindOptions:
		if len(s.Options) == 0 {
			errs = append(errs, VError{Path: prefix + ".options", Code: "REQUIRED", Message: "options step needs at least one option"})
		}
	case model.StepKindInput:
		if s.InputKind == "" {
			errs = append(errs, VError{Path: prefix + ".input_kind", Code: "REQUIRED", Message: "input_kind is required for input steps"})
		} else if !validInputKinds[s.InputKind] {
			errs = append(errs, VError{Path: prefix + ".input_kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid input_kind %q", s.InputKind)})
		}
		submitters := 0
		for _, o := range s.Options {
			if o.Action == model.ActionProcessInput && o.Data.Variable != "" {
				submitters++
			}
		}
		if submitters != 1 {
			errs = append(errs, VError{
				Path:    prefix + ".options",
				Code:    "INPUT_BINDING",
				Message: fmt.Sprintf("input step needs exactly one process_input option naming a variable, found %d", submitters),
			})
		}
	}

	if len(s.Options) > maxOptionsPerStep {
		errs = append(errs, VError{
			Path:    prefix + ".options",
			Code:    "RANGE",
			Message: fmt.Sprintf("at most %d options per step, found %d", maxOptionsPerStep, len(s.Options)),
		})
	}

	values := make(map[string]bool, len(s.Options))
	for i, o := range s.Options {
		op := fmt.Sprintf("%s.options[%d]", prefix, i)
		if values[o.Value] {
			errs = append(errs, VError{Path: op + ".value", Code: "DUPLICATE", Message: fmt.Sprintf("option value %q already defined on step", o.Value)})
		}
		values[o.Value] = true
		errs = append(errs, v.validateOption(op, o, false, stepIDs, index)...)
	}
	if s.AutoOption != nil {
		errs = append(errs, v.validateOption(prefix+".auto_option", *s.AutoOption, true, stepIDs, index)...)
	}

	for name, pred := range s.ShowConditions {
		cp := fmt.Sprintf("%s.show_conditions[%s]", prefix, name)
		if len(pred.Kinds()) == 0 {
			errs = append(errs, VError{Path: cp, Code: "REQUIRED", Message: "predicate declares no comparison"})
		}
	}
	if len(s.ShowConditions) > 0 {
		if s.SkipTo != nil {
			if !stepIDs[*s.SkipTo] {
				errs = append(errs, VError{Path: prefix + ".skip_to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("skip_to %d not found in steps", *s.SkipTo)})
			}
		} else {
			fallback := s.AutoOption != nil && s.AutoOption.NextStep != nil
			for _, o := range s.Options {
				if o.NextStep != nil {
					fallback = true
				}
			}
			if !fallback {
				errs = append(errs, VError{
					Path:    prefix + ".show_conditions",
					Code:    "NO_SKIP_TARGET",
					Message: "conditional step has neither skip_to nor an option with next_step",
				})
			}
		}
	}

	return errs
}

func (v *Validator) validateOption(prefix string, o model.Option, auto bool, stepIDs map[int]bool, index *openapi.Index) []VError {
	var errs []VError

	if !auto && o.Value == "" {
		errs = append(errs, VError{Path: prefix + ".value", Code: "REQUIRED", Message: "value is required"})
	}
	if o.Action == "" {
		errs = append(errs, VError{Path: prefix + ".action", Code: "REQUIRED", Message: "action is required"})
	} else if !validActions[o.Action] {
		errs = append(errs, VError{Path: prefix + ".action", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid action %q", o.Action)})
	}

	if o.NextStep != nil && !stepIDs[*o.NextStep] {
		errs = append(errs, VError{Path: prefix + ".next_step", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("next_step %d not found in steps", *o.NextStep)})
	}

	if err := condition.CheckGuard(o.Guard); err != nil {
		errs = append(errs, VError{Path: prefix + ".guard", Code: "GUARD_INVALID", Message: err.Error()})
	}

	switch o.Action {
	case model.ActionSetVariable, model.ActionProcessInput:
		if o.Data.Variable == "" {
			errs = append(errs, VError{Path: prefix + ".action_data.variable", Code: "REQUIRED", Message: fmt.Sprintf("variable is required for %s", o.Action)})
		}
		if o.Action == model.ActionSetVariable && !o.Data.HasValue() {
			errs = append(errs, VError{Path: prefix + ".action_data.value", Code: "REQUIRED", Message: "value is required for set_variable"})
		}
	case model.ActionShowInput:
		if o.Data.InputType != "" && !validInputKinds[o.Data.InputType] {
			errs = append(errs, VError{Path: prefix + ".action_data.input_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid input_type %q", o.Data.InputType)})
		}
	case model.ActionAPICall:
		if o.Data.Operation == "" {
			errs = append(errs, VError{Path: prefix + ".action_data.operation", Code: "REQUIRED", Message: "operation is required for api_call"})
		} else if index != nil {
			if _, ok := index.GetOperation(o.Data.Operation); !ok {
				errs = append(errs, VError{
					Path:    prefix + ".action_data.operation",
					Code:    "OPERATION_NOT_FOUND",
					Message: fmt.Sprintf("operation %q not found in backend spec", o.Data.Operation),
				})
			}
		}
	case model.ActionCompleteSession:
		// Terminal options carry no payload.
	}

	return errs
}
