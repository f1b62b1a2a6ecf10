package flow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stegvis/stegvis/internal/template"
	"github.com/stegvis/stegvis/model"
)

// Variable-context keys the manual-edit sub-state uses. The snapshot key
// is internal and never rendered.
const (
	varManualEdit     = "manual_edit"
	varManualAmounts  = "manual_amounts"
	varManualSnapshot = "_manual_amounts_snapshot"
)

// applyOption executes an option's side effect against the session. On
// error the variable context is left untouched so the user can retry.
func (e *Engine) applyOption(
	ctx context.Context,
	sess *model.Session,
	step *model.Step,
	opt *model.Option,
) (model.Effect, error) {
	switch opt.Action {
	case model.ActionNavigate, model.ActionCompleteSession:
		return model.Effect{Action: opt.Action}, nil

	case model.ActionSetVariable:
		// Presence-based: "0", 0 and false are values, not omissions.
		value := resolveValue(opt.Data.Value, sess)
		sess.SetVar(opt.Data.Variable, value)
		e.appendEvent(ctx, sess.ID, step.StepID, model.EventVariableSet, map[string]any{
			"variable": opt.Data.Variable,
			"value":    value,
		})
		return model.Effect{Action: opt.Action, Variable: opt.Data.Variable, Value: value}, nil

	case model.ActionProcessInput:
		// Assignment happens in Submit, where the captured value is known.
		return model.Effect{Action: opt.Action, Variable: opt.Data.Variable}, nil

	case model.ActionShowInput:
		return model.Effect{Action: opt.Action, Signal: map[string]any{
			"input_type":  opt.Data.InputType,
			"placeholder": opt.Data.Placeholder,
		}}, nil

	case model.ActionAPICall:
		return e.applyAPICall(ctx, sess, step, opt)

	case model.ActionEnableEdit:
		sess.SetVar(varManualEdit, true)
		sess.SetVar(varManualSnapshot, copyAmounts(sess.Vars[varManualAmounts]))
		return model.Effect{Action: opt.Action}, nil

	case model.ActionSaveManual:
		sess.SetVar(varManualEdit, false)
		delete(sess.Vars, varManualSnapshot)
		return model.Effect{Action: opt.Action}, nil

	case model.ActionResetEdits:
		if snap, ok := sess.Vars[varManualSnapshot]; ok {
			sess.SetVar(varManualAmounts, snap)
		}
		sess.SetVar(varManualEdit, false)
		delete(sess.Vars, varManualSnapshot)
		return model.Effect{Action: opt.Action}, nil

	case model.ActionShowFileUpload, model.ActionShowNotesEditor,
		model.ActionGeneratePDF, model.ActionDownloadPDF, model.ActionSubmitReport:
		// UI-delegated: the engine records the signal and passes the
		// payload along verbatim.
		return model.Effect{Action: opt.Action, Signal: opt.Data.Extra}, nil

	default:
		return model.Effect{}, e.failSession(ctx, sess, model.NewFlowConfigError(
			fmt.Sprintf("step %d option %q carries unknown action %q", step.StepID, opt.Value, opt.Action)))
	}
}

// applyAPICall templates the operation parameters, invokes the tax
// backend, and splices the returned lines into the variable context. On
// failure nothing is written; the session stays put and the call is
// retryable.
func (e *Engine) applyAPICall(
	ctx context.Context,
	sess *model.Session,
	step *model.Step,
	opt *model.Option,
) (model.Effect, error) {
	locale := template.ParseLocale(sess.Locale)
	params := template.ExpandAll(opt.Data.Params, sess.Vars, locale)

	lines, err := e.invoker.Invoke(ctx, opt.Data.Operation, params, sess.Vars)
	if err != nil {
		e.logger.Warn("backend call failed",
			zap.String("session_id", sess.ID),
			zap.Int("step_id", step.StepID),
			zap.String("operation", opt.Data.Operation),
			zap.Error(err))
		return model.Effect{}, model.NewExternalCallError(err)
	}

	updated := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.VariableName == "" {
			continue
		}
		sess.SetVar(line.VariableName, line.Amount)
		updated = append(updated, line.VariableName)
	}
	e.appendEvent(ctx, sess.ID, step.StepID, model.EventRecalculated, map[string]any{
		"operation": opt.Data.Operation,
		"updated":   updated,
	})

	return model.Effect{Action: opt.Action, Signal: map[string]any{
		"operation": opt.Data.Operation,
		"updated":   updated,
	}}, nil
}

// resolveValue expands template placeholders in a set_variable payload
// before writing. A value that is exactly one placeholder copies the
// referenced context entry as-is, keeping its type; any other string goes
// through normal text expansion. Non-strings pass through untouched.
func resolveValue(value any, sess *model.Session) any {
	s, ok := value.(string)
	if !ok || !strings.Contains(s, "{") {
		return value
	}
	if name, single := singlePlaceholder(s); single {
		if v, found := sess.Var(name); found {
			return v
		}
		return nil
	}
	return template.Expand(s, sess.Vars, template.ParseLocale(sess.Locale))
}

// singlePlaceholder reports whether s is exactly "{name}" and returns name.
func singlePlaceholder(s string) (string, bool) {
	if len(s) < 3 || s[0] != '{' || s[len(s)-1] != '}' {
		return "", false
	}
	inner := s[1 : len(s)-1]
	if strings.ContainsAny(inner, "{}") {
		return "", false
	}
	return inner, true
}

// copyAmounts snapshots a manual-amounts map so later edits don't leak
// into the saved copy.
func copyAmounts(value any) any {
	amounts, ok := value.(map[string]any)
	if !ok {
		return value
	}
	out := make(map[string]any, len(amounts))
	for k, v := range amounts {
		out[k] = v
	}
	return out
}
