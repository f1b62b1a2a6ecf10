// Package flow is the step-flow interpreter: it walks sessions through a
// flow definition one step at a time, applying option actions and keeping
// the variable context.
package flow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stegvis/stegvis/internal/condition"
	"github.com/stegvis/stegvis/internal/flowdef"
	"github.com/stegvis/stegvis/internal/template"
	"github.com/stegvis/stegvis/model"
)

// defaultChainLimit bounds consecutive automatic transitions (skipped
// steps and auto options) within one call. Exceeding it fails the session
// rather than looping forever on a cyclic definition.
const defaultChainLimit = 10

// Engine manages the lifecycle of wizard sessions.
type Engine struct {
	registry   *flowdef.Registry
	store      SessionStore
	invoker    Invoker
	logger     *zap.Logger
	recorder   Recorder
	chainLimit int
}

// NewEngine creates a new flow engine.
func NewEngine(registry *flowdef.Registry, store SessionStore, invoker Invoker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:   registry,
		store:      store,
		invoker:    invoker,
		logger:     logger,
		recorder:   nopRecorder{},
		chainLimit: defaultChainLimit,
	}
}

// SetRecorder routes lifecycle counters to the given recorder.
func (e *Engine) SetRecorder(r Recorder) {
	if r != nil {
		e.recorder = r
	}
}

// Start creates a session at the flow's entry step, seeds the variable
// context, and resolves the first prompt.
func (e *Engine) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	flowID string,
	seed map[string]any,
) (model.Session, *model.Prompt, error) {
	flow, ok := e.registry.GetFlow(flowID)
	if !ok {
		return model.Session{}, nil, model.NewNotFoundError(
			fmt.Sprintf("flow %q not found", flowID),
		)
	}

	vars := make(map[string]any, len(seed))
	for k, v := range seed {
		vars[k] = v
	}

	locale := rctx.Locale
	now := time.Now().UTC()
	sess := model.Session{
		ID:          uuid.New().String(),
		FlowID:      flowID,
		SubjectID:   rctx.SubjectID,
		CurrentStep: flow.EntryStep,
		Status:      model.SessionStatusActive,
		Vars:        vars,
		Locale:      locale,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	if err := e.store.Create(ctx, sess); err != nil {
		return model.Session{}, nil, err
	}
	e.recorder.RecordSessionStart(flowID)
	e.appendEvent(ctx, sess.ID, flow.EntryStep, model.EventStepEntered, nil)

	prompt, err := e.settle(ctx, &sess, flow, 0)
	if err != nil {
		return model.Session{}, nil, err
	}
	if err := e.store.Update(ctx, sess); err != nil {
		return model.Session{}, nil, err
	}
	sess.Version++

	return sess, prompt, nil
}

// Resolve renders the session's current prompt. Skipped steps and auto
// options are worked through first, so the returned prompt is always one
// the user should actually see.
func (e *Engine) Resolve(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID string,
) (*model.Prompt, error) {
	sess, err := e.store.Get(ctx, rctx.SubjectID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusActive {
		return nil, model.NewSessionNotActiveError(sess.ID, sess.Status)
	}

	flow, ok := e.registry.GetFlow(sess.FlowID)
	if !ok {
		return nil, model.NewFlowConfigError(
			fmt.Sprintf("flow %q no longer loaded", sess.FlowID),
		)
	}

	before := sess.CurrentStep
	prompt, err := e.settle(ctx, &sess, flow, 0)
	if err != nil {
		return nil, err
	}
	if sess.CurrentStep != before || sess.Status != model.SessionStatusActive {
		if err := e.store.Update(ctx, sess); err != nil {
			return nil, err
		}
	}
	return prompt, nil
}

// Select applies the named option on the session's current step.
func (e *Engine) Select(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID, optionValue string,
) (model.StepResult, error) {
	sess, err := e.store.Get(ctx, rctx.SubjectID, sessionID)
	if err != nil {
		return model.StepResult{}, err
	}
	if sess.Status != model.SessionStatusActive {
		return model.StepResult{}, model.NewSessionNotActiveError(sess.ID, sess.Status)
	}

	flow, ok := e.registry.GetFlow(sess.FlowID)
	if !ok {
		return model.StepResult{}, model.NewFlowConfigError(
			fmt.Sprintf("flow %q no longer loaded", sess.FlowID),
		)
	}
	step := flow.FindStep(sess.CurrentStep)
	if step == nil {
		return model.StepResult{}, e.failSession(ctx, &sess,
			model.NewUnknownStepError(sess.FlowID, sess.CurrentStep))
	}

	opt := step.FindOption(optionValue)
	if opt == nil {
		return model.StepResult{}, model.NewInvalidOptionError(optionValue)
	}
	// The process_input option only transitions through Submit, which
	// writes the captured value first. Selecting it directly would advance
	// past the step with its bound variable never set.
	if opt.Action == model.ActionProcessInput {
		return model.StepResult{}, model.NewInvalidOptionError(optionValue)
	}
	// Guards filter which options are live; a guarded-off option is as
	// unavailable as a missing one.
	if pass, guardErr := condition.EvalGuard(opt.Guard, sess.Vars); guardErr != nil || !pass {
		if guardErr != nil {
			e.logger.Warn("option guard failed to evaluate",
				zap.String("session_id", sess.ID),
				zap.Int("step_id", step.StepID),
				zap.Error(guardErr))
		}
		return model.StepResult{}, model.NewInvalidOptionError(optionValue)
	}

	effect, err := e.applyOption(ctx, &sess, step, opt)
	if err != nil {
		return model.StepResult{}, err
	}
	e.appendEvent(ctx, sess.ID, step.StepID, model.EventOptionSelected, map[string]any{
		"value":  opt.Value,
		"action": opt.Action,
	})

	return e.finish(ctx, &sess, flow, step, opt, effect)
}

// Submit writes captured input into the current input step's bound
// variable and applies the submit option's transition.
func (e *Engine) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID, raw string,
) (model.StepResult, error) {
	sess, err := e.store.Get(ctx, rctx.SubjectID, sessionID)
	if err != nil {
		return model.StepResult{}, err
	}
	if sess.Status != model.SessionStatusActive {
		return model.StepResult{}, model.NewSessionNotActiveError(sess.ID, sess.Status)
	}

	flow, ok := e.registry.GetFlow(sess.FlowID)
	if !ok {
		return model.StepResult{}, model.NewFlowConfigError(
			fmt.Sprintf("flow %q no longer loaded", sess.FlowID),
		)
	}
	step := flow.FindStep(sess.CurrentStep)
	if step == nil {
		return model.StepResult{}, e.failSession(ctx, &sess,
			model.NewUnknownStepError(sess.FlowID, sess.CurrentStep))
	}
	if step.Kind != model.StepKindInput {
		return model.StepResult{}, model.NewInvalidInputError("this step does not accept typed input")
	}

	opt := submitOption(step)
	if opt == nil {
		return model.StepResult{}, e.failSession(ctx, &sess, model.NewFlowConfigError(
			fmt.Sprintf("input step %d has no process_input option", step.StepID)))
	}

	var value any
	switch step.InputKind {
	case model.InputKindAmount:
		amount, parseErr := template.ParseAmount(raw)
		if parseErr != nil {
			e.recorder.RecordInputRejection(sess.FlowID, strconv.Itoa(step.StepID))
			return model.StepResult{}, model.NewInvalidInputError(parseErr.Error())
		}
		value = amount
	default:
		if raw == "" {
			e.recorder.RecordInputRejection(sess.FlowID, strconv.Itoa(step.StepID))
			return model.StepResult{}, model.NewInvalidInputError("input must not be empty")
		}
		value = raw
	}

	sess.SetVar(opt.Data.Variable, value)
	e.appendEvent(ctx, sess.ID, step.StepID, model.EventInputSubmitted, map[string]any{
		"variable": opt.Data.Variable,
	})
	e.appendEvent(ctx, sess.ID, step.StepID, model.EventVariableSet, map[string]any{
		"variable": opt.Data.Variable,
		"value":    value,
	})

	effect := model.Effect{Action: opt.Action, Variable: opt.Data.Variable, Value: value}
	return e.finish(ctx, &sess, flow, step, opt, effect)
}

// Cancel cancels an active session.
func (e *Engine) Cancel(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID, reason string,
) error {
	sess, err := e.store.Get(ctx, rctx.SubjectID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.SessionStatusActive {
		return model.NewSessionNotActiveError(sess.ID, sess.Status)
	}

	sess.Status = model.SessionStatusCancelled
	sess.UpdatedAt = time.Now().UTC()
	e.recorder.RecordSessionCompletion(sess.FlowID, sess.Status)
	e.appendEvent(ctx, sess.ID, sess.CurrentStep, model.EventSessionCancelled, map[string]any{
		"reason": reason,
	})
	return e.store.Update(ctx, sess)
}

// Get returns the full session descriptor for the frontend.
func (e *Engine) Get(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID string,
) (model.SessionDescriptor, error) {
	sess, err := e.store.Get(ctx, rctx.SubjectID, sessionID)
	if err != nil {
		return model.SessionDescriptor{}, err
	}

	flow, ok := e.registry.GetFlow(sess.FlowID)
	if !ok {
		return model.SessionDescriptor{}, model.NewFlowConfigError(
			fmt.Sprintf("flow %q no longer loaded", sess.FlowID),
		)
	}

	var prompt *model.Prompt
	if sess.Status == model.SessionStatusActive {
		if step := flow.FindStep(sess.CurrentStep); step != nil {
			prompt = e.render(step, &sess)
		}
	}

	events, _ := e.store.GetEvents(ctx, rctx.SubjectID, sessionID)
	history := make([]model.HistoryEntry, 0, len(events))
	for _, evt := range events {
		history = append(history, model.HistoryEntry{
			StepID:    evt.StepID,
			Event:     evt.Event,
			Data:      evt.Data,
			Timestamp: evt.Timestamp.Format(time.RFC3339),
		})
	}

	return model.SessionDescriptor{
		ID:       sess.ID,
		FlowID:   sess.FlowID,
		FlowName: flow.Name,
		Status:   sess.Status,
		Prompt:   prompt,
		Vars:     sess.Vars,
		History:  history,
	}, nil
}

// List returns session summaries for the current subject.
func (e *Engine) List(
	ctx context.Context,
	rctx *model.RequestContext,
	filters model.SessionFilters,
) ([]model.SessionSummary, int, error) {
	storeFilters := SessionFilters{
		FlowID: filters.FlowID,
		Status: filters.Status,
		Limit:  filters.PageSize,
		Offset: (filters.Page - 1) * filters.PageSize,
	}
	if storeFilters.Limit <= 0 {
		storeFilters.Limit = 20
	}
	if storeFilters.Offset < 0 {
		storeFilters.Offset = 0
	}

	sessions, err := e.store.FindBySubject(ctx, rctx.SubjectID, storeFilters)
	if err != nil {
		return nil, 0, err
	}

	all, err := e.store.FindBySubject(ctx, rctx.SubjectID, SessionFilters{
		FlowID: filters.FlowID,
		Status: filters.Status,
	})
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		name := sess.FlowID
		if flow, ok := e.registry.GetFlow(sess.FlowID); ok {
			name = flow.Name
		}
		summaries = append(summaries, model.SessionSummary{
			ID:          sess.ID,
			FlowID:      sess.FlowID,
			FlowName:    name,
			CurrentStep: sess.CurrentStep,
			Status:      sess.Status,
			CreatedAt:   sess.CreatedAt,
			UpdatedAt:   sess.UpdatedAt,
		})
	}

	return summaries, len(all), nil
}

// finish applies an option's transition, persists the session, and
// resolves the next prompt.
func (e *Engine) finish(
	ctx context.Context,
	sess *model.Session,
	flow model.FlowDefinition,
	step *model.Step,
	opt *model.Option,
	effect model.Effect,
) (model.StepResult, error) {
	if opt.IsTerminal() {
		sess.Status = model.SessionStatusCompleted
		sess.UpdatedAt = time.Now().UTC()
		e.recorder.RecordSessionCompletion(sess.FlowID, sess.Status)
		e.appendEvent(ctx, sess.ID, step.StepID, model.EventSessionCompleted, nil)
		if err := e.store.Update(ctx, *sess); err != nil {
			return model.StepResult{}, err
		}
		return model.StepResult{Effect: effect, Terminal: true, Status: sess.Status}, nil
	}

	if opt.NextStep != nil {
		if flow.FindStep(*opt.NextStep) == nil {
			return model.StepResult{}, e.failSession(ctx, sess,
				model.NewBrokenReferenceError(step.StepID, *opt.NextStep))
		}
		sess.CurrentStep = *opt.NextStep
		sess.UpdatedAt = time.Now().UTC()
		e.recorder.RecordSessionAdvance(sess.FlowID, opt.Action)
		e.appendEvent(ctx, sess.ID, sess.CurrentStep, model.EventStepEntered, nil)
	}

	prompt, err := e.settle(ctx, sess, flow, 0)
	if err != nil {
		return model.StepResult{}, err
	}
	if err := e.store.Update(ctx, *sess); err != nil {
		return model.StepResult{}, err
	}

	return model.StepResult{
		Effect:   effect,
		Prompt:   prompt,
		Terminal: sess.Status != model.SessionStatusActive,
		Status:   sess.Status,
	}, nil
}

// settle walks skipped steps and auto options until the session rests on a
// step the user should see, then renders it. It mutates the session but
// does not persist it; callers do. A nil prompt is returned when the chain
// ended the session.
func (e *Engine) settle(
	ctx context.Context,
	sess *model.Session,
	flow model.FlowDefinition,
	depth int,
) (*model.Prompt, error) {
	for {
		if depth >= e.chainLimit {
			return nil, e.failSession(ctx, sess, model.NewFlowConfigError(
				fmt.Sprintf("automatic transition chain exceeded %d steps at step %d", e.chainLimit, sess.CurrentStep)))
		}

		step := flow.FindStep(sess.CurrentStep)
		if step == nil {
			return nil, e.failSession(ctx, sess,
				model.NewUnknownStepError(sess.FlowID, sess.CurrentStep))
		}

		if !condition.Visible(step, sess.Vars) {
			target, err := skipTarget(step, sess.Vars)
			if err != nil {
				return nil, e.failSession(ctx, sess, err)
			}
			if flow.FindStep(target) == nil {
				return nil, e.failSession(ctx, sess,
					model.NewBrokenReferenceError(step.StepID, target))
			}
			e.recorder.RecordStepSkip(sess.FlowID, strconv.Itoa(step.StepID))
			e.appendEvent(ctx, sess.ID, step.StepID, model.EventStepSkipped, nil)
			sess.CurrentStep = target
			sess.UpdatedAt = time.Now().UTC()
			e.appendEvent(ctx, sess.ID, target, model.EventStepEntered, nil)
			depth++
			continue
		}

		if step.AutoOption != nil {
			auto := step.AutoOption
			if _, err := e.applyOption(ctx, sess, step, auto); err != nil {
				return nil, err
			}
			if auto.IsTerminal() {
				sess.Status = model.SessionStatusCompleted
				sess.UpdatedAt = time.Now().UTC()
				e.recorder.RecordSessionCompletion(sess.FlowID, sess.Status)
				e.appendEvent(ctx, sess.ID, step.StepID, model.EventSessionCompleted, nil)
				return nil, nil
			}
			if auto.NextStep == nil {
				return nil, e.failSession(ctx, sess, model.NewFlowConfigError(
					fmt.Sprintf("auto option on step %d has no next_step", step.StepID)))
			}
			if flow.FindStep(*auto.NextStep) == nil {
				return nil, e.failSession(ctx, sess,
					model.NewBrokenReferenceError(step.StepID, *auto.NextStep))
			}
			sess.CurrentStep = *auto.NextStep
			sess.UpdatedAt = time.Now().UTC()
			e.recorder.RecordSessionAdvance(sess.FlowID, auto.Action)
			e.appendEvent(ctx, sess.ID, sess.CurrentStep, model.EventStepEntered, nil)
			depth++
			continue
		}

		return e.render(step, sess), nil
	}
}

// render builds the prompt for a step, expanding placeholders in the
// question, option labels, and input placeholder. Options whose guard
// fails are left out.
func (e *Engine) render(step *model.Step, sess *model.Session) *model.Prompt {
	locale := template.ParseLocale(sess.Locale)
	prompt := &model.Prompt{
		StepID:       step.StepID,
		Block:        step.Block,
		QuestionText: template.Expand(step.QuestionText, sess.Vars, locale),
		Icon:         step.Icon,
		Kind:         step.Kind,
	}

	if step.Kind == model.StepKindInput {
		variable := ""
		if opt := submitOption(step); opt != nil {
			variable = opt.Data.Variable
		}
		prompt.Input = &model.InputSpec{
			Kind:        step.InputKind,
			Placeholder: template.Expand(step.InputPlaceholder, sess.Vars, locale),
			Variable:    variable,
		}
	}

	for i := range step.Options {
		opt := &step.Options[i]
		pass, err := condition.EvalGuard(opt.Guard, sess.Vars)
		if err != nil {
			e.logger.Warn("option guard failed to evaluate",
				zap.String("session_id", sess.ID),
				zap.Int("step_id", step.StepID),
				zap.Error(err))
			continue
		}
		if !pass {
			continue
		}
		prompt.Options = append(prompt.Options, model.OptionView{
			Text:  template.Expand(opt.Text, sess.Vars, locale),
			Value: opt.Value,
		})
	}

	return prompt
}

// failSession marks the session failed and returns the causing error. The
// cause goes to the log and the audit trail; the caller's envelope keeps
// its generic user message.
func (e *Engine) failSession(ctx context.Context, sess *model.Session, cause *model.ErrorEnvelope) error {
	e.logger.Error("session failed",
		zap.String("session_id", sess.ID),
		zap.String("flow_id", sess.FlowID),
		zap.Int("step_id", sess.CurrentStep),
		zap.String("code", cause.Code),
		zap.String("cause", cause.Internal))

	sess.Status = model.SessionStatusFailed
	sess.UpdatedAt = time.Now().UTC()
	e.recorder.RecordSessionCompletion(sess.FlowID, sess.Status)
	e.appendEvent(ctx, sess.ID, sess.CurrentStep, model.EventSessionFailed, map[string]any{
		"code": cause.Code,
	})
	if err := e.store.Update(ctx, *sess); err != nil {
		e.logger.Error("persisting failed session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	return cause
}

// appendEvent records an audit event. Audit writes are best-effort; a
// failed insert never fails the user's operation.
func (e *Engine) appendEvent(ctx context.Context, sessionID string, stepID int, event string, data map[string]any) {
	err := e.store.AppendEvent(ctx, model.SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StepID:    stepID,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("appending session event",
			zap.String("session_id", sessionID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// skipTarget picks where a hidden step falls through to: its explicit
// skip_to, else the first option in declared order whose guard passes and
// that has a next_step.
func skipTarget(step *model.Step, vars map[string]any) (int, *model.ErrorEnvelope) {
	if step.SkipTo != nil {
		return *step.SkipTo, nil
	}
	if step.AutoOption != nil && step.AutoOption.NextStep != nil {
		return *step.AutoOption.NextStep, nil
	}
	for i := range step.Options {
		opt := &step.Options[i]
		if opt.NextStep == nil {
			continue
		}
		if pass, err := condition.EvalGuard(opt.Guard, vars); err != nil || !pass {
			continue
		}
		return *opt.NextStep, nil
	}
	return 0, model.NewFlowConfigError(
		fmt.Sprintf("step %d is hidden but has no skip target", step.StepID))
}

// submitOption returns the input step's process_input option.
func submitOption(step *model.Step) *model.Option {
	for i := range step.Options {
		if step.Options[i].Action == model.ActionProcessInput && step.Options[i].Data.Variable != "" {
			return &step.Options[i]
		}
	}
	return nil
}
