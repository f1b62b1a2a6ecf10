package flow

import (
	"context"

	"github.com/stegvis/stegvis/model"
)

// SessionStore persists wizard sessions and their audit events.
type SessionStore interface {
	// Create persists a new session.
	Create(ctx context.Context, sess model.Session) error

	// Get retrieves a session by ID, scoped to a subject. Returns NOT_FOUND
	// if the session doesn't exist or belongs to a different subject.
	Get(ctx context.Context, subjectID, sessionID string) (model.Session, error)

	// Update persists an updated session with optimistic locking. The
	// version must match the current stored version. Returns CONFLICT if
	// the version has changed.
	Update(ctx context.Context, sess model.Session) error

	// AppendEvent adds an event to the session's audit trail.
	AppendEvent(ctx context.Context, event model.SessionEvent) error

	// GetEvents retrieves all events for a session, scoped to a subject.
	GetEvents(ctx context.Context, subjectID, sessionID string) ([]model.SessionEvent, error)

	// FindBySubject returns the subject's sessions, newest first,
	// optionally filtered by flow and status.
	FindBySubject(ctx context.Context, subjectID string, filters SessionFilters) ([]model.Session, error)

	// Delete removes a session and its events.
	Delete(ctx context.Context, subjectID, sessionID string) error
}

// SessionFilters are optional filters for listing sessions.
type SessionFilters struct {
	FlowID string
	Status string
	Limit  int
	Offset int
}

// Invoker executes calculation operations on the tax backend on behalf of
// the engine's api_call actions.
type Invoker interface {
	Invoke(ctx context.Context, operationID string, params map[string]string, vars map[string]any) ([]model.TaxLine, error)
}

// Recorder receives session lifecycle counters from the engine. Calls
// happen on the request path and must be cheap.
type Recorder interface {
	RecordSessionStart(flowID string)
	RecordSessionAdvance(flowID, event string)
	RecordSessionCompletion(flowID, finalStatus string)
	RecordStepSkip(flowID, stepID string)
	RecordInputRejection(flowID, stepID string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionStart(string)              {}
func (nopRecorder) RecordSessionAdvance(string, string)    {}
func (nopRecorder) RecordSessionCompletion(string, string) {}
func (nopRecorder) RecordStepSkip(string, string)          {}
func (nopRecorder) RecordInputRejection(string, string)    {}
