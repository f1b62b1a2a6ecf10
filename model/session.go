package model

import "time"

// Session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusCancelled = "cancelled"
	SessionStatusFailed    = "failed"
)

// Session event names recorded in the audit trail.
const (
	EventStepEntered      = "step_entered"
	EventStepSkipped      = "step_skipped"
	EventOptionSelected   = "option_selected"
	EventInputSubmitted   = "input_submitted"
	EventVariableSet      = "variable_set"
	EventRecalculated     = "recalculated"
	EventSessionCompleted = "session_completed"
	EventSessionCancelled = "session_cancelled"
	EventSessionFailed    = "session_failed"
)

// Session is one user's walk through a flow. Vars is the variable context:
// the accumulated key-value store of user answers and computed figures.
// Values are overwritten, never removed, until the session ends.
type Session struct {
	ID          string         `json:"id"`
	FlowID      string         `json:"flow_id"`
	SubjectID   string         `json:"subject_id"`
	CurrentStep int            `json:"current_step"`
	Status      string         `json:"status"`
	Vars        map[string]any `json:"vars,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Version     int            `json:"version"`
}

// SetVar writes a value into the variable context. Presence-based: falsy
// values such as "0", 0 and false are stored like any other.
func (s *Session) SetVar(name string, value any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	s.Vars[name] = value
}

// Var reads a value from the variable context.
func (s *Session) Var(name string) (any, bool) {
	v, ok := s.Vars[name]
	return v, ok
}

// SessionSummary is a lightweight representation of a session used in
// list views.
type SessionSummary struct {
	ID          string    `json:"id"`
	FlowID      string    `json:"flow_id"`
	FlowName    string    `json:"flow_name"`
	CurrentStep int       `json:"current_step"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionEvent records one entry in a session's audit trail.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	StepID    int            `json:"step_id"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionFilters are optional filters for listing sessions.
type SessionFilters struct {
	FlowID   string
	Status   string
	Page     int
	PageSize int
}
