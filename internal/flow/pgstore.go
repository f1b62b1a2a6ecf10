package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stegvis/stegvis/model"
)

// PgSessionStore is a PostgreSQL-backed SessionStore using pgx/v5.
type PgSessionStore struct {
	pool *pgxpool.Pool
}

// NewPgSessionStore creates a new PostgreSQL session store.
func NewPgSessionStore(pool *pgxpool.Pool) *PgSessionStore {
	return &PgSessionStore{pool: pool}
}

// Create inserts a new session.
func (s *PgSessionStore) Create(ctx context.Context, sess model.Session) error {
	varsJSON, err := json.Marshal(sess.Vars)
	if err != nil {
		return fmt.Errorf("marshal vars: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, flow_id, subject_id, current_step, status,
			vars, locale, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.FlowID, sess.SubjectID, sess.CurrentStep, sess.Status,
		varsJSON, sess.Locale, sess.Version, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID, scoped to subject.
func (s *PgSessionStore) Get(ctx context.Context, subjectID, sessionID string) (model.Session, error) {
	var sess model.Session
	var varsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, flow_id, subject_id, current_step, status,
		       vars, locale, version, created_at, updated_at
		FROM sessions
		WHERE id = $1 AND subject_id = $2`,
		sessionID, subjectID,
	).Scan(
		&sess.ID, &sess.FlowID, &sess.SubjectID, &sess.CurrentStep, &sess.Status,
		&varsJSON, &sess.Locale, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.Session{}, model.NewNotFoundError(
			fmt.Sprintf("session %q not found", sessionID),
		)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("query session: %w", err)
	}

	if varsJSON != nil {
		if err := json.Unmarshal(varsJSON, &sess.Vars); err != nil {
			return model.Session{}, fmt.Errorf("unmarshal vars: %w", err)
		}
	}

	return sess, nil
}

// Update persists an updated session with optimistic locking.
func (s *PgSessionStore) Update(ctx context.Context, sess model.Session) error {
	varsJSON, err := json.Marshal(sess.Vars)
	if err != nil {
		return fmt.Errorf("marshal vars: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			current_step = $1,
			status = $2,
			vars = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		sess.CurrentStep, sess.Status, varsJSON, sess.Version+1,
		time.Now().UTC(),
		sess.ID, sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d)", sess.ID, sess.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the session audit trail.
func (s *PgSessionStore) AppendEvent(ctx context.Context, event model.SessionEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_events (
			id, session_id, step_id, event, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.SessionID, event.StepID, event.Event, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for a session.
func (s *PgSessionStore) GetEvents(ctx context.Context, subjectID, sessionID string) ([]model.SessionEvent, error) {
	// Verify subject access.
	if _, err := s.Get(ctx, subjectID, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, step_id, event, data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []model.SessionEvent
	for rows.Next() {
		var evt model.SessionEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.SessionID, &evt.StepID, &evt.Event, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindBySubject returns the subject's sessions, newest first.
func (s *PgSessionStore) FindBySubject(ctx context.Context, subjectID string, filters SessionFilters) ([]model.Session, error) {
	query := `SELECT id, flow_id, subject_id, current_step, status,
	                 vars, locale, version, created_at, updated_at
	          FROM sessions
	          WHERE subject_id = $1`
	args := []any{subjectID}
	argIdx := 2

	if filters.FlowID != "" {
		query += fmt.Sprintf(" AND flow_id = $%d", argIdx)
		args = append(args, filters.FlowID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		var varsJSON []byte
		if err := rows.Scan(
			&sess.ID, &sess.FlowID, &sess.SubjectID, &sess.CurrentStep, &sess.Status,
			&varsJSON, &sess.Locale, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if varsJSON != nil {
			_ = json.Unmarshal(varsJSON, &sess.Vars)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Delete removes a session and its events.
func (s *PgSessionStore) Delete(ctx context.Context, subjectID, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM session_events
		WHERE session_id = $1
		AND session_id IN (SELECT id FROM sessions WHERE subject_id = $2)`,
		sessionID, subjectID,
	)
	if err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE id = $1 AND subject_id = $2`,
		sessionID, subjectID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("session %q not found", sessionID),
		)
	}
	return nil
}

// HealthCheck verifies database connectivity for readiness probes.
func (s *PgSessionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
