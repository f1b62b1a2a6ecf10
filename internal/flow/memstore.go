package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stegvis/stegvis/model"
)

// MemorySessionStore is an in-memory SessionStore for tests and
// single-node deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session        // key: session ID
	events   map[string][]model.SessionEvent // key: session ID
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]model.Session),
		events:   make(map[string][]model.SessionEvent),
	}
}

// Create persists a new session.
func (s *MemorySessionStore) Create(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("session %q already exists", sess.ID),
		)
	}

	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Get retrieves a session by ID, scoped to subject.
func (s *MemorySessionStore) Get(_ context.Context, subjectID, sessionID string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.SubjectID != subjectID {
		return model.Session{}, model.NewNotFoundError(
			fmt.Sprintf("session %q not found", sessionID),
		)
	}
	return cloneSession(sess), nil
}

// Update persists an updated session with optimistic locking.
func (s *MemorySessionStore) Update(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[sess.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("session %q not found", sess.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != sess.Version {
		return model.NewConflictError(
			fmt.Sprintf("session %q version conflict (expected %d, got %d)", sess.ID, sess.Version, existing.Version),
		)
	}

	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// AppendEvent adds an event to the session's audit trail.
func (s *MemorySessionStore) AppendEvent(_ context.Context, event model.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

// GetEvents retrieves all events for a session, ordered by timestamp.
func (s *MemorySessionStore) GetEvents(_ context.Context, subjectID, sessionID string) ([]model.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.SubjectID != subjectID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("session %q not found", sessionID),
		)
	}

	events := s.events[sessionID]
	result := make([]model.SessionEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindBySubject returns the subject's sessions, newest first.
func (s *MemorySessionStore) FindBySubject(_ context.Context, subjectID string, filters SessionFilters) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Session
	for _, sess := range s.sessions {
		if sess.SubjectID != subjectID {
			continue
		}
		if filters.FlowID != "" && sess.FlowID != filters.FlowID {
			continue
		}
		if filters.Status != "" && sess.Status != filters.Status {
			continue
		}
		result = append(result, cloneSession(sess))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Session{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Delete removes a session and its events.
func (s *MemorySessionStore) Delete(_ context.Context, subjectID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists || sess.SubjectID != subjectID {
		return model.NewNotFoundError(
			fmt.Sprintf("session %q not found", sessionID),
		)
	}

	delete(s.sessions, sessionID)
	delete(s.events, sessionID)
	return nil
}

// Len returns the total number of sessions. For testing.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// cloneSession deep-copies the variable context so callers can't mutate
// stored state behind the lock.
func cloneSession(sess model.Session) model.Session {
	if sess.Vars != nil {
		vars := make(map[string]any, len(sess.Vars))
		for k, v := range sess.Vars {
			vars[k] = v
		}
		sess.Vars = vars
	}
	return sess
}
