package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCheckpointer keeps every record in process memory.
type MemoryCheckpointer struct {
	mu       sync.RWMutex
	sessions map[string][]Record
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{sessions: make(map[string][]Record)}
}

// Save appends the record to the session history.
func (m *MemoryCheckpointer) Save(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.SessionID, err)
	}
	rec.Payload = append([]byte(nil), rec.Payload...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.SessionID] = append(m.sessions[rec.SessionID], rec)
	return nil
}

// Load returns the latest record for the session.
func (m *MemoryCheckpointer) Load(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.sessions[sessionID]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	rec := history[len(history)-1]
	return &rec, nil
}

// History returns every record for the session in save order.
func (m *MemoryCheckpointer) History(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.sessions[sessionID]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Record, len(history))
	copy(out, history)
	return out, nil
}

// Delete removes a session's records.
func (m *MemoryCheckpointer) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// SessionCount returns how many sessions have records.
func (m *MemoryCheckpointer) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
