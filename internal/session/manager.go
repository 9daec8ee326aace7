package session

import (
	"context"
	"fmt"
	"sync"

	"alphamine/internal/logger"
)

// Callback is notified after a checkpoint is durably saved
type Callback func(Checkpoint)

// Manager fronts a Store with the latest checkpoint of each session and
// save callbacks
type Manager struct {
	store     Store
	latest    map[string]Checkpoint
	callbacks []Callback
	mu        sync.RWMutex
	log       logger.Logger
}

// NewManager creates a new checkpoint manager
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		latest: make(map[string]Checkpoint),
		log:    logger.GetGlobalLogger().WithField("component", "session"),
	}
}

// Store returns the underlying store
func (m *Manager) Store() Store {
	return m.store
}

// Save persists cp and then notifies callbacks
func (m *Manager) Save(ctx context.Context, cp Checkpoint) error {
	if err := m.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp, err)
	}

	m.mu.Lock()
	if prev, ok := m.latest[cp.SessionID]; !ok || !cp.Before(prev) {
		m.latest[cp.SessionID] = cp
	}
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	m.log.Debug("Checkpoint saved", "session_id", cp.SessionID, "iteration", cp.Iteration,
		"step", cp.StepName, "state", cp.State)

	for _, cb := range callbacks {
		cb(cp)
	}
	return nil
}

// Latest returns the newest checkpoint of a session, from memory when this
// manager wrote it
func (m *Manager) Latest(ctx context.Context, sessionID string) (Checkpoint, error) {
	m.mu.RLock()
	cp, ok := m.latest[sessionID]
	m.mu.RUnlock()
	if ok {
		return cp, nil
	}

	cp, err := m.store.Latest(ctx, sessionID)
	if err != nil {
		return Checkpoint{}, err
	}

	m.mu.Lock()
	m.latest[sessionID] = cp
	m.mu.Unlock()
	return cp, nil
}

// AddCallback adds a save callback
func (m *Manager) AddCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}
