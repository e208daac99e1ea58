package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lecternlabs/lectern/internal/artifact"
)

// Manager owns the live sessions of one server process and caps how
// many can exist at once.
type Manager struct {
	store     *artifact.Store
	stages    Stages
	opts      Options
	maxActive int
	log       *slog.Logger
	clock     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Controller
}

func NewManager(store *artifact.Store, stages Stages, maxActive int, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if maxActive <= 0 {
		maxActive = 8
	}
	return &Manager{
		store:     store,
		stages:    stages,
		opts:      opts,
		maxActive: maxActive,
		log:       logger.With(slog.String("component", "session-manager")),
		clock:     clock,
		sessions:  make(map[string]*Controller),
	}
}

// Create starts a new empty session.
func (m *Manager) Create() (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxActive {
		return nil, fmt.Errorf("%w: %d active", ErrTooManySessions, len(m.sessions))
	}
	id := uuid.NewString()
	ctrl := NewController(id, m.store, m.stages, m.opts)
	m.sessions[id] = ctrl
	m.log.Info("session created",
		slog.String("session_id", id),
		slog.Int("active", len(m.sessions)))
	return ctrl, nil
}

// Get resolves a session id.
func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctrl, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	return ctrl, nil
}

// Remove resets the session, releasing its artifacts, and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	ctrl, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrSessionNotFound)
	}
	ctrl.Reset()
	m.log.Info("session removed", slog.String("session_id", id))
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveCount feeds the sessions gauge.
func (m *Manager) ActiveCount() int64 {
	return int64(m.Len())
}

// Snapshots lists every live session ordered by id.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, ctrl := range m.sessions {
		ctrls = append(ctrls, ctrl)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(ctrls))
	for _, ctrl := range ctrls {
		snaps = append(snaps, ctrl.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SessionID < snaps[j].SessionID })
	return snaps
}

// SweepIdle removes sessions idle for longer than ttl and releases
// their artifacts. Returns the removed session ids.
func (m *Manager) SweepIdle(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := m.clock().Add(-ttl)

	m.mu.Lock()
	var idle []*Controller
	for id, ctrl := range m.sessions {
		if ctrl.LastActivity().Before(cutoff) {
			delete(m.sessions, id)
			idle = append(idle, ctrl)
		}
	}
	m.mu.Unlock()

	swept := make([]string, 0, len(idle))
	for _, ctrl := range idle {
		ctrl.Reset()
		m.log.Info("idle session swept", slog.String("session_id", ctrl.ID()))
		swept = append(swept, ctrl.ID())
	}
	return swept
}

// Close resets every session, releasing all artifacts.
func (m *Manager) Close() {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, ctrl := range m.sessions {
		ctrls = append(ctrls, ctrl)
	}
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Reset()
	}
}
