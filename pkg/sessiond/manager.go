// Package sessiond manages PTY-backed terminal sessions: lifecycle state,
// multi-client broadcast of output, persistence and snapshots.
package sessiond

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/northriverfence/orbit/pkg/ptyproc"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionStopped  = errors.New("session is stopped")
)

// DefaultSnapshotRetention is how many snapshots each session keeps.
const DefaultSnapshotRetention = 10

type ManagerConfig struct {
	Shell             string
	SnapshotRetention int
}

// Manager tracks all live sessions. Reads dominate, so the map is guarded
// by a RWMutex.
type Manager struct {
	cfg   ManagerConfig
	store *Store

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	log zerolog.Logger
}

func NewManager(ctx context.Context, cfg ManagerConfig, store *Store, log zerolog.Logger) (*Manager, error) {
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = DefaultSnapshotRetention
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		sessions: make(map[uuid.UUID]*Session),
		log:      log.With().Str("component", "sessiond").Logger(),
	}
	if store != nil {
		// Sessions from a previous daemon run lost their PTYs with the
		// process; their rows become terminal.
		if err := store.MarkAllStopped(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Create spawns a new PTY session and starts its broadcaster.
func (m *Manager) Create(ctx context.Context, name string, kind Kind, cwd string) (*Session, error) {
	proc, err := ptyproc.Start(buildCommand(kind, m.cfg.Shell, cwd))
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:         uuid.New(),
		Name:       name,
		Kind:       kind,
		CreatedAt:  time.Now(),
		proc:       proc,
		bus:        NewBus(),
		status:     StatusRunning,
		clients:    make(map[uuid.UUID]struct{}),
		lastActive: time.Now(),
	}
	session.log = m.log.With().Stringer("session_id", session.ID).Logger()

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	go session.runBroadcaster()

	if err := m.persist(ctx, session); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist new session")
	}
	m.log.Info().Stringer("session_id", session.ID).Str("kind", kind.Type).Msg("Session created")
	return session, nil
}

// Get returns a live session.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// List describes every tracked session.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	return out
}

// Attach adds a client to a session and returns a live output subscriber.
func (m *Manager) Attach(ctx context.Context, id, clientID uuid.UUID) (*Subscriber, error) {
	session, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := session.attach(clientID); err != nil {
		return nil, err
	}
	sub, err := session.Subscribe()
	if err != nil {
		session.detach(clientID)
		return nil, err
	}
	if err := m.persist(ctx, session); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist attach")
	}
	return sub, nil
}

// Detach removes a client; the last one out leaves the session Detached but
// alive.
func (m *Manager) Detach(ctx context.Context, id, clientID uuid.UUID) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.detach(clientID)
	if err := m.persist(ctx, session); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist detach")
	}
	return nil
}

// Terminate stops a session permanently.
func (m *Manager) Terminate(ctx context.Context, id uuid.UUID) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.stop()
	if err := m.persist(ctx, session); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist terminate")
	}
	m.log.Info().Stringer("session_id", id).Msg("Session terminated")
	return nil
}

// Cleanup drops stopped sessions from the live map and returns how many
// were removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for id, session := range m.sessions {
		if session.Status() == StatusStopped {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// SaveSnapshot captures the session's current terminal buffer.
func (m *Manager) SaveSnapshot(ctx context.Context, id uuid.UUID) (int64, error) {
	session, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	if m.store == nil {
		return 0, errors.New("no session store configured")
	}
	return m.store.SaveSnapshot(ctx, id, session.Buffer(), m.cfg.SnapshotRetention)
}

// LoadLatestSnapshot replays the newest persisted buffer for a session.
func (m *Manager) LoadLatestSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	if m.store == nil {
		return nil, errors.New("no session store configured")
	}
	return m.store.LoadLatestSnapshot(ctx, id)
}

// StopAll terminates every session; used at daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, session := range m.List() {
		session.stop()
		if err := m.persist(ctx, session); err != nil {
			m.log.Warn().Err(err).Msg("Failed to persist shutdown stop")
		}
	}
}

func (m *Manager) persist(ctx context.Context, session *Session) error {
	if m.store == nil {
		return nil
	}
	return m.store.Upsert(ctx, SessionRow{
		ID:         session.ID,
		Name:       session.Name,
		Kind:       session.Kind,
		Status:     session.Status(),
		CreatedAt:  session.CreatedAt,
		LastActive: session.LastActive(),
	})
}
