// Package reconnect orchestrates rehydration after an unplanned disconnect or
// restart: resume the transport with persisted identity, then replace local
// state wholesale from a server snapshot. Partial patching over stale state
// is never attempted.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/protocol"
)

var (
	// ErrNoIdentity means nothing is persisted; the caller proceeds with a
	// fresh join.
	ErrNoIdentity = errors.New("reconnect: no persisted identity")

	// ErrAbandoned means rehydration gave up (corrupt snapshot, dead
	// session). Persisted identity is cleared; fall back to fresh join.
	ErrAbandoned = errors.New("reconnect: rehydration abandoned")
)

// Phase is the manager's state machine position.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseRehydrating
	PhaseActive
	PhaseAbandoned
)

// Connector resumes the transport using persisted identity.
type Connector interface {
	Connect(ctx context.Context, sessionID, playerID string) error
}

// SessionSeeder is the slice of the session store the manager drives: seed an
// identity shell, then request the authoritative snapshot that replaces it.
type SessionSeeder interface {
	Seed(sessionID, playerID, playerName string)
	Send(cmdType protocol.CommandType, payload interface{}) error
}

// Manager runs the Fresh -> Rehydrating -> {Active, Abandoned} sequence.
type Manager struct {
	ids       *IdentityFile
	transport Connector
	store     SessionSeeder

	mu     sync.Mutex
	phase  Phase
	snapCh chan error
}

// NewManager wires the manager.
func NewManager(ids *IdentityFile, transport Connector, store SessionSeeder) *Manager {
	return &Manager{ids: ids, transport: transport, store: store}
}

// Phase returns the current state machine position.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Resume attempts rehydration from persisted identity. On success the local
// state has been replaced by the server snapshot and the returned identity is
// active. ErrNoIdentity and ErrAbandoned both mean: do a fresh join instead.
// Cancelling ctx abandons the attempt cleanly; no partial state is applied.
func (m *Manager) Resume(ctx context.Context) (Identity, error) {
	ident, ok, err := m.ids.Load()
	if err != nil {
		log.Warn().Err(err).Msg("unreadable identity file, treating as absent")
	}
	if !ok {
		m.setPhase(PhaseFresh)
		return Identity{}, ErrNoIdentity
	}

	m.setPhase(PhaseRehydrating)
	log.Info().Str("session_id", ident.SessionID).Str("player_id", ident.PlayerID).Msg("rehydrating session")

	m.store.Seed(ident.SessionID, ident.PlayerID, ident.PlayerName)

	if err := m.transport.Connect(ctx, ident.SessionID, ident.PlayerID); err != nil {
		m.abandon()
		return Identity{}, fmt.Errorf("%w: %v", ErrAbandoned, err)
	}

	if err := m.AwaitSnapshot(ctx); err != nil {
		m.abandon()
		return Identity{}, err
	}

	m.setPhase(PhaseActive)
	return ident, nil
}

// AwaitSnapshot requests a full-state snapshot and blocks until the engine
// reports its outcome via OnSnapshotOutcome, or ctx is cancelled. Also used
// by the hard-resync path when the transport is already up.
func (m *Manager) AwaitSnapshot(ctx context.Context) error {
	ch := make(chan error, 1)
	m.mu.Lock()
	m.snapCh = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.snapCh = nil
		m.mu.Unlock()
	}()

	if err := m.store.Send(protocol.CommandTypeRequestSnapshot, nil); err != nil {
		return fmt.Errorf("%w: request snapshot: %v", ErrAbandoned, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
		return nil
	}
}

// OnSnapshotOutcome is called by the engine when a requested snapshot applied
// (err nil) or was rejected as inconsistent. A nil waiter means nobody asked,
// which is fine: servers also push snapshots unprompted.
func (m *Manager) OnSnapshotOutcome(err error) {
	m.mu.Lock()
	ch := m.snapCh
	m.snapCh = nil
	m.mu.Unlock()

	if ch != nil {
		ch <- err
	}
}

// SaveIdentity persists the active identity after a successful fresh join.
func (m *Manager) SaveIdentity(ident Identity) error {
	if err := m.ids.Save(ident); err != nil {
		return err
	}
	m.setPhase(PhaseActive)
	return nil
}

// ClearIdentity tears down persisted identity once the session reaches a
// terminal status and the user proceeds past the outcome.
func (m *Manager) ClearIdentity() error {
	return m.ids.Clear()
}

func (m *Manager) abandon() {
	m.setPhase(PhaseAbandoned)
	if err := m.ids.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear stale identity")
	}
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}
