// Package engine is the client-side session synchronization engine: it owns
// the canonical local session state, the transport connection and its
// rehydration protocol, and the two coordination protocols (timer vote,
// stage completion barrier). All state mutation happens on a single event
// loop; consumers read snapshots and subscribe to the dispatcher.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/barrier"
	"github.com/mcdev12/heistsync/internal/dispatch"
	"github.com/mcdev12/heistsync/internal/protocol"
	"github.com/mcdev12/heistsync/internal/puzzle"
	"github.com/mcdev12/heistsync/internal/reconnect"
	"github.com/mcdev12/heistsync/internal/session"
	"github.com/mcdev12/heistsync/internal/transport"
	"github.com/mcdev12/heistsync/internal/vote"
)

// Client-local event kinds, emitted on the same bus as server notifications.
const (
	// EventConnectionOpened fires on the initial successful connect.
	EventConnectionOpened protocol.EventType = "connection_opened"
	// EventConnectionClosed fires on a drop; reconnection is in progress.
	EventConnectionClosed protocol.EventType = "connection_closed"
	// EventConnectionResumed fires when a drop was recovered.
	EventConnectionResumed protocol.EventType = "connection_resumed"
	// EventConnectionLost is terminal: retries exhausted or session ended
	// server-side.
	EventConnectionLost protocol.EventType = "connection_lost"
)

// Config tunes the engine.
type Config struct {
	// ServerURL is the game server base URL (http(s) scheme).
	ServerURL string
	// IdentityPath is where persisted identity lives.
	IdentityPath string
	// Transport overrides transport tuning; zero value uses defaults.
	Transport transport.Config
	// ResendAfter is how long a pending idempotent command waits for its
	// server echo before being resent.
	ResendAfter time.Duration
}

// Engine wires transport, store, dispatcher, completion tracker, vote
// coordinator, and reconnection manager into one unit.
type Engine struct {
	cfg   Config
	clock clockwork.Clock

	transport *transport.Client
	store     *session.Store
	bus       *dispatch.Bus
	tracker   *barrier.Tracker
	votes     *vote.Coordinator
	recon     *reconnect.Manager
	puzzles   *puzzle.Registry
}

// New assembles an engine. Pass a fake clock in tests.
func New(cfg Config, clock clockwork.Clock) *Engine {
	if cfg.Transport == (transport.Config{}) {
		cfg.Transport = transport.DefaultConfig()
	}
	if cfg.ResendAfter <= 0 {
		cfg.ResendAfter = 3 * time.Second
	}

	tp := transport.NewClient(cfg.ServerURL, cfg.Transport, clock)
	store := session.NewStore(tp)
	bus := dispatch.NewBus()
	e := &Engine{
		cfg:       cfg,
		clock:     clock,
		transport: tp,
		store:     store,
		bus:       bus,
		tracker:   barrier.NewTracker(store, store),
		votes:     vote.NewCoordinator(store, store, clock),
		recon:     reconnect.NewManager(reconnect.NewIdentityFile(cfg.IdentityPath), tp, store),
		puzzles:   puzzle.NewRegistry(),
	}

	// Every accepted mutation, server-applied or locally optimistic, fans out
	// through the bus exactly once.
	store.SetOnApplied(func(a session.Applied) {
		bus.Emit(a.Event, a.Payload)
	})

	// Core consumers subscribe first so they observe transitions before any
	// UI handler registered later.
	for _, kind := range []protocol.EventType{
		protocol.EventTypeCompletionRecorded,
		protocol.EventTypePlayerConnected,
		protocol.EventTypePlayerDisconnected,
		protocol.EventTypeStateSnapshot,
	} {
		bus.On(kind, e.tracker.HandleEvent)
	}
	for _, kind := range []protocol.EventType{
		protocol.EventTypeVoteOpened,
		protocol.EventTypeVoteResolved,
		protocol.EventTypeStateSnapshot,
	} {
		bus.On(kind, e.votes.HandleEvent)
	}
	bus.On(protocol.EventTypePuzzleData, e.dispatchPuzzle)

	return e
}

// Bus exposes the event dispatcher for UI-facing consumers.
func (e *Engine) Bus() *dispatch.Bus { return e.bus }

// State returns a deep-copied snapshot of local session state.
func (e *Engine) State() *session.State { return e.store.State() }

// Vote exposes the vote coordinator (phase reads, advisory timeout hook).
func (e *Engine) Vote() *vote.Coordinator { return e.votes }

// Puzzles exposes the role-to-controller dispatch table.
func (e *Engine) Puzzles() *puzzle.Registry { return e.puzzles }

// Join starts a fresh session using identity obtained from the lobby, and
// persists it for later resumption.
func (e *Engine) Join(ctx context.Context, sessionID, playerID, playerName string) error {
	e.store.Seed(sessionID, playerID, playerName)
	if err := e.transport.Connect(ctx, sessionID, playerID); err != nil {
		return err
	}
	if err := e.recon.SaveIdentity(reconnect.Identity{
		SessionID:  sessionID,
		PlayerID:   playerID,
		PlayerName: playerName,
	}); err != nil {
		log.Warn().Err(err).Msg("identity not persisted, resume after restart unavailable")
	}
	return nil
}

// Resume rehydrates from persisted identity. Call after Run is started: the
// event loop must be consuming for the snapshot round trip to complete.
// Returns reconnect.ErrNoIdentity or reconnect.ErrAbandoned when the caller
// should fall back to Join.
func (e *Engine) Resume(ctx context.Context) (reconnect.Identity, error) {
	return e.recon.Resume(ctx)
}

// AcknowledgeOutcome clears persisted identity once the user proceeds past a
// terminal outcome screen.
func (e *Engine) AcknowledgeOutcome() error {
	state := e.store.State()
	if state != nil && !state.Status.Terminal() {
		return errors.New("engine: session is not over")
	}
	return e.recon.ClearIdentity()
}

// Close shuts down the transport.
func (e *Engine) Close() error {
	return e.transport.Close()
}

// Run is the single serialized event loop: every state mutation happens here
// or on a direct submit call, never concurrently with another mutation path.
// Blocks until ctx is cancelled or the connection is terminally lost.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event := <-e.transport.Events():
			e.apply(event)

		case lf := <-e.transport.Lifecycle():
			if fatal := e.handleLifecycle(lf); fatal {
				return nil
			}

		case <-ticker.Chan():
			e.tick()
		}
	}
}

func (e *Engine) apply(event protocol.Event) {
	_, err := e.store.Apply(event)

	if event.Type == protocol.EventTypeStateSnapshot {
		// Wake any rehydration waiter; nil waiter is fine, servers also push
		// snapshots unprompted.
		e.recon.OnSnapshotOutcome(err)
		if err != nil {
			log.Error().Err(err).Msg("rejected inconsistent snapshot")
			return
		}
	}

	if errors.Is(err, session.ErrCorruptState) {
		// Consistency fault: never repair locally, fetch authoritative state.
		log.Error().Msg("local state corrupt, forcing hard resync")
		e.requestSnapshot()
		return
	}
	if err != nil && !errors.Is(err, session.ErrCorruptSnapshot) {
		log.Warn().Str("type", string(event.Type)).Err(err).Msg("apply failed")
	}
}

func (e *Engine) handleLifecycle(lf transport.LifecycleEvent) (fatal bool) {
	switch lf.Kind {
	case transport.LifecycleOpened:
		if lf.Resumed {
			log.Info().Msg("connection resumed, rehydrating")
			e.bus.Emit(protocol.Event{Type: EventConnectionResumed}, lf)
			// Replace state wholesale and flush anything queued while down.
			e.requestSnapshot()
			e.flushPending()
		} else {
			e.bus.Emit(protocol.Event{Type: EventConnectionOpened}, lf)
		}

	case transport.LifecycleClosed:
		e.bus.Emit(protocol.Event{Type: EventConnectionClosed}, lf)

	case transport.LifecycleDisconnected:
		log.Error().Int("code", lf.Code).Err(lf.Err).Msg("connection terminally lost")
		e.bus.Emit(protocol.Event{Type: EventConnectionLost}, lf)
		return true
	}
	return false
}

func (e *Engine) tick() {
	e.store.TickLocal()

	now := e.clock.Now()
	for _, cmd := range e.store.PendingOlderThan(now, e.cfg.ResendAfter) {
		if err := e.transport.Send(cmd); err != nil {
			if !errors.Is(err, transport.ErrNotConnected) {
				log.Warn().Str("type", string(cmd.Type)).Err(err).Msg("pending resend failed")
			}
			return
		}
		log.Debug().Str("type", string(cmd.Type)).Str("command_id", cmd.CommandID).Msg("resent pending command")
	}
}

func (e *Engine) flushPending() {
	for _, cmd := range e.store.PendingCommands() {
		if err := e.transport.Send(cmd); err != nil {
			log.Warn().Str("type", string(cmd.Type)).Err(err).Msg("pending flush failed")
			return
		}
	}
}

func (e *Engine) requestSnapshot() {
	if err := e.store.Send(protocol.CommandTypeRequestSnapshot, nil); err != nil {
		log.Warn().Err(err).Msg("snapshot request failed")
	}
}

func (e *Engine) dispatchPuzzle(_ protocol.Event, payload interface{}) {
	p, ok := payload.(protocol.PuzzleDataPayload)
	if !ok {
		return
	}
	state := e.store.State()
	if state == nil {
		return
	}
	e.puzzles.Dispatch(state.LocalRole, p)
}

// SubmitCompletion reports the local player's solved stage task. Optimistic
// and idempotent: safe to call when unsure whether a prior submit got through.
func (e *Engine) SubmitCompletion(stage int, solution json.RawMessage) error {
	return e.store.SubmitCompletion(stage, solution)
}

// RequestVote asks the server to open a timer-extension vote.
func (e *Engine) RequestVote() error { return e.votes.RequestVote() }

// CastVote submits the local ballot for the open vote.
func (e *Engine) CastVote(choice bool) error { return e.votes.CastVote(choice) }

// SelectRole requests a role during the lobby phase.
func (e *Engine) SelectRole(role string) error {
	return e.store.Send(protocol.CommandTypeSelectRole, protocol.SelectRoleData{Role: role})
}

// StartGame asks the server to begin; the server enforces that only the host
// may do this.
func (e *Engine) StartGame() error {
	return e.store.Send(protocol.CommandTypeStartGame, nil)
}

// UsePower activates the local player's role power.
func (e *Engine) UsePower() error {
	return e.store.Send(protocol.CommandTypeUsePower, nil)
}

// SendChat relays a chat line to the room.
func (e *Engine) SendChat(message string) error {
	return e.store.Send(protocol.CommandTypeChatMessage, protocol.ChatMessageData{Message: message})
}
