package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/protocol"
)

var (
	// ErrCorruptState is returned when a merge would leave the local state in
	// the known-bad "role assigned, players empty" class. Callers respond by
	// forcing a hard resync, never by patching locally.
	ErrCorruptState = errors.New("session: local state corrupt, hard resync required")

	// ErrCorruptSnapshot is returned when a server snapshot is internally
	// inconsistent and must not replace local state.
	ErrCorruptSnapshot = errors.New("session: snapshot internally inconsistent")

	// ErrNoSession is returned for commands issued before a session exists.
	ErrNoSession = errors.New("session: no active session")
)

// Sender is the outbound half of the transport, as the store sees it.
type Sender interface {
	Send(cmd protocol.Command) error
}

// Applied describes one state mutation the store accepted, paired with its
// decoded payload. Locally-optimistic echoes of just-sent commands produce
// Applied entries too, so consumers observe them exactly once.
type Applied struct {
	Event   protocol.Event
	Payload interface{}
}

// Store owns the canonical local copy of session state. All mutation funnels
// through Apply or through the submit methods' optimistic echoes; reads get
// deep-copied snapshots. The engine's event loop is the only Apply caller, but
// snapshot reads may come from any goroutine.
type Store struct {
	mu    sync.RWMutex
	state *State

	// deferred holds notifications that arrived one stage early. They replay
	// after the stage catches up and are discarded if superseded.
	deferred []protocol.Event

	// pending holds idempotent commands awaiting a server echo. They are safe
	// to resend: the server deduplicates by player and stage.
	pending map[string]pendingCommand

	sender   Sender
	onApply  func(Applied)
	notifyMu sync.Mutex
}

type pendingCommand struct {
	cmd    protocol.Command
	stage  int
	sentAt time.Time
}

// NewStore creates a store with no session. Seed or ReplaceFromSnapshot
// establish one.
func NewStore(sender Sender) *Store {
	return &Store{
		sender:  sender,
		pending: make(map[string]pendingCommand),
	}
}

// SetOnApplied registers the single downstream notification sink, normally
// the event dispatcher. Must be set before the engine loop starts.
func (s *Store) SetOnApplied(fn func(Applied)) {
	s.onApply = fn
}

// Seed installs an empty state shell for a fresh join.
func (s *Store) Seed(sessionID, playerID, playerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = NewState(sessionID, playerID, playerName)
	s.deferred = nil
}

// State returns a deep-copied snapshot, or nil before Seed/rehydration.
func (s *Store) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil
	}
	return s.state.Clone()
}

// Apply merges one server notification into local state. It is a total
// function over (state, event): malformed or semantically invalid events are
// logged and discarded, never fatal. The returned slice includes any deferred
// events replayed by a stage transition.
func (s *Store) Apply(event protocol.Event) ([]Applied, error) {
	payload, err := protocol.ParsePayload(&event)
	if err != nil {
		log.Warn().Str("type", string(event.Type)).Err(err).Msg("discarding malformed notification")
		return nil, nil
	}
	if payload == nil {
		log.Debug().Str("type", string(event.Type)).Msg("discarding unknown notification type")
		return nil, nil
	}

	s.mu.Lock()
	applied, err := s.applyLocked(event, payload)
	corrupt := err == nil && s.state != nil && s.state.Corrupted()
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, a := range applied {
		s.notify(a)
	}
	if corrupt {
		return applied, ErrCorruptState
	}
	return applied, nil
}

func (s *Store) applyLocked(event protocol.Event, payload interface{}) ([]Applied, error) {
	if s.state == nil {
		if p, ok := payload.(protocol.StateSnapshotPayload); ok {
			return s.replaceLocked(event, p)
		}
		log.Warn().Str("type", string(event.Type)).Msg("dropping notification before session exists")
		return nil, nil
	}

	st := s.state
	switch p := payload.(type) {
	case protocol.StateSnapshotPayload:
		return s.replaceLocked(event, p)

	case protocol.GameStartedPayload:
		if st.Status != StatusWaiting {
			log.Debug().Str("status", string(st.Status)).Msg("ignoring duplicate game_started")
			return nil, nil
		}
		st.Status = StatusInProgress
		if p.Stage > st.Stage {
			st.Stage = p.Stage
		}
		st.TimerSeconds = p.TimerSeconds

	case protocol.TimerTickPayload:
		// The server-pushed value always overrides the local countdown.
		st.TimerSeconds = p.TimerSeconds

	case protocol.AlertChangedPayload:
		st.AlertLevel = p.AlertLevel

	case protocol.StageAdvancedPayload:
		if p.Stage <= st.Stage {
			log.Debug().Int("stage", p.Stage).Int("local", st.Stage).Msg("ignoring stale stage_advanced")
			return nil, nil
		}
		st.Stage = p.Stage
		st.CurrentPuzzle = nil
		if p.TimerSeconds > 0 {
			st.TimerSeconds = p.TimerSeconds
		}
		applied := []Applied{{Event: event, Payload: p}}
		applied = append(applied, s.replayDeferredLocked()...)
		return applied, nil

	case protocol.CompletionRecordedPayload:
		switch {
		case p.Stage == st.Stage:
			if !s.recordCompletionLocked(p.PlayerID, p.Stage) {
				// Duplicate (or the echo of our own optimistic write):
				// confirm, don't re-apply.
				s.confirmPendingLocked(p.PlayerID, p.Stage)
				return nil, nil
			}
			s.confirmPendingLocked(p.PlayerID, p.Stage)
		case p.Stage == st.Stage+1:
			// One stage early: buffer until the stage catches up.
			s.deferred = append(s.deferred, event)
			log.Debug().Int("stage", p.Stage).Str("player", p.PlayerID).Msg("buffered early completion")
			return nil, nil
		default:
			log.Debug().Int("stage", p.Stage).Int("local", st.Stage).Msg("discarding out-of-window completion")
			return nil, nil
		}

	case protocol.VoteOpenedPayload:
		if st.Status != StatusInProgress {
			log.Warn().Msg("ignoring vote_opened outside in-progress session")
			return nil, nil
		}
		st.ActiveVote = &Vote{
			InitiatorID:   p.InitiatorID,
			Deadline:      p.Deadline,
			Ballots:       make(map[string]bool),
			RequiredCount: requiredVotes(st.ConnectedCount()),
		}

	case protocol.VoteUpdatedPayload:
		if st.ActiveVote == nil {
			log.Debug().Str("player", p.PlayerID).Msg("ignoring ballot with no active vote")
			return nil, nil
		}
		if _, voted := st.ActiveVote.Ballots[p.PlayerID]; voted {
			return nil, nil
		}
		st.ActiveVote.Ballots[p.PlayerID] = p.Choice

	case protocol.VoteResolvedPayload:
		// Clears unconditionally, even if the opening was missed.
		st.ActiveVote = nil
		if p.Success {
			if p.TimerSeconds > 0 {
				st.TimerSeconds = p.TimerSeconds
			}
			if p.AlertLevel > 0 {
				st.AlertLevel = p.AlertLevel
			}
		}

	case protocol.PlayerConnectedPayload:
		s.upsertPlayerLocked(p.Player)

	case protocol.PlayerDisconnectedPayload:
		pl, ok := st.Players[p.PlayerID]
		if !ok {
			log.Warn().Str("player", p.PlayerID).Msg("disconnect for unknown player")
			return nil, nil
		}
		pl.Connected = false
		st.Players[p.PlayerID] = pl

	case protocol.RoleConfirmedPayload:
		for _, info := range p.Players {
			s.upsertPlayerLocked(info)
		}
		if pl, ok := st.Players[p.PlayerID]; ok {
			pl.Role = p.Role
			st.Players[p.PlayerID] = pl
		}
		if p.PlayerID == st.LocalPlayerID {
			st.LocalRole = p.Role
		}

	case protocol.PuzzleDataPayload:
		st.CurrentPuzzle = &p

	case protocol.SessionEndedPayload:
		if p.Result == "completed" {
			st.Status = StatusCompleted
		} else {
			st.Status = StatusFailed
		}
		st.ActiveVote = nil

	case protocol.PowerUsedPayload,
		protocol.LookoutPredictionPayload,
		protocol.LookoutWarningPayload,
		protocol.RandomEventPayload,
		protocol.ChatMessagePayload,
		protocol.CommandRejectedPayload:
		// Signal-only: no state merge, consumers react via the dispatcher.

	default:
		log.Debug().Str("type", string(event.Type)).Msg("no merge rule for notification")
		return nil, nil
	}

	return []Applied{{Event: event, Payload: payload}}, nil
}

// replaceLocked installs a snapshot wholesale. Partial patching over stale
// local state is the primary source of corruption, so rehydration never
// merges incrementally.
func (s *Store) replaceLocked(event protocol.Event, p protocol.StateSnapshotPayload) ([]Applied, error) {
	if err := validateSnapshot(p); err != nil {
		return nil, err
	}

	var localID, localName string
	if s.state != nil {
		localID = s.state.LocalPlayerID
		localName = s.state.LocalPlayerName
	}

	st := NewState(p.SessionID, localID, localName)
	st.Status = Status(p.Status)
	st.Stage = p.Stage
	st.TimerSeconds = p.TimerSeconds
	st.AlertLevel = p.AlertLevel

	for id, info := range p.Players {
		if info.ID == "" {
			info.ID = id
		}
		st.Players[info.ID] = Player{
			ID:        info.ID,
			Name:      info.Name,
			Role:      info.Role,
			Connected: info.Connected,
			IsHost:    info.IsHost,
		}
	}
	if pl, ok := st.Players[localID]; ok {
		st.LocalRole = pl.Role
		if localName == "" {
			st.LocalPlayerName = pl.Name
		}
	}

	for stageKey, done := range p.StageCompletion {
		stage, err := parseStage(stageKey)
		if err != nil {
			log.Warn().Str("stage", stageKey).Msg("snapshot has unparseable stage key, skipping")
			continue
		}
		m := make(map[string]bool, len(done))
		for id, v := range done {
			if v {
				m[id] = true
			}
		}
		st.StageCompletion[stage] = m
	}

	if p.ActiveVote != nil && st.Status == StatusInProgress {
		ballots := make(map[string]bool, len(p.ActiveVote.Ballots))
		for id, b := range p.ActiveVote.Ballots {
			ballots[id] = b
		}
		st.ActiveVote = &Vote{
			InitiatorID:   p.ActiveVote.InitiatorID,
			Deadline:      p.ActiveVote.Deadline,
			Ballots:       ballots,
			RequiredCount: requiredVotes(st.ConnectedCount()),
		}
	}

	s.state = st
	s.deferred = nil

	return []Applied{{Event: event, Payload: p}}, nil
}

func validateSnapshot(p protocol.StateSnapshotPayload) error {
	status := Status(p.Status)
	if status != StatusWaiting && len(p.Players) == 0 {
		return fmt.Errorf("%w: status %q with empty player set", ErrCorruptSnapshot, p.Status)
	}
	if p.Stage < 0 || p.TimerSeconds < 0 || p.AlertLevel < 0 {
		return fmt.Errorf("%w: negative counters", ErrCorruptSnapshot)
	}
	return nil
}

// replayDeferredLocked re-applies buffered events now that the stage caught
// up. Anything still out of window is superseded and dropped.
func (s *Store) replayDeferredLocked() []Applied {
	buffered := s.deferred
	s.deferred = nil

	var applied []Applied
	for _, ev := range buffered {
		payload, err := protocol.ParsePayload(&ev)
		if err != nil || payload == nil {
			continue
		}
		more, err := s.applyLocked(ev, payload)
		if err != nil {
			log.Warn().Str("type", string(ev.Type)).Err(err).Msg("dropping deferred notification on replay")
			continue
		}
		applied = append(applied, more...)
	}
	return applied
}

// recordCompletionLocked writes a completion marker. Returns false if the
// marker already exists (idempotent re-application is a no-op).
func (s *Store) recordCompletionLocked(playerID string, stage int) bool {
	done := s.state.StageCompletion[stage]
	if done == nil {
		done = make(map[string]bool)
		s.state.StageCompletion[stage] = done
	}
	if done[playerID] {
		return false
	}
	done[playerID] = true
	return true
}

func (s *Store) upsertPlayerLocked(info protocol.PlayerInfo) {
	if info.ID == "" {
		return
	}
	existing, ok := s.state.Players[info.ID]
	if ok {
		existing.Name = info.Name
		existing.Connected = info.Connected
		existing.IsHost = info.IsHost
		if info.Role != "" {
			existing.Role = info.Role
		}
		s.state.Players[info.ID] = existing
	} else {
		s.state.Players[info.ID] = Player{
			ID:        info.ID,
			Name:      info.Name,
			Role:      info.Role,
			Connected: info.Connected,
			IsHost:    info.IsHost,
		}
	}
	if info.ID == s.state.LocalPlayerID && info.Role != "" {
		s.state.LocalRole = info.Role
	}
}

func (s *Store) notify(a Applied) {
	if s.onApply == nil {
		return
	}
	// Serialize notifications so consumers observe state transitions in
	// application order even when an optimistic echo races the event loop.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.onApply(a)
}

func parseStage(key string) (int, error) {
	return strconv.Atoi(key)
}

// SubmitCompletion sends the solved stage task and optimistically records the
// local completion marker. The command stays pending until the server echo
// confirms it; pending commands are resent after reconnects and ack timeouts.
func (s *Store) SubmitCompletion(stage int, solution json.RawMessage) error {
	s.mu.Lock()
	if s.state == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	playerID := s.state.LocalPlayerID
	role := s.state.LocalRole

	cmd, err := protocol.NewCommand(protocol.CommandTypeSubmitCompletion, playerID, protocol.SubmitCompletionData{
		Stage:    stage,
		Solution: solution,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}

	firstWrite := s.recordCompletionLocked(playerID, stage)
	s.pending[cmd.CommandID] = pendingCommand{cmd: cmd, stage: stage, sentAt: time.Now()}
	s.mu.Unlock()

	if err := s.sender.Send(cmd); err != nil {
		// Keep it pending; the resend pass after reconnect picks it up.
		log.Warn().Int("stage", stage).Err(err).Msg("completion submit not sent, queued for resend")
	}

	if firstWrite {
		// Optimistic echo: consumers (the completion tracker included) see
		// the local completion immediately; the server echo is then a no-op.
		// The submit is sent first so any follow-up command a consumer
		// issues lands after it on the wire.
		s.notify(Applied{
			Event: protocol.Event{Type: protocol.EventTypeCompletionRecorded},
			Payload: protocol.CompletionRecordedPayload{
				PlayerID: playerID,
				Stage:    stage,
				Role:     role,
			},
		})
	}
	return nil
}

// confirmPendingLocked drops pending completion commands matched by player
// and stage identity, not by blind command-ID equality: the server echo is a
// confirmation regardless of which retry got through.
func (s *Store) confirmPendingLocked(playerID string, stage int) {
	if s.state == nil || playerID != s.state.LocalPlayerID {
		return
	}
	for id, pc := range s.pending {
		if pc.stage == stage {
			delete(s.pending, id)
		}
	}
}

// PendingOlderThan returns pending commands last sent before the cutoff and
// stamps them as resent now.
func (s *Store) PendingOlderThan(now time.Time, age time.Duration) []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []protocol.Command
	for id, pc := range s.pending {
		if now.Sub(pc.sentAt) >= age {
			pc.sentAt = now
			s.pending[id] = pc
			out = append(out, pc.cmd)
		}
	}
	return out
}

// PendingCommands returns everything queued for resend, stamping resend time.
func (s *Store) PendingCommands() []protocol.Command {
	return s.PendingOlderThan(time.Now(), 0)
}

// TickLocal decrements the local countdown by one second between server
// ticks. It is a smoothing aid only: any server-pushed value overrides it.
func (s *Store) TickLocal() (Applied, bool) {
	s.mu.Lock()
	if s.state == nil || s.state.Status != StatusInProgress || s.state.TimerSeconds <= 0 {
		s.mu.Unlock()
		return Applied{}, false
	}
	s.state.TimerSeconds--
	remaining := s.state.TimerSeconds
	s.mu.Unlock()

	a := Applied{
		Event:   protocol.Event{Type: protocol.EventTypeTimerTick},
		Payload: protocol.TimerTickPayload{TimerSeconds: remaining, Sync: false},
	}
	s.notify(a)
	return a, true
}

// Send builds and transmits a command for the local player. Used for the
// fire-and-forget command kinds that need no optimistic state change.
func (s *Store) Send(cmdType protocol.CommandType, payload interface{}) error {
	s.mu.RLock()
	if s.state == nil {
		s.mu.RUnlock()
		return ErrNoSession
	}
	playerID := s.state.LocalPlayerID
	s.mu.RUnlock()

	cmd, err := protocol.NewCommand(cmdType, playerID, payload)
	if err != nil {
		return err
	}
	return s.sender.Send(cmd)
}
