package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcdev12/heistsync/internal/protocol"
)

type fakeSender struct {
	cmds    []protocol.Command
	sendErr error
}

func (f *fakeSender) Send(cmd protocol.Command) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeSender) byType(t protocol.CommandType) []protocol.Command {
	var out []protocol.Command
	for _, c := range f.cmds {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func event(t *testing.T, kind protocol.EventType, payload interface{}) protocol.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", kind, err)
	}
	return protocol.Event{Type: kind, Data: data}
}

func mustApply(t *testing.T, s *Store, ev protocol.Event) []Applied {
	t.Helper()
	applied, err := s.Apply(ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.Type, err)
	}
	return applied
}

func newTestStore(t *testing.T) (*Store, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	s := NewStore(sender)
	s.Seed("ROOM", "p-ann", "Ann")
	return s, sender
}

func startedStore(t *testing.T) (*Store, *fakeSender) {
	t.Helper()
	s, sender := newTestStore(t)
	mustApply(t, s, event(t, protocol.EventTypePlayerConnected, protocol.PlayerConnectedPayload{
		Player: protocol.PlayerInfo{ID: "p-ann", Name: "Ann", Connected: true, IsHost: true},
	}))
	mustApply(t, s, event(t, protocol.EventTypePlayerConnected, protocol.PlayerConnectedPayload{
		Player: protocol.PlayerInfo{ID: "p-bo", Name: "Bo", Connected: true},
	}))
	mustApply(t, s, event(t, protocol.EventTypeGameStarted, protocol.GameStartedPayload{Stage: 1, TimerSeconds: 300}))
	return s, sender
}

func TestIdempotentCompletion(t *testing.T) {
	s, _ := startedStore(t)

	done := event(t, protocol.EventTypeCompletionRecorded, protocol.CompletionRecordedPayload{PlayerID: "p-bo", Stage: 1})

	first := mustApply(t, s, done)
	if len(first) != 1 {
		t.Fatalf("first application: want 1 applied, got %d", len(first))
	}

	second := mustApply(t, s, done)
	if len(second) != 0 {
		t.Fatalf("duplicate application: want no-op, got %d applied", len(second))
	}

	state := s.State()
	if got := len(state.StageCompletion[1]); got != 1 {
		t.Fatalf("want exactly 1 completion marker, got %d", got)
	}
	if !state.StageCompletion[1]["p-bo"] {
		t.Fatalf("p-bo marker missing: %+v", state.StageCompletion)
	}
}

func TestMonotonicStage(t *testing.T) {
	s, _ := startedStore(t)

	sequence := []protocol.Event{
		event(t, protocol.EventTypeStageAdvanced, protocol.StageAdvancedPayload{Stage: 2}),
		event(t, protocol.EventTypeStageAdvanced, protocol.StageAdvancedPayload{Stage: 1}), // stale
		event(t, protocol.EventTypeStageAdvanced, protocol.StageAdvancedPayload{Stage: 3}),
		event(t, protocol.EventTypeStageAdvanced, protocol.StageAdvancedPayload{Stage: 3}), // duplicate
	}

	prev := s.State().Stage
	for _, ev := range sequence {
		mustApply(t, s, ev)
		cur := s.State().Stage
		if cur < prev {
			t.Fatalf("stage decreased from %d to %d after %s", prev, cur, ev.Type)
		}
		prev = cur
	}
	if prev != 3 {
		t.Fatalf("want final stage 3, got %d", prev)
	}
}

func TestEarlyCompletionBufferedAndReplayed(t *testing.T) {
	s, _ := startedStore(t)

	// Completion for stage 2 arrives while local stage is 1.
	early := mustApply(t, s, event(t, protocol.EventTypeCompletionRecorded,
		protocol.CompletionRecordedPayload{PlayerID: "p-bo", Stage: 2}))
	if len(early) != 0 {
		t.Fatalf("early completion must be buffered, got %d applied", len(early))
	}
	if len(s.State().StageCompletion[2]) != 0 {
		t.Fatalf("buffered completion leaked into state")
	}

	// Stage catches up: buffered event replays.
	applied := mustApply(t, s, event(t, protocol.EventTypeStageAdvanced, protocol.StageAdvancedPayload{Stage: 2}))
	if len(applied) != 2 {
		t.Fatalf("want stage_advanced + replayed completion, got %d applied", len(applied))
	}
	if !s.State().StageCompletion[2]["p-bo"] {
		t.Fatalf("replayed completion missing from state")
	}
}

func TestOutOfWindowCompletionDiscarded(t *testing.T) {
	s, _ := startedStore(t)

	// Two stages ahead: superseded, not buffered.
	mustApply(t, s, event(t, protocol.EventTypeCompletionRecorded,
		protocol.CompletionRecordedPayload{PlayerID: "p-bo", Stage: 3}))
	mustApply(t, s, event(t, protocol.EventTypeStageAdvanced, protocol.StageAdvancedPayload{Stage: 2}))
	mustApply(t, s, event(t, protocol.EventTypeStageAdvanced, protocol.StageAdvancedPayload{Stage: 3}))

	if len(s.State().StageCompletion[3]) != 0 {
		t.Fatalf("out-of-window completion must be discarded, got %+v", s.State().StageCompletion[3])
	}
}

func TestOptimisticCompletionAndEchoReconciliation(t *testing.T) {
	s, sender := startedStore(t)

	var notified []Applied
	s.SetOnApplied(func(a Applied) { notified = append(notified, a) })

	if err := s.SubmitCompletion(1, json.RawMessage(`{"path":[]}`)); err != nil {
		t.Fatalf("submit completion: %v", err)
	}

	// Optimistic marker is visible immediately and was announced once.
	if !s.State().StageCompletion[1]["p-ann"] {
		t.Fatalf("optimistic completion marker missing")
	}
	if len(notified) != 1 || notified[0].Event.Type != protocol.EventTypeCompletionRecorded {
		t.Fatalf("want one optimistic completion notification, got %+v", notified)
	}
	if got := len(sender.byType(protocol.CommandTypeSubmitCompletion)); got != 1 {
		t.Fatalf("want 1 submit_completion sent, got %d", got)
	}
	if len(s.PendingCommands()) != 1 {
		t.Fatalf("submit must stay pending until the echo")
	}

	// The server echo confirms: no state change, no second notification,
	// pending cleared.
	notified = nil
	echo := mustApply(t, s, event(t, protocol.EventTypeCompletionRecorded,
		protocol.CompletionRecordedPayload{PlayerID: "p-ann", Stage: 1}))
	if len(echo) != 0 || len(notified) != 0 {
		t.Fatalf("echo must be confirm-not-duplicate, got applied=%d notified=%d", len(echo), len(notified))
	}
	if len(s.PendingCommands()) != 0 {
		t.Fatalf("echo must clear the pending command")
	}
}

func TestSubmitCompletionQueuesWhenDisconnected(t *testing.T) {
	s, sender := startedStore(t)
	sender.sendErr = errors.New("not connected")

	if err := s.SubmitCompletion(1, nil); err != nil {
		t.Fatalf("submit while disconnected must queue, got %v", err)
	}

	pending := s.PendingCommands()
	if len(pending) != 1 || pending[0].Type != protocol.CommandTypeSubmitCompletion {
		t.Fatalf("want queued submit_completion, got %+v", pending)
	}
}

func TestPendingOlderThanStampsResend(t *testing.T) {
	s, _ := startedStore(t)
	if err := s.SubmitCompletion(1, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	future := time.Now().Add(time.Minute)
	first := s.PendingOlderThan(future, 3*time.Second)
	if len(first) != 1 {
		t.Fatalf("want 1 resendable command, got %d", len(first))
	}
	// Just re-stamped: not due again yet.
	again := s.PendingOlderThan(future, 3*time.Second)
	if len(again) != 0 {
		t.Fatalf("resend must re-stamp sent time, got %d", len(again))
	}
}

func TestSnapshotReplacesCorruptedStateWholesale(t *testing.T) {
	s, _ := newTestStore(t)

	// Drive local state into the corruption class: role assigned, players
	// empty, session nominally in progress.
	mustApply(t, s, event(t, protocol.EventTypeRoleConfirmed, protocol.RoleConfirmedPayload{
		PlayerID: "p-ann", Role: "Hacker",
	}))
	mustApply(t, s, event(t, protocol.EventTypePlayerConnected, protocol.PlayerConnectedPayload{
		Player: protocol.PlayerInfo{ID: "p-ann", Name: "Ann", Connected: true, IsHost: true},
	}))
	mustApply(t, s, event(t, protocol.EventTypeGameStarted, protocol.GameStartedPayload{Stage: 1, TimerSeconds: 300}))

	// Simulate the corrupted mirror directly: wipe players behind a stale
	// role assignment.
	s.mu.Lock()
	s.state.Players = map[string]Player{}
	s.mu.Unlock()

	if !s.State().Corrupted() {
		t.Fatalf("precondition: state should be corrupted")
	}

	// Applying any event now reports the consistency fault.
	_, err := s.Apply(event(t, protocol.EventTypeAlertChanged, protocol.AlertChangedPayload{AlertLevel: 1}))
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("want ErrCorruptState, got %v", err)
	}

	// A valid snapshot replaces everything; no stale field survives.
	mustApply(t, s, event(t, protocol.EventTypeStateSnapshot, protocol.StateSnapshotPayload{
		SessionID:    "ROOM",
		Status:       "waiting",
		Stage:        0,
		TimerSeconds: 0,
		Players: map[string]protocol.PlayerInfo{
			"p-ann": {ID: "p-ann", Name: "Ann", Connected: true, IsHost: true},
			"p-bo":  {ID: "p-bo", Name: "Bo", Connected: true},
		},
	}))

	state := s.State()
	if state.LocalRole != "" {
		t.Fatalf("stale role survived rehydration: %q", state.LocalRole)
	}
	if state.Status != StatusWaiting || state.Stage != 0 || len(state.Players) != 2 {
		t.Fatalf("snapshot not applied verbatim: %+v", state)
	}
	if state.LocalPlayerID != "p-ann" || state.LocalPlayerName != "Ann" {
		t.Fatalf("local identity must survive rehydration: %+v", state)
	}
}

func TestInconsistentSnapshotRejected(t *testing.T) {
	s, _ := startedStore(t)
	before := s.State()

	_, err := s.Apply(event(t, protocol.EventTypeStateSnapshot, protocol.StateSnapshotPayload{
		SessionID: "ROOM",
		Status:    "in_progress",
		Stage:     2,
		Players:   map[string]protocol.PlayerInfo{}, // in progress with nobody in it
	}))
	if !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("want ErrCorruptSnapshot, got %v", err)
	}

	after := s.State()
	if after.Stage != before.Stage || len(after.Players) != len(before.Players) {
		t.Fatalf("rejected snapshot must leave state untouched")
	}
}

func TestSnapshotRestoresCompletionAndVote(t *testing.T) {
	s, _ := newTestStore(t)
	deadline := time.Now().Add(15 * time.Second).UTC().Truncate(time.Second)

	mustApply(t, s, event(t, protocol.EventTypeStateSnapshot, protocol.StateSnapshotPayload{
		SessionID:    "ROOM",
		Status:       "in_progress",
		Stage:        2,
		TimerSeconds: 120,
		AlertLevel:   1,
		Players: map[string]protocol.PlayerInfo{
			"p-ann": {ID: "p-ann", Name: "Ann", Role: "Hacker", Connected: true, IsHost: true},
			"p-bo":  {ID: "p-bo", Name: "Bo", Role: "Lookout", Connected: true},
		},
		StageCompletion: map[string]map[string]bool{
			"1": {"p-ann": true, "p-bo": true},
			"2": {"p-bo": true},
		},
		ActiveVote: &protocol.VoteSnapshot{
			InitiatorID: "p-bo",
			Deadline:    deadline,
			Ballots:     map[string]bool{"p-bo": true},
		},
	}))

	state := s.State()
	if state.LocalRole != "Hacker" {
		t.Fatalf("local role not derived from snapshot: %q", state.LocalRole)
	}
	if !state.StageCompletion[2]["p-bo"] || !state.StageCompletion[1]["p-ann"] {
		t.Fatalf("completion markers not restored: %+v", state.StageCompletion)
	}
	if state.ActiveVote == nil || state.ActiveVote.RequiredCount != 1 {
		t.Fatalf("active vote not restored: %+v", state.ActiveVote)
	}
	if !state.ActiveVote.Deadline.Equal(deadline) {
		t.Fatalf("vote deadline mangled: %v", state.ActiveVote.Deadline)
	}
}

func TestVoteLifecycleMerges(t *testing.T) {
	s, _ := startedStore(t)
	deadline := time.Now().Add(20 * time.Second)

	mustApply(t, s, event(t, protocol.EventTypeVoteOpened, protocol.VoteOpenedPayload{
		InitiatorID: "p-bo", Deadline: deadline, TimeLimitSec: 20,
	}))
	state := s.State()
	if state.ActiveVote == nil {
		t.Fatalf("vote_opened must create active vote")
	}
	if state.ActiveVote.RequiredCount != 1 {
		t.Fatalf("two connected players: required count want 1 (ceil(2/2)), got %d", state.ActiveVote.RequiredCount)
	}

	// Duplicate ballot from the same player is dropped.
	ballot := event(t, protocol.EventTypeVoteUpdated, protocol.VoteUpdatedPayload{PlayerID: "p-bo", Choice: true})
	mustApply(t, s, ballot)
	dup := mustApply(t, s, ballot)
	if len(dup) != 0 {
		t.Fatalf("duplicate ballot must be a no-op")
	}
	if got := len(s.State().ActiveVote.Ballots); got != 1 {
		t.Fatalf("want exactly 1 ballot, got %d", got)
	}

	// Resolution clears unconditionally and applies the payload.
	mustApply(t, s, event(t, protocol.EventTypeVoteResolved, protocol.VoteResolvedPayload{
		Success: true, TimerSeconds: 360, AlertLevel: 1,
	}))
	state = s.State()
	if state.ActiveVote != nil {
		t.Fatalf("vote_resolved must clear active vote")
	}
	if state.TimerSeconds != 360 || state.AlertLevel != 1 {
		t.Fatalf("resolution payload not applied: timer=%d alert=%d", state.TimerSeconds, state.AlertLevel)
	}
}

func TestVoteResolvedWithoutOpeningIsSelfHealing(t *testing.T) {
	s, _ := startedStore(t)

	applied := mustApply(t, s, event(t, protocol.EventTypeVoteResolved, protocol.VoteResolvedPayload{Success: false}))
	if len(applied) != 1 {
		t.Fatalf("resolution with no local vote must still apply")
	}
	if s.State().ActiveVote != nil {
		t.Fatalf("active vote should stay nil")
	}
}

func TestDisconnectedPlayerRetained(t *testing.T) {
	s, _ := startedStore(t)

	mustApply(t, s, event(t, protocol.EventTypePlayerDisconnected, protocol.PlayerDisconnectedPayload{PlayerID: "p-bo"}))

	state := s.State()
	p, ok := state.Players["p-bo"]
	if !ok {
		t.Fatalf("disconnected player must remain visible")
	}
	if p.Connected {
		t.Fatalf("player should be marked disconnected")
	}
	if state.ConnectedCount() != 1 {
		t.Fatalf("want 1 connected player, got %d", state.ConnectedCount())
	}
}

func TestServerTickOverridesLocalCountdown(t *testing.T) {
	s, _ := startedStore(t)

	for i := 0; i < 5; i++ {
		if _, ok := s.TickLocal(); !ok {
			t.Fatalf("tick %d should apply while in progress", i)
		}
	}
	if got := s.State().TimerSeconds; got != 295 {
		t.Fatalf("local interpolation: want 295, got %d", got)
	}

	mustApply(t, s, event(t, protocol.EventTypeTimerTick, protocol.TimerTickPayload{TimerSeconds: 288, Sync: true}))
	if got := s.State().TimerSeconds; got != 288 {
		t.Fatalf("server tick must override local countdown, got %d", got)
	}
}

func TestTickLocalStopsAtZeroAndOutsideProgress(t *testing.T) {
	s, _ := newTestStore(t)
	if _, ok := s.TickLocal(); ok {
		t.Fatalf("tick must not apply while waiting")
	}

	s2, _ := startedStore(t)
	mustApply(t, s2, event(t, protocol.EventTypeTimerTick, protocol.TimerTickPayload{TimerSeconds: 0, Sync: true}))
	if _, ok := s2.TickLocal(); ok {
		t.Fatalf("tick must not go below zero")
	}
}

func TestSessionEndedSetsTerminalStatus(t *testing.T) {
	s, _ := startedStore(t)
	mustApply(t, s, event(t, protocol.EventTypeVoteOpened, protocol.VoteOpenedPayload{
		InitiatorID: "p-bo", Deadline: time.Now().Add(20 * time.Second),
	}))

	mustApply(t, s, event(t, protocol.EventTypeSessionEnded, protocol.SessionEndedPayload{
		Reason: "time_expired", Result: "failed",
	}))

	state := s.State()
	if state.Status != StatusFailed {
		t.Fatalf("want failed status, got %s", state.Status)
	}
	if state.ActiveVote != nil {
		t.Fatalf("terminal status must clear the active vote")
	}
}

func TestMalformedNotificationDiscarded(t *testing.T) {
	s, _ := startedStore(t)

	applied, err := s.Apply(protocol.Event{
		Type: protocol.EventTypeStageAdvanced,
		Data: json.RawMessage(`{"stage": "not a number"}`),
	})
	if err != nil || len(applied) != 0 {
		t.Fatalf("malformed notification must be logged and discarded, got applied=%d err=%v", len(applied), err)
	}

	unknown, err := s.Apply(protocol.Event{Type: "telemetry_blob", Data: json.RawMessage(`{}`)})
	if err != nil || len(unknown) != 0 {
		t.Fatalf("unknown notification must be discarded, got applied=%d err=%v", len(unknown), err)
	}
}

func TestStateSnapshotIsDeepCopy(t *testing.T) {
	s, _ := startedStore(t)
	mustApply(t, s, event(t, protocol.EventTypeCompletionRecorded,
		protocol.CompletionRecordedPayload{PlayerID: "p-bo", Stage: 1}))

	snap := s.State()
	snap.Players["p-zed"] = Player{ID: "p-zed"}
	snap.StageCompletion[1]["p-zed"] = true

	state := s.State()
	if _, ok := state.Players["p-zed"]; ok {
		t.Fatalf("mutating a snapshot must not touch the store")
	}
	if state.StageCompletion[1]["p-zed"] {
		t.Fatalf("mutating snapshot completion must not touch the store")
	}
}
