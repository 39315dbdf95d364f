package session

import (
	"time"

	"github.com/mcdev12/heistsync/internal/protocol"
)

// Status represents the lifecycle phase of a session.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the session has reached an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Player is the replicated record for one participant. Disconnected players
// stay in the map, marked disconnected; entries are never deleted mid-session.
type Player struct {
	ID        string
	Name      string
	Role      string
	Connected bool
	IsHost    bool
}

// Vote is the local mirror of an in-flight timer-extension vote.
type Vote struct {
	InitiatorID   string
	Deadline      time.Time
	Ballots       map[string]bool
	RequiredCount int
}

// State is the local mirror of the authoritative session. It is mutated only
// by the Store; consumers read immutable snapshots via Store.State.
type State struct {
	SessionID       string
	LocalPlayerID   string
	LocalPlayerName string
	LocalRole       string

	Status       Status
	Stage        int
	TimerSeconds int
	AlertLevel   int

	Players         map[string]Player
	StageCompletion map[int]map[string]bool
	ActiveVote      *Vote

	// CurrentPuzzle is the local player's task for the active stage, nil
	// until the server delivers it.
	CurrentPuzzle *protocol.PuzzleDataPayload
}

// NewState seeds an empty shell for a fresh join.
func NewState(sessionID, playerID, playerName string) *State {
	return &State{
		SessionID:       sessionID,
		LocalPlayerID:   playerID,
		LocalPlayerName: playerName,
		Status:          StatusWaiting,
		Players:         make(map[string]Player),
		StageCompletion: make(map[int]map[string]bool),
	}
}

// Clone returns a deep copy safe to hand to consumers.
func (s *State) Clone() *State {
	cp := *s

	cp.Players = make(map[string]Player, len(s.Players))
	for id, p := range s.Players {
		cp.Players[id] = p
	}

	cp.StageCompletion = make(map[int]map[string]bool, len(s.StageCompletion))
	for stage, done := range s.StageCompletion {
		m := make(map[string]bool, len(done))
		for id, v := range done {
			m[id] = v
		}
		cp.StageCompletion[stage] = m
	}

	if s.ActiveVote != nil {
		v := *s.ActiveVote
		v.Ballots = make(map[string]bool, len(s.ActiveVote.Ballots))
		for id, b := range s.ActiveVote.Ballots {
			v.Ballots[id] = b
		}
		cp.ActiveVote = &v
	}

	if s.CurrentPuzzle != nil {
		p := *s.CurrentPuzzle
		cp.CurrentPuzzle = &p
	}

	return &cp
}

// ConnectedCount returns the number of currently connected players.
func (s *State) ConnectedCount() int {
	n := 0
	for _, p := range s.Players {
		if p.Connected {
			n++
		}
	}
	return n
}

// HostID returns the ID of the player flagged as host, or "" if none. Host
// status is replicated server data, so every client computes the same answer.
func (s *State) HostID() string {
	for id, p := range s.Players {
		if p.IsHost {
			return id
		}
	}
	return ""
}

// LocalIsHost reports whether the local player carries the host flag.
func (s *State) LocalIsHost() bool {
	return s.HostID() == s.LocalPlayerID
}

// Corrupted reports the known inconsistency class: a role assigned locally
// while the replicated player set is empty. This state cannot be repaired
// locally and forces a hard resync.
func (s *State) Corrupted() bool {
	return s.Status != StatusWaiting && len(s.Players) == 0 && s.LocalRole != ""
}

// requiredVotes is the majority threshold over connected players,
// ceiling(connected/2) with a floor of one.
func requiredVotes(connected int) int {
	if connected < 1 {
		return 1
	}
	return (connected + 1) / 2
}
