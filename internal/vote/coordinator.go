// Package vote manages the client half of the timer-extension vote. The
// server is authoritative on resolution; the local deadline is advisory only
// and exists so the UI can show a waiting state when the result is late.
package vote

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/protocol"
	"github.com/mcdev12/heistsync/internal/session"
)

var (
	// ErrVoteInProgress rejects a vote request while one is already open.
	// Rejected locally, no network call.
	ErrVoteInProgress = errors.New("vote: a timer vote is already open")

	// ErrNoActiveVote rejects a ballot with no open vote.
	ErrNoActiveVote = errors.New("vote: no timer vote is open")
)

// Phase is the coordinator's state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOpen
	// PhaseAwaitingResult means the advisory deadline fired with no
	// authoritative resolution yet. The vote is still open; the coordinator
	// never unilaterally declares failure.
	PhaseAwaitingResult
)

// StateReader is the read-only slice of the store the coordinator needs.
type StateReader interface {
	State() *session.State
}

// CommandSender transmits vote commands for the local player.
type CommandSender interface {
	Send(cmdType protocol.CommandType, payload interface{}) error
}

// Coordinator tracks one in-flight vote at a time.
type Coordinator struct {
	store  StateReader
	sender CommandSender
	clock  clockwork.Clock

	mu          sync.Mutex
	phase       Phase
	ballotCast  bool
	deadlineGen int
	timer       clockwork.Timer
	timerCancel chan struct{}

	// OnAdvisoryTimeout, if set, fires when the local deadline elapses
	// without a resolution. UI-only: state is not touched.
	OnAdvisoryTimeout func()
}

// NewCoordinator wires the coordinator. Pass a fake clock in tests.
func NewCoordinator(store StateReader, sender CommandSender, clock clockwork.Clock) *Coordinator {
	return &Coordinator{store: store, sender: sender, clock: clock}
}

// Phase returns the current state machine position.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RequestVote asks the server to open a timer-extension vote. Only valid from
// Idle; a redundant request while a vote is open is rejected locally.
func (c *Coordinator) RequestVote() error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrVoteInProgress
	}
	c.mu.Unlock()

	return c.sender.Send(protocol.CommandTypeRequestVote, nil)
}

// CastVote submits the local player's ballot. One ballot per player per vote
// instance: a second call is a silent no-op. This is a UX guard; the server
// enforces it authoritatively regardless.
func (c *Coordinator) CastVote(choice bool) error {
	c.mu.Lock()
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return ErrNoActiveVote
	}
	if c.ballotCast || c.localBallotRecorded() {
		c.mu.Unlock()
		return nil
	}
	c.ballotCast = true
	c.mu.Unlock()

	return c.sender.Send(protocol.CommandTypeCastVote, protocol.CastVoteData{Choice: choice})
}

// localBallotRecorded consults replicated state, which survives rehydration
// where the in-memory flag does not. Callers hold c.mu.
func (c *Coordinator) localBallotRecorded() bool {
	state := c.store.State()
	if state == nil || state.ActiveVote == nil {
		return false
	}
	_, voted := state.ActiveVote.Ballots[state.LocalPlayerID]
	return voted
}

// HandleEvent is the coordinator's bus subscription.
func (c *Coordinator) HandleEvent(event protocol.Event, payload interface{}) {
	switch p := payload.(type) {
	case protocol.VoteOpenedPayload:
		c.open(p)
	case protocol.VoteResolvedPayload:
		c.resolve(p)
	case protocol.StateSnapshotPayload:
		c.syncFromSnapshot()
	}
}

func (c *Coordinator) open(p protocol.VoteOpenedPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimerLocked()
	c.phase = PhaseOpen
	c.ballotCast = false
	c.deadlineGen++

	wait := p.Deadline.Sub(c.clock.Now())
	if wait <= 0 {
		// Deadline already in the past relative to the local clock; go
		// straight to waiting for the authoritative result.
		c.phase = PhaseAwaitingResult
		return
	}
	c.startTimerLocked(wait)
}

func (c *Coordinator) startTimerLocked(wait time.Duration) {
	gen := c.deadlineGen
	timer := c.clock.NewTimer(wait)
	cancel := make(chan struct{})
	c.timer = timer
	c.timerCancel = cancel

	go func() {
		select {
		case <-timer.Chan():
			c.advisoryDeadline(gen)
		case <-cancel:
		}
	}()
}

func (c *Coordinator) advisoryDeadline(gen int) {
	c.mu.Lock()
	if gen != c.deadlineGen || c.phase != PhaseOpen {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseAwaitingResult
	cb := c.OnAdvisoryTimeout
	c.mu.Unlock()

	log.Debug().Msg("vote advisory deadline elapsed, awaiting authoritative result")
	if cb != nil {
		cb()
	}
}

// resolve applies the authoritative outcome. It always wins over a local
// timeout guess, however late it arrives.
func (c *Coordinator) resolve(p protocol.VoteResolvedPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimerLocked()
	c.deadlineGen++
	c.phase = PhaseIdle
	c.ballotCast = false

	log.Info().Bool("success", p.Success).Msg("timer vote resolved")
}

// syncFromSnapshot realigns the state machine after rehydration.
func (c *Coordinator) syncFromSnapshot() {
	state := c.store.State()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimerLocked()
	c.deadlineGen++
	c.ballotCast = false

	if state == nil || state.ActiveVote == nil {
		c.phase = PhaseIdle
		return
	}

	c.phase = PhaseOpen
	if _, voted := state.ActiveVote.Ballots[state.LocalPlayerID]; voted {
		c.ballotCast = true
	}
	wait := state.ActiveVote.Deadline.Sub(c.clock.Now())
	if wait <= 0 {
		c.phase = PhaseAwaitingResult
		return
	}
	c.startTimerLocked(wait)
}

// stopTimerLocked stops and drains any advisory timer, following the
// stop-and-drain pattern from time.Timer.Stop documentation.
func (c *Coordinator) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	if !c.timer.Stop() {
		select {
		case <-c.timer.Chan():
		default:
		}
	}
	close(c.timerCancel)
	c.timer = nil
	c.timerCancel = nil
}
