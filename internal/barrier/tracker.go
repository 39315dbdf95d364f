// Package barrier decides when the implicit stage barrier is met: every
// connected player has completed the active stage. Completion markers from
// players who later disconnected still count toward the numerator; only the
// connected set forms the denominator, so the barrier cannot deadlock on
// someone who left.
package barrier

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/protocol"
	"github.com/mcdev12/heistsync/internal/session"
)

// StateReader is the read-only slice of the store the tracker needs.
type StateReader interface {
	State() *session.State
}

// AdvanceSender transmits the advance-stage command once the barrier is met.
type AdvanceSender interface {
	Send(cmdType protocol.CommandType, payload interface{}) error
}

// Tracker recomputes the barrier on every completion and player update.
// Coordinator designation is deterministic without a round trip: the player
// the server flags as host sends the advance command, so every client computes
// the same answer from replicated data and no duplicate request race exists.
// If the host drops before triggering, the server reassigns the flag and the
// tracker recomputes against the new host on the next player update.
type Tracker struct {
	store  StateReader
	sender AdvanceSender

	// advancedThrough is the highest stage this client has requested an
	// advance for. Stages are monotonic, so a plain high-water mark gives
	// exactly-once advance per stage.
	advancedThrough int
}

// NewTracker wires the tracker to state reads and command sends.
func NewTracker(store StateReader, sender AdvanceSender) *Tracker {
	return &Tracker{store: store, sender: sender}
}

// HandleEvent is the tracker's bus subscription. It reacts to completions and
// to player connectivity changes; everything else is ignored.
func (t *Tracker) HandleEvent(event protocol.Event, _ interface{}) {
	switch event.Type {
	case protocol.EventTypeCompletionRecorded,
		protocol.EventTypePlayerConnected,
		protocol.EventTypePlayerDisconnected,
		protocol.EventTypeStateSnapshot:
		t.evaluate()
	}
}

// BarrierMet reports whether every connected player has a completion marker
// for the active stage.
func (t *Tracker) BarrierMet() bool {
	state := t.store.State()
	if state == nil {
		return false
	}
	return barrierMet(state)
}

func barrierMet(state *session.State) bool {
	if state.Status != session.StatusInProgress {
		return false
	}
	connected := state.ConnectedCount()
	if connected == 0 {
		return false
	}
	return len(state.StageCompletion[state.Stage]) >= connected
}

func (t *Tracker) evaluate() {
	state := t.store.State()
	if state == nil || !barrierMet(state) {
		return
	}
	if state.Stage <= t.advancedThrough {
		return
	}
	if !state.LocalIsHost() {
		return
	}

	t.advancedThrough = state.Stage
	log.Info().Int("stage", state.Stage).Msg("barrier met, requesting stage advance as host")

	if err := t.sender.Send(protocol.CommandTypeAdvanceStage, protocol.AdvanceStageData{Stage: state.Stage}); err != nil {
		// The send failed before reaching the wire; allow a later
		// evaluation to retry for this stage.
		t.advancedThrough = state.Stage - 1
		log.Warn().Int("stage", state.Stage).Err(err).Msg("advance request not sent")
	}
}
