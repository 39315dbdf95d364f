package barrier

import (
	"errors"
	"testing"

	"github.com/mcdev12/heistsync/internal/protocol"
	"github.com/mcdev12/heistsync/internal/session"
)

type fakeStore struct {
	state *session.State
}

func (f *fakeStore) State() *session.State {
	if f.state == nil {
		return nil
	}
	return f.state.Clone()
}

type fakeSender struct {
	cmds []protocol.CommandType
	err  error
}

func (f *fakeSender) Send(cmdType protocol.CommandType, _ interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmdType)
	return nil
}

func crewState(localID string) *session.State {
	st := session.NewState("ROOM", localID, "")
	st.Status = session.StatusInProgress
	st.Stage = 1
	st.Players = map[string]session.Player{
		"A": {ID: "A", Name: "Ann", Connected: true, IsHost: true},
		"B": {ID: "B", Name: "Bo", Connected: true},
		"C": {ID: "C", Name: "Cyd", Connected: true},
	}
	return st
}

func complete(st *session.State, stage int, playerID string) {
	if st.StageCompletion[stage] == nil {
		st.StageCompletion[stage] = make(map[string]bool)
	}
	st.StageCompletion[stage][playerID] = true
}

func completionEvent() protocol.Event {
	return protocol.Event{Type: protocol.EventTypeCompletionRecorded}
}

func TestBarrierNotMetUntilAllConnectedComplete(t *testing.T) {
	store := &fakeStore{state: crewState("A")}
	sender := &fakeSender{}
	tr := NewTracker(store, sender)

	complete(store.state, 1, "A")
	tr.HandleEvent(completionEvent(), nil)
	complete(store.state, 1, "B")
	tr.HandleEvent(completionEvent(), nil)

	if tr.BarrierMet() {
		t.Fatalf("barrier must not be met with C outstanding")
	}
	if len(sender.cmds) != 0 {
		t.Fatalf("no advance before barrier, got %v", sender.cmds)
	}

	complete(store.state, 1, "C")
	tr.HandleEvent(completionEvent(), nil)

	if !tr.BarrierMet() {
		t.Fatalf("barrier must be met once all three completed")
	}
	if len(sender.cmds) != 1 || sender.cmds[0] != protocol.CommandTypeAdvanceStage {
		t.Fatalf("host must send exactly one advance, got %v", sender.cmds)
	}

	// Duplicate notifications do not produce a second advance.
	tr.HandleEvent(completionEvent(), nil)
	tr.HandleEvent(completionEvent(), nil)
	if len(sender.cmds) != 1 {
		t.Fatalf("want exactly one advance, got %d", len(sender.cmds))
	}
}

func TestDisconnectedPlayerExcludedFromDenominator(t *testing.T) {
	store := &fakeStore{state: crewState("A")}
	sender := &fakeSender{}
	tr := NewTracker(store, sender)

	c := store.state.Players["C"]
	c.Connected = false
	store.state.Players["C"] = c

	complete(store.state, 1, "A")
	complete(store.state, 1, "B")
	tr.HandleEvent(completionEvent(), nil)

	if !tr.BarrierMet() {
		t.Fatalf("barrier must be met with C disconnected")
	}
	if len(sender.cmds) != 1 {
		t.Fatalf("want one advance, got %d", len(sender.cmds))
	}
}

func TestCompletedThenDisconnectedStillCounts(t *testing.T) {
	store := &fakeStore{state: crewState("A")}
	sender := &fakeSender{}
	tr := NewTracker(store, sender)

	// C completes, then drops. The marker stays in the numerator and C
	// leaves the denominator, so A and B finish the stage.
	complete(store.state, 1, "C")
	tr.HandleEvent(completionEvent(), nil)
	c := store.state.Players["C"]
	c.Connected = false
	store.state.Players["C"] = c
	tr.HandleEvent(protocol.Event{Type: protocol.EventTypePlayerDisconnected}, nil)

	complete(store.state, 1, "A")
	complete(store.state, 1, "B")
	tr.HandleEvent(completionEvent(), nil)

	if len(sender.cmds) != 1 {
		t.Fatalf("want one advance, got %d", len(sender.cmds))
	}
}

func TestNonHostNeverSendsAdvance(t *testing.T) {
	store := &fakeStore{state: crewState("B")} // local player is not host
	sender := &fakeSender{}
	tr := NewTracker(store, sender)

	complete(store.state, 1, "A")
	complete(store.state, 1, "B")
	complete(store.state, 1, "C")
	tr.HandleEvent(completionEvent(), nil)

	if !tr.BarrierMet() {
		t.Fatalf("barrier met is computed on every client")
	}
	if len(sender.cmds) != 0 {
		t.Fatalf("only the host sends the advance, got %v", sender.cmds)
	}
}

func TestHostFailoverRecomputesCoordinator(t *testing.T) {
	store := &fakeStore{state: crewState("B")}
	sender := &fakeSender{}
	tr := NewTracker(store, sender)

	complete(store.state, 1, "B")
	complete(store.state, 1, "C")
	tr.HandleEvent(completionEvent(), nil)
	if len(sender.cmds) != 0 {
		t.Fatalf("barrier not met yet")
	}

	// Host A drops without advancing; the server hands the flag to B. The
	// next player update re-evaluates against the new host.
	a := store.state.Players["A"]
	a.Connected = false
	a.IsHost = false
	store.state.Players["A"] = a
	b := store.state.Players["B"]
	b.IsHost = true
	store.state.Players["B"] = b

	tr.HandleEvent(protocol.Event{Type: protocol.EventTypePlayerDisconnected}, nil)

	if len(sender.cmds) != 1 {
		t.Fatalf("new host must pick up the pending advance, got %v", sender.cmds)
	}
}

func TestAdvanceRetriedAfterFailedSend(t *testing.T) {
	store := &fakeStore{state: crewState("A")}
	sender := &fakeSender{err: errors.New("not connected")}
	tr := NewTracker(store, sender)

	complete(store.state, 1, "A")
	complete(store.state, 1, "B")
	complete(store.state, 1, "C")
	tr.HandleEvent(completionEvent(), nil)
	if len(sender.cmds) != 0 {
		t.Fatalf("send failed, nothing recorded")
	}

	sender.err = nil
	tr.HandleEvent(completionEvent(), nil)
	if len(sender.cmds) != 1 {
		t.Fatalf("advance must be retried after a failed send, got %d", len(sender.cmds))
	}
}

func TestNoAdvanceOutsideInProgress(t *testing.T) {
	store := &fakeStore{state: crewState("A")}
	sender := &fakeSender{}
	tr := NewTracker(store, sender)

	store.state.Status = session.StatusCompleted
	complete(store.state, 1, "A")
	complete(store.state, 1, "B")
	complete(store.state, 1, "C")
	tr.HandleEvent(completionEvent(), nil)

	if len(sender.cmds) != 0 {
		t.Fatalf("no advance outside an in-progress session")
	}
}
