package protocol

import (
	"encoding/json"
	"time"
)

// Event is the envelope for every server-to-client notification.
type Event struct {
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventType identifies the kind of server notification.
type EventType string

const (
	EventTypeStateSnapshot      EventType = "state_snapshot"
	EventTypeGameStarted        EventType = "game_started"
	EventTypeTimerTick          EventType = "timer_tick"
	EventTypeAlertChanged       EventType = "alert_changed"
	EventTypeStageAdvanced      EventType = "stage_advanced"
	EventTypeCompletionRecorded EventType = "completion_recorded"
	EventTypeVoteOpened         EventType = "vote_opened"
	EventTypeVoteUpdated        EventType = "vote_updated"
	EventTypeVoteResolved       EventType = "vote_resolved"
	EventTypePlayerConnected    EventType = "player_connected"
	EventTypePlayerDisconnected EventType = "player_disconnected"
	EventTypeRoleConfirmed      EventType = "role_confirmed"
	EventTypePuzzleData         EventType = "puzzle_data"
	EventTypePowerUsed          EventType = "power_used"
	EventTypeLookoutPrediction  EventType = "lookout_prediction"
	EventTypeLookoutWarning     EventType = "lookout_warning"
	EventTypeRandomEvent        EventType = "random_event"
	EventTypeChatMessage        EventType = "chat_message"
	EventTypeSessionEnded       EventType = "session_ended"
	EventTypeCommandRejected    EventType = "command_rejected"
)

// PlayerInfo is the replicated per-player record carried in snapshots and
// connect/role notifications.
type PlayerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	Connected bool   `json:"connected"`
	IsHost    bool   `json:"is_host"`
}

// StateSnapshotPayload is the full authoritative session state. It is sent on
// connect, on explicit snapshot request, and during rehydration.
type StateSnapshotPayload struct {
	SessionID       string                     `json:"session_id"`
	Status          string                     `json:"status"`
	Stage           int                        `json:"stage"`
	TimerSeconds    int                        `json:"timer_seconds"`
	AlertLevel      int                        `json:"alert_level"`
	Players         map[string]PlayerInfo      `json:"players"`
	StageCompletion map[string]map[string]bool `json:"stage_completion,omitempty"`
	ActiveVote      *VoteSnapshot              `json:"active_vote,omitempty"`
}

// VoteSnapshot mirrors the server's view of an in-flight timer vote.
type VoteSnapshot struct {
	InitiatorID string          `json:"initiator_id"`
	Deadline    time.Time       `json:"deadline"`
	Ballots     map[string]bool `json:"ballots"`
}

// GameStartedPayload announces the transition from Waiting to InProgress.
type GameStartedPayload struct {
	Stage        int `json:"stage"`
	TimerSeconds int `json:"timer_seconds"`
}

// TimerTickPayload carries the authoritative countdown value. Sync ticks
// always override any locally interpolated value.
type TimerTickPayload struct {
	TimerSeconds int  `json:"timer_seconds"`
	Sync         bool `json:"sync"`
}

// AlertChangedPayload carries the new alert level.
type AlertChangedPayload struct {
	AlertLevel int `json:"alert_level"`
}

// StageAdvancedPayload announces a stage transition.
type StageAdvancedPayload struct {
	Stage        int `json:"stage"`
	TimerSeconds int `json:"timer_seconds,omitempty"`
}

// CompletionRecordedPayload records one player's stage-task completion.
type CompletionRecordedPayload struct {
	PlayerID string `json:"player_id"`
	Stage    int    `json:"stage"`
	Role     string `json:"role,omitempty"`
}

// VoteOpenedPayload announces a timer-extension vote.
type VoteOpenedPayload struct {
	InitiatorID   string    `json:"initiator_id"`
	InitiatorName string    `json:"initiator_name,omitempty"`
	Deadline      time.Time `json:"deadline"`
	TimeLimitSec  int       `json:"time_limit_sec"`
}

// VoteUpdatedPayload records a single ballot.
type VoteUpdatedPayload struct {
	PlayerID string `json:"player_id"`
	Choice   bool   `json:"choice"`
}

// VoteResolvedPayload is the authoritative outcome of a vote.
type VoteResolvedPayload struct {
	Success      bool `json:"success"`
	TimerSeconds int  `json:"timer_seconds,omitempty"`
	AlertLevel   int  `json:"alert_level,omitempty"`
}

// PlayerConnectedPayload announces a player joining or reconnecting.
type PlayerConnectedPayload struct {
	Player PlayerInfo `json:"player"`
}

// PlayerDisconnectedPayload announces a dropped player.
type PlayerDisconnectedPayload struct {
	PlayerID string `json:"player_id"`
}

// RoleConfirmedPayload confirms a role assignment and carries the full
// replicated player set so late subscribers can resync in one message.
type RoleConfirmedPayload struct {
	PlayerID string                `json:"player_id"`
	Role     string                `json:"role"`
	Players  map[string]PlayerInfo `json:"players,omitempty"`
}

// PuzzleDataPayload delivers the local player's puzzle for the active stage.
type PuzzleDataPayload struct {
	Stage  int             `json:"stage"`
	Kind   string          `json:"kind"`
	Puzzle json.RawMessage `json:"puzzle"`
}

// PowerUsedPayload announces a role power activation.
type PowerUsedPayload struct {
	PlayerID    string `json:"player_id"`
	PlayerName  string `json:"player_name,omitempty"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
}

// LookoutPredictionPayload is sent only to the Lookout after a power use.
type LookoutPredictionPayload struct {
	Event         string `json:"event"`
	DisplayName   string `json:"display_name"`
	PredictedTime int    `json:"predicted_time"`
}

// LookoutWarningPayload warns the crew about an imminent random event.
type LookoutWarningPayload struct {
	Event       string `json:"event"`
	WarningTime int    `json:"warning_time"`
	Message     string `json:"message,omitempty"`
}

// RandomEventPayload announces a security event in progress.
type RandomEventPayload struct {
	Event    string `json:"event"`
	Duration int    `json:"duration"`
}

// ChatMessagePayload relays in-game chat.
type ChatMessagePayload struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name,omitempty"`
	Message    string `json:"message"`
}

// SessionEndedPayload carries the terminal outcome of the session.
type SessionEndedPayload struct {
	Reason string `json:"reason"`
	Result string `json:"result"` // "completed" or "failed"
}

// CommandRejectedPayload reports a server-side rejection of a client command,
// scoped to the command kind that triggered it.
type CommandRejectedPayload struct {
	Context string `json:"context"`
	Message string `json:"message"`
}

// ParsePayload decodes the event data into its typed payload struct.
// Unknown event types return (nil, nil): callers log and discard them.
func ParsePayload(event *Event) (interface{}, error) {
	switch event.Type {
	case EventTypeStateSnapshot:
		return unmarshalPayload[StateSnapshotPayload](event)
	case EventTypeGameStarted:
		return unmarshalPayload[GameStartedPayload](event)
	case EventTypeTimerTick:
		return unmarshalPayload[TimerTickPayload](event)
	case EventTypeAlertChanged:
		return unmarshalPayload[AlertChangedPayload](event)
	case EventTypeStageAdvanced:
		return unmarshalPayload[StageAdvancedPayload](event)
	case EventTypeCompletionRecorded:
		return unmarshalPayload[CompletionRecordedPayload](event)
	case EventTypeVoteOpened:
		return unmarshalPayload[VoteOpenedPayload](event)
	case EventTypeVoteUpdated:
		return unmarshalPayload[VoteUpdatedPayload](event)
	case EventTypeVoteResolved:
		return unmarshalPayload[VoteResolvedPayload](event)
	case EventTypePlayerConnected:
		return unmarshalPayload[PlayerConnectedPayload](event)
	case EventTypePlayerDisconnected:
		return unmarshalPayload[PlayerDisconnectedPayload](event)
	case EventTypeRoleConfirmed:
		return unmarshalPayload[RoleConfirmedPayload](event)
	case EventTypePuzzleData:
		return unmarshalPayload[PuzzleDataPayload](event)
	case EventTypePowerUsed:
		return unmarshalPayload[PowerUsedPayload](event)
	case EventTypeLookoutPrediction:
		return unmarshalPayload[LookoutPredictionPayload](event)
	case EventTypeLookoutWarning:
		return unmarshalPayload[LookoutWarningPayload](event)
	case EventTypeRandomEvent:
		return unmarshalPayload[RandomEventPayload](event)
	case EventTypeChatMessage:
		return unmarshalPayload[ChatMessagePayload](event)
	case EventTypeSessionEnded:
		return unmarshalPayload[SessionEndedPayload](event)
	case EventTypeCommandRejected:
		return unmarshalPayload[CommandRejectedPayload](event)
	default:
		return nil, nil
	}
}

func unmarshalPayload[T any](event *Event) (interface{}, error) {
	var payload T
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
