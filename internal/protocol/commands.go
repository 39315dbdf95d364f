package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command is the envelope for every client-to-server message. CommandID is
// generated client-side so the server can deduplicate retried commands.
type Command struct {
	CommandID string          `json:"command_id"`
	PlayerID  string          `json:"player_id"`
	Type      CommandType     `json:"type"`
	SentAt    time.Time       `json:"sent_at,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CommandType identifies the kind of client command.
type CommandType string

const (
	CommandTypeStartGame        CommandType = "start_game"
	CommandTypeSelectRole       CommandType = "select_role"
	CommandTypeSubmitCompletion CommandType = "submit_completion"
	CommandTypeAdvanceStage     CommandType = "advance_stage"
	CommandTypeRequestVote      CommandType = "request_vote"
	CommandTypeCastVote         CommandType = "cast_vote"
	CommandTypeRequestSnapshot  CommandType = "request_snapshot"
	CommandTypeUsePower         CommandType = "use_power"
	CommandTypeChatMessage      CommandType = "chat_message"
)

// SubmitCompletionData carries a solved stage task.
type SubmitCompletionData struct {
	Stage    int             `json:"stage"`
	Solution json.RawMessage `json:"solution,omitempty"`
}

// AdvanceStageData is sent by the coordinator once the barrier is met.
type AdvanceStageData struct {
	Stage int `json:"stage"` // the stage being advanced FROM
}

// CastVoteData is one ballot in the active timer vote.
type CastVoteData struct {
	Choice bool `json:"choice"`
}

// SelectRoleData requests a role assignment during the lobby phase.
type SelectRoleData struct {
	Role string `json:"role"`
}

// ChatMessageData is an outbound chat line.
type ChatMessageData struct {
	Message string `json:"message"`
}

// NewCommand builds a command envelope with a fresh command ID. The payload
// may be nil for commands that carry no data.
func NewCommand(cmdType CommandType, playerID string, payload interface{}) (Command, error) {
	cmd := Command{
		CommandID: uuid.New().String(),
		PlayerID:  playerID,
		Type:      cmdType,
		SentAt:    time.Now().UTC(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("marshal %s payload: %w", cmdType, err)
		}
		cmd.Data = data
	}

	return cmd, nil
}
