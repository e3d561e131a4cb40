package events

import (
	"encoding/json"
	"time"
)

type Type string

const (
	PlayerJoined       Type = "PLAYER_JOINED"
	PlayerLeft         Type = "PLAYER_LEFT"
	PlayerReady        Type = "PLAYER_READY"
	BattleStarting     Type = "BATTLE_STARTING"
	TimerStart         Type = "TIMER_START"
	TimerUpdate        Type = "TIMER_UPDATE"
	BattleEnded        Type = "BATTLE_ENDED"
	SubmissionReceived Type = "SUBMISSION_RECEIVED"
	SubmissionJudged   Type = "SUBMISSION_JUDGED"
	WinnerAnnouncement Type = "WINNER_ANNOUNCEMENT"
	BattleCancelled    Type = "BATTLE_CANCELLED"
	Error              Type = "ERROR"
	Heartbeat          Type = "HEARTBEAT"
	SessionState       Type = "SESSION_STATE"
)

// Event is the message delivered to every client watching a battle. Payload
// is a free-form object whose shape depends on Type.
type Event struct {
	Type      Type           `json:"type"`
	BattleID  string         `json:"battle_id,omitempty"`
	RoomCode  string         `json:"room_code,omitempty"`
	Version   int64          `json:"version,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func New(t Type, battleID, roomCode string, version int64, payload map[string]any) Event {
	return Event{
		Type:      t,
		BattleID:  battleID,
		RoomCode:  roomCode,
		Version:   version,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorEvent builds a private error notification.
func ErrorEvent(battleID, message string) Event {
	return New(Error, battleID, "", 0, map[string]any{"error": message})
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
