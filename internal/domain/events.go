package domain

import (
	"time"

	"github.com/google/uuid"
)

// RosterEventType is the kind of connection change reported by the game server
type RosterEventType string

const (
	RosterJoin  RosterEventType = "join"
	RosterLeave RosterEventType = "leave"
)

// RosterEvent is a single join or leave reported by the game server
type RosterEvent struct {
	Type      RosterEventType `json:"type"`
	PlayerID  uuid.UUID       `json:"player_id"`
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks the event carries enough to act on
func (e RosterEvent) Validate() error {
	if e.PlayerID == uuid.Nil {
		return ErrInvalidRequest
	}
	switch e.Type {
	case RosterJoin:
		if !ValidName(e.Name) {
			return ErrInvalidRequest
		}
	case RosterLeave:
	default:
		return ErrInvalidRequest
	}
	return nil
}

// Field names a persisted profile column
type Field string

const (
	FieldName               Field = "name"
	FieldDisplayName        Field = "display_name"
	FieldMuted              Field = "muted"
	FieldDeafened           Field = "deafened"
	FieldSpying             Field = "spying"
	FieldSelectedChannel    Field = "selected_channel"
	FieldLastWhisperTarget  Field = "last_whisper_target"
	FieldWhisperReplyTarget Field = "whisper_reply_target"
	FieldIgnore             Field = "ignore"
)

// ProfileChange describes one applied mutation, for subscribers of profile updates
type ProfileChange struct {
	PlayerID  uuid.UUID   `json:"player_id"`
	Field     Field       `json:"field"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}
