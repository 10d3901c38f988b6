// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type (
	ParticipantID string
	RoomID        string
)

// Participant is the room-facing view of one member. The external
// membership store owns identity fields; IsSpeaking and any attached
// stream are local ephemeral state that snapshots never carry.
type Participant struct {
	ID              ParticipantID `json:"id"`
	DisplayName     string        `json:"displayName"`
	AvatarRef       string        `json:"avatarRef,omitempty"`
	IsHost          bool          `json:"isHost"`
	IsMuted         bool          `json:"isMuted"`
	IsCameraOn      bool          `json:"isCameraOn"`
	IsSharingScreen bool          `json:"isSharingScreen"`
	IsSpeaking      bool          `json:"isSpeaking,omitempty"`
	JoinedAt        time.Time     `json:"joinedAt"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(displayName string) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{
		ID:          ParticipantID(uuid.NewString()),
		DisplayName: displayName,
		JoinedAt:    time.Now().UTC(),
	}, nil
}
