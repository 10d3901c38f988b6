package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SignalKind tags a point-to-point signaling message.
type SignalKind string

const (
	SignalOffer           SignalKind = "offer"
	SignalAnswer          SignalKind = "answer"
	SignalIceCandidate    SignalKind = "ice_candidate"
	SignalParticipantLeft SignalKind = "participant_left"
)

var ErrUnknownSignalKind = errors.New("unknown signal kind")

// SignalMessage is one relay message. Always addressed to exactly one
// recipient, immutable once sent, consumed exactly once.
type SignalMessage struct {
	Kind      SignalKind      `json:"kind"`
	Sender    ParticipantID   `json:"sender"`
	Recipient ParticipantID   `json:"recipient"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// OfferPayload carries the session description plus the sender's current
// participant snapshot, so the recipient can render the peer before any
// media arrives.
type OfferPayload struct {
	SDP         string      `json:"sdp"`
	Participant Participant `json:"participant"`
	IceRestart  bool        `json:"iceRestart,omitempty"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func newSignal(kind SignalKind, sender, recipient ParticipantID, payload any) (SignalMessage, error) {
	msg := SignalMessage{
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return SignalMessage{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = b
	}
	return msg, nil
}

func NewOffer(sender, recipient ParticipantID, p OfferPayload) (SignalMessage, error) {
	return newSignal(SignalOffer, sender, recipient, p)
}

func NewAnswer(sender, recipient ParticipantID, p AnswerPayload) (SignalMessage, error) {
	return newSignal(SignalAnswer, sender, recipient, p)
}

func NewCandidate(sender, recipient ParticipantID, p CandidatePayload) (SignalMessage, error) {
	return newSignal(SignalIceCandidate, sender, recipient, p)
}

func NewParticipantLeft(sender, recipient ParticipantID) (SignalMessage, error) {
	return newSignal(SignalParticipantLeft, sender, recipient, nil)
}

func (m SignalMessage) DecodeOffer() (OfferPayload, error) {
	var p OfferPayload
	if m.Kind != SignalOffer {
		return p, fmt.Errorf("%w: want %s, got %s", ErrUnknownSignalKind, SignalOffer, m.Kind)
	}
	return p, json.Unmarshal(m.Payload, &p)
}

func (m SignalMessage) DecodeAnswer() (AnswerPayload, error) {
	var p AnswerPayload
	if m.Kind != SignalAnswer {
		return p, fmt.Errorf("%w: want %s, got %s", ErrUnknownSignalKind, SignalAnswer, m.Kind)
	}
	return p, json.Unmarshal(m.Payload, &p)
}

func (m SignalMessage) DecodeCandidate() (CandidatePayload, error) {
	var p CandidatePayload
	if m.Kind != SignalIceCandidate {
		return p, fmt.Errorf("%w: want %s, got %s", ErrUnknownSignalKind, SignalIceCandidate, m.Kind)
	}
	return p, json.Unmarshal(m.Payload, &p)
}
