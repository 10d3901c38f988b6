package core

import "github.com/meshvoice/meshroom/internal/domain"

// LinkState is the per-remote-peer lifecycle. A link never moves from Idle
// straight to Connected; it must pass through Negotiating.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkDegraded
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkDegraded:
		return "degraded"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Quality is the health monitor's per-peer verdict.
type Quality int

const (
	QualityGood Quality = iota
	QualityPoor
	QualityFailed
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityFailed:
		return "failed"
	}
	return "unknown"
}

// LinkInfo is a read-only view for APIs (no transport fields).
type LinkInfo struct {
	RemoteID          domain.ParticipantID `json:"remoteId"`
	State             string               `json:"state"`
	ReconnectAttempts int                  `json:"reconnectAttempts"`
	Quality           string               `json:"quality"`
}
