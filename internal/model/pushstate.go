package model

import "time"

// Health is the advisory status of a provider's ingestion.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Error kinds recorded on a push state.
const (
	ErrorKindTransient = "transient"
	ErrorKindPermanent = "permanent"
)

// PushState is the per-provider ingestion watermark and subscription record.
type PushState struct {
	Provider            Provider   `json:"provider"`
	Cursor              string     `json:"cursor"`
	WatchExpiresAt      *time.Time `json:"watch_expires_at,omitempty"`
	LastPushAt          *time.Time `json:"last_push_at,omitempty"`
	LastPollAt          *time.Time `json:"last_poll_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	Health              Health     `json:"health"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorKind       string     `json:"last_error_kind,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Suspended reports whether automatic ingestion should stop until the
// provider is re-authenticated.
func (s *PushState) Suspended() bool {
	return s.Health == HealthDown && s.LastErrorKind == ErrorKindPermanent
}

// WatchOverdue reports whether a known watch has already expired at now.
func (s *PushState) WatchOverdue(now time.Time) bool {
	return s.WatchExpiresAt != nil && !now.Before(*s.WatchExpiresAt)
}
