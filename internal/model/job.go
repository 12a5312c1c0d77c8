package model

import "time"

// Job is one inbound event travelling through the queue or the fallback path.
type Job struct {
	ID            string    `json:"id"`
	Topic         Topic     `json:"topic"`
	TenantID      string    `json:"tenant_id"`
	Payload       []byte    `json:"payload"`
	CorrelationID string    `json:"correlation_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// FinalAttempt reports whether a failure of this run is terminal. Jobs run
// outside the queue have no attempt budget and are always final.
func (j Job) FinalAttempt() bool {
	return j.MaxAttempts <= 0 || j.Attempt >= j.MaxAttempts
}

// Meta carries optional transport metadata for Submit.
type Meta struct {
	CorrelationID string
	SessionID     string
	Scopes        []string
}
