package model

import "encoding/json"

// InboundEvent is the message published to Kafka by the webhook edge.
type InboundEvent struct {
	Topic         string          `json:"topic"`
	TenantID      string          `json:"tenant_id"` // shop domain
	CorrelationID string          `json:"correlation_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Scopes        []string        `json:"scopes,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// JobSignal is published when a queued job completes or is dead-lettered.
type JobSignal struct {
	Event         string `json:"event"` // completed|failed
	JobID         string `json:"job_id"`
	Topic         string `json:"topic"`
	TenantID      string `json:"tenant_id"`
	CorrelationID string `json:"correlation_id"`
	Attempts      int    `json:"attempts"`
	Reason        string `json:"reason,omitempty"`
	At            int64  `json:"at"` // unix ms
}
