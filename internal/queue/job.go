package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
)

// Digest fingerprints the logical event: the same delivery retried by the
// platform hashes identically, distinct payloads never do.
func Digest(job model.Job) string {
	h := sha256.New()
	for _, part := range []string{job.TenantID, job.Topic.String(), job.CorrelationID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(job.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// JobID is tenant:topic:enqueueMs followed by the first 16 hex chars of the digest.
func JobID(job model.Job, at time.Time, digest string) string {
	short := digest
	if len(short) > 16 {
		short = short[:16]
	}
	return strings.Join([]string{
		job.TenantID,
		job.Topic.String(),
		strconv.FormatInt(at.UnixMilli(), 10),
		short,
	}, ":")
}

// Backoff is the delay after the given failed attempt: base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<(attempt-1))
}

// envelope is what sits in the store; the payload is sealed separately from metadata.
type envelope struct {
	Job    model.Job `json:"job"`
	Sealed []byte    `json:"sealed"`
}

type DeadLetter struct {
	JobID         string      `json:"job_id"`
	Topic         model.Topic `json:"topic"`
	TenantID      string      `json:"tenant_id"`
	CorrelationID string      `json:"correlation_id"`
	Attempts      int         `json:"attempts"`
	Reason        string      `json:"reason"`
	FailedAt      time.Time   `json:"failed_at"`
}

type CompletedEntry struct {
	JobID         string      `json:"job_id"`
	Topic         model.Topic `json:"topic"`
	TenantID      string      `json:"tenant_id"`
	CorrelationID string      `json:"correlation_id"`
	Attempts      int         `json:"attempts"`
	CompletedAt   time.Time   `json:"completed_at"`
}

type Stats struct {
	Waiting    int64 `json:"waiting"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
