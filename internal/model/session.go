package model

import "time"

// Session is an online-access session; SubjectID/Email tie it to a platform customer.
type Session struct {
	ID        string     `db:"id"         json:"id"`
	TenantID  string     `db:"tenant_id"  json:"tenant_id"`
	SubjectID *string    `db:"subject_id" json:"subject_id,omitempty"`
	Email     *string    `db:"email"      json:"email,omitempty"`
	Scope     string     `db:"scope"      json:"scope"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

type Subscription struct {
	ID        string    `db:"id"         json:"id"`
	TenantID  string    `db:"tenant_id"  json:"tenant_id"`
	Name      string    `db:"name"       json:"name"`
	Status    string    `db:"status"     json:"status"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
