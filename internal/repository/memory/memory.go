// Package memory holds in-process implementations of the repository
// interfaces, used in development without MySQL and in tests.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/repository"
)

// Row is a generic tenant-scoped row.
type Row struct {
	TenantID  string
	Key       string
	Payload   string
	ExpiresAt *time.Time
}

type policyKey struct {
	tenant   string
	category model.DataCategory
}

// DB is one shared in-memory dataset; the accessor methods return views
// implementing each repository interface.
type DB struct {
	mu sync.Mutex

	nextAuditID   int64
	audit         []model.ComplianceAuditRecord
	sessions      []model.Session
	policies      map[policyKey]model.RetentionPolicy
	subscriptions map[string]model.Subscription
	rows          map[repository.Table][]Row
	events        []Row // analytics_events
}

func New() *DB {
	return &DB{
		policies:      make(map[policyKey]model.RetentionPolicy),
		subscriptions: make(map[string]model.Subscription),
		rows:          make(map[repository.Table][]Row),
	}
}

func (db *DB) Audit() repository.AuditRepository                 { return auditRepo{db} }
func (db *DB) Sessions() repository.SessionsRepository           { return sessionsRepo{db} }
func (db *DB) TenantData() repository.TenantDataRepository       { return tenantDataRepo{db} }
func (db *DB) Policies() repository.RetentionPolicyRepository    { return policyRepo{db} }
func (db *DB) Subscriptions() repository.SubscriptionsRepository { return subscriptionsRepo{db} }
func (db *DB) Analytics() repository.AnalyticsEventsRepository   { return analyticsRepo{db} }

// ---- seeding and inspection ----

func (db *DB) AddSession(s model.Session) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.sessions = append(db.sessions, s)
}

// AddRow stores a row in one of the generic tenant tables.
func (db *DB) AddRow(table repository.Table, r Row) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows[table] = append(db.rows[table], r)
}

func (db *DB) AddAnalyticsEvent(r Row) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.events = append(db.events, r)
}

// Count returns how many rows tenantID owns in table.
func (db *DB) Count(table repository.Table, tenantID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch table {
	case repository.TableSessions:
		n := 0
		for _, s := range db.sessions {
			if s.TenantID == tenantID {
				n++
			}
		}
		return n
	case repository.TableRetentionPolicies:
		n := 0
		for k := range db.policies {
			if k.tenant == tenantID {
				n++
			}
		}
		return n
	case repository.TableSubscriptions:
		n := 0
		for _, s := range db.subscriptions {
			if s.TenantID == tenantID {
				n++
			}
		}
		return n
	default:
		return countRows(db.rows[table], tenantID)
	}
}

func (db *DB) CountAnalyticsEvents(tenantID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return countRows(db.events, tenantID)
}

// Rows returns a copy of table's rows.
func (db *DB) Rows(table repository.Table) []Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]Row(nil), db.rows[table]...)
}

func countRows(rows []Row, tenantID string) int {
	n := 0
	for _, r := range rows {
		if r.TenantID == tenantID {
			n++
		}
	}
	return n
}

// filterRows keeps rows for which drop is false and reports how many were dropped.
func filterRows(rows []Row, drop func(Row) bool) ([]Row, int64) {
	kept := rows[:0]
	var n int64
	for _, r := range rows {
		if drop(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	return kept, n
}

func expired(at *time.Time, now time.Time) bool {
	return at != nil && at.Before(now)
}

// ---- audit ----

type auditRepo struct{ db *DB }

func (r auditRepo) Create(_ context.Context, rec *model.ComplianceAuditRecord) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.nextAuditID++
	rec.ID = r.db.nextAuditID
	r.db.audit = append(r.db.audit, *rec)
	return nil
}

func (r auditRepo) Get(_ context.Context, id int64) (*model.ComplianceAuditRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, rec := range r.db.audit {
		if rec.ID == id {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (r auditRepo) GetByJobID(_ context.Context, jobID string) (*model.ComplianceAuditRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, rec := range r.db.audit {
		if rec.JobID != nil && *rec.JobID == jobID {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (r auditRepo) MarkProcessing(_ context.Context, id int64) error {
	return r.update(id, func(rec *model.ComplianceAuditRecord) {
		rec.Status = model.AuditProcessing
	})
}

func (r auditRepo) Complete(_ context.Context, id int64, response []byte, notes *string, at time.Time) error {
	return r.update(id, func(rec *model.ComplianceAuditRecord) {
		rec.Status = model.AuditCompleted
		rec.Response = response
		rec.Notes = notes
		rec.CompletedAt = &at
	})
}

func (r auditRepo) Fail(_ context.Context, id int64, notes string, at time.Time) error {
	return r.update(id, func(rec *model.ComplianceAuditRecord) {
		rec.Status = model.AuditError
		rec.Notes = &notes
		rec.CompletedAt = &at
	})
}

func (r auditRepo) update(id int64, fn func(*model.ComplianceAuditRecord)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i := range r.db.audit {
		if r.db.audit[i].ID != id {
			continue
		}
		if r.db.audit[i].Status.Terminal() {
			return fmt.Errorf("audit %d is %s: %w", id, r.db.audit[i].Status, repository.ErrAuditFinalized)
		}
		fn(&r.db.audit[i])
		return nil
	}
	return fmt.Errorf("audit %d: %w", id, sql.ErrNoRows)
}

func (r auditRepo) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]model.ComplianceAuditRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []model.ComplianceAuditRecord
	for _, rec := range r.db.audit {
		if rec.TenantID == tenantID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r auditRepo) ListBySubject(_ context.Context, tenantID, subjectID string) ([]model.ComplianceAuditRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []model.ComplianceAuditRecord
	for _, rec := range r.db.audit {
		if rec.TenantID == tenantID && rec.SubjectID != nil && *rec.SubjectID == subjectID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r auditRepo) DeleteForSubjectBefore(_ context.Context, tenantID, subjectID string, before time.Time) (int64, error) {
	return r.deleteWhere(func(rec model.ComplianceAuditRecord) bool {
		return rec.TenantID == tenantID && rec.SubjectID != nil && *rec.SubjectID == subjectID && rec.ReceivedAt.Before(before)
	}), nil
}

func (r auditRepo) DeleteForTenantBefore(_ context.Context, tenantID string, before time.Time) (int64, error) {
	return r.deleteWhere(func(rec model.ComplianceAuditRecord) bool {
		return rec.TenantID == tenantID && rec.ReceivedAt.Before(before)
	}), nil
}

func (r auditRepo) DeleteExpired(_ context.Context, tenantID string, now time.Time) (int64, error) {
	return r.deleteWhere(func(rec model.ComplianceAuditRecord) bool {
		return (tenantID == "" || rec.TenantID == tenantID) && rec.ExpiresAt.Before(now)
	}), nil
}

func (r auditRepo) deleteWhere(drop func(model.ComplianceAuditRecord) bool) int64 {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	kept := r.db.audit[:0]
	var n int64
	for _, rec := range r.db.audit {
		if drop(rec) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	r.db.audit = kept
	return n
}

// ---- sessions ----

type sessionsRepo struct{ db *DB }

func matchesSubject(s model.Session, tenantID, subjectID, email string) bool {
	if s.TenantID != tenantID {
		return false
	}
	if s.SubjectID != nil && *s.SubjectID == subjectID {
		return true
	}
	return email != "" && s.Email != nil && *s.Email == email
}

func (r sessionsRepo) ListBySubject(_ context.Context, tenantID, subjectID, email string) ([]model.Session, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []model.Session
	for _, s := range r.db.sessions {
		if matchesSubject(s, tenantID, subjectID, email) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r sessionsRepo) DeleteBySubject(_ context.Context, tenantID, subjectID, email string) (int64, error) {
	return r.db.deleteSessions(func(s model.Session) bool {
		return matchesSubject(s, tenantID, subjectID, email)
	}), nil
}

func (db *DB) deleteSessions(drop func(model.Session) bool) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()

	kept := db.sessions[:0]
	var n int64
	for _, s := range db.sessions {
		if drop(s) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	db.sessions = kept
	return n
}

// ---- tenant tables ----

type tenantDataRepo struct{ db *DB }

func (r tenantDataRepo) DeleteForTenant(_ context.Context, table repository.Table, tenantID string) (int64, error) {
	switch table {
	case repository.TableSessions:
		return r.db.deleteSessions(func(s model.Session) bool { return s.TenantID == tenantID }), nil
	case repository.TableRetentionPolicies:
		r.db.mu.Lock()
		defer r.db.mu.Unlock()
		var n int64
		for k := range r.db.policies {
			if k.tenant == tenantID {
				delete(r.db.policies, k)
				n++
			}
		}
		return n, nil
	case repository.TableSubscriptions:
		r.db.mu.Lock()
		defer r.db.mu.Unlock()
		var n int64
		for k, s := range r.db.subscriptions {
			if s.TenantID == tenantID {
				delete(r.db.subscriptions, k)
				n++
			}
		}
		return n, nil
	case repository.TableAnalyticsCache, repository.TableProductCache,
		repository.TableCredentials, repository.TableUserPreferences:
		r.db.mu.Lock()
		defer r.db.mu.Unlock()
		var n int64
		r.db.rows[table], n = filterRows(r.db.rows[table], func(row Row) bool { return row.TenantID == tenantID })
		return n, nil
	default:
		return 0, fmt.Errorf("memory: unknown table %q", table)
	}
}

func (r tenantDataRepo) DeleteExpired(_ context.Context, table repository.Table, tenantID string, now time.Time) (int64, error) {
	owned := func(t string) bool { return tenantID == "" || t == tenantID }

	switch table {
	case repository.TableSessions:
		return r.db.deleteSessions(func(s model.Session) bool {
			return owned(s.TenantID) && expired(s.ExpiresAt, now)
		}), nil
	case repository.TableAnalyticsCache, repository.TableProductCache:
		r.db.mu.Lock()
		defer r.db.mu.Unlock()
		var n int64
		r.db.rows[table], n = filterRows(r.db.rows[table], func(row Row) bool {
			return owned(row.TenantID) && expired(row.ExpiresAt, now)
		})
		return n, nil
	default:
		return 0, nil
	}
}

func (r tenantDataRepo) PutCache(_ context.Context, table repository.Table, tenantID, key, payload string, expiresAt, _ time.Time) error {
	if table != repository.TableAnalyticsCache && table != repository.TableProductCache {
		return fmt.Errorf("memory: %q is not a cache table", table)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	exp := expiresAt
	for i, row := range r.db.rows[table] {
		if row.TenantID == tenantID && row.Key == key {
			r.db.rows[table][i].Payload = payload
			r.db.rows[table][i].ExpiresAt = &exp
			return nil
		}
	}
	r.db.rows[table] = append(r.db.rows[table], Row{TenantID: tenantID, Key: key, Payload: payload, ExpiresAt: &exp})
	return nil
}

func (r tenantDataRepo) ListTenants(context.Context) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	seen := make(map[string]struct{})
	for _, s := range r.db.sessions {
		seen[s.TenantID] = struct{}{}
	}
	for _, table := range []repository.Table{repository.TableAnalyticsCache, repository.TableProductCache} {
		for _, row := range r.db.rows[table] {
			seen[row.TenantID] = struct{}{}
		}
	}
	for k := range r.db.policies {
		seen[k.tenant] = struct{}{}
	}
	for _, rec := range r.db.audit {
		seen[rec.TenantID] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// ---- retention policies ----

type policyRepo struct{ db *DB }

func (r policyRepo) Get(_ context.Context, tenantID string, category model.DataCategory) (*model.RetentionPolicy, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.policies[policyKey{tenantID, category}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r policyRepo) Upsert(_ context.Context, p model.RetentionPolicy) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.policies[policyKey{p.TenantID, p.Category}] = p
	return nil
}

// ---- subscriptions ----

type subscriptionsRepo struct{ db *DB }

func (r subscriptionsRepo) Upsert(_ context.Context, s model.Subscription) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.subscriptions[s.TenantID+"|"+s.ID] = s
	return nil
}

// ---- analytics events ----

type analyticsRepo struct{ db *DB }

func (r analyticsRepo) DeleteForTenant(_ context.Context, tenantID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	r.db.events, n = filterRows(r.db.events, func(row Row) bool { return row.TenantID == tenantID })
	return n, nil
}

func (r analyticsRepo) DeleteExpired(_ context.Context, tenantID string, now time.Time) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	r.db.events, n = filterRows(r.db.events, func(row Row) bool {
		return (tenantID == "" || row.TenantID == tenantID) && expired(row.ExpiresAt, now)
	})
	return n, nil
}
