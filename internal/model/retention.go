package model

import "time"

type DataCategory string

const (
	CategoryAnalytics DataCategory = "analytics" // derived analytics
	CategoryLogs      DataCategory = "logs"      // operational logs, compliance audit
	CategoryProducts  DataCategory = "products"  // product/catalog cache
)

// Categories lists every category the retention sweep visits.
var Categories = []DataCategory{CategoryAnalytics, CategoryLogs, CategoryProducts}

func (c DataCategory) String() string { return string(c) }

func (c DataCategory) Valid() bool {
	return c == CategoryAnalytics || c == CategoryLogs || c == CategoryProducts
}

type RetentionPolicy struct {
	TenantID      string       `db:"tenant_id"      json:"tenant_id"`
	Category      DataCategory `db:"category"       json:"category"`
	RetentionDays int          `db:"retention_days" json:"retention_days"`
	IsActive      bool         `db:"is_active"      json:"is_active"`
	UpdatedAt     time.Time    `db:"updated_at"     json:"updated_at"`
}
