package db

import (
	"context"
	"errors"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

var ErrClickHouseNotConfigured = errors.New("clickhouse dsn not configured")

// NewClickHouseConnection opens the analytics event store, e.g.
// clickhouse://default:@localhost:9000/shopev?dial_timeout=5s&compress=true
func NewClickHouseConnection(ctx context.Context, dsn string, opts PoolOpts) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrClickHouseNotConfigured
	}
	return openAndPing(ctx, "clickhouse", dsn, opts, 3*time.Second)
}
