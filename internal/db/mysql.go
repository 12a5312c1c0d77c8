package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

var ErrMySQLNotConfigured = errors.New("mysql dsn not configured")

// NewMySQLConnection opens the audit/tenant-data database. parseTime is forced
// on so DATETIME columns scan into time.Time.
func NewMySQLConnection(ctx context.Context, dsn string, opts PoolOpts) (*sqlx.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrMySQLNotConfigured
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	cfg.MultiStatements = true

	return openAndPing(ctx, "mysql", cfg.FormatDSN(), opts, 5*time.Second)
}
