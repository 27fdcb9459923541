package repository

import (
	"context"
	"database/sql"

	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
)

// Blacklist entry kinds.
const (
	BlacklistKindIP         = "ip"
	BlacklistKindEmail      = "email"
	BlacklistKindInstrument = "instrument"
)

type BlacklistRepository struct {
	db *sql.DB
}

func NewBlacklistRepository(db *sql.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// IsBlacklisted does an exact-match lookup of value under kind.
func (r *BlacklistRepository) IsBlacklisted(ctx context.Context, kind, value string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blacklist_entries WHERE kind = $1 AND value = $2`,
		kind, value).Scan(&n)
	if err != nil {
		return false, errs.Database("blacklist lookup", err)
	}
	return n > 0, nil
}

// Database schema
const BlacklistSchema = `
CREATE TABLE IF NOT EXISTS blacklist_entries (
    kind VARCHAR(20) NOT NULL,
    value VARCHAR(255) NOT NULL,
    added_at TIMESTAMP NOT NULL DEFAULT NOW(),
    PRIMARY KEY (kind, value)
);
`
