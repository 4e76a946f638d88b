package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolProbe reports database health by pinging the pgx pool. It satisfies
// the chassis HealthProbe interface.
type PoolProbe struct {
	pool *pgxpool.Pool
}

// NewPoolProbe creates a health probe for the given pool.
func NewPoolProbe(pool *pgxpool.Pool) *PoolProbe {
	return &PoolProbe{pool: pool}
}

// Name identifies the probe in health responses.
func (p *PoolProbe) Name() string { return "database" }

// Check pings the database within the caller's deadline.
func (p *PoolProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
