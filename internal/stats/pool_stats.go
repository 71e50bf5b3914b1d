package stats

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is a point-in-time view of one connection pool, captured for
// logging. Role distinguishes the two databases ("synapse" or "mas").
type PoolStats struct {
	Role        string
	MaxConns    int
	ActiveConns int
	IdleConns   int
	WaitCount   int64
	WaitTimeMs  int64
}

// FromPgx snapshots a pgx pool's counters.
func FromPgx(role string, s *pgxpool.Stat) PoolStats {
	return PoolStats{
		Role:        role,
		MaxConns:    int(s.MaxConns()),
		ActiveConns: int(s.AcquiredConns()),
		IdleConns:   int(s.IdleConns()),
		WaitCount:   s.EmptyAcquireCount(),
		WaitTimeMs:  s.AcquireDuration().Milliseconds(),
	}
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	waits := s.WaitCount
	if waits < 1 {
		waits = 1
	}
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.Role, s.ActiveConns, s.MaxConns, s.IdleConns,
		s.WaitCount, float64(s.WaitTimeMs)/float64(waits))
}
