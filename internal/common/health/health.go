package health

import (
	"context"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

type HealthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is satisfied by *sql.DB and *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

type DBHealthChecker struct {
	db      Pinger
	timeout time.Duration
}

func NewDBHealthChecker(db Pinger) *DBHealthChecker {
	return &DBHealthChecker{
		db:      db,
		timeout: 2 * time.Second,
	}
}

// Check pings the database
func (hc *DBHealthChecker) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return HealthStatus{Status: StatusUnhealthy, Error: err.Error()}
	}

	return HealthStatus{Status: StatusHealthy}
}
