package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthChecker is what the health endpoint needs from the database.
type HealthChecker interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

type poolChecker struct{ pool *pgxpool.Pool }

func (p poolChecker) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p poolChecker) Stats() *PoolStats              { return GetPoolStats(p.pool) }

// PoolChecker adapts a pgx pool to HealthChecker.
func PoolChecker(pool *pgxpool.Pool) HealthChecker { return poolChecker{pool: pool} }

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string     `json:"status"`
	Service string     `json:"service"`
	Time    time.Time  `json:"time"`
	Error   string     `json:"error,omitempty"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// HealthHandler pings the database with a 5s budget and reports pool stats.
func HealthHandler(service string, checker HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := HealthResponse{
			Status:  "healthy",
			Service: service,
			Time:    time.Now().UTC(),
			Pool:    checker.Stats(),
		}
		if err := checker.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		return c.JSON(http.StatusOK, resp)
	}
}
