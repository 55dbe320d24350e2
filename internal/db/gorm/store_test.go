package gorm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/thebtf/clusterd/internal/clustering"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      clustering.Kind
		transient bool
	}{
		{"record not found", gorm.ErrRecordNotFound, clustering.KindClusterNotFound, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, clustering.KindPersistence, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, clustering.KindPersistence, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, clustering.KindPersistence, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, clustering.KindPersistence, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, clustering.KindPersistence, false},
		{"deadline", context.DeadlineExceeded, clustering.KindPersistence, true},
		{"canceled", context.Canceled, clustering.KindPersistence, false},
		{"network", errors.New("connection reset by peer"), clustering.KindPersistence, true},
		{"wrapped pg error", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"}), clustering.KindPersistence, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.kind, clustering.KindOf(err))
			assert.Equal(t, tt.transient, clustering.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify("op", nil))
}

func TestClassify_KeepsEngineErrors(t *testing.T) {
	orig := clustering.NewError("merge", clustering.KindInvalidArguments, errors.New("same id"))
	assert.Same(t, orig, classify("op", orig))
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name   string
		pool   PoolStats
		avg    time.Duration
		err    error
		status string
	}{
		{"idle pool", PoolStats{Open: 4, Idle: 4}, 2 * time.Millisecond, nil, "healthy"},
		{"empty pool", PoolStats{}, 0, nil, "healthy"},
		{"query failed", PoolStats{Open: 4}, time.Millisecond, errors.New("connection refused"), "unhealthy"},
		{"saturated", PoolStats{Open: 10, InUse: 9}, time.Millisecond, nil, "degraded"},
		{"contention", PoolStats{Open: 10, InUse: 2, WaitCount: 500, WaitDuration: time.Second}, time.Millisecond, nil, "degraded"},
		{"many short waits", PoolStats{Open: 10, WaitCount: 500, WaitDuration: 10 * time.Millisecond}, time.Millisecond, nil, "healthy"},
		{"slow pings", PoolStats{Open: 2}, 80 * time.Millisecond, nil, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, warning := assess(tt.pool, tt.avg, tt.err)
			assert.Equal(t, tt.status, status)
			if tt.status == "degraded" {
				assert.NotEmpty(t, warning)
			}
		})
	}
}

func TestHealthMonitor_MovingAverage(t *testing.T) {
	var p healthMonitor
	assert.Equal(t, 10*time.Millisecond, p.observe(10*time.Millisecond), "first sample seeds the average")
	assert.InDelta(t, float64(28*time.Millisecond), float64(p.observe(100*time.Millisecond)), float64(time.Microsecond))
	assert.InDelta(t, float64(24400*time.Microsecond), float64(p.observe(10*time.Millisecond)), float64(time.Microsecond))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name string
		want logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"error", logger.Error},
		{"warn", logger.Warn},
		{" WARNING ", logger.Warn},
		{"info", logger.Info},
		{"debug", logger.Info},
		{"", logger.Silent},
		{"verbose", logger.Silent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLogLevel(tt.name))
		})
	}
}
