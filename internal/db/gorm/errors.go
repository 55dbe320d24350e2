package gorm

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/thebtf/clusterd/internal/clustering"
)

// classify turns a driver error into a clustering.Error so callers can tell
// a retryable conflict from a broken request. A nil err stays nil.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *clustering.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return clustering.NewError(op, clustering.KindClusterNotFound, err)
	}

	e := clustering.NewError(op, clustering.KindPersistence, err)
	e.Transient = isTransient(err)
	return e
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Network failures surface without a SQLSTATE.
		return true
	}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01":
		return true
	case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
		return true
	case pgErr.Code == "57P01", pgErr.Code == "57P03":
		return true
	default:
		// Integrity (23xxx), syntax (42xxx) and data (22xxx) errors will
		// fail the same way on retry.
		return false
	}
}
