package postgres

import (
	"context"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/SirClappington/jobq/internal/domain"
)

const uniqueViolation = "23505"

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

// isUnavailable reports connectivity loss and lock/serialization aborts,
// all of which a caller may retry.
func isUnavailable(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P01", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps err with the operation name and maps transient failures to
// domain.ErrStoreUnavailable.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return errors.Wrapf(domain.ErrStoreUnavailable, "postgres: %s: %v", op, err)
	}
	return errors.Wrapf(err, "postgres: %s", op)
}
