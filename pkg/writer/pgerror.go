package writer

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgErrorCode extracts the Postgres SQLSTATE code from err, if it (or
// something it wraps) is a *pgconn.PgError.
func pgErrorCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}
