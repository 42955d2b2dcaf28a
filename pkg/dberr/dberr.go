package dberr

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Log records a persistence failure with the operation name and, for
// PostgreSQL errors, the server supplied code, detail and hint.
func Log(log *zap.SugaredLogger, operation string, err error) {
	if err == nil || log == nil {
		return
	}
	fields := []interface{}{"operation", operation, "error", err.Error()}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		fields = append(fields,
			"code", pgErr.Code,
			"details", pgErr.Detail,
			"hint", pgErr.Hint,
			"constraint", pgErr.ConstraintName,
		)
	}
	log.Errorw("db_operation_failed", fields...)
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
