package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB defines the database operations used by the persistence services.
// *pgxpool.Pool satisfies this interface.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update would move an
// execution out of a terminal state or skip a lifecycle step.
var ErrInvalidTransition = errors.New("invalid status transition")

// Services bundles the persistence services around one database handle.
type Services struct {
	Configuration *ConfigurationService
	Execution     *ExecutionService
}

func NewServices(db DB) *Services {
	return &Services{
		Configuration: NewConfigurationService(db),
		Execution:     NewExecutionService(db),
	}
}
