package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/tour-reservations/internal/domain"
	"github.com/robertarktes/tour-reservations/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	DeadlockDetectedCode     = "40P01"
	CheckViolationCode       = "23514"
	ForeignKeyViolationCode  = "23503"
	InvalidTextCode          = "22P02"

	defaultMaxAttempts = 3
	baseRetryBackoff   = 20 * time.Millisecond
)

type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

type Option func(*Repository)

// WithMaxAttempts bounds how many times a transaction is retried after a
// serialization failure.
func WithMaxAttempts(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type txKey struct{}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// InTx reports whether ctx carries a transaction opened by WithTx.
func (r *Repository) InTx(ctx context.Context) bool {
	return txFromContext(ctx) != nil
}

// WithTx runs fn in a SERIALIZABLE transaction carried in the context passed
// to fn. Nested calls join the outer transaction. Serialization failures are
// retried with exponential backoff; once attempts are exhausted the error
// matches domain.ErrTransactionFailure.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.InTx(ctx) {
		return fn(ctx)
	}

	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if !errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
		if attempt == r.maxAttempts {
			break
		}
		observability.DBTxRetries.Inc()
		select {
		case <-ctx.Done():
			return errors.Mark(errors.Wrap(ctx.Err(), "transaction retry aborted"), domain.ErrTransactionFailure)
		case <-time.After(baseRetryBackoff << (attempt - 1)):
		}
	}
	return errors.Mark(errors.Wrapf(err, "gave up after %d attempts", r.maxAttempts), domain.ErrTransactionFailure)
}

func (r *Repository) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "begin transaction"), domain.ErrTransactionFailure)
	}
	defer tx.Rollback(context.Background())

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if isRetryable(err) {
			return errors.Mark(err, domain.ErrSerializationFailure)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isRetryable(err) {
			return errors.Mark(err, domain.ErrSerializationFailure)
		}
		return errors.Mark(errors.Wrap(err, "commit"), domain.ErrTransactionFailure)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *Repository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryable(err error) bool {
	code := pgCode(err)
	return code == SerializationFailureCode || code == DeadlockDetectedCode
}
