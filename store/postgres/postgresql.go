package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quintans/jobprocessor/backlog"
)

const (
	driverName        = "postgres"
	pgUniqueViolation = "23505"
)

const columns = `id, kind, payload, status, attempts, version, created_at, run_at,
	claimed_at, locked_until, result, error, processing_time`

var _ backlog.Store = (*Store)(nil)

type Entry struct {
	ID             string         `db:"id"`
	Kind           string         `db:"kind"`
	Payload        []byte         `db:"payload"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	Version        int64          `db:"version"`
	CreatedAt      time.Time      `db:"created_at"`
	RunAt          time.Time      `db:"run_at"`
	ClaimedAt      sql.NullTime   `db:"claimed_at"`
	LockedUntil    sql.NullTime   `db:"locked_until"`
	Result         []byte         `db:"result"`
	Error          sql.NullString `db:"error"`
	ProcessingTime int64          `db:"processing_time"`
}

func toEntry(e *backlog.Entry) *Entry {
	return &Entry{
		ID:             e.ID,
		Kind:           e.Kind,
		Payload:        e.Payload,
		Status:         string(e.Status),
		Attempts:       e.Attempts,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt.UTC(),
		RunAt:          e.RunAt.UTC(),
		ClaimedAt:      nullTime(e.ClaimedAt),
		LockedUntil:    nullTime(e.LockedUntil),
		Result:         e.Result,
		Error:          sql.NullString{String: e.Error, Valid: e.Error != ""},
		ProcessingTime: e.ProcessingTime.Nanoseconds(),
	}
}

func fromEntry(e *Entry) *backlog.Entry {
	if e == nil {
		return nil
	}
	return &backlog.Entry{
		ID:             e.ID,
		Kind:           e.Kind,
		Payload:        e.Payload,
		Status:         backlog.Status(e.Status),
		Attempts:       e.Attempts,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt.UTC(),
		RunAt:          e.RunAt.UTC(),
		ClaimedAt:      e.ClaimedAt.Time.UTC(),
		LockedUntil:    e.LockedUntil.Time.UTC(),
		Result:         e.Result,
		Error:          e.Error.String,
		ProcessingTime: time.Duration(e.ProcessingTime),
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

type StoreOption func(*Store)

func TableOption(tableName string) StoreOption {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// LockDurationOption sets how long a claim is leased before another worker may take the job over.
func LockDurationOption(d time.Duration) StoreOption {
	return func(s *Store) {
		s.lockDuration = d
	}
}

// MaxAttemptsOption sets how many times a job may be claimed.
func MaxAttemptsOption(n int) StoreOption {
	return func(s *Store) {
		s.maxAttempts = n
	}
}

// Store is a PostgreSQL job store.
// Claims are exclusive across processes through SELECT ... FOR UPDATE SKIP LOCKED.
type Store struct {
	db           *sqlx.DB
	lockDuration time.Duration
	maxAttempts  int
	tableName    string
}

func New(db *sql.DB, options ...StoreOption) *Store {
	s := &Store{
		db:           sqlx.NewDb(db, driverName),
		lockDuration: backlog.DefaultLockDuration,
		maxAttempts:  backlog.DefaultMaxAttempts,
		tableName:    "jobs",
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Migrate creates the jobs table and its claim index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s(
		id VARCHAR (100) PRIMARY KEY,
		kind VARCHAR (100) NOT NULL,
		payload BYTEA,
		status VARCHAR (20) NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		run_at TIMESTAMPTZ NOT NULL,
		claimed_at TIMESTAMPTZ,
		locked_until TIMESTAMPTZ,
		result BYTEA,
		error TEXT,
		processing_time BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS %[1]s_claim_idx ON %[1]s (kind, status, run_at, created_at);
	`, s.tableName))
	if err != nil {
		return fmt.Errorf("failed to migrate table %s: %w", s.tableName, err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, e *backlog.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.RunAt.IsZero() {
		e.RunAt = e.CreatedAt
	}
	e.Status = backlog.StatusPending

	_, err := s.db.NamedExecContext(
		ctx,
		fmt.Sprintf(`INSERT INTO %s (id, kind, payload, status, attempts, version, created_at, run_at)
		VALUES (:id, :kind, :payload, :status, :attempts, :version, :created_at, :run_at)`, s.tableName),
		toEntry(e),
	)
	if err == nil {
		return nil
	}

	if isDup(err) {
		return fmt.Errorf("enqueue job '%s': %w", e.ID, backlog.ErrJobAlreadyExists)
	}

	return fmt.Errorf("failed to enqueue job: %w", err)
}

func (s *Store) Claim(ctx context.Context, kind string) (*backlog.Entry, error) {
	var claimed *backlog.Entry
	err := s.withTx(ctx, func(c context.Context, t *sqlx.Tx) error {
		now := time.Now().UTC()
		if err := s.expire(c, t, kind, now); err != nil {
			return err
		}
		var err error
		claimed, err = s.claim(c, t, kind, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// expire fails the jobs whose last allowed lease ran out.
func (s *Store) expire(ctx context.Context, t *sqlx.Tx, kind string, now time.Time) error {
	_, err := t.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, error = $2, locked_until = NULL, version = version + 1
		WHERE kind = $3 AND status = $4 AND locked_until < $5 AND attempts >= $6`, s.tableName),
		backlog.StatusFailed, backlog.ExpiredMessage, kind, backlog.StatusClaimed, now, s.maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to expire leases of '%s': %w", kind, err)
	}
	return nil
}

func (s *Store) claim(ctx context.Context, t *sqlx.Tx, kind string, now time.Time) (*backlog.Entry, error) {
	entry := &Entry{}
	err := t.GetContext(ctx, entry,
		fmt.Sprintf(`UPDATE %[1]s
		SET status = $1, attempts = attempts + 1, version = version + 1, claimed_at = $2, locked_until = $3
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE kind = $4
			AND ((status = $5 AND run_at <= $2) OR (status = $1 AND locked_until < $2 AND attempts < $6))
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s`, s.tableName, columns),
		backlog.StatusClaimed, now, now.Add(s.lockDuration), kind, backlog.StatusPending, s.maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim '%s': %w", kind, err)
	}
	return fromEntry(entry), nil
}

func (s *Store) Complete(ctx context.Context, ticket backlog.Ticket, result []byte, took time.Duration) error {
	return s.finish(ctx, ticket, backlog.StatusCompleted, result, "", took)
}

func (s *Store) Fail(ctx context.Context, ticket backlog.Ticket, msg string, took time.Duration) error {
	return s.finish(ctx, ticket, backlog.StatusFailed, nil, msg, took)
}

func (s *Store) finish(ctx context.Context, ticket backlog.Ticket, status backlog.Status, result []byte, msg string, took time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s
		SET status = $1, result = $2, error = $3, processing_time = $4, locked_until = NULL, version = version + 1
		WHERE id = $5 AND version = $6 AND status = $7`, s.tableName),
		status, result, sql.NullString{String: msg, Valid: msg != ""}, took.Nanoseconds(),
		ticket.ID, ticket.Version, backlog.StatusClaimed)
	if err != nil {
		return fmt.Errorf("failed to finish job '%s': %w", ticket, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows when finishing '%s': %w", ticket, err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := s.Get(ctx, ticket.ID); err != nil {
		return fmt.Errorf("finish job '%s': %w", ticket, err)
	}
	return fmt.Errorf("finish job '%s': %w", ticket, backlog.ErrLeaseLost)
}

func (s *Store) Get(ctx context.Context, id string) (*backlog.Entry, error) {
	entry := &Entry{}
	err := s.db.GetContext(ctx, entry, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", columns, s.tableName), id)
	if err == nil {
		return fromEntry(entry), nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job '%s': %w", id, backlog.ErrJobNotFound)
	}

	return nil, fmt.Errorf("get job '%s': %w", id, err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tableName), id)
	if err != nil {
		return fmt.Errorf("failed to delete '%s': %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows when deleting '%s': %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete job '%s': %w", id, backlog.ErrJobNotFound)
	}

	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.tableName))
	if err != nil {
		return fmt.Errorf("failed to clear: %w", err)
	}
	return nil
}

func isDup(err error) bool {
	var pgerr *pq.Error
	return errors.As(err, &pgerr) && pgerr.Code == pgUniqueViolation
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	err = fn(ctx, tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}
