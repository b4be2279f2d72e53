package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultQueryTimeout = 5 * time.Second

	// lockHorizon is how long a claim lock is honored before another
	// worker may steal the row (covers crashed workers).
	lockHorizon = 15 * time.Minute
	// checkThreshold is the minimum gap between status checks per row.
	checkThreshold = 5 * time.Minute
	// creationLag keeps freshly created sessions out of the sweep while
	// the interactive path still owns them.
	creationLag = 3 * time.Hour
	// expiryLockGrace protects recently touched rows from expiry.
	expiryLockGrace = 20 * time.Minute
)

const uniqueViolation = "23505"

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL-backed ledger.
type Store struct {
	db           Querier
	queryTimeout time.Duration
	logger       *zap.Logger
}

// NewStore wraps a connection pool.
func NewStore(db Querier, logger *zap.Logger) *Store {
	return &Store{db: db, queryTimeout: defaultQueryTimeout, logger: logger}
}

// Connect opens the pool with bounded retries so a restarting database
// does not take the gateway down with it.
func Connect(ctx context.Context, uri string, maxConns int32, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse postgres uri: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	var pool *pgxpool.Pool
	op := func() error {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		logger.Warn("postgres connect failed, retrying",
			zap.Duration("next_attempt_in", next), zap.Error(err))
	}); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Schema is the ledger DDL, applied idempotently at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS exchange_reconciliation_ledger (
	id              VARCHAR(50) PRIMARY KEY,
	exchange_id     TEXT        NOT NULL,
	project_id      TEXT        NOT NULL DEFAULT '',
	asset           TEXT        NOT NULL DEFAULT '',
	amount          TEXT        NOT NULL DEFAULT '',
	recipient       TEXT        NOT NULL DEFAULT '',
	pay_url         TEXT        NOT NULL DEFAULT '',
	status          TEXT        NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending', 'succeeded', 'failed')),
	failure_reason  TEXT        NOT NULL DEFAULT '',
	tx_hash         TEXT        NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_checked_at TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	locked_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_pending
	ON exchange_reconciliation_ledger (last_checked_at NULLS FIRST, created_at)
	WHERE status = 'pending';
`

// EnsureSchema applies the DDL.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return s.wrap(err)
	}
	return nil
}

const columns = `id, exchange_id, project_id, asset, amount, recipient, pay_url,
	status, failure_reason, tx_hash,
	created_at, updated_at, last_checked_at, completed_at, locked_at`

// InsertNew creates a pending row; a duplicate session id fails.
func (s *Store) InsertNew(ctx context.Context, tx *Transaction) error {
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO exchange_reconciliation_ledger
			(id, exchange_id, project_id, asset, amount, recipient, pay_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')`,
		tx.ID, tx.ExchangeID, tx.ProjectID, tx.Asset, tx.Amount, tx.Recipient, tx.PayURL)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateID
		}
		return s.wrap(err)
	}
	return nil
}

// Get fetches one row by session id.
func (s *Store) Get(ctx context.Context, id string) (*Transaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRow(ctx, `
		SELECT `+columns+`
		FROM exchange_reconciliation_ledger WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, s.wrap(err)
	}
	return tx, nil
}

// UpdateStatus asserts a terminal state: completed_at is set, locked_at
// cleared. Transitions out of pending are write-once; re-asserting the
// same terminal state is a no-op, a different one is rejected.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, txHash, failureReason string) error {
	if !status.Terminal() {
		return fmt.Errorf("ledger: UpdateStatus requires a terminal status, got %q", status)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		UPDATE exchange_reconciliation_ledger
		SET status = $2,
			tx_hash = CASE WHEN $3 <> '' THEN $3 ELSE tx_hash END,
			failure_reason = CASE WHEN $4 <> '' THEN $4 ELSE failure_reason END,
			completed_at = COALESCE(completed_at, NOW()),
			updated_at = NOW(),
			locked_at = NULL
		WHERE id = $1 AND status IN ('pending', $2)`,
		id, string(status), txHash, failureReason)
	if err != nil {
		return s.wrap(err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or it already holds the other
		// terminal state.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrTerminalConflict
	}
	return nil
}

// TouchNonTerminal refreshes the check timestamps on a pending row and
// releases its claim lock.
func (s *Store) TouchNonTerminal(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		UPDATE exchange_reconciliation_ledger
		SET last_checked_at = NOW(), updated_at = NOW(), locked_at = NULL
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return s.wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDueBatch atomically claims up to n due pending rows. SKIP LOCKED
// keeps concurrent claimers disjoint; the locked_at horizon reclaims
// rows from crashed workers.
func (s *Store) ClaimDueBatch(ctx context.Context, n int) ([]*Transaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		WITH candidates AS (
			SELECT id FROM exchange_reconciliation_ledger
			WHERE status = 'pending'
				AND (locked_at IS NULL OR locked_at < NOW() - INTERVAL '%d minutes')
				AND (last_checked_at IS NULL OR last_checked_at < NOW() - INTERVAL '%d minutes')
				AND created_at < NOW() - INTERVAL '%d hours'
			ORDER BY last_checked_at NULLS FIRST, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE exchange_reconciliation_ledger l
			SET locked_at = NOW(), updated_at = NOW()
			FROM candidates c WHERE l.id = c.id
			RETURNING `+qualify(columns, "l")+`
		) SELECT * FROM claimed`,
		int(lockHorizon.Minutes()), int(checkThreshold.Minutes()), int(creationLag.Hours())), n)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

// ExpireOldPending fails pending rows older than maxAge with reason
// "expired", unless a claim lock was held within the grace window.
func (s *Store) ExpireOldPending(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, fmt.Sprintf(`
		UPDATE exchange_reconciliation_ledger
		SET status = 'failed',
			failure_reason = 'expired',
			completed_at = NOW(),
			updated_at = NOW(),
			locked_at = NULL
		WHERE status = 'pending'
			AND created_at < NOW() - INTERVAL '%d hours'
			AND (locked_at IS NULL OR locked_at < NOW() - INTERVAL '%d minutes')`,
		int(maxAge.Hours()), int(expiryLockGrace.Minutes())))
	if err != nil {
		return 0, s.wrap(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Store) wrap(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var tx Transaction
	var status string
	if err := row.Scan(
		&tx.ID, &tx.ExchangeID, &tx.ProjectID, &tx.Asset, &tx.Amount, &tx.Recipient, &tx.PayURL,
		&status, &tx.FailureReason, &tx.TxHash,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.LastCheckedAt, &tx.CompletedAt, &tx.LockedAt,
	); err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	return &tx, nil
}

// qualify prefixes each column with a table alias for the RETURNING
// clause inside the claim CTE.
func qualify(cols, alias string) string {
	out := ""
	for i, c := range splitColumns(cols) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func splitColumns(cols string) []string {
	var out []string
	field := ""
	for _, r := range cols {
		switch r {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\t', '\n':
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}
