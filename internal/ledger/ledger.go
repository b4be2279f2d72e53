// Package ledger persists exchange buy sessions in PostgreSQL and
// drives their status lifecycle. Advisory locking is delegated to the
// database: FOR UPDATE SKIP LOCKED plus the locked_at horizon keeps
// concurrent workers disjoint across crashes.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Status is the row lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// MaxIDLength bounds the exchange-side session id.
const MaxIDLength = 50

var (
	// ErrDuplicateID means a row with the session id already exists.
	ErrDuplicateID = errors.New("ledger: duplicate session id")
	// ErrNotFound means no row carries the session id.
	ErrNotFound = errors.New("ledger: row not found")
	// ErrTerminalConflict means a different terminal state was already
	// asserted for the row.
	ErrTerminalConflict = errors.New("ledger: conflicting terminal state")
	// ErrUnavailable wraps database-level failures.
	ErrUnavailable = errors.New("ledger: unavailable")
)

// Transaction is one exchange buy session row.
type Transaction struct {
	ID            string
	ExchangeID    string
	ProjectID     string
	Asset         string
	Amount        string
	Recipient     string
	PayURL        string
	Status        Status
	FailureReason string
	TxHash        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastCheckedAt *time.Time
	CompletedAt   *time.Time
	LockedAt      *time.Time
}

// Validate checks the fields required at insert time.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if len(t.ID) > MaxIDLength {
		return fmt.Errorf("session id exceeds %d chars", MaxIDLength)
	}
	if t.ExchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}
	return nil
}
