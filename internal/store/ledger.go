package store

import (
	"context"
	"fmt"
	"time"
)

// Ledger is the processed-message ledger: a durable set of fingerprints
// that have already produced a ticket. Its rows outlive the tickets they
// gated; deleting a ticket never unmarks its message.
type Ledger struct {
	store *Store
	now   func() time.Time
}

// NewLedger returns a ledger over an open database.
func NewLedger(s *Store) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// IsProcessed reports whether a fingerprint is already in the ledger.
func (l *Ledger) IsProcessed(ctx context.Context, fingerprint string) (bool, error) {
	var count int
	query := l.store.rebind("SELECT COUNT(*) FROM processed_messages WHERE fingerprint = ?")
	if err := l.store.db.GetContext(ctx, &count, query, fingerprint); err != nil {
		return false, fmt.Errorf("store: ledger lookup %s: %w", fingerprint, err)
	}
	return count > 0, nil
}

// MarkProcessed records a fingerprint. Inserting one that is already
// present is a success: the ledger is an idempotent set.
func (l *Ledger) MarkProcessed(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("store: ledger mark: empty fingerprint")
	}
	query := l.store.rebind("INSERT INTO processed_messages (fingerprint, processed_at) VALUES (?, ?)")
	if _, err := l.store.db.ExecContext(ctx, query, fingerprint, l.now().UTC()); err != nil {
		if isUniqueViolation(err, "fingerprint") {
			return nil
		}
		return fmt.Errorf("store: ledger mark %s: %w", fingerprint, err)
	}
	return nil
}
