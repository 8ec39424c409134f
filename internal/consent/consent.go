// Package consent records which subjects have withdrawn consent to outreach.
// A withdrawn subject receives no follow-ups; the check happens at scheduling
// time and again at send time.
package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"crisiswatch/internal/database"
)

// Registry answers and records consent decisions
type Registry interface {
	IsWithdrawn(ctx context.Context, subjectID string) (bool, error)
	Withdraw(ctx context.Context, subjectID, actor, reason string) error
	Grant(ctx context.Context, subjectID, actor string) error
}

// Event actions recorded in consent_events
const (
	ActionWithdraw = "withdraw"
	ActionGrant    = "grant"
)

// SQLRegistry stores consent in the consent_withdrawals table
type SQLRegistry struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLRegistry creates a registry on an initialized database
func NewSQLRegistry(db *database.DB) *SQLRegistry {
	return &SQLRegistry{db: db, now: time.Now}
}

// IsWithdrawn reports whether subjectID has withdrawn consent
func (r *SQLRegistry) IsWithdrawn(ctx context.Context, subjectID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM consent_withdrawals WHERE subject_id = ?`, subjectID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consent lookup for %s: %w", subjectID, err)
	}
	return true, nil
}

// Withdraw records a withdrawal. Withdrawing twice keeps the first record.
func (r *SQLRegistry) Withdraw(ctx context.Context, subjectID, actor, reason string) error {
	now := r.now().UnixMilli()

	return r.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM consent_withdrawals WHERE subject_id = ?`, subjectID,
		).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO consent_withdrawals (subject_id, withdrawn_at, actor, reason) VALUES (?, ?, ?, ?)`,
				subjectID, now, actor, reason,
			); err != nil {
				return fmt.Errorf("insert withdrawal: %w", err)
			}
		case err != nil:
			return fmt.Errorf("check withdrawal: %w", err)
		}

		return r.recordEvent(ctx, tx, subjectID, ActionWithdraw, actor, reason, now)
	})
}

// Grant clears a withdrawal
func (r *SQLRegistry) Grant(ctx context.Context, subjectID, actor string) error {
	now := r.now().UnixMilli()

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM consent_withdrawals WHERE subject_id = ?`, subjectID,
		); err != nil {
			return fmt.Errorf("delete withdrawal: %w", err)
		}
		return r.recordEvent(ctx, tx, subjectID, ActionGrant, actor, "", now)
	})
}

// Event is one row of the consent audit trail
type Event struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subjectId"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// History returns the consent audit trail for subjectID, oldest first
func (r *SQLRegistry) History(ctx context.Context, subjectID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subject_id, action, actor, reason, occurred_at
		 FROM consent_events WHERE subject_id = ? ORDER BY occurred_at ASC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("consent history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e  Event
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Action, &e.Actor, &e.Reason, &ms); err != nil {
			return nil, fmt.Errorf("scan consent event: %w", err)
		}
		e.OccurredAt = time.UnixMilli(ms).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *SQLRegistry) recordEvent(ctx context.Context, tx *sql.Tx, subjectID, action, actor, reason string, at int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO consent_events (id, subject_id, action, actor, reason, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), subjectID, action, actor, reason, at,
	); err != nil {
		return fmt.Errorf("record consent event: %w", err)
	}
	return nil
}

func (r *SQLRegistry) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consent tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("⚠️ [CONSENT] Rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// MemoryRegistry keeps consent in process memory. Used when no database is configured.
type MemoryRegistry struct {
	mu        sync.RWMutex
	withdrawn map[string]time.Time
	// Err, when set, is returned from every lookup
	Err error
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{withdrawn: make(map[string]time.Time)}
}

// IsWithdrawn implements Registry
func (m *MemoryRegistry) IsWithdrawn(ctx context.Context, subjectID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return false, m.Err
	}
	_, ok := m.withdrawn[subjectID]
	return ok, nil
}

// Withdraw implements Registry
func (m *MemoryRegistry) Withdraw(ctx context.Context, subjectID, actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawn[subjectID]; !ok {
		m.withdrawn[subjectID] = time.Now()
	}
	return nil
}

// Grant implements Registry
func (m *MemoryRegistry) Grant(ctx context.Context, subjectID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.withdrawn, subjectID)
	return nil
}
