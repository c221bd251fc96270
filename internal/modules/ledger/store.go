// Package ledger provides the append-only audit history of terminal rotation
// cycles and trades. It lives in ledger.db; rows are never updated or deleted,
// and corrections are appended as new entries referencing the entry they
// supersede.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/rotation/internal/database"
	"github.com/aristath/rotation/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind is the subject type of a ledger entry.
type Kind string

const (
	KindCycle Kind = "cycle"
	KindTrade Kind = "trade"
)

// Entry is one row of the audit history with its decoded snapshot.
// Exactly one of Cycle and Trade is set, matching Kind.
type Entry struct {
	SubjectCreatedAt time.Time             `json:"subject_created_at"`
	RecordedAt       time.Time             `json:"recorded_at"`
	CorrectsEntryID  *string               `json:"corrects_entry_id,omitempty"`
	Cycle            *domain.RotationCycle `json:"cycle,omitempty"`
	Trade            *domain.RotationTrade `json:"trade,omitempty"`
	Value            decimal.Decimal       `json:"value"`
	EntryID          string                `json:"entry_id"`
	Kind             Kind                  `json:"kind"`
	SubjectID        string                `json:"subject_id"`
	UserID           string                `json:"user_id"`
	Status           string                `json:"status"`
	Note             string                `json:"note,omitempty"`
}

// Correction overrides fields of an entry's snapshot. Nil fields keep the
// corrected entry's value. Note is required.
type Correction struct {
	Status        *string          `json:"status"`
	Value         *decimal.Decimal `json:"value"`
	FailureReason *string          `json:"failure_reason"`
	Note          string           `json:"note"`
}

// Store handles the rotation_history table
type Store struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

const entryColumns = `entry_id, kind, subject_id, user_id, status, value, subject_created_at,
	recorded_at, corrects_entry_id, note, snapshot`

// NewStore creates a new ledger store
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		now: time.Now,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// RecordCycle appends the original entry of a terminal cycle.
// Recording the same cycle again is a no-op.
func (s *Store) RecordCycle(ctx context.Context, cycle *domain.RotationCycle) error {
	if !cycle.Status.IsTerminal() {
		return &domain.InvalidStateError{
			Entity: "cycle", ID: cycle.ID, Operation: "record", Current: string(cycle.Status),
			Expected: []string{"completed", "cancelled", "failed"},
		}
	}

	snapshot, err := encodeCycle(cycle)
	if err != nil {
		return fmt.Errorf("failed to encode cycle %s: %w", cycle.ID, err)
	}
	return s.appendOriginal(ctx, KindCycle, cycle.ID, cycle.UserID, string(cycle.Status),
		cycle.TotalValue, cycle.CreatedAt, snapshot)
}

// RecordTrade appends the original entry of a terminal trade.
// Recording the same trade again is a no-op.
func (s *Store) RecordTrade(ctx context.Context, trade *domain.RotationTrade) error {
	if !trade.Status.IsTerminal() {
		return &domain.InvalidStateError{
			Entity: "trade", ID: trade.ID, Operation: "record", Current: string(trade.Status),
			Expected: []string{"executed", "cancelled", "failed"},
		}
	}

	snapshot, err := encodeTrade(trade)
	if err != nil {
		return fmt.Errorf("failed to encode trade %s: %w", trade.ID, err)
	}
	return s.appendOriginal(ctx, KindTrade, trade.ID, trade.UserID, string(trade.Status),
		tradeValue(trade), trade.CreatedAt, snapshot)
}

func (s *Store) appendOriginal(
	ctx context.Context,
	kind Kind,
	subjectID, userID, status string,
	value decimal.Decimal,
	createdAt time.Time,
	snapshot []byte,
) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rotation_history (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?)
	`,
		uuid.New().String(),
		string(kind),
		subjectID,
		userID,
		status,
		value.String(),
		database.ToMillis(createdAt),
		database.ToMillis(s.now()),
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s %s: %w", kind, subjectID, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		s.log.Debug().Str("kind", string(kind)).Str("subject_id", subjectID).Msg("Already recorded")
		return nil
	}

	s.log.Debug().
		Str("kind", string(kind)).
		Str("subject_id", subjectID).
		Str("status", status).
		Msg("Recorded in ledger")
	return nil
}

// Get returns an entry by id
func (s *Store) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM rotation_history WHERE entry_id = ?", entryID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s: %w", entryID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry %s: %w", entryID, err)
	}
	return entry, nil
}

// Effective returns the latest entry of a subject's correction chain.
func (s *Store) Effective(ctx context.Context, kind Kind, subjectID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE chain(entry_id, depth) AS (
			SELECT entry_id, 0 FROM rotation_history
			WHERE kind = ? AND subject_id = ? AND corrects_entry_id IS NULL
			UNION ALL
			SELECT h.entry_id, c.depth + 1 FROM rotation_history h
			JOIN chain c ON h.corrects_entry_id = c.entry_id
		)
		SELECT `+entryColumns+` FROM rotation_history
		WHERE entry_id = (SELECT entry_id FROM chain ORDER BY depth DESC LIMIT 1)
	`, string(kind), subjectID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s in ledger: %w", kind, subjectID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get effective entry for %s %s: %w", kind, subjectID, err)
	}
	return entry, nil
}

// Correct appends a correction of entryID. Only the effective entry of a chain
// can be corrected; correcting a superseded entry returns InvalidStateError.
func (s *Store) Correct(ctx context.Context, entryID string, correction Correction) (*Entry, error) {
	if strings.TrimSpace(correction.Note) == "" {
		return nil, fmt.Errorf("%w: a correction needs a note", domain.ErrInvalidInput)
	}

	original, err := s.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	var (
		status   string
		value    decimal.Decimal
		snapshot []byte
	)
	switch original.Kind {
	case KindCycle:
		cycle, err := applyCycleCorrection(*original.Cycle, correction)
		if err != nil {
			return nil, err
		}
		status, value = string(cycle.Status), cycle.TotalValue
		snapshot, err = encodeCycle(&cycle)
		if err != nil {
			return nil, fmt.Errorf("failed to encode corrected cycle: %w", err)
		}
	case KindTrade:
		trade, err := applyTradeCorrection(*original.Trade, correction)
		if err != nil {
			return nil, err
		}
		status, value = string(trade.Status), tradeValue(&trade)
		snapshot, err = encodeTrade(&trade)
		if err != nil {
			return nil, fmt.Errorf("failed to encode corrected trade: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown ledger entry kind %q", original.Kind)
	}

	newID := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rotation_history (`+entryColumns+`)
		SELECT ?, kind, subject_id, user_id, ?, ?, subject_created_at, ?, entry_id, ?, ?
		FROM rotation_history
		WHERE entry_id = ?
			AND NOT EXISTS (SELECT 1 FROM rotation_history WHERE corrects_entry_id = ?)
	`,
		newID,
		status,
		value.String(),
		database.ToMillis(s.now()),
		correction.Note,
		snapshot,
		entryID,
		entryID,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return nil, supersededError(entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to append correction of %s: %w", entryID, err)
	}

	corrected, err := s.Get(ctx, newID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, supersededError(entryID)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("entry_id", newID).
		Str("corrects", entryID).
		Str("subject_id", corrected.SubjectID).
		Str("note", correction.Note).
		Msg("Ledger entry corrected")

	return corrected, nil
}

// ListCycles returns the effective cycle entries of a user, newest first
func (s *Store) ListCycles(ctx context.Context, userID string, page domain.PageParams) ([]domain.RotationCycle, error) {
	entries, err := s.listEffective(ctx, KindCycle, userID, page)
	if err != nil {
		return nil, err
	}
	cycles := make([]domain.RotationCycle, 0, len(entries))
	for _, entry := range entries {
		cycles = append(cycles, *entry.Cycle)
	}
	return cycles, nil
}

// ListTrades returns the effective trade entries of a user, newest first
func (s *Store) ListTrades(ctx context.Context, userID string, page domain.PageParams) ([]domain.RotationTrade, error) {
	entries, err := s.listEffective(ctx, KindTrade, userID, page)
	if err != nil {
		return nil, err
	}
	trades := make([]domain.RotationTrade, 0, len(entries))
	for _, entry := range entries {
		trades = append(trades, *entry.Trade)
	}
	return trades, nil
}

func (s *Store) listEffective(ctx context.Context, kind Kind, userID string, page domain.PageParams) ([]Entry, error) {
	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM rotation_history h
		WHERE kind = ? AND user_id = ?
			AND NOT EXISTS (SELECT 1 FROM rotation_history n WHERE n.corrects_entry_id = h.entry_id)
		ORDER BY subject_created_at DESC, subject_id
		LIMIT ? OFFSET ?
	`, string(kind), userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", kind, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s entry: %w", kind, err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s entries: %w", kind, err)
	}
	return entries, nil
}

func applyCycleCorrection(cycle domain.RotationCycle, correction Correction) (domain.RotationCycle, error) {
	if correction.FailureReason != nil {
		return cycle, fmt.Errorf("%w: cycles have no failure reason", domain.ErrInvalidInput)
	}
	if correction.Status != nil {
		status, err := domain.CycleStatusFromString(*correction.Status)
		if err != nil || !status.IsTerminal() {
			return cycle, fmt.Errorf("%w: %q is not a terminal cycle status", domain.ErrInvalidInput, *correction.Status)
		}
		cycle.Status = status
	}
	if correction.Value != nil {
		cycle.TotalValue = *correction.Value
	}
	return cycle, nil
}

func applyTradeCorrection(trade domain.RotationTrade, correction Correction) (domain.RotationTrade, error) {
	if correction.Status != nil {
		status, err := domain.TradeStatusFromString(*correction.Status)
		if err != nil || !status.IsTerminal() {
			return trade, fmt.Errorf("%w: %q is not a terminal trade status", domain.ErrInvalidInput, *correction.Status)
		}
		trade.Status = status
	}
	if correction.FailureReason != nil {
		trade.FailureReason = domain.FailureReason(*correction.FailureReason)
	}
	if correction.Value != nil {
		trade.ActualValue = decimal.NewNullDecimal(*correction.Value)
	}

	// actual value is present exactly when the trade executed
	if trade.Status == domain.TradeStatusExecuted {
		if !trade.ActualValue.Valid {
			return trade, fmt.Errorf("%w: an executed trade needs a value", domain.ErrInvalidInput)
		}
		trade.FailureReason = ""
	} else {
		if correction.Value != nil {
			return trade, fmt.Errorf("%w: only executed trades carry a value", domain.ErrInvalidInput)
		}
		trade.ActualValue = decimal.NullDecimal{}
	}
	return trade, nil
}

// tradeValue is the executed value of a trade, or its estimate when it did not execute.
func tradeValue(trade *domain.RotationTrade) decimal.Decimal {
	if trade.ActualValue.Valid {
		return trade.ActualValue.Decimal
	}
	return trade.EstimatedValue
}

func supersededError(entryID string) error {
	return &domain.InvalidStateError{
		Entity: "ledger entry", ID: entryID, Operation: "correct", Current: "superseded",
		Expected: []string{"effective"},
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry                     Entry
		kind, value               string
		createdAtMs, recordedAtMs int64
		corrects                  sql.NullString
		snapshot                  []byte
	)
	err := row.Scan(
		&entry.EntryID,
		&kind,
		&entry.SubjectID,
		&entry.UserID,
		&entry.Status,
		&value,
		&createdAtMs,
		&recordedAtMs,
		&corrects,
		&entry.Note,
		&snapshot,
	)
	if err != nil {
		return nil, err
	}

	entry.Kind = Kind(kind)
	entry.SubjectCreatedAt = database.FromMillis(createdAtMs)
	entry.RecordedAt = database.FromMillis(recordedAtMs)
	if corrects.Valid {
		id := corrects.String
		entry.CorrectsEntryID = &id
	}
	if entry.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("invalid value on entry %s: %w", entry.EntryID, err)
	}

	switch entry.Kind {
	case KindCycle:
		entry.Cycle, err = decodeCycle(snapshot)
	case KindTrade:
		entry.Trade, err = decodeTrade(snapshot)
	default:
		err = fmt.Errorf("unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", entry.EntryID, err)
	}
	return &entry, nil
}
