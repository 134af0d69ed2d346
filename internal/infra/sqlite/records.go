package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/transitlab/ticketctl/internal/domain"
)

// ─── Pending Operations ─────────────────────────────────────────────────────

// timeLayout is fixed width so first_seen_at sorts as text in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const pendingColumns = `card_number, passenger_name, first_seen_at, card_type, transaction_ids, status, buses, trains`

// GetPending returns the open record for a card, or domain.ErrNotFound.
func (db *DB) GetPending(ctx context.Context, cardNumber int64) (*domain.PendingRecord, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_records WHERE card_number = ?`, cardNumber)
	rec, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending %d: %w", cardNumber, err)
	}
	return rec, nil
}

// ListPending returns every open record ordered by first_seen_at.
func (db *DB) ListPending(ctx context.Context) ([]domain.PendingRecord, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_records ORDER BY first_seen_at, card_number`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingRecord
	for rows.Next() {
		rec, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// PutPending inserts or replaces the record for rec.CardNumber.
func (db *DB) PutPending(ctx context.Context, rec domain.PendingRecord) error {
	ids, buses, trains, err := encodeSequences(rec.TransactionIDs, rec.Buses, rec.Trains)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO pending_records (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_number) DO UPDATE SET
			passenger_name  = excluded.passenger_name,
			card_type       = excluded.card_type,
			transaction_ids = excluded.transaction_ids,
			status          = excluded.status,
			buses           = excluded.buses,
			trains          = excluded.trains
	`, rec.CardNumber, rec.PassengerName, rec.FirstSeenAt.UTC().Format(timeLayout),
		rec.CardType, ids, string(rec.Status), buses, trains)
	if err != nil {
		return fmt.Errorf("put pending %d: %w", rec.CardNumber, err)
	}
	return nil
}

// DeletePending removes the record for a card. Deleting a missing card is a no-op.
func (db *DB) DeletePending(ctx context.Context, cardNumber int64) error {
	if _, err := db.db.ExecContext(ctx, `DELETE FROM pending_records WHERE card_number = ?`, cardNumber); err != nil {
		return fmt.Errorf("delete pending %d: %w", cardNumber, err)
	}
	return nil
}

// ─── Archive Operations ─────────────────────────────────────────────────────

// AppendArchive adds rec to the archive log.
func (db *DB) AppendArchive(ctx context.Context, rec domain.ArchiveRecord) error {
	ids, buses, trains, err := encodeSequences(rec.TransactionIDs, rec.Buses, rec.Trains)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO archive_records
			(passenger_name, archived_at, card_number, card_type, transaction_ids, status, buses, trains)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.PassengerName, rec.ArchivedAt, rec.CardNumber, rec.CardType, ids, string(rec.Status), buses, trains)
	if err != nil {
		return fmt.Errorf("append archive %d: %w", rec.CardNumber, err)
	}
	return nil
}

// ListArchive returns archived records in append order. cardNumber 0 lists all.
func (db *DB) ListArchive(ctx context.Context, cardNumber int64) ([]domain.ArchiveRecord, error) {
	query := `SELECT passenger_name, archived_at, card_number, card_type, transaction_ids, status, buses, trains
		FROM archive_records`
	var args []any
	if cardNumber != 0 {
		query += ` WHERE card_number = ?`
		args = append(args, cardNumber)
	}
	query += ` ORDER BY id`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchiveRecord
	for rows.Next() {
		var rec domain.ArchiveRecord
		var ids, buses, trains, status string
		if err := rows.Scan(&rec.PassengerName, &rec.ArchivedAt, &rec.CardNumber, &rec.CardType,
			&ids, &status, &buses, &trains); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		rec.Status = domain.Status(status)
		if err := decodeSequences(ids, buses, trains, &rec.TransactionIDs, &rec.Buses, &rec.Trains); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(s scanner) (*domain.PendingRecord, error) {
	var rec domain.PendingRecord
	var firstSeen, ids, status, buses, trains string
	if err := s.Scan(&rec.CardNumber, &rec.PassengerName, &firstSeen, &rec.CardType,
		&ids, &status, &buses, &trains); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, firstSeen)
	if err != nil {
		return nil, fmt.Errorf("parse first_seen_at %q: %w", firstSeen, err)
	}
	rec.FirstSeenAt = t
	rec.Status = domain.Status(status)
	if err := decodeSequences(ids, buses, trains, &rec.TransactionIDs, &rec.Buses, &rec.Trains); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeSequences(seqs ...[]string) (string, string, string, error) {
	var out [3]string
	for i, s := range seqs {
		if s == nil {
			s = []string{}
		}
		b, err := json.Marshal(s)
		if err != nil {
			return "", "", "", fmt.Errorf("encode sequence: %w", err)
		}
		out[i] = string(b)
	}
	return out[0], out[1], out[2], nil
}

func decodeSequences(ids, buses, trains string, dst ...*[]string) error {
	for i, raw := range []string{ids, buses, trains} {
		if err := json.Unmarshal([]byte(raw), dst[i]); err != nil {
			return fmt.Errorf("decode sequence: %w", err)
		}
	}
	return nil
}
