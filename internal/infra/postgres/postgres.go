// Package postgres stores the pending and archive tables in PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/transitlab/ticketctl/internal/domain"
)

// Store implements domain.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects, pings and migrates the schema.
func Open(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrations returns the schema statements.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS pending_records (
			card_number     BIGINT PRIMARY KEY,
			passenger_name  TEXT NOT NULL,
			first_seen_at   TIMESTAMPTZ NOT NULL,
			card_type       TEXT NOT NULL,
			transaction_ids TEXT[] NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL,
			buses           TEXT[] NOT NULL DEFAULT '{}',
			trains          TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS archive_records (
			id              BIGSERIAL PRIMARY KEY,
			passenger_name  TEXT NOT NULL,
			archived_at     TEXT NOT NULL,
			card_number     BIGINT NOT NULL,
			card_type       TEXT NOT NULL,
			transaction_ids TEXT[] NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL,
			buses           TEXT[] NOT NULL DEFAULT '{}',
			trains          TEXT[] NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_card ON archive_records(card_number)`,
	}
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Pending Operations ─────────────────────────────────────────────────────

const pendingColumns = `card_number, passenger_name, first_seen_at, card_type, transaction_ids, status, buses, trains`

// GetPending retrieves the open record for a card.
func (s *Store) GetPending(ctx context.Context, cardNumber int64) (*domain.PendingRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_records WHERE card_number = $1`, cardNumber)
	rec, err := scanPending(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending %d: %w", cardNumber, err)
	}
	return rec, nil
}

// ListPending returns all open records ordered by first_seen_at.
func (s *Store) ListPending(ctx context.Context) ([]domain.PendingRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pendingColumns+` FROM pending_records ORDER BY first_seen_at, card_number`)
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

// PutPending upserts the record for rec.CardNumber. first_seen_at is never updated.
func (s *Store) PutPending(ctx context.Context, rec domain.PendingRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_records (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (card_number) DO UPDATE SET
			passenger_name  = EXCLUDED.passenger_name,
			card_type       = EXCLUDED.card_type,
			transaction_ids = EXCLUDED.transaction_ids,
			status          = EXCLUDED.status,
			buses           = EXCLUDED.buses,
			trains          = EXCLUDED.trains
	`, rec.CardNumber, rec.PassengerName, rec.FirstSeenAt, rec.CardType,
		nonNil(rec.TransactionIDs), string(rec.Status), nonNil(rec.Buses), nonNil(rec.Trains))
	if err != nil {
		return fmt.Errorf("put pending %d: %w", rec.CardNumber, err)
	}
	return nil
}

// DeletePending removes a card's record.
func (s *Store) DeletePending(ctx context.Context, cardNumber int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_records WHERE card_number = $1`, cardNumber); err != nil {
		return fmt.Errorf("delete pending %d: %w", cardNumber, err)
	}
	return nil
}

// ─── Archive Operations ─────────────────────────────────────────────────────

// AppendArchive inserts one archive row.
func (s *Store) AppendArchive(ctx context.Context, rec domain.ArchiveRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archive_records
			(passenger_name, archived_at, card_number, card_type, transaction_ids, status, buses, trains)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.PassengerName, rec.ArchivedAt, rec.CardNumber, rec.CardType,
		nonNil(rec.TransactionIDs), string(rec.Status), nonNil(rec.Buses), nonNil(rec.Trains))
	if err != nil {
		return fmt.Errorf("append archive %d: %w", rec.CardNumber, err)
	}
	return nil
}

// ListArchive returns archive rows in insert order. cardNumber 0 lists all.
func (s *Store) ListArchive(ctx context.Context, cardNumber int64) ([]domain.ArchiveRecord, error) {
	query := `SELECT passenger_name, archived_at, card_number, card_type, transaction_ids, status, buses, trains
		FROM archive_records`
	var args []any
	if cardNumber != 0 {
		query += ` WHERE card_number = $1`
		args = append(args, cardNumber)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchiveRecord
	for rows.Next() {
		var rec domain.ArchiveRecord
		var status string
		if err := rows.Scan(&rec.PassengerName, &rec.ArchivedAt, &rec.CardNumber, &rec.CardType,
			&rec.TransactionIDs, &status, &rec.Buses, &rec.Trains); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		rec.Status = domain.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPending(row pgx.Row) (*domain.PendingRecord, error) {
	var rec domain.PendingRecord
	var status string
	if err := row.Scan(&rec.CardNumber, &rec.PassengerName, &rec.FirstSeenAt, &rec.CardType,
		&rec.TransactionIDs, &status, &rec.Buses, &rec.Trains); err != nil {
		return nil, err
	}
	rec.Status = domain.Status(status)
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
