package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// Infrastructure implements these; the application layer depends on them.

// PendingStore holds at most one in-progress record per card.
type PendingStore interface {
	// GetPending returns ErrNotFound when the card has no open window.
	GetPending(ctx context.Context, cardNumber int64) (*PendingRecord, error)
	ListPending(ctx context.Context) ([]PendingRecord, error)
	// PutPending inserts rec or replaces the record with the same card.
	PutPending(ctx context.Context, rec PendingRecord) error
	DeletePending(ctx context.Context, cardNumber int64) error
}

// ArchiveStore is an append-only log of completed windows.
type ArchiveStore interface {
	AppendArchive(ctx context.Context, rec ArchiveRecord) error
	// ListArchive returns records in append order; cardNumber 0 means all.
	ListArchive(ctx context.Context, cardNumber int64) ([]ArchiveRecord, error)
}

// Store is the full persistence contract, opened once per process.
type Store interface {
	PendingStore
	ArchiveStore
	Close() error
}

// StatusOracle decides the validity status of a merged transaction.
type StatusOracle interface {
	Check(ctx context.Context, ev TransactionEvent) Status
}

// ArchiveNotifier is told about every record that reaches the archive.
type ArchiveNotifier interface {
	NotifyArchived(ctx context.Context, rec ArchiveRecord) error
}
