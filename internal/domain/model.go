// Package domain contains pure business types with ZERO infrastructure imports.
// It describes the two record shapes of the ticket control service and the
// single rule that promotes one into the other.
package domain

import (
	"slices"
	"strings"
	"time"
)

// ─── Timing Constants ───────────────────────────────────────────────────────

const (
	// ObservationWindow is how long a pending record collects transactions,
	// measured from its first_seen_at, before it is archived.
	ObservationWindow = 60 * time.Second

	// DebounceDelay is the deferred-write delay between accepting a
	// transaction and its first visible write to the pending store.
	DebounceDelay = 10 * time.Second

	// TickInterval is the polling granularity of a window timer.
	TickInterval = time.Second

	// ArchivedAtLayout formats ArchiveRecord.ArchivedAt.
	ArchivedAtLayout = "2006-01-02 15:04:05"
)

// ─── Status ─────────────────────────────────────────────────────────────────

// Status is the validity outcome attached to a record.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFail
}

// ─── Transaction Event ──────────────────────────────────────────────────────

// TransactionEvent is a single ride reported by a validator.
type TransactionEvent struct {
	PassengerName        string `json:"passenger_name"`
	TransactionTimestamp string `json:"transaction_timestamp"`
	CardNumber           int64  `json:"card_number"`
	CardType             string `json:"card_type"`
	TransactionID        string `json:"transaction_id"`
	Buses                string `json:"buses"`
	Trains               string `json:"trains"`
}

// Validate checks the fields the merger relies on.
func (e TransactionEvent) Validate() error {
	switch {
	case e.CardNumber <= 0:
		return invalid("card_number must be a positive integer")
	case strings.TrimSpace(e.PassengerName) == "":
		return invalid("passenger_name is required")
	case strings.TrimSpace(e.CardType) == "":
		return invalid("card_type is required")
	case strings.TrimSpace(e.TransactionID) == "":
		return invalid("transaction_id is required")
	}
	return nil
}

// Receipt acknowledges an accepted transaction before it is processed.
type Receipt struct {
	ID         string    `json:"receipt_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// ─── Pending Record ─────────────────────────────────────────────────────────

// PendingRecord aggregates the transactions of one card inside its window.
// At most one exists per CardNumber.
type PendingRecord struct {
	PassengerName  string    `json:"passenger_name"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	CardNumber     int64     `json:"card_number"`
	CardType       string    `json:"card_type"`
	TransactionIDs []string  `json:"transaction_ids"`
	Status         Status    `json:"status"`
	Buses          []string  `json:"buses"`
	Trains         []string  `json:"trains"`
}

// NewPendingRecord builds the record created by the first transaction of a card.
func NewPendingRecord(ev TransactionEvent, firstSeen time.Time, status Status) PendingRecord {
	return PendingRecord{
		PassengerName:  ev.PassengerName,
		FirstSeenAt:    firstSeen,
		CardNumber:     ev.CardNumber,
		CardType:       ev.CardType,
		TransactionIDs: []string{ev.TransactionID},
		Status:         status,
		Buses:          []string{ev.Buses},
		Trains:         []string{ev.Trains},
	}
}

// Merge folds a later transaction for the same card into r.
// PassengerName and FirstSeenAt are kept; CardType is last-write-wins.
func (r *PendingRecord) Merge(ev TransactionEvent, status Status) {
	r.TransactionIDs = append(r.TransactionIDs, ev.TransactionID)
	r.Buses = append(r.Buses, ev.Buses)
	r.Trains = append(r.Trains, ev.Trains)
	r.CardType = ev.CardType
	r.Status = status
}

// HasTransaction reports whether id was already merged into r.
func (r PendingRecord) HasTransaction(id string) bool {
	return slices.Contains(r.TransactionIDs, id)
}

// Due reports whether the window starting at FirstSeenAt has elapsed by now.
func (r PendingRecord) Due(now time.Time, window time.Duration) bool {
	return now.Sub(r.FirstSeenAt) >= window
}

// TimeLeft returns the remaining window at now, clamped at zero.
func (r PendingRecord) TimeLeft(now time.Time, window time.Duration) time.Duration {
	left := window - now.Sub(r.FirstSeenAt)
	if left < 0 {
		return 0
	}
	return left
}

// Clone returns a deep copy so callers never share slices with a store.
func (r PendingRecord) Clone() PendingRecord {
	r.TransactionIDs = slices.Clone(r.TransactionIDs)
	r.Buses = slices.Clone(r.Buses)
	r.Trains = slices.Clone(r.Trains)
	return r
}

// Archive snapshots r into the record appended to the archive.
// ArchivedAt is rendered from FirstSeenAt in loc (time.Local when nil).
func (r PendingRecord) Archive(loc *time.Location) ArchiveRecord {
	if loc == nil {
		loc = time.Local
	}
	c := r.Clone()
	return ArchiveRecord{
		PassengerName:  c.PassengerName,
		ArchivedAt:     c.FirstSeenAt.In(loc).Format(ArchivedAtLayout),
		CardNumber:     c.CardNumber,
		CardType:       c.CardType,
		TransactionIDs: c.TransactionIDs,
		Status:         c.Status,
		Buses:          c.Buses,
		Trains:         c.Trains,
	}
}

// ─── Archive Record ─────────────────────────────────────────────────────────

// ArchiveRecord is an immutable, append-only snapshot of a completed window.
type ArchiveRecord struct {
	PassengerName  string   `json:"passenger_name"`
	ArchivedAt     string   `json:"archived_at"`
	CardNumber     int64    `json:"card_number"`
	CardType       string   `json:"card_type"`
	TransactionIDs []string `json:"transaction_ids"`
	Status         Status   `json:"status"`
	Buses          []string `json:"buses"`
	Trains         []string `json:"trains"`
}

// ─── Status View ────────────────────────────────────────────────────────────

// StatusView is what ticket control sees for a card with an open window.
type StatusView struct {
	PassengerName  string   `json:"passenger_name"`
	CardNumber     int64    `json:"card_number"`
	CardType       string   `json:"card_type"`
	Status         Status   `json:"status"`
	TransactionIDs []string `json:"transaction_ids"`
	Buses          []string `json:"buses"`
	Trains         []string `json:"trains"`
	TimeLeft       int      `json:"time_left"` // whole seconds
}

// View renders r as of now for a window of the given length.
func (r PendingRecord) View(now time.Time, window time.Duration) StatusView {
	c := r.Clone()
	return StatusView{
		PassengerName:  c.PassengerName,
		CardNumber:     c.CardNumber,
		CardType:       c.CardType,
		Status:         c.Status,
		TransactionIDs: c.TransactionIDs,
		Buses:          c.Buses,
		Trains:         c.Trains,
		TimeLeft:       int(r.TimeLeft(now, window) / time.Second),
	}
}

// ─── Sequence Cells ─────────────────────────────────────────────────────────

// JoinCell renders a sequence into one comma-joined tabular cell. Commas
// and backslashes inside a value are escaped with a backslash, so SplitCell
// restores the exact sequence.
func JoinCell(values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = cellEscaper.Replace(v)
	}
	return strings.Join(escaped, cellSeparator)
}

// SplitCell parses a cell written by JoinCell. A hand-edited cell joined
// with a bare "," also splits.
func SplitCell(cell string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(cell); i++ {
		switch c := cell[i]; {
		case c == '\\' && i+1 < len(cell):
			i++
			cur.WriteByte(cell[i])
		case c == ',':
			parts = append(parts, cur.String())
			cur.Reset()
			// One space belongs to the separator.
			if i+1 < len(cell) && cell[i+1] == ' ' {
				i++
			}
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}

const cellSeparator = ", "

var cellEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`)
