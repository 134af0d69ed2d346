// Package csvstore keeps the pending and archive tables as CSV files, one
// record per row under a header row, with repeated values comma-joined in a
// single cell. Files stay readable in any spreadsheet.
//
// The pending table is indexed in memory and rewritten whole on every
// change (temp file + rename), so a reader of the file never sees a torn
// table. The archive file is only ever appended to.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/transitlab/ticketctl/internal/domain"
)

const (
	PendingFile = "pending.csv"
	ArchiveFile = "archive.csv"
)

var (
	pendingHeader = []string{
		"passenger_name", "first_transaction_time", "card_number", "card_type",
		"transaction_ids", "status", "buses", "trains",
	}
	archiveHeader = []string{
		"passenger_name", "transaction_timestamps", "card_number", "card_type",
		"transaction_ids", "status", "buses", "trains",
	}
)

// Store implements domain.Store on top of two CSV files.
type Store struct {
	dir string

	mu      sync.RWMutex // guards pending, order, closed and the pending file
	pending map[int64]domain.PendingRecord
	order   []int64 // row order of the pending file
	closed  bool

	archiveMu sync.Mutex // single archive writer, taken after mu
}

// Open loads (or creates) the CSV tables inside dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{dir: dir, pending: make(map[int64]domain.PendingRecord)}

	if err := ensureFile(s.path(ArchiveFile), archiveHeader); err != nil {
		return nil, err
	}
	if err := ensureFile(s.path(PendingFile), pendingHeader); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close marks the store closed. Files are already flushed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Dir returns the directory holding the CSV files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// ─── Pending Operations ─────────────────────────────────────────────────────

// GetPending returns a copy of the open record for a card.
func (s *Store) GetPending(_ context.Context, cardNumber int64) (*domain.PendingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	rec, ok := s.pending[cardNumber]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := rec.Clone()
	return &c, nil
}

// ListPending returns copies of all open records in file order.
func (s *Store) ListPending(_ context.Context) ([]domain.PendingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	out := make([]domain.PendingRecord, 0, len(s.order))
	for _, card := range s.order {
		out = append(out, s.pending[card].Clone())
	}
	return out, nil
}

// PutPending inserts or replaces a record and flushes the table.
func (s *Store) PutPending(_ context.Context, rec domain.PendingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}

	prev, existed := s.pending[rec.CardNumber]
	s.pending[rec.CardNumber] = rec.Clone()
	if !existed {
		s.order = append(s.order, rec.CardNumber)
	}

	if err := s.flushLocked(); err != nil {
		// Keep memory consistent with the file on disk.
		if existed {
			s.pending[rec.CardNumber] = prev
		} else {
			delete(s.pending, rec.CardNumber)
			s.order = s.order[:len(s.order)-1]
		}
		return err
	}
	return nil
}

// DeletePending removes a card's record and flushes the table.
func (s *Store) DeletePending(_ context.Context, cardNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}

	prev, ok := s.pending[cardNumber]
	if !ok {
		return nil
	}
	idx := slices.Index(s.order, cardNumber)
	delete(s.pending, cardNumber)
	s.order = slices.Delete(s.order, idx, idx+1)

	if err := s.flushLocked(); err != nil {
		s.pending[cardNumber] = prev
		s.order = slices.Insert(s.order, idx, cardNumber)
		return err
	}
	return nil
}

// ─── Archive Operations ─────────────────────────────────────────────────────

// AppendArchive appends one row to the archive file.
func (s *Store) AppendArchive(_ context.Context, rec domain.ArchiveRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	s.archiveMu.Lock()
	defer s.archiveMu.Unlock()

	f, err := os.OpenFile(s.path(ArchiveFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(archiveRow(rec)); err != nil {
		f.Close()
		return fmt.Errorf("append archive %d: %w", rec.CardNumber, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("append archive %d: %w", rec.CardNumber, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	return f.Close()
}

// ListArchive reads the archive file. cardNumber 0 lists all rows.
func (s *Store) ListArchive(_ context.Context, cardNumber int64) ([]domain.ArchiveRecord, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, domain.ErrStoreClosed
	}
	s.archiveMu.Lock()
	rows, err := readRows(s.path(ArchiveFile))
	s.archiveMu.Unlock()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var out []domain.ArchiveRecord
	for i, row := range rows {
		rec, err := parseArchiveRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", ArchiveFile, i+2, err)
		}
		if cardNumber == 0 || rec.CardNumber == cardNumber {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ─── File Handling ──────────────────────────────────────────────────────────

func (s *Store) load() error {
	rows, err := readRows(s.path(PendingFile))
	if err != nil {
		return err
	}
	for i, row := range rows {
		rec, err := parsePendingRow(row)
		if err != nil {
			return fmt.Errorf("%s row %d: %w", PendingFile, i+2, err)
		}
		if _, dup := s.pending[rec.CardNumber]; dup {
			// Later rows win, matching the last write to the file.
			s.pending[rec.CardNumber] = rec
			continue
		}
		s.pending[rec.CardNumber] = rec
		s.order = append(s.order, rec.CardNumber)
	}
	return nil
}

func (s *Store) flushLocked() error {
	tmp, err := os.CreateTemp(s.dir, PendingFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("flush pending: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Write(pendingHeader)
	for _, card := range s.order {
		w.Write(pendingRow(s.pending[card]))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush pending: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush pending: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush pending: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(PendingFile)); err != nil {
		return fmt.Errorf("flush pending: %w", err)
	}
	return nil
}

func ensureFile(path string, header []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	w.Write(header)
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write header %s: %w", path, err)
	}
	return f.Close()
}

// readRows returns every data row, skipping the header.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(pendingHeader)
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// ─── Row Codec ──────────────────────────────────────────────────────────────

func pendingRow(rec domain.PendingRecord) []string {
	return []string{
		rec.PassengerName,
		formatUnix(rec.FirstSeenAt),
		strconv.FormatInt(rec.CardNumber, 10),
		rec.CardType,
		domain.JoinCell(rec.TransactionIDs),
		string(rec.Status),
		domain.JoinCell(rec.Buses),
		domain.JoinCell(rec.Trains),
	}
}

func parsePendingRow(row []string) (domain.PendingRecord, error) {
	firstSeen, err := parseUnix(row[1])
	if err != nil {
		return domain.PendingRecord{}, fmt.Errorf("first_transaction_time %q: %w", row[1], err)
	}
	card, err := strconv.ParseInt(row[2], 10, 64)
	if err != nil {
		return domain.PendingRecord{}, fmt.Errorf("card_number %q: %w", row[2], err)
	}
	return domain.PendingRecord{
		PassengerName:  row[0],
		FirstSeenAt:    firstSeen,
		CardNumber:     card,
		CardType:       row[3],
		TransactionIDs: domain.SplitCell(row[4]),
		Status:         domain.Status(row[5]),
		Buses:          domain.SplitCell(row[6]),
		Trains:         domain.SplitCell(row[7]),
	}, nil
}

func archiveRow(rec domain.ArchiveRecord) []string {
	return []string{
		rec.PassengerName,
		rec.ArchivedAt,
		strconv.FormatInt(rec.CardNumber, 10),
		rec.CardType,
		domain.JoinCell(rec.TransactionIDs),
		string(rec.Status),
		domain.JoinCell(rec.Buses),
		domain.JoinCell(rec.Trains),
	}
}

func parseArchiveRow(row []string) (domain.ArchiveRecord, error) {
	card, err := strconv.ParseInt(row[2], 10, 64)
	if err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("card_number %q: %w", row[2], err)
	}
	return domain.ArchiveRecord{
		PassengerName:  row[0],
		ArchivedAt:     row[1],
		CardNumber:     card,
		CardType:       row[3],
		TransactionIDs: domain.SplitCell(row[4]),
		Status:         domain.Status(row[5]),
		Buses:          domain.SplitCell(row[6]),
		Trains:         domain.SplitCell(row[7]),
	}, nil
}

// formatUnix writes whole Unix seconds, adding a fractional part only when t
// has one, so files from second-resolution writers keep their layout.
func formatUnix(t time.Time) string {
	sec := strconv.FormatInt(t.Unix(), 10)
	nsec := t.Nanosecond()
	if nsec == 0 {
		return sec
	}
	frac := strings.TrimRight(fmt.Sprintf("%09d", nsec), "0")
	return sec + "." + frac
}

func parseUnix(cell string) (time.Time, error) {
	secPart, fracPart, hasFrac := strings.Cut(cell, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if !hasFrac {
		return time.Unix(sec, 0), nil
	}
	if fracPart == "" || len(fracPart) > 9 {
		return time.Time{}, fmt.Errorf("bad fractional seconds %q", fracPart)
	}
	nsec, err := strconv.ParseInt(fracPart+strings.Repeat("0", 9-len(fracPart)), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, nsec), nil
}
