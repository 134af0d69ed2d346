package window

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transitlab/ticketctl/internal/domain"
	"github.com/transitlab/ticketctl/internal/infra/dsa"
	"github.com/transitlab/ticketctl/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() Config {
	return Config{
		Window:   150 * time.Millisecond,
		Tick:     10 * time.Millisecond,
		Location: time.UTC,
	}
}

func newTestScheduler(t *testing.T, store domain.Store, notifier domain.ArchiveNotifier) *Scheduler {
	t.Helper()
	s := New(testConfig(), store, dsa.NewKeyMutex(), notifier)
	t.Cleanup(s.Stop)
	return s
}

func putRecord(t *testing.T, store domain.Store, card int64, firstSeen time.Time) domain.PendingRecord {
	t.Helper()
	rec := domain.PendingRecord{
		PassengerName:  "Nino",
		FirstSeenAt:    firstSeen,
		CardNumber:     card,
		CardType:       "student",
		TransactionIDs: []string{"T1"},
		Status:         domain.StatusSuccess,
		Buses:          []string{"12"},
		Trains:         []string{""},
	}
	if err := store.PutPending(context.Background(), rec); err != nil {
		t.Fatalf("PutPending() error: %v", err)
	}
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pendingGone(store domain.Store, card int64) func() bool {
	return func() bool {
		_, err := store.GetPending(context.Background(), card)
		return errors.Is(err, domain.ErrNotFound)
	}
}

// flakyStore fails the first N appends and deletes.
type flakyStore struct {
	domain.Store
	appendFailures atomic.Int32
	deleteFailures atomic.Int32
}

func (f *flakyStore) AppendArchive(ctx context.Context, rec domain.ArchiveRecord) error {
	if f.appendFailures.Add(-1) >= 0 {
		return errors.New("archive locked")
	}
	return f.Store.AppendArchive(ctx, rec)
}

func (f *flakyStore) DeletePending(ctx context.Context, card int64) error {
	if f.deleteFailures.Add(-1) >= 0 {
		return errors.New("pending locked")
	}
	return f.Store.DeletePending(ctx, card)
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	recs []domain.ArchiveRecord
	err  error
}

func (r *recordingNotifier) NotifyArchived(_ context.Context, rec domain.ArchiveRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Window != 60*time.Second {
		t.Errorf("Window = %v, want 60s", cfg.Window)
	}
	if cfg.Tick != time.Second {
		t.Errorf("Tick = %v, want 1s", cfg.Tick)
	}
}

// ─── Timer Registry Tests ───────────────────────────────────────────────────

func TestEnsure_Idempotent(t *testing.T) {
	db := newTestDB(t)
	s := newTestScheduler(t, db, nil)
	now := time.Now()
	putRecord(t, db, 555, now)

	if !s.Ensure(555, now) {
		t.Error("first Ensure should start a timer")
	}
	if s.Ensure(555, now.Add(20*time.Second)) {
		t.Error("second Ensure should not start another timer")
	}
	if s.Active() != 1 {
		t.Errorf("Active() = %d, want 1", s.Active())
	}
	if !s.Scheduled(555) {
		t.Error("Scheduled(555) = false, want true")
	}
}

func TestEnsure_AfterStop(t *testing.T) {
	db := newTestDB(t)
	s := New(testConfig(), db, dsa.NewKeyMutex(), nil)
	s.Stop()
	if s.Ensure(1, time.Now()) {
		t.Error("Ensure after Stop should not start a timer")
	}
}

// ─── Migration Tests ────────────────────────────────────────────────────────

func TestMigration_AfterWindow(t *testing.T) {
	db := newTestDB(t)
	notifier := &recordingNotifier{}
	s := newTestScheduler(t, db, notifier)
	firstSeen := time.Now()
	putRecord(t, db, 555, firstSeen)
	s.Ensure(555, firstSeen)

	time.Sleep(50 * time.Millisecond)
	if _, err := db.GetPending(context.Background(), 555); err != nil {
		t.Fatalf("record migrated before its window closed: %v", err)
	}

	waitFor(t, "pending record to be archived", pendingGone(db, 555))

	archived, err := db.ListArchive(context.Background(), 555)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 {
		t.Fatalf("archive rows = %d, want 1", len(archived))
	}
	want := firstSeen.UTC().Format(domain.ArchivedAtLayout)
	if archived[0].ArchivedAt != want {
		t.Errorf("ArchivedAt = %q, want %q", archived[0].ArchivedAt, want)
	}
	waitFor(t, "timer to exit", func() bool { return s.Active() == 0 })
	waitFor(t, "notification", func() bool { return notifier.count() == 1 })
}

func TestMigration_UsesRecordDeadline(t *testing.T) {
	db := newTestDB(t)
	s := newTestScheduler(t, db, nil)
	now := time.Now()
	putRecord(t, db, 7, now)

	// A stale first-seen passed to Ensure must not archive a fresh record early.
	s.Ensure(7, now.Add(-time.Hour))
	time.Sleep(60 * time.Millisecond)
	if _, err := db.GetPending(context.Background(), 7); err != nil {
		t.Fatalf("record archived before its own window closed: %v", err)
	}
	waitFor(t, "pending record to be archived", pendingGone(db, 7))
}

func TestMigration_RecordGone(t *testing.T) {
	db := newTestDB(t)
	s := newTestScheduler(t, db, nil)
	s.Ensure(999, time.Now().Add(-time.Minute))

	waitFor(t, "timer to exit", func() bool { return s.Active() == 0 })
	archived, _ := db.ListArchive(context.Background(), 999)
	if len(archived) != 0 {
		t.Errorf("archive rows = %d, want 0", len(archived))
	}
}

func TestMigration_RetriesAppend(t *testing.T) {
	db := newTestDB(t)
	store := &flakyStore{Store: db}
	store.appendFailures.Store(3)
	s := newTestScheduler(t, store, nil)
	putRecord(t, db, 42, time.Now().Add(-time.Minute))
	s.Ensure(42, time.Now().Add(-time.Minute))

	waitFor(t, "pending record to be archived", pendingGone(db, 42))
	archived, _ := db.ListArchive(context.Background(), 42)
	if len(archived) != 1 {
		t.Errorf("archive rows = %d, want 1", len(archived))
	}
}

func TestMigration_RetriesDeleteWithoutReappending(t *testing.T) {
	db := newTestDB(t)
	store := &flakyStore{Store: db}
	store.deleteFailures.Store(3)
	s := newTestScheduler(t, store, nil)
	putRecord(t, db, 43, time.Now().Add(-time.Minute))
	s.Ensure(43, time.Now().Add(-time.Minute))

	waitFor(t, "pending record to be archived", pendingGone(db, 43))
	archived, _ := db.ListArchive(context.Background(), 43)
	if len(archived) != 1 {
		t.Errorf("archive rows = %d, want exactly 1", len(archived))
	}
}

func TestMigration_NotifierErrorDoesNotBlock(t *testing.T) {
	db := newTestDB(t)
	notifier := &recordingNotifier{err: errors.New("nats: no servers available")}
	s := newTestScheduler(t, db, notifier)
	putRecord(t, db, 8, time.Now().Add(-time.Minute))
	s.Ensure(8, time.Now().Add(-time.Minute))

	waitFor(t, "pending record to be archived", pendingGone(db, 8))
	waitFor(t, "timer to exit", func() bool { return s.Active() == 0 })
}

// ─── Recovery & Shutdown Tests ──────────────────────────────────────────────

func TestRecover(t *testing.T) {
	db := newTestDB(t)
	s := newTestScheduler(t, db, nil)
	putRecord(t, db, 1, time.Now().Add(-time.Minute)) // overdue
	putRecord(t, db, 2, time.Now().Add(time.Hour))    // far from due

	n, err := s.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Recover() started %d timers, want 2", n)
	}

	waitFor(t, "overdue record to be archived", pendingGone(db, 1))
	if _, err := db.GetPending(context.Background(), 2); err != nil {
		t.Errorf("future record should stay pending: %v", err)
	}
	if !s.Scheduled(2) {
		t.Error("card 2 should still have a timer")
	}
}

func TestStop_LeavesPendingForRecovery(t *testing.T) {
	db := newTestDB(t)
	s := New(testConfig(), db, dsa.NewKeyMutex(), nil)
	putRecord(t, db, 3, time.Now().Add(time.Hour))
	s.Ensure(3, time.Now().Add(time.Hour))

	s.Stop()
	s.Stop()

	if s.Active() != 0 {
		t.Errorf("Active() after Stop = %d, want 0", s.Active())
	}
	if _, err := db.GetPending(context.Background(), 3); err != nil {
		t.Errorf("pending record should survive Stop: %v", err)
	}
}
