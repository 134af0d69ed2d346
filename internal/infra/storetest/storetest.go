// Package storetest holds the behaviour every domain.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/transitlab/ticketctl/internal/domain"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) domain.Store

// DirFactory opens the store kept in dir, so a test can close it and open
// the same data again.
type DirFactory func(t *testing.T, dir string) domain.Store

// Record builds a pending record with second-precision timestamps, which
// every backend round-trips exactly.
func Record(card int64, ids ...string) domain.PendingRecord {
	rec := domain.PendingRecord{
		PassengerName: "Nino",
		FirstSeenAt:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		CardNumber:    card,
		CardType:      "student",
		Status:        domain.StatusSuccess,
	}
	for _, id := range ids {
		rec.TransactionIDs = append(rec.TransactionIDs, id)
		rec.Buses = append(rec.Buses, "bus-"+id)
		rec.Trains = append(rec.Trains, "train-"+id)
	}
	return rec
}

// Run executes the shared contract tests against the store built by open.
func Run(t *testing.T, open Factory) {
	t.Run("GetPending_NotFound", func(t *testing.T) {
		s := open(t)
		_, err := s.GetPending(context.Background(), 42)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetPending(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("PutGet_RoundTrip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		want := Record(555, "T1", "T2")

		if err := s.PutPending(ctx, want); err != nil {
			t.Fatalf("PutPending() error: %v", err)
		}
		got, err := s.GetPending(ctx, 555)
		if err != nil {
			t.Fatalf("GetPending() error: %v", err)
		}
		assertPending(t, *got, want)
	})

	t.Run("PutPending_UpdatesInPlace", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		rec := Record(555, "T1")
		if err := s.PutPending(ctx, rec); err != nil {
			t.Fatal(err)
		}

		rec.TransactionIDs = append(rec.TransactionIDs, "T2")
		rec.Buses = append(rec.Buses, "bus-T2")
		rec.Trains = append(rec.Trains, "")
		rec.Status = domain.StatusFail
		rec.CardType = "adult"
		if err := s.PutPending(ctx, rec); err != nil {
			t.Fatal(err)
		}

		all, err := s.ListPending(ctx)
		if err != nil {
			t.Fatalf("ListPending() error: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("ListPending() returned %d records, want 1", len(all))
		}
		assertPending(t, all[0], rec)
	})

	t.Run("DeletePending", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		s.PutPending(ctx, Record(1, "A"))
		s.PutPending(ctx, Record(2, "B"))

		if err := s.DeletePending(ctx, 1); err != nil {
			t.Fatalf("DeletePending() error: %v", err)
		}
		if _, err := s.GetPending(ctx, 1); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetPending(deleted) error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetPending(ctx, 2); err != nil {
			t.Errorf("GetPending(2) error = %v, want nil", err)
		}
		if err := s.DeletePending(ctx, 99); err != nil {
			t.Errorf("DeletePending(missing) error = %v, want nil", err)
		}
	})

	t.Run("Archive_AppendOnly", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		first := Record(555, "T1").Archive(time.UTC)
		second := Record(555, "T2", "T3").Archive(time.UTC)
		other := Record(777, "X").Archive(time.UTC)

		for _, rec := range []domain.ArchiveRecord{first, other, second} {
			if err := s.AppendArchive(ctx, rec); err != nil {
				t.Fatalf("AppendArchive() error: %v", err)
			}
		}

		got, err := s.ListArchive(ctx, 555)
		if err != nil {
			t.Fatalf("ListArchive(555) error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListArchive(555) returned %d, want 2", len(got))
		}
		if !reflect.DeepEqual(got[0], first) || !reflect.DeepEqual(got[1], second) {
			t.Errorf("ListArchive(555) = %+v, want [%+v %+v]", got, first, second)
		}

		all, err := s.ListArchive(ctx, 0)
		if err != nil {
			t.Fatalf("ListArchive(0) error: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("ListArchive(0) returned %d, want 3", len(all))
		}
	})

	t.Run("ConcurrentPuts_DistinctCards", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for card := int64(1); card <= 20; card++ {
			wg.Add(1)
			go func(card int64) {
				defer wg.Done()
				if err := s.PutPending(ctx, Record(card, "T")); err != nil {
					t.Errorf("PutPending(%d) error: %v", card, err)
				}
			}(card)
		}
		wg.Wait()

		all, err := s.ListPending(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 20 {
			t.Errorf("ListPending() returned %d, want 20 (lost update)", len(all))
		}
	})

	t.Run("Archive_KeepsCommaValues", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		want := commaRecord(555).Archive(time.UTC)

		if err := s.AppendArchive(ctx, want); err != nil {
			t.Fatalf("AppendArchive() error: %v", err)
		}
		got, err := s.ListArchive(ctx, 555)
		if err != nil {
			t.Fatalf("ListArchive() error: %v", err)
		}
		if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
			t.Errorf("ListArchive() = %+v, want [%+v]", got, want)
		}
	})

	t.Run("Closed_ArchiveFails", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		s.Close()

		if err := s.AppendArchive(ctx, Record(555, "T1").Archive(time.UTC)); err == nil {
			t.Error("AppendArchive after Close should fail")
		}
		if _, err := s.ListArchive(ctx, 0); err == nil {
			t.Error("ListArchive after Close should fail")
		}
	})

	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		s.PutPending(ctx, Record(555, "T1"))

		got, _ := s.GetPending(ctx, 555)
		got.TransactionIDs[0] = "mutated"

		again, _ := s.GetPending(ctx, 555)
		if again.TransactionIDs[0] != "T1" {
			t.Errorf("store shares memory with caller: %v", again.TransactionIDs)
		}
	})
}

// RunReopen checks that records survive closing and reopening the store.
func RunReopen(t *testing.T, open DirFactory) {
	t.Run("Reopen_KeepsPendingExactly", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()
		want := commaRecord(555)
		want.FirstSeenAt = time.Date(2026, 3, 1, 8, 0, 0, 250_000_000, time.UTC)

		s := open(t, dir)
		if err := s.PutPending(ctx, want); err != nil {
			t.Fatalf("PutPending() error: %v", err)
		}
		s.Close()

		s = open(t, dir)
		got, err := s.GetPending(ctx, 555)
		if err != nil {
			t.Fatalf("GetPending after reopen: %v", err)
		}
		assertPending(t, *got, want)
	})

	t.Run("Reopen_KeepsArchive", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()
		want := commaRecord(777).Archive(time.UTC)

		s := open(t, dir)
		if err := s.AppendArchive(ctx, want); err != nil {
			t.Fatalf("AppendArchive() error: %v", err)
		}
		s.Close()

		s = open(t, dir)
		got, err := s.ListArchive(ctx, 777)
		if err != nil {
			t.Fatalf("ListArchive after reopen: %v", err)
		}
		if len(got) != 1 || !reflect.DeepEqual(got[0], want) {
			t.Errorf("ListArchive() = %+v, want [%+v]", got, want)
		}
	})
}

// commaRecord holds single values that themselves contain commas.
func commaRecord(card int64) domain.PendingRecord {
	rec := Record(card, "T1", `T\2`)
	rec.Buses = []string{"12, 37", "5"}
	rec.Trains = []string{"", "R1,R2"}
	return rec
}

func assertPending(t *testing.T, got, want domain.PendingRecord) {
	t.Helper()
	if !got.FirstSeenAt.Equal(want.FirstSeenAt) {
		t.Errorf("FirstSeenAt = %v, want %v", got.FirstSeenAt, want.FirstSeenAt)
	}
	got.FirstSeenAt, want.FirstSeenAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("record = %+v, want %+v", got, want)
	}
}
