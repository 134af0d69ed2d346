package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/transitlab/ticketctl/internal/app/intake"
	"github.com/transitlab/ticketctl/internal/app/window"
	"github.com/transitlab/ticketctl/internal/domain"
)

func testDaemonConfig(t *testing.T, backend string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.API.RateLimitRPM = 0
	cfg.Store.Backend = backend
	cfg.Store.Dir = t.TempDir()
	cfg.Archive.Timezone = "UTC"
	return cfg
}

func fastOptions() []Option {
	return []Option{
		WithWindow(window.Config{Window: 400 * time.Millisecond, Tick: 10 * time.Millisecond}),
		WithIntake(intake.Config{
			Debounce:     100 * time.Millisecond,
			MaxInFlight:  100,
			WriteTimeout: time.Second,
			RetryInitial: 10 * time.Millisecond,
			RetryMax:     50 * time.Millisecond,
		}),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func post(t *testing.T, base, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/bus_transaction", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	return resp
}

func control(t *testing.T, base string, card string) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(base + "/ticket_control?card_number=" + card)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), StoreConfig{Backend: "mongo"})
	if !errors.Is(err, domain.ErrUnknownBackend) {
		t.Errorf("OpenStore() error = %v, want ErrUnknownBackend", err)
	}
}

func TestDaemon_TransactionLifecycle(t *testing.T) {
	for _, backend := range []string{BackendSQLite, BackendCSV} {
		t.Run(backend, func(t *testing.T) {
			d, err := New(context.Background(), testDaemonConfig(t, backend), fastOptions()...)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			defer d.Close()

			ts := httptest.NewServer(d.Handler())
			defer ts.Close()

			if resp := post(t, ts.URL, `{"passenger_name":"Nino","transaction_timestamp":"t0","card_number":555,"card_type":"student","transaction_id":"T1","buses":"12","trains":""}`); resp.StatusCode != http.StatusAccepted {
				t.Fatalf("POST status = %d, want 202", resp.StatusCode)
			}
			post(t, ts.URL, `{"passenger_name":"Nino","transaction_timestamp":"t1","card_number":555,"card_type":"student","transaction_id":"T2","buses":"37","trains":"R1"}`)

			// Still inside the debounce delay.
			if got := control(t, ts.URL, "555"); got["message"] == nil {
				t.Fatalf("ticket_control during debounce = %v, want not found", got)
			}

			waitFor(t, "both transactions merged", func() bool {
				got := control(t, ts.URL, "555")
				ids, _ := got["transaction_ids"].([]interface{})
				return len(ids) == 2
			})

			waitFor(t, "window migration", func() bool {
				return control(t, ts.URL, "555")["message"] != nil
			})

			archived, err := d.Store().ListArchive(context.Background(), 555)
			if err != nil {
				t.Fatal(err)
			}
			if len(archived) != 1 {
				t.Fatalf("archive rows = %d, want 1", len(archived))
			}
			a := archived[0]
			if strings.Join(a.TransactionIDs, ",") != "T1,T2" || strings.Join(a.Buses, ",") != "12,37" {
				t.Errorf("archived = %+v", a)
			}
			if _, err := time.Parse(domain.ArchivedAtLayout, a.ArchivedAt); err != nil {
				t.Errorf("ArchivedAt %q not in layout: %v", a.ArchivedAt, err)
			}
		})
	}
}

func TestDaemon_NeverSubmitted(t *testing.T) {
	d, err := New(context.Background(), testDaemonConfig(t, BackendSQLite), fastOptions()...)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ts := httptest.NewServer(d.Handler())
	defer ts.Close()

	got := control(t, ts.URL, "123")
	if got["message"] != "No active transaction found for this card" {
		t.Errorf("ticket_control = %v", got)
	}
}

func TestDaemon_ServeRecoversAndStops(t *testing.T) {
	cfg := testDaemonConfig(t, BackendSQLite)

	// A record left behind by a previous run, already past its window.
	seed, err := OpenStore(context.Background(), cfg.Store)
	if err != nil {
		t.Fatal(err)
	}
	rec := domain.PendingRecord{
		PassengerName:  "Nino",
		FirstSeenAt:    time.Now().Add(-time.Hour),
		CardNumber:     77,
		CardType:       "adult",
		TransactionIDs: []string{"T9"},
		Status:         domain.StatusSuccess,
		Buses:          []string{"4"},
		Trains:         []string{""},
	}
	if err := seed.PutPending(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	seed.Close()

	d, err := New(context.Background(), cfg, fastOptions()...)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, ln) }()

	waitFor(t, "recovered record to be archived", func() bool {
		archived, err := d.Store().ListArchive(context.Background(), 77)
		return err == nil && len(archived) == 1
	})

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
