package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/transitlab/ticketctl/internal/domain"
	"github.com/transitlab/ticketctl/internal/infra/sqlite"
)

// fakeIntake validates like the real service and records submissions.
type fakeIntake struct {
	got []domain.TransactionEvent
	err error
}

func (f *fakeIntake) Submit(_ context.Context, ev domain.TransactionEvent) (domain.Receipt, error) {
	if err := ev.Validate(); err != nil {
		return domain.Receipt{}, err
	}
	if f.err != nil {
		return domain.Receipt{}, f.err
	}
	f.got = append(f.got, ev)
	return domain.Receipt{ID: "r-1", AcceptedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}, nil
}

type fakeStatus struct {
	views map[int64]domain.StatusView
	err   error
}

func (f *fakeStatus) Lookup(_ context.Context, card int64) (domain.StatusView, bool, error) {
	if f.err != nil {
		return domain.StatusView{}, false, f.err
	}
	v, ok := f.views[card]
	return v, ok, nil
}

func setupServer(t *testing.T, in *fakeIntake, st *fakeStatus) (http.Handler, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	srv := NewServer(Config{Metrics: true, Version: "test"}, in, st, db)
	return srv.Handler(), db
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const validBody = `{"passenger_name":"Nino","transaction_timestamp":"2026-03-01T08:00:00","card_number":555,"card_type":"student","transaction_id":"T1","buses":"12","trains":""}`

// ─── Intake Endpoint Tests ──────────────────────────────────────────────────

func TestBusTransaction_Accepted(t *testing.T) {
	in := &fakeIntake{}
	h, _ := setupServer(t, in, &fakeStatus{})

	w := do(h, http.MethodPost, "/bus_transaction", validBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["message"] != msgReceived {
		t.Errorf("message = %v", resp["message"])
	}
	if resp["receipt_id"] != "r-1" {
		t.Errorf("receipt_id = %v, want r-1", resp["receipt_id"])
	}
	if len(in.got) != 1 || in.got[0].CardNumber != 555 || in.got[0].TransactionID != "T1" {
		t.Errorf("submitted = %+v", in.got)
	}
}

func TestBusTransaction_BadRequests(t *testing.T) {
	h, _ := setupServer(t, &fakeIntake{}, &fakeStatus{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"card_number":`},
		{"card as string", `{"passenger_name":"Nino","card_number":"abc","card_type":"adult","transaction_id":"T1"}`},
		{"missing transaction id", `{"passenger_name":"Nino","card_number":5,"card_type":"adult"}`},
		{"zero card", `{"passenger_name":"Nino","card_number":0,"card_type":"adult","transaction_id":"T1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodPost, "/bus_transaction", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestBusTransaction_Unavailable(t *testing.T) {
	for _, err := range []error{domain.ErrIntakeBusy, domain.ErrIntakeClosed} {
		h, _ := setupServer(t, &fakeIntake{err: err}, &fakeStatus{})
		w := do(h, http.MethodPost, "/bus_transaction", validBody)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%v: expected 503, got %d", err, w.Code)
		}
	}
}

// ─── Ticket Control Tests ───────────────────────────────────────────────────

func TestTicketControl_Found(t *testing.T) {
	st := &fakeStatus{views: map[int64]domain.StatusView{
		555: {
			PassengerName:  "Nino",
			CardNumber:     555,
			CardType:       "student",
			Status:         domain.StatusSuccess,
			TransactionIDs: []string{"T1"},
			Buses:          []string{"12"},
			Trains:         []string{""},
			TimeLeft:       48,
		},
	}}
	h, _ := setupServer(t, &fakeIntake{}, st)

	w := do(h, http.MethodGet, "/ticket_control?card_number=555", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["time_left"] != float64(48) {
		t.Errorf("time_left = %v, want 48", resp["time_left"])
	}
	if resp["passenger_name"] != "Nino" {
		t.Errorf("passenger_name = %v", resp["passenger_name"])
	}
}

func TestTicketControl_NotFound(t *testing.T) {
	h, _ := setupServer(t, &fakeIntake{}, &fakeStatus{})

	w := do(h, http.MethodGet, "/ticket_control?card_number=123", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["message"] != msgNoActive {
		t.Errorf("message = %q, want %q", resp["message"], msgNoActive)
	}
}

func TestTicketControl_BadCard(t *testing.T) {
	h, _ := setupServer(t, &fakeIntake{}, &fakeStatus{})
	for _, target := range []string{"/ticket_control", "/ticket_control?card_number=abc", "/ticket_control?card_number=-4"} {
		if w := do(h, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestTicketControl_StoreFailure(t *testing.T) {
	h, _ := setupServer(t, &fakeIntake{}, &fakeStatus{err: errors.New("disk I/O error")})
	if w := do(h, http.MethodGet, "/ticket_control?card_number=1", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

// ─── Archive & Ops Tests ────────────────────────────────────────────────────

func TestArchive_List(t *testing.T) {
	h, db := setupServer(t, &fakeIntake{}, &fakeStatus{})
	ctx := context.Background()
	for _, card := range []int64{1, 2, 1} {
		rec := domain.ArchiveRecord{
			PassengerName:  "Nino",
			ArchivedAt:     "2026-03-01 08:00:00",
			CardNumber:     card,
			CardType:       "adult",
			TransactionIDs: []string{"T1"},
			Status:         domain.StatusSuccess,
			Buses:          []string{"12"},
			Trains:         []string{""},
		}
		if err := db.AppendArchive(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	var all []domain.ArchiveRecord
	w := do(h, http.MethodGet, "/archive", "")
	json.Unmarshal(w.Body.Bytes(), &all)
	if len(all) != 3 {
		t.Errorf("archive = %d records, want 3", len(all))
	}

	var one []domain.ArchiveRecord
	w = do(h, http.MethodGet, "/archive?card_number=1", "")
	json.Unmarshal(w.Body.Bytes(), &one)
	if len(one) != 2 {
		t.Errorf("archive for card 1 = %d records, want 2", len(one))
	}

	w = do(h, http.MethodGet, "/archive?card_number=9", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty archive body = %q, want []", w.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := setupServer(t, &fakeIntake{}, &fakeStatus{})

	w := do(h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", w.Code)
	}

	w = do(h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ticketctl_http_requests_total") {
		t.Error("metrics output missing ticketctl_http_requests_total")
	}
}

func TestRateLimit(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	h := NewServer(Config{RateLimitRPM: 2}, &fakeIntake{}, &fakeStatus{}, db).Handler()

	var last int
	for i := 0; i < 3; i++ {
		last = do(h, http.MethodGet, "/health", "").Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", last)
	}
}
