// Package api provides the HTTP server for ticketctl.
// Validators post rides to /bus_transaction; inspectors query
// /ticket_control for a card's open window.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/transitlab/ticketctl/internal/domain"
	"github.com/transitlab/ticketctl/internal/infra/observability"
)

const (
	msgReceived = "Your Transaction has been Received"
	msgNoActive = "No active transaction found for this card"

	maxBodyBytes = 1 << 20
)

// Intake accepts transactions for deferred processing.
type Intake interface {
	Submit(ctx context.Context, ev domain.TransactionEvent) (domain.Receipt, error)
}

// StatusLookup answers ticket control queries.
type StatusLookup interface {
	Lookup(ctx context.Context, cardNumber int64) (domain.StatusView, bool, error)
}

// Config controls the HTTP surface.
type Config struct {
	CORSOrigins    []string      // Allowed origins (default: any)
	RateLimitRPM   int           // Requests per minute per IP, 0 disables
	RequestTimeout time.Duration // Per-request timeout (default: 30s)
	Metrics        bool          // Serve /metrics
	Version        string
}

// Server is the ticketctl HTTP API server.
type Server struct {
	cfg     Config
	intake  Intake
	status  StatusLookup
	archive domain.ArchiveStore
	log     *log.Entry
}

// NewServer creates a new API server. archive may be nil, which leaves
// /archive unmounted.
func NewServer(cfg Config, intake Intake, status StatusLookup, archive domain.ArchiveStore) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{
		cfg:     cfg,
		intake:  intake,
		status:  status,
		archive: archive,
		log:     log.WithField("component", "api"),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if s.cfg.RateLimitRPM > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRPM, time.Minute))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": s.cfg.Version,
		})
	})

	r.Post("/bus_transaction", s.handleBusTransaction)
	r.Get("/ticket_control", s.handleTicketControl)
	if s.archive != nil {
		r.Get("/archive", s.handleArchive)
	}

	if s.cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

type receiptResponse struct {
	Message    string    `json:"message"`
	ReceiptID  string    `json:"receipt_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

func (s *Server) handleBusTransaction(w http.ResponseWriter, r *http.Request) {
	var ev domain.TransactionEvent
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		observability.IntakeRejected.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	receipt, err := s.intake.Submit(r.Context(), ev)
	switch {
	case errors.Is(err, domain.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrIntakeBusy), errors.Is(err, domain.ErrIntakeClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.log.WithError(err).Error("submit transaction")
		writeError(w, http.StatusInternalServerError, "could not accept transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, receiptResponse{
		Message:    msgReceived,
		ReceiptID:  receipt.ID,
		AcceptedAt: receipt.AcceptedAt,
	})
}

func (s *Server) handleTicketControl(w http.ResponseWriter, r *http.Request) {
	card, ok := cardParam(w, r, true)
	if !ok {
		return
	}

	view, found, err := s.status.Lookup(r.Context(), card)
	if err != nil {
		s.log.WithError(err).WithField("card_number", card).Error("ticket control lookup")
		writeError(w, http.StatusServiceUnavailable, "status store unavailable")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]string{"message": msgNoActive})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	card, ok := cardParam(w, r, false)
	if !ok {
		return
	}

	records, err := s.archive.ListArchive(r.Context(), card)
	if err != nil {
		s.log.WithError(err).Error("list archive")
		writeError(w, http.StatusServiceUnavailable, "archive store unavailable")
		return
	}
	if records == nil {
		records = []domain.ArchiveRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// cardParam parses ?card_number. When optional and absent it returns 0.
func cardParam(w http.ResponseWriter, r *http.Request, required bool) (int64, bool) {
	raw := r.URL.Query().Get("card_number")
	if raw == "" {
		if required {
			writeError(w, http.StatusBadRequest, "card_number is required")
			return 0, false
		}
		return 0, true
	}
	card, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || card <= 0 {
		writeError(w, http.StatusBadRequest, "card_number must be a positive integer")
		return 0, false
	}
	return card, true
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// requestLogger logs every request and records HTTP metrics by route.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			observability.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			observability.HTTPLatency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			s.log.WithFields(log.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote":     r.RemoteAddr,
				"status":     status,
				"duration":   elapsed.String(),
			}).Debug("request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}
