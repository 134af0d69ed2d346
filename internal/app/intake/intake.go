// Package intake accepts transactions and writes them in the background.
//
// A submitted transaction is:
//  1. Validated and acknowledged with a receipt right away
//  2. Held for the debounce delay
//  3. Applied to the pending store by the merger
//  4. Retried with capped exponential backoff while the store fails
package intake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/transitlab/ticketctl/internal/app/merger"
	"github.com/transitlab/ticketctl/internal/domain"
	"github.com/transitlab/ticketctl/internal/infra/observability"
)

// Applier writes one transaction into the pending store.
type Applier interface {
	Apply(ctx context.Context, ev domain.TransactionEvent, acceptedAt time.Time) (merger.Result, error)
}

// Config controls intake behavior.
type Config struct {
	Debounce     time.Duration // Delay before the first write (default: 10s)
	MaxInFlight  int           // Accepted but unwritten transactions (default: 10000)
	WriteTimeout time.Duration // Bound on a single write attempt (default: 10s)
	RetryInitial time.Duration // First retry delay (default: 500ms)
	RetryMax     time.Duration // Retry delay cap (default: 30s)
}

// DefaultConfig returns production intake defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:     domain.DebounceDelay,
		MaxInFlight:  10000,
		WriteTimeout: 10 * time.Second,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     30 * time.Second,
	}
}

// Service is the fire-and-forget front door of the pending store.
type Service struct {
	cfg     Config
	applier Applier
	sem     chan struct{} // Capacity semaphore
	done    chan struct{} // Closed by Stop
	wg      sync.WaitGroup
	now     func() time.Time
	log     *log.Entry

	mu       sync.RWMutex
	closed   bool
	accepted int64
	written  int64
	retried  int64
	dropped  int64
}

// New creates an intake service.
func New(cfg Config, applier Applier) *Service {
	def := DefaultConfig()
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	return &Service{
		cfg:     cfg,
		applier: applier,
		sem:     make(chan struct{}, cfg.MaxInFlight),
		done:    make(chan struct{}),
		now:     time.Now,
		log:     log.WithField("component", "intake"),
	}
}

// Submit validates ev and schedules its write. It returns as soon as the
// transaction is accepted; ctx only guards the acceptance itself.
func (s *Service) Submit(ctx context.Context, ev domain.TransactionEvent) (domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, err
	}
	if err := ev.Validate(); err != nil {
		observability.IntakeRejected.WithLabelValues("invalid").Inc()
		return domain.Receipt{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		observability.IntakeRejected.WithLabelValues("closed").Inc()
		return domain.Receipt{}, domain.ErrIntakeClosed
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.mu.Unlock()
		observability.IntakeRejected.WithLabelValues("busy").Inc()
		return domain.Receipt{}, domain.ErrIntakeBusy
	}
	s.wg.Add(1)
	s.accepted++
	s.mu.Unlock()

	receipt := domain.Receipt{ID: uuid.NewString(), AcceptedAt: s.now()}
	observability.IntakeAccepted.Inc()
	observability.IntakeInFlight.Inc()

	s.log.WithFields(log.Fields{
		"receipt_id":     receipt.ID,
		"card_number":    ev.CardNumber,
		"transaction_id": ev.TransactionID,
	}).Debug("transaction accepted")

	go s.process(ev, receipt)
	return receipt, nil
}

// process waits out the debounce delay and writes ev.
func (s *Service) process(ev domain.TransactionEvent, receipt domain.Receipt) {
	defer func() {
		<-s.sem
		observability.IntakeInFlight.Dec()
		s.wg.Done()
	}()

	if s.cfg.Debounce > 0 {
		t := time.NewTimer(s.cfg.Debounce)
		select {
		case <-t.C:
		case <-s.done:
			t.Stop()
		}
	}

	l := s.log.WithFields(log.Fields{
		"receipt_id":     receipt.ID,
		"card_number":    ev.CardNumber,
		"transaction_id": ev.TransactionID,
	})

	backoff := s.cfg.RetryInitial
	final := false
	for {
		err := s.write(ev, receipt.AcceptedAt)
		if err == nil {
			s.mu.Lock()
			s.written++
			s.mu.Unlock()
			return
		}
		if final {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			observability.IntakeDropped.Inc()
			l.WithError(err).Error("transaction dropped: store unavailable at shutdown")
			return
		}

		s.mu.Lock()
		s.retried++
		s.mu.Unlock()
		observability.IntakeWriteRetries.Inc()
		l.WithError(err).WithField("retry_in", backoff).Warn("pending write failed")

		select {
		case <-s.done:
			final = true
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.RetryMax)
	}
}

// write runs one attempt detached from any request context.
func (s *Service) write(ev domain.TransactionEvent, acceptedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	_, err := s.applier.Apply(ctx, ev, acceptedAt)
	return err
}

// Stop refuses new transactions, cuts every pending debounce short and
// waits for in-flight writes. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Stats returns intake counters.
type Stats struct {
	Accepted    int64 `json:"accepted"`
	Written     int64 `json:"written"`
	Retried     int64 `json:"retried"`
	Dropped     int64 `json:"dropped"`
	InFlight    int   `json:"in_flight"`
	MaxInFlight int   `json:"max_in_flight"`
}

// Stats returns current intake statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Accepted:    s.accepted,
		Written:     s.written,
		Retried:     s.retried,
		Dropped:     s.dropped,
		InFlight:    len(s.sem),
		MaxInFlight: s.cfg.MaxInFlight,
	}
}
