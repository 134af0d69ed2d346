// Package window runs the per-card observation window timers and migrates
// each pending record to the archive once its window has elapsed.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/transitlab/ticketctl/internal/domain"
	"github.com/transitlab/ticketctl/internal/infra/dsa"
	"github.com/transitlab/ticketctl/internal/infra/observability"
)

// Config controls window timing.
type Config struct {
	Window time.Duration // Observation window measured from first_seen_at
	Tick   time.Duration // Polling interval of each timer
	// Location renders archived_at. Nil means time.Local.
	Location *time.Location
	// NotifyTimeout bounds a single archive notification.
	NotifyTimeout time.Duration
}

// DefaultConfig returns production timing.
func DefaultConfig() Config {
	return Config{
		Window:        domain.ObservationWindow,
		Tick:          domain.TickInterval,
		NotifyTimeout: 5 * time.Second,
	}
}

// timer is one card's running window.
type timer struct {
	card      int64
	firstSeen time.Time // owned by the timer goroutine
}

// Scheduler owns the timer registry. At most one timer runs per card.
type Scheduler struct {
	cfg      Config
	store    domain.Store
	locks    *dsa.KeyMutex
	notifier domain.ArchiveNotifier
	now      func() time.Time
	log      *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[int64]*timer
	stopped bool
}

// New creates a scheduler. locks must be the KeyMutex used by the merger.
// notifier may be nil.
func New(cfg Config, store domain.Store, locks *dsa.KeyMutex, notifier domain.ArchiveNotifier) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = domain.ObservationWindow
	}
	if cfg.Tick <= 0 {
		cfg.Tick = domain.TickInterval
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		locks:    locks,
		notifier: notifier,
		now:      time.Now,
		log:      log.WithField("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[int64]*timer),
	}
}

// Ensure starts the window timer of cardNumber unless one is already
// running. A running timer keeps its original deadline. It reports whether
// a new timer was started.
func (s *Scheduler) Ensure(cardNumber int64, firstSeen time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.timers[cardNumber]; ok {
		return false
	}

	t := &timer{card: cardNumber, firstSeen: firstSeen}
	s.timers[cardNumber] = t
	observability.WindowTimers.Inc()

	s.wg.Add(1)
	go s.run(t)

	s.log.WithFields(log.Fields{
		"card_number": cardNumber,
		"deadline":    firstSeen.Add(s.cfg.Window).Format(time.RFC3339),
	}).Debug("window timer started")
	return true
}

// Active returns the number of running timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Scheduled reports whether cardNumber has a running timer.
func (s *Scheduler) Scheduled(cardNumber int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[cardNumber]
	return ok
}

// Recover starts a timer for every record already in the pending store.
// Records whose window elapsed while the process was down migrate on the
// first tick.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	records, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover pending: %w", err)
	}

	started := 0
	for _, rec := range records {
		unlock := s.locks.Lock(rec.CardNumber)
		if s.Ensure(rec.CardNumber, rec.FirstSeenAt) {
			started++
		}
		unlock()
	}
	if started > 0 {
		s.log.WithField("timers", started).Info("recovered pending windows")
	}
	return started, nil
}

// Stop cancels every timer and waits for them to exit. Records left in the
// pending store are picked up by Recover on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	observability.WindowTimers.Sub(float64(len(s.timers)))
	clear(s.timers)
	s.mu.Unlock()
}

// ─── Timer Loop ─────────────────────────────────────────────────────────────

func (s *Scheduler) run(t *timer) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if s.now().Sub(t.firstSeen) < s.cfg.Window {
			continue
		}
		if s.migrate(t) {
			return
		}
	}
}

// migrate moves the card's pending record to the archive. It returns true
// when the timer is finished, false when it should try again next tick.
func (s *Scheduler) migrate(t *timer) bool {
	unlock := s.locks.Lock(t.card)
	defer unlock()

	l := s.log.WithField("card_number", t.card)

	rec, err := s.store.GetPending(s.ctx, t.card)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		observability.Migrations.WithLabelValues("gone").Inc()
		l.Warn("pending record vanished before migration")
		s.release(t)
		return true
	case err != nil:
		if s.ctx.Err() != nil {
			return true
		}
		observability.Migrations.WithLabelValues("retry").Inc()
		l.WithError(err).Warn("read pending failed, retrying")
		return false
	}

	// The record on disk is the source of truth for the deadline.
	if !rec.Due(s.now(), s.cfg.Window) {
		t.firstSeen = rec.FirstSeenAt
		return false
	}

	archived := rec.Archive(s.cfg.Location)
	if err := s.store.AppendArchive(s.ctx, archived); err != nil {
		if s.ctx.Err() != nil {
			return true
		}
		observability.Migrations.WithLabelValues("retry").Inc()
		l.WithError(err).Warn("append archive failed, retrying")
		return false
	}

	// The archive row exists now. Keep the card locked until the pending
	// record is gone so no merge lands in a record that was already copied.
	if !s.deletePending(t.card, l) {
		l.Error("stopped before pending record was removed; it will be archived again after restart")
		return true
	}

	s.release(t)
	observability.Migrations.WithLabelValues("archived").Inc()
	l.WithFields(log.Fields{
		"transactions": len(archived.TransactionIDs),
		"status":       archived.Status,
		"archived_at":  archived.ArchivedAt,
	}).Info("window closed, record archived")

	s.wg.Add(1)
	go s.notify(archived)
	return true
}

// deletePending retries until the record is removed or the scheduler stops.
func (s *Scheduler) deletePending(card int64, l *log.Entry) bool {
	for {
		err := s.store.DeletePending(s.ctx, card)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return true
		}
		observability.Migrations.WithLabelValues("retry").Inc()
		l.WithError(err).Warn("delete pending failed, retrying")

		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(s.cfg.Tick):
		}
	}
}

// release removes t from the registry. Callers hold the card lock.
func (s *Scheduler) release(t *timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[t.card]; ok && cur == t {
		delete(s.timers, t.card)
		observability.WindowTimers.Dec()
	}
}

func (s *Scheduler) notify(rec domain.ArchiveRecord) {
	defer s.wg.Done()
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
	defer cancel()

	if err := s.notifier.NotifyArchived(ctx, rec); err != nil {
		observability.Notifications.WithLabelValues("error").Inc()
		s.log.WithError(err).WithField("card_number", rec.CardNumber).Warn("archive notification failed")
		return
	}
	observability.Notifications.WithLabelValues("sent").Inc()
}
