// Package merger folds incoming transactions into the pending store.
// The first transaction of a card creates its record; later ones, until the
// observation window closes, are appended to it.
package merger

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/transitlab/ticketctl/internal/domain"
	"github.com/transitlab/ticketctl/internal/infra/dsa"
	"github.com/transitlab/ticketctl/internal/infra/observability"
)

// Outcome classifies what a merge did to the pending store.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeDuplicate Outcome = "duplicate"
)

// Scheduler starts the window timer of a card. It must be idempotent.
type Scheduler interface {
	Ensure(cardNumber int64, firstSeen time.Time) bool
}

// Config controls merge behavior.
type Config struct {
	// DedupeTransactionIDs ignores a transaction whose ID is already part
	// of the card's pending record (a retried submission).
	DedupeTransactionIDs bool
}

// DefaultConfig returns merge defaults.
func DefaultConfig() Config {
	return Config{DedupeTransactionIDs: true}
}

// Result is the record as written plus what happened to it.
type Result struct {
	Record  domain.PendingRecord
	Outcome Outcome
}

// Merger applies transaction events to the pending store.
type Merger struct {
	cfg       Config
	store     domain.PendingStore
	oracle    domain.StatusOracle
	locks     *dsa.KeyMutex
	scheduler Scheduler
	log       *log.Entry
}

// New creates a merger. The KeyMutex must be shared with the window
// scheduler so merges and migrations of one card never interleave.
// scheduler may be nil (no timers are started).
func New(cfg Config, store domain.PendingStore, oracle domain.StatusOracle, locks *dsa.KeyMutex, scheduler Scheduler) *Merger {
	return &Merger{
		cfg:       cfg,
		store:     store,
		oracle:    oracle,
		locks:     locks,
		scheduler: scheduler,
		log:       log.WithField("component", "merger"),
	}
}

// Apply merges ev into the card's pending record, creating it with
// first_seen_at = acceptedAt when none exists.
func (m *Merger) Apply(ctx context.Context, ev domain.TransactionEvent, acceptedAt time.Time) (Result, error) {
	unlock := m.locks.Lock(ev.CardNumber)
	defer unlock()

	existing, err := m.store.GetPending(ctx, ev.CardNumber)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup card %d: %w", ev.CardNumber, err)
	}

	var res Result
	switch {
	case existing == nil:
		status := m.check(ctx, ev)
		res = Result{Record: domain.NewPendingRecord(ev, acceptedAt, status), Outcome: OutcomeCreated}

	case m.cfg.DedupeTransactionIDs && existing.HasTransaction(ev.TransactionID):
		m.log.WithFields(log.Fields{
			"card_number":    ev.CardNumber,
			"transaction_id": ev.TransactionID,
		}).Info("duplicate transaction ignored")
		observability.MergeOutcomes.WithLabelValues(string(OutcomeDuplicate)).Inc()
		m.ensure(*existing)
		return Result{Record: *existing, Outcome: OutcomeDuplicate}, nil

	default:
		rec := existing.Clone()
		rec.Merge(ev, m.check(ctx, ev))
		res = Result{Record: rec, Outcome: OutcomeMerged}
	}

	if err := m.store.PutPending(ctx, res.Record); err != nil {
		return Result{}, fmt.Errorf("write card %d: %w", ev.CardNumber, err)
	}
	observability.MergeOutcomes.WithLabelValues(string(res.Outcome)).Inc()

	m.log.WithFields(log.Fields{
		"card_number":    ev.CardNumber,
		"transaction_id": ev.TransactionID,
		"outcome":        res.Outcome,
		"status":         res.Record.Status,
		"transactions":   len(res.Record.TransactionIDs),
	}).Info("transaction applied")

	// Still under the card lock: a migration cannot slip in between the
	// write and the timer registration.
	m.ensure(res.Record)
	return res, nil
}

func (m *Merger) check(ctx context.Context, ev domain.TransactionEvent) domain.Status {
	status := m.oracle.Check(ctx, ev)
	observability.StatusAssigned.WithLabelValues(string(status)).Inc()
	return status
}

func (m *Merger) ensure(rec domain.PendingRecord) {
	if m.scheduler != nil {
		m.scheduler.Ensure(rec.CardNumber, rec.FirstSeenAt)
	}
}
