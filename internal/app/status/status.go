// Package status answers ticket control queries from the pending store.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/transitlab/ticketctl/internal/domain"
)

// Service looks up the open window of a card.
type Service struct {
	store  domain.PendingStore
	window time.Duration
	now    func() time.Time
}

// New creates a status service. A non-positive window means the default
// observation window.
func New(store domain.PendingStore, window time.Duration) *Service {
	if window <= 0 {
		window = domain.ObservationWindow
	}
	return &Service{store: store, window: window, now: time.Now}
}

// Lookup returns the card's status view. found is false when the card has
// no pending record; that is not an error.
func (s *Service) Lookup(ctx context.Context, cardNumber int64) (view domain.StatusView, found bool, err error) {
	rec, err := s.store.GetPending(ctx, cardNumber)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.StatusView{}, false, nil
	}
	if err != nil {
		return domain.StatusView{}, false, fmt.Errorf("lookup card %d: %w", cardNumber, err)
	}
	return rec.View(s.now(), s.window), true, nil
}
