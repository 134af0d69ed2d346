package merger

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/transitlab/ticketctl/internal/domain"
)

// DefaultSuccessRate is the share of transactions the placeholder oracle
// marks successful. It stands in for real fare verification.
const DefaultSuccessRate = 0.9

// RandomOracle draws every status independently.
type RandomOracle struct {
	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

// NewRandomOracle returns an oracle that answers StatusSuccess with
// probability rate. A nil src seeds from the clock.
func NewRandomOracle(rate float64, src rand.Source) *RandomOracle {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed>>1|1)
	}
	return &RandomOracle{rate: rate, rng: rand.New(src)}
}

// Check implements domain.StatusOracle.
func (o *RandomOracle) Check(_ context.Context, _ domain.TransactionEvent) domain.Status {
	o.mu.Lock()
	v := o.rng.Float64()
	o.mu.Unlock()
	if v < o.rate {
		return domain.StatusSuccess
	}
	return domain.StatusFail
}

// OracleFunc adapts a function into a domain.StatusOracle.
type OracleFunc func(ctx context.Context, ev domain.TransactionEvent) domain.Status

// Check implements domain.StatusOracle.
func (f OracleFunc) Check(ctx context.Context, ev domain.TransactionEvent) domain.Status {
	return f(ctx, ev)
}
