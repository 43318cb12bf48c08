package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/harvest-market/api/internal/platform/firestore"
	"github.com/harvest-market/api/internal/repositories"
)

const countersCollection = "counters"

// counterDocument lives at counters/{scope:name}, e.g. counters/orders:2026.
type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository issues monotonically increasing values per counter id. Next opens its own
// transaction and must be called before any transaction that writes the order it numbers.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		now:      time.Now,
	}, nil
}

// Next adds step (minimum 1) to the counter, creating it at zero first, and returns the new value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewError("counters.next", repositories.KindInvalid, errors.New("counter id is required"))
	}
	step = max(step, 1)

	var issued int64
	err := r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		doc, err := r.counters.Get(txCtx, id)
		if err != nil && !repositories.IsNotFound(err) {
			return err
		}
		doc.CurrentValue += step
		doc.UpdatedAt = r.now().UTC()
		issued = doc.CurrentValue
		return r.counters.Set(txCtx, id, doc)
	})
	if err != nil {
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return issued, nil
}
