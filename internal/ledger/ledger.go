// Package ledger maintains the in-memory product projection. The projection
// is updated exclusively from the repository's change feed, never
// optimistically: a write that failed to commit can never leak into reads.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
)

// LowStockThreshold is the stock count below which a restock notice fires.
const LowStockThreshold = 10

// ErrNotLoaded is returned before Start has taken the initial snapshot.
var ErrNotLoaded = errors.New("ledger not loaded")

// Ledger is a read-optimized projection of the product collection.
type Ledger struct {
	repo store.Repository
	log  *logrus.Logger

	mu       sync.RWMutex
	products map[string]domain.Product
	loaded   bool

	subMu   sync.Mutex
	subs    map[int]chan store.ChangeEvent
	nextSub int
}

func New(repo store.Repository, log *logrus.Logger) *Ledger {
	return &Ledger{
		repo: repo,
		log:  log,
		subs: make(map[int]chan store.ChangeEvent),
	}
}

// Start subscribes to the change feed, takes the initial snapshot and
// consumes events until ctx is cancelled. Subscribing before the snapshot
// read means no committed change can fall between the two.
func (l *Ledger) Start(ctx context.Context) error {
	events, cancel := l.repo.Subscribe(256)

	if err := l.reload(ctx); err != nil {
		cancel()
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				l.apply(ctx, ev)
				l.forward(ev)
			}
		}
	}()
	return nil
}

func (l *Ledger) reload(ctx context.Context) error {
	products, err := l.repo.ListProducts(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]domain.Product, len(products))
	for _, p := range products {
		next[p.ID] = p
	}
	l.mu.Lock()
	l.products = next
	l.loaded = true
	l.mu.Unlock()
	return nil
}

func (l *Ledger) apply(ctx context.Context, ev store.ChangeEvent) {
	if ev.Collection != store.CollectionProducts {
		return
	}
	switch ev.Kind {
	case store.ChangeUpsert:
		p, err := l.repo.GetProduct(ctx, ev.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				l.log.WithError(err).WithField("product", ev.ID).Warn("ledger refresh failed")
				return
			}
			// Deleted between event and read; treat as delete.
			l.mu.Lock()
			delete(l.products, ev.ID)
			l.mu.Unlock()
			return
		}
		l.mu.Lock()
		l.products[p.ID] = p
		l.mu.Unlock()
	case store.ChangeDelete:
		l.mu.Lock()
		delete(l.products, ev.ID)
		l.mu.Unlock()
	case store.ChangeReset:
		if err := l.reload(ctx); err != nil {
			l.log.WithError(err).Warn("ledger reload after reset failed")
		}
	}
}

func (l *Ledger) forward(ev store.ChangeEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, sub := range l.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Products returns the current projection sorted by name.
func (l *Ledger) Products() ([]domain.Product, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.loaded {
		return nil, ErrNotLoaded
	}
	out := make([]domain.Product, 0, len(l.products))
	for _, p := range l.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetByID returns one product from the projection.
func (l *Ledger) GetByID(id string) (domain.Product, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.products[id]
	return p, ok
}

// Stock returns the projected stock for a product, 0 if unknown.
func (l *Ledger) Stock(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.products[id].Stock
}

// LowStock lists projected products below the threshold.
func (l *Ledger) LowStock() []domain.Product {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Product
	for _, p := range l.products {
		if p.Stock < LowStockThreshold {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stock < out[j].Stock })
	return out
}

// Subscribe re-broadcasts change events the ledger has already applied, so
// a subscriber reading the projection after an event sees the new state.
func (l *Ledger) Subscribe(buffer int) (<-chan store.ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan store.ChangeEvent, buffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	return ch, func() {
		l.subMu.Lock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
		l.subMu.Unlock()
	}
}
