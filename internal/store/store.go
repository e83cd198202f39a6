// Package store defines the persistence contract shared by the in-memory
// and postgres backends, plus the change feed every backend publishes.
package store

import (
	"context"
	"errors"
	"sync"

	"medipos/backend/internal/domain"
)

var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord is returned for structurally bad writes.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrBatchFailed wraps backend failures inside an atomic sale batch.
	ErrBatchFailed = errors.New("sale batch failed")
)

// Collections named in change events.
const (
	CollectionProducts   = "products"
	CollectionSales      = "sales"
	CollectionCategories = "categories"
)

// Change kinds.
const (
	ChangeUpsert = "upsert"
	ChangeDelete = "delete"
	ChangeReset  = "reset"
)

// ChangeEvent describes one committed mutation. Events are published only
// after the backing write has durably succeeded, never optimistically.
type ChangeEvent struct {
	Collection string
	Kind       string
	ID         string
}

// StockDelta is a relative stock adjustment for one product. Batches carry
// deltas, never absolute counts, so concurrent batches compose.
type StockDelta struct {
	ProductID string
	Delta     int
}

// SaleBatch is the atomic unit for every sale mutation: at most one sale
// record change plus the stock deltas it implies. The whole batch commits
// or none of it does.
type SaleBatch struct {
	InsertSale   *domain.Sale
	UpdateSale   *domain.Sale
	DeleteSaleID string
	StockDeltas  []StockDelta
}

// Repository is the full persistence surface. Implementations must publish
// a ChangeEvent for every committed mutation.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	InsertProduct(ctx context.Context, p domain.Product) error
	UpdateProduct(ctx context.Context, p domain.Product) error
	DeleteProduct(ctx context.Context, id string) error

	ListCategories(ctx context.Context) ([]string, error)
	AddCategory(ctx context.Context, name string) (bool, error)

	ListSales(ctx context.Context) ([]domain.Sale, error)
	GetSale(ctx context.Context, id string) (domain.Sale, error)
	ApplySaleBatch(ctx context.Context, batch SaleBatch) error

	ListUsers(ctx context.Context) ([]domain.UserAccount, error)

	Reset(ctx context.Context) error

	Subscribe(buffer int) (<-chan ChangeEvent, func())
	Close() error
}

// Broadcaster fans committed change events out to subscribers. Backends
// embed it and call Publish after each commit. Publish never blocks; a
// subscriber that falls behind loses events rather than stalling writes.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan ChangeEvent
}

func (b *Broadcaster) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ChangeEvent, buffer)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan ChangeEvent)
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// CloseAll drops every subscriber. Used on repository shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
