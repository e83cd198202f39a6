// Package memory is the default repository backend: everything lives in
// process memory, seeded with a starter catalogue. It is the development
// and test backend; postgres is the durable one.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
	"medipos/backend/internal/xid"
)

// Store is an in-memory store.Repository. Safe for concurrent use.
type Store struct {
	store.Broadcaster

	mu         sync.RWMutex
	products   map[string]domain.Product
	sales      map[string]domain.Sale
	categories []string
	users      []domain.UserAccount

	nextBatchErr error
}

var seedCategories = []string{"Syrup", "Tablet/Medicine", "Lotion", "Cosmetics", "Sanitary Pad", "Others"}

// New returns an empty store with seed categories and users but no products.
func New() *Store {
	s := &Store{
		products:   make(map[string]domain.Product),
		sales:      make(map[string]domain.Sale),
		categories: append([]string(nil), seedCategories...),
	}
	s.users = seedUsers()
	return s
}

// NewSeeded returns a store preloaded with a small pharmacy catalogue.
func NewSeeded() *Store {
	s := New()
	for _, p := range seedProducts() {
		s.products[p.ID] = p
	}
	return s
}

func seedProducts() []domain.Product {
	return []domain.Product{
		{
			ID:         xid.New("prd"),
			Name:       "Paracetamol 500mg",
			Category:   "Tablet/Medicine",
			Batch:      "B2401",
			ExpiryDate: "2027-03-31",
			BuyPrice:   decimal.RequireFromString("12"),
			SellPrice:  decimal.RequireFromString("20"),
			Stock:      120,
			Location:   "A1",
			Vendor:     "Acme Pharma",
		},
		{
			ID:         xid.New("prd"),
			Name:       "Amoxicillin 250mg",
			Category:   "Tablet/Medicine",
			Batch:      "B2388",
			ExpiryDate: "2026-11-30",
			BuyPrice:   decimal.RequireFromString("35"),
			SellPrice:  decimal.RequireFromString("58"),
			Stock:      60,
			Location:   "A2",
			Vendor:     "Acme Pharma",
		},
		{
			ID:         xid.New("prd"),
			Name:       "Cough Syrup 100ml",
			Category:   "Syrup",
			Batch:      "S1190",
			ExpiryDate: "2026-12-31",
			BuyPrice:   decimal.RequireFromString("48"),
			SellPrice:  decimal.RequireFromString("75"),
			Stock:      25,
			Location:   "B1",
			Vendor:     "Medico Labs",
		},
	}
}

func seedUsers() []domain.UserAccount {
	users := []domain.UserAccount{}
	add := func(username, role, envKey, fallback string) {
		pw := os.Getenv(envKey)
		if pw == "" {
			pw = fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			return
		}
		users = append(users, domain.UserAccount{
			Username: username,
			Password: string(hash),
			Role:     role,
			Active:   true,
		})
	}
	add("admin", "admin", "SEED_ADMIN_PASSWORD", "admin123")
	add("cashier", "cashier", "SEED_CASHIER_PASSWORD", "cashier123")
	return users
}

// FailNextBatch makes the next ApplySaleBatch call fail with err before any
// state is touched. Test hook for atomicity checks.
func (s *Store) FailNextBatch(err error) {
	s.mu.Lock()
	s.nextBatchErr = err
	s.mu.Unlock()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) InsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		return fmt.Errorf("product id missing: %w", store.ErrInvalidRecord)
	}
	s.mu.Lock()
	s.products[p.ID] = p
	s.mu.Unlock()
	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeUpsert, ID: p.ID})
	return nil
}

func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) error {
	s.mu.Lock()
	if _, ok := s.products[p.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("product %s: %w", p.ID, store.ErrNotFound)
	}
	s.products[p.ID] = p
	s.mu.Unlock()
	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeUpsert, ID: p.ID})
	return nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.products[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	delete(s.products, id)
	s.mu.Unlock()
	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeDelete, ID: id})
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.categories...), nil
}

func (s *Store) AddCategory(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	for _, c := range s.categories {
		if c == name {
			s.mu.Unlock()
			return false, nil
		}
	}
	s.categories = append(s.categories, name)
	s.mu.Unlock()
	s.Publish(store.ChangeEvent{Collection: store.CollectionCategories, Kind: store.ChangeUpsert, ID: name})
	return true, nil
}

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		out = append(out, sale)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return domain.Sale{}, fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	return sale, nil
}

// ApplySaleBatch commits the sale change and all stock deltas under one
// lock, so readers never observe a half-applied batch.
func (s *Store) ApplySaleBatch(ctx context.Context, batch store.SaleBatch) error {
	s.mu.Lock()
	if s.nextBatchErr != nil {
		err := s.nextBatchErr
		s.nextBatchErr = nil
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", store.ErrBatchFailed, err)
	}

	if batch.UpdateSale != nil {
		if _, ok := s.sales[batch.UpdateSale.ID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("sale %s: %w", batch.UpdateSale.ID, store.ErrNotFound)
		}
	}
	if batch.DeleteSaleID != "" {
		if _, ok := s.sales[batch.DeleteSaleID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("sale %s: %w", batch.DeleteSaleID, store.ErrNotFound)
		}
	}

	events := make([]store.ChangeEvent, 0, len(batch.StockDeltas)+1)
	for _, d := range batch.StockDeltas {
		p, ok := s.products[d.ProductID]
		if !ok {
			continue // product removed since the sale; nothing to adjust
		}
		p.Stock += d.Delta
		s.products[d.ProductID] = p
		events = append(events, store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeUpsert, ID: d.ProductID})
	}

	switch {
	case batch.InsertSale != nil:
		s.sales[batch.InsertSale.ID] = *batch.InsertSale
		events = append(events, store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeUpsert, ID: batch.InsertSale.ID})
	case batch.UpdateSale != nil:
		s.sales[batch.UpdateSale.ID] = *batch.UpdateSale
		events = append(events, store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeUpsert, ID: batch.UpdateSale.ID})
	case batch.DeleteSaleID != "":
		delete(s.sales, batch.DeleteSaleID)
		events = append(events, store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeDelete, ID: batch.DeleteSaleID})
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.Publish(ev)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UserAccount(nil), s.users...), nil
}

// Reset drops products, sales and custom categories, restoring the seed
// category list. User accounts survive a reset.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.products = make(map[string]domain.Product)
	s.sales = make(map[string]domain.Sale)
	s.categories = append([]string(nil), seedCategories...)
	s.mu.Unlock()
	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeReset})
	s.Publish(store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeReset})
	s.Publish(store.ChangeEvent{Collection: store.CollectionCategories, Kind: store.ChangeReset})
	return nil
}

func (s *Store) Close() error {
	s.CloseAll()
	return nil
}
