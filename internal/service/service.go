// Package service orchestrates sale transactions and catalogue changes on
// top of the repository, the ledger projection and the notification feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"medipos/backend/internal/domain"
	"medipos/backend/internal/ledger"
	"medipos/backend/internal/notify"
	"medipos/backend/internal/pricing"
	"medipos/backend/internal/store"
	"medipos/backend/internal/xid"
)

var (
	// ErrValidation marks requests rejected before any write was attempted.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock is returned when a cart line asks for more than
	// the ledger currently holds.
	ErrInsufficientStock = errors.New("insufficient stock")
)

type actorKey struct{}

// WithActor attaches the authenticated caller to the context.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the caller, or a zero Actor when unauthenticated.
func ActorFromContext(ctx context.Context) domain.Actor {
	a, _ := ctx.Value(actorKey{}).(domain.Actor)
	return a
}

// Service is the application core.
type Service struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	notifier *notify.Emitter
	validate *validator.Validate
	log      *logrus.Logger
}

func New(repo store.Repository, led *ledger.Ledger, notifier *notify.Emitter, log *logrus.Logger) *Service {
	return &Service{
		repo:     repo,
		ledger:   led,
		notifier: notifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// ProcessSale validates the cart, prices it and commits the sale record
// together with every stock decrement in one batch.
func (s *Service) ProcessSale(ctx context.Context, req domain.ProcessSaleRequest) (domain.Sale, error) {
	if err := s.validate.Struct(req); err != nil {
		return domain.Sale{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.checkCart(req.Items, nil); err != nil {
		return domain.Sale{}, err
	}

	totals := pricing.ComputeTotals(req.Items, req.IncludeGST, req.DiscountPercentage)
	sale := domain.Sale{
		ID:                 xid.New("sale"),
		Items:              req.Items,
		SubTotal:           totals.SubTotal,
		GSTAmount:          totals.GSTAmount,
		TaxApplied:         req.IncludeGST,
		DiscountPercentage: clampPercent(req.DiscountPercentage),
		DiscountAmount:     totals.DiscountAmount,
		TotalAmount:        totals.GrandTotal,
		TotalProfit:        totals.Profit,
		Timestamp:          time.Now().UnixMilli(),
		CustomerName:       req.CustomerName,
		CustomerEmail:      req.CustomerEmail,
		CustomerMobile:     req.CustomerMobile,
	}

	deltas := lineDeltas(req.Items, -1)
	after := s.projectAfter(deltas)

	batch := store.SaleBatch{InsertSale: &sale, StockDeltas: deltas}
	if err := s.repo.ApplySaleBatch(ctx, batch); err != nil {
		s.notifier.Emit(domain.LevelAlert, "Transaction failed. No changes were saved.")
		s.log.WithError(err).WithField("sale", sale.ID).Error("sale batch rejected")
		return domain.Sale{}, fmt.Errorf("process sale: %w", err)
	}

	s.notifier.Emit(domain.LevelInfo, fmt.Sprintf("Bill generated. Total: ₹%s", sale.TotalAmount.StringFixed(2)))
	s.reportLowStock(after)
	s.log.WithFields(logrus.Fields{
		"sale":  sale.ID,
		"total": sale.TotalAmount,
		"actor": ActorFromContext(ctx).Username,
	}).Info("sale recorded")
	return sale, nil
}

// UpdateSale replaces a historical sale, reconciling stock as one net delta
// per product: +oldQuantity (rollback) −newQuantity (reapply). Editing a
// missing sale is a silent no-op.
func (s *Service) UpdateSale(ctx context.Context, id string, req domain.ProcessSaleRequest) (domain.Sale, error) {
	old, err := s.repo.GetSale(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, nil
		}
		return domain.Sale{}, fmt.Errorf("load sale %s: %w", id, err)
	}

	if err := s.validate.Struct(req); err != nil {
		return domain.Sale{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	credit := lineQuantities(old.Items)
	if err := s.checkCart(req.Items, credit); err != nil {
		return domain.Sale{}, err
	}

	// The tax flag is frozen at creation time; an edit never flips it.
	totals := pricing.ComputeTotals(req.Items, old.TaxApplied, req.DiscountPercentage)
	updated := domain.Sale{
		ID:                 old.ID,
		Items:              req.Items,
		SubTotal:           totals.SubTotal,
		GSTAmount:          totals.GSTAmount,
		TaxApplied:         old.TaxApplied,
		DiscountPercentage: clampPercent(req.DiscountPercentage),
		DiscountAmount:     totals.DiscountAmount,
		TotalAmount:        totals.GrandTotal,
		TotalProfit:        totals.Profit,
		Timestamp:          old.Timestamp,
		CustomerName:       req.CustomerName,
		CustomerEmail:      req.CustomerEmail,
		CustomerMobile:     req.CustomerMobile,
	}

	deltas := netDeltas(old.Items, req.Items)
	after := s.projectAfter(deltas)

	batch := store.SaleBatch{UpdateSale: &updated, StockDeltas: deltas}
	if err := s.repo.ApplySaleBatch(ctx, batch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, nil
		}
		s.notifier.Emit(domain.LevelAlert, "Transaction failed. No changes were saved.")
		s.log.WithError(err).WithField("sale", id).Error("sale edit batch rejected")
		return domain.Sale{}, fmt.Errorf("update sale: %w", err)
	}

	s.notifier.Emit(domain.LevelInfo, fmt.Sprintf("Sale #%s updated successfully.", id))
	s.reportLowStock(after)
	return updated, nil
}

// DeleteSale removes a sale and restores stock for every line in the same
// batch. Deleting a missing sale is a silent no-op.
func (s *Service) DeleteSale(ctx context.Context, id string) error {
	old, err := s.repo.GetSale(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load sale %s: %w", id, err)
	}

	deltas := lineDeltas(old.Items, +1)
	after := s.projectAfter(deltas)

	batch := store.SaleBatch{DeleteSaleID: id, StockDeltas: deltas}
	if err := s.repo.ApplySaleBatch(ctx, batch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		s.notifier.Emit(domain.LevelAlert, "Transaction failed. No changes were saved.")
		s.log.WithError(err).WithField("sale", id).Error("sale delete batch rejected")
		return fmt.Errorf("delete sale: %w", err)
	}

	s.notifier.Emit(domain.LevelAlert, fmt.Sprintf("Sale #%s deleted. Stock restored.", id))
	s.reportLowStock(after)
	return nil
}

// checkCart rejects bad lines before any write. credit holds per-product
// quantities already owned by the sale being edited; those units are
// available again for the new version.
func (s *Service) checkCart(items []domain.CartLine, credit map[string]int) error {
	want := make(map[string]int, len(items))
	for _, line := range items {
		if line.Quantity < 1 {
			return fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
		}
		if line.SellPrice.IsNegative() || line.BuyPrice.IsNegative() {
			return fmt.Errorf("%w: negative price on %s", ErrValidation, line.Name)
		}
		if line.ItemDiscountValue.IsNegative() {
			return fmt.Errorf("%w: negative discount on %s", ErrValidation, line.Name)
		}
		want[line.ID] += line.Quantity
	}
	for id, qty := range want {
		available := s.ledger.Stock(id) + credit[id]
		if qty > available {
			return fmt.Errorf("%w: product %s has %d left, %d requested", ErrInsufficientStock, id, available, qty)
		}
	}
	return nil
}

// lineQuantities sums quantities per product across cart lines.
func lineQuantities(items []domain.CartLine) map[string]int {
	acc := make(map[string]int, len(items))
	for _, line := range items {
		acc[line.ID] += line.Quantity
	}
	return acc
}

// lineDeltas aggregates per-product deltas with the given sign (+1 restock,
// -1 deduct), merging repeated lines of the same product.
func lineDeltas(items []domain.CartLine, sign int) []store.StockDelta {
	acc := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, line := range items {
		if _, seen := acc[line.ID]; !seen {
			order = append(order, line.ID)
		}
		acc[line.ID] += sign * line.Quantity
	}
	out := make([]store.StockDelta, 0, len(order))
	for _, id := range order {
		out = append(out, store.StockDelta{ProductID: id, Delta: acc[id]})
	}
	return out
}

// netDeltas folds rollback (+old) and reapply (−new) into a single delta
// per product, dropping products that net to zero.
func netDeltas(oldItems, newItems []domain.CartLine) []store.StockDelta {
	acc := make(map[string]int)
	order := []string{}
	bump := func(id string, d int) {
		if _, seen := acc[id]; !seen {
			order = append(order, id)
		}
		acc[id] += d
	}
	for _, line := range oldItems {
		bump(line.ID, +line.Quantity)
	}
	for _, line := range newItems {
		bump(line.ID, -line.Quantity)
	}
	out := make([]store.StockDelta, 0, len(order))
	for _, id := range order {
		if acc[id] != 0 {
			out = append(out, store.StockDelta{ProductID: id, Delta: acc[id]})
		}
	}
	return out
}

// projectAfter returns each touched product with the stock it will hold if
// the batch commits, read from the projection before the write.
func (s *Service) projectAfter(deltas []store.StockDelta) map[string]domain.Product {
	after := make(map[string]domain.Product, len(deltas))
	for _, d := range deltas {
		p, ok := s.ledger.GetByID(d.ProductID)
		if !ok {
			continue
		}
		p.Stock += d.Delta
		after[d.ProductID] = p
	}
	return after
}

// reportLowStock emits at most one warning per product per operation.
func (s *Service) reportLowStock(after map[string]domain.Product) {
	for _, p := range after {
		if p.Stock < ledger.LowStockThreshold {
			s.notifier.Emit(domain.LevelWarning, fmt.Sprintf("Alert: %s running low (%d)", p.Name, p.Stock))
		}
	}
}

func clampPercent(pct decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

// ListSales returns sale history, newest first.
func (s *Service) ListSales(ctx context.Context) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx)
}

// GetSale returns one sale by id.
func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// ListProducts serves reads from the ledger projection.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.ledger.Products()
}

// AddProduct inserts a new catalogue entry.
func (s *Service) AddProduct(ctx context.Context, in domain.ProductInput) (domain.Product, error) {
	if err := s.validateProductInput(in); err != nil {
		return domain.Product{}, err
	}
	p := productFromInput(xid.New("prd"), in)
	if err := s.repo.InsertProduct(ctx, p); err != nil {
		return domain.Product{}, fmt.Errorf("add product: %w", err)
	}
	s.notifier.Emit(domain.LevelInfo, fmt.Sprintf("Product %s added.", p.Name))
	return p, nil
}

// UpdateProduct replaces the full product record, including an absolute
// stock count. This is the restock/correction path, distinct from sale
// deltas which only ever adjust relatively.
func (s *Service) UpdateProduct(ctx context.Context, id string, in domain.ProductInput) (domain.Product, error) {
	if err := s.validateProductInput(in); err != nil {
		return domain.Product{}, err
	}
	p := productFromInput(id, in)
	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return domain.Product{}, fmt.Errorf("update product: %w", err)
	}
	return p, nil
}

// DeleteProduct removes a product. Historical sales keep their line
// snapshots, so past bills remain intact.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

func (s *Service) validateProductInput(in domain.ProductInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.BuyPrice.IsNegative() || in.SellPrice.IsNegative() {
		return fmt.Errorf("%w: prices must not be negative", ErrValidation)
	}
	return nil
}

func productFromInput(id string, in domain.ProductInput) domain.Product {
	return domain.Product{
		ID:         id,
		Name:       in.Name,
		Category:   in.Category,
		Batch:      in.Batch,
		ExpiryDate: in.ExpiryDate,
		BuyPrice:   in.BuyPrice,
		SellPrice:  in.SellPrice,
		Stock:      in.Stock,
		Location:   in.Location,
		Vendor:     in.Vendor,
		Image:      in.Image,
	}
}

// ListCategories returns the category labels.
func (s *Service) ListCategories(ctx context.Context) ([]string, error) {
	return s.repo.ListCategories(ctx)
}

// AddCategory adds a label; duplicates are reported, not duplicated.
func (s *Service) AddCategory(ctx context.Context, req domain.CategoryAddRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	added, err := s.repo.AddCategory(ctx, req.Name)
	if err != nil {
		return fmt.Errorf("add category: %w", err)
	}
	if !added {
		s.notifier.Emit(domain.LevelWarning, fmt.Sprintf("Category %q already exists.", req.Name))
		return nil
	}
	s.notifier.Emit(domain.LevelInfo, fmt.Sprintf("Category %q added.", req.Name))
	return nil
}

// ResetSystem wipes products, sales and custom categories.
func (s *Service) ResetSystem(ctx context.Context) error {
	if err := s.repo.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	actor := ActorFromContext(ctx)
	s.log.WithField("actor", actor.Username).Warn("system reset")
	s.notifier.Emit(domain.LevelAlert, "System reset. All products and sales cleared.")
	return nil
}
