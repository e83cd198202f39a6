package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"medipos/backend/internal/domain"
	"medipos/backend/internal/ledger"
	"medipos/backend/internal/notify"
	"medipos/backend/internal/store"
	"medipos/backend/internal/store/memory"
)

type fixture struct {
	repo     *memory.Store
	ledger   *ledger.Ledger
	notifier *notify.Emitter
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	repo := memory.NewSeeded()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	led := ledger.New(repo, log)
	if err := led.Start(ctx); err != nil {
		t.Fatalf("start ledger: %v", err)
	}
	notifier := notify.NewEmitter(log, 0)
	t.Cleanup(notifier.Close)

	return &fixture{
		repo:     repo,
		ledger:   led,
		notifier: notifier,
		svc:      New(repo, led, notifier, log),
	}
}

// syncLedger blocks until the projection matches the repository for id.
func (f *fixture) syncLedger(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		truth, err := f.repo.GetProduct(context.Background(), id)
		if err != nil {
			t.Fatalf("get product: %v", err)
		}
		if p, ok := f.ledger.GetByID(id); ok && p.Stock == truth.Stock {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("ledger never caught up for %s", id)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fixture) anyProduct(t *testing.T) domain.Product {
	t.Helper()
	products, err := f.repo.ListProducts(context.Background())
	if err != nil || len(products) == 0 {
		t.Fatalf("no seeded products: %v", err)
	}
	return products[0]
}

func (f *fixture) stockOf(t *testing.T, id string) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	if err != nil {
		t.Fatalf("get product %s: %v", id, err)
	}
	return p.Stock
}

func cartOf(p domain.Product, qty int) []domain.CartLine {
	return []domain.CartLine{{Product: p, Quantity: qty}}
}

func hasNotification(ns []domain.Notification, level, substr string) bool {
	for _, n := range ns {
		if n.Level == level && strings.Contains(n.Message, substr) {
			return true
		}
	}
	return false
}

func TestProcessSaleCommitsRecordAndStock(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)
	before := p.Stock

	sale, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{
		Items:      cartOf(p, 2),
		IncludeGST: true,
	})
	if err != nil {
		t.Fatalf("process sale: %v", err)
	}
	if sale.ID == "" {
		t.Fatal("expected a sale id")
	}

	wantSub := p.SellPrice.Mul(decimal.NewFromInt(2))
	if !sale.SubTotal.Equal(wantSub) {
		t.Fatalf("expected subtotal %s, got %s", wantSub, sale.SubTotal)
	}
	if !sale.TaxApplied {
		t.Fatal("expected gst on the bill")
	}
	if got := f.stockOf(t, p.ID); got != before-2 {
		t.Fatalf("expected stock %d, got %d", before-2, got)
	}
	if _, err := f.repo.GetSale(context.Background(), sale.ID); err != nil {
		t.Fatalf("sale not persisted: %v", err)
	}
	if !hasNotification(f.notifier.List(), domain.LevelInfo, "Bill generated") {
		t.Fatal("expected bill notification")
	}
}

func TestProcessSaleRejectsEmptyCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	sales, _ := f.repo.ListSales(context.Background())
	if len(sales) != 0 {
		t.Fatal("no sale should persist on validation failure")
	}
}

func TestProcessSaleRejectsOverStock(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)

	_, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{
		Items: cartOf(p, p.Stock+1),
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := f.stockOf(t, p.ID); got != p.Stock {
		t.Fatalf("stock moved on rejected sale: %d != %d", got, p.Stock)
	}
}

func TestDeleteSaleRestoresStock(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)
	before := p.Stock

	sale, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{Items: cartOf(p, 3)})
	if err != nil {
		t.Fatalf("process sale: %v", err)
	}
	if got := f.stockOf(t, p.ID); got != before-3 {
		t.Fatalf("expected stock %d after sale, got %d", before-3, got)
	}
	f.syncLedger(t, p.ID)

	if err := f.svc.DeleteSale(context.Background(), sale.ID); err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if got := f.stockOf(t, p.ID); got != before {
		t.Fatalf("stock not conserved: expected %d, got %d", before, got)
	}
	if _, err := f.repo.GetSale(context.Background(), sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("sale should be gone, got %v", err)
	}
	if !hasNotification(f.notifier.List(), domain.LevelAlert, "Stock restored") {
		t.Fatal("expected alert-level restock notification")
	}
}

func TestDeleteMissingSaleIsNoOp(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.DeleteSale(context.Background(), "sale-does-not-exist"); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if len(f.notifier.List()) != 0 {
		t.Fatal("no notification expected for a missing sale")
	}
}

func TestEditIdenticalSaleNetsZero(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)

	sale, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{Items: cartOf(p, 2)})
	if err != nil {
		t.Fatalf("process sale: %v", err)
	}
	f.syncLedger(t, p.ID)
	stockAfterSale := f.stockOf(t, p.ID)

	if _, err := f.svc.UpdateSale(context.Background(), sale.ID, domain.ProcessSaleRequest{Items: cartOf(p, 2)}); err != nil {
		t.Fatalf("update sale: %v", err)
	}
	if got := f.stockOf(t, p.ID); got != stockAfterSale {
		t.Fatalf("identical edit moved stock: %d != %d", got, stockAfterSale)
	}
}

func TestEditAppliesNetDelta(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)
	before := p.Stock

	sale, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{Items: cartOf(p, 2)})
	if err != nil {
		t.Fatalf("process sale: %v", err)
	}
	f.syncLedger(t, p.ID)

	if _, err := f.svc.UpdateSale(context.Background(), sale.ID, domain.ProcessSaleRequest{Items: cartOf(p, 5)}); err != nil {
		t.Fatalf("update sale: %v", err)
	}
	if got := f.stockOf(t, p.ID); got != before-5 {
		t.Fatalf("expected net stock %d after edit 2->5, got %d", before-5, got)
	}
}

func TestEditPreservesTaxFlag(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)

	sale, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{
		Items:      cartOf(p, 1),
		IncludeGST: true,
	})
	if err != nil {
		t.Fatalf("process sale: %v", err)
	}
	f.syncLedger(t, p.ID)

	updated, err := f.svc.UpdateSale(context.Background(), sale.ID, domain.ProcessSaleRequest{
		Items:      cartOf(p, 1),
		IncludeGST: false, // ignored: the original bill carried gst
	})
	if err != nil {
		t.Fatalf("update sale: %v", err)
	}
	if !updated.TaxApplied {
		t.Fatal("edit must not drop gst from a taxed sale")
	}
}

func TestTaxFlagSurvivesFullyDiscountedLines(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)

	free := domain.CartLine{Product: p, Quantity: 1, ItemDiscountType: domain.DiscountPercent,
		ItemDiscountValue: decimal.NewFromInt(100)}
	sale, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{
		Items:      []domain.CartLine{free},
		IncludeGST: true,
	})
	if err != nil {
		t.Fatalf("process sale: %v", err)
	}
	if !sale.GSTAmount.IsZero() {
		t.Fatalf("expected zero gst on a free bill, got %s", sale.GSTAmount)
	}
	if !sale.TaxApplied {
		t.Fatal("tax flag must not depend on the gst amount")
	}
	f.syncLedger(t, p.ID)

	updated, err := f.svc.UpdateSale(context.Background(), sale.ID, domain.ProcessSaleRequest{
		Items: cartOf(p, 1),
	})
	if err != nil {
		t.Fatalf("update sale: %v", err)
	}
	if !updated.TaxApplied || !updated.GSTAmount.IsPositive() {
		t.Fatalf("expected gst reapplied on edit, flag=%v gst=%s", updated.TaxApplied, updated.GSTAmount)
	}
}

func TestEditMissingSaleIsNoOp(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)

	got, err := f.svc.UpdateSale(context.Background(), "sale-gone", domain.ProcessSaleRequest{Items: cartOf(p, 1)})
	if err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if got.ID != "" {
		t.Fatalf("expected zero sale, got %+v", got)
	}
	if s := f.stockOf(t, p.ID); s != p.Stock {
		t.Fatal("stock moved for a missing sale edit")
	}
}

func TestFailedBatchLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)

	f.repo.FailNextBatch(errors.New("backend down"))
	_, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{Items: cartOf(p, 2)})
	if !errors.Is(err, store.ErrBatchFailed) {
		t.Fatalf("expected wrapped batch failure, got %v", err)
	}

	if got := f.stockOf(t, p.ID); got != p.Stock {
		t.Fatalf("stock changed on failed batch: %d != %d", got, p.Stock)
	}
	sales, _ := f.repo.ListSales(context.Background())
	if len(sales) != 0 {
		t.Fatal("sale persisted despite failed batch")
	}
	if !hasNotification(f.notifier.List(), domain.LevelAlert, "Transaction failed") {
		t.Fatal("expected failure notification")
	}
}

func TestLowStockWarningOnCrossingThreshold(t *testing.T) {
	f := newFixture(t)
	p := domain.Product{
		ID: "prd-gauze", Name: "Gauze Pack", Category: "Others",
		BuyPrice: decimal.NewFromInt(4), SellPrice: decimal.NewFromInt(7), Stock: 11,
	}
	if err := f.repo.InsertProduct(context.Background(), p); err != nil {
		t.Fatalf("insert: %v", err)
	}
	f.syncLedger(t, p.ID)

	if _, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{Items: cartOf(p, 3)}); err != nil {
		t.Fatalf("process sale: %v", err)
	}
	if !hasNotification(f.notifier.List(), domain.LevelWarning, "Gauze Pack running low (8)") {
		t.Fatal("expected low stock warning with the post-sale count")
	}
}

func TestRepeatedLinesOfSameProductMerge(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)
	before := p.Stock

	items := []domain.CartLine{
		{Product: p, Quantity: 2},
		{Product: p, Quantity: 3},
	}
	if _, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{Items: items}); err != nil {
		t.Fatalf("process sale: %v", err)
	}
	if got := f.stockOf(t, p.ID); got != before-5 {
		t.Fatalf("expected merged delta -5, got stock %d (was %d)", got, before)
	}
}

func TestAddCategoryDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.AddCategory(ctx, domain.CategoryAddRequest{Name: "Ayurvedic"}); err != nil {
		t.Fatalf("add category: %v", err)
	}
	if err := f.svc.AddCategory(ctx, domain.CategoryAddRequest{Name: "Ayurvedic"}); err != nil {
		t.Fatalf("duplicate add should not error: %v", err)
	}

	cats, _ := f.repo.ListCategories(ctx)
	count := 0
	for _, c := range cats {
		if c == "Ayurvedic" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one Ayurvedic entry, got %d", count)
	}
	if !hasNotification(f.notifier.List(), domain.LevelWarning, "already exists") {
		t.Fatal("expected duplicate warning")
	}
}

func TestResetSystemClearsEverything(t *testing.T) {
	f := newFixture(t)
	p := f.anyProduct(t)
	if _, err := f.svc.ProcessSale(context.Background(), domain.ProcessSaleRequest{Items: cartOf(p, 1)}); err != nil {
		t.Fatalf("process sale: %v", err)
	}

	if err := f.svc.ResetSystem(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	products, _ := f.repo.ListProducts(context.Background())
	sales, _ := f.repo.ListSales(context.Background())
	if len(products) != 0 || len(sales) != 0 {
		t.Fatalf("expected empty store after reset, got %d products, %d sales", len(products), len(sales))
	}
	if !hasNotification(f.notifier.List(), domain.LevelAlert, "System reset") {
		t.Fatal("expected reset alert")
	}
}
