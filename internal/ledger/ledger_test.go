package ledger

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
	"medipos/backend/internal/store/memory"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func startLedger(t *testing.T, repo store.Repository) *Ledger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := New(repo, testLogger())
	if err := l.Start(ctx); err != nil {
		t.Fatalf("start ledger: %v", err)
	}
	return l
}

func waitForStock(t *testing.T, l *Ledger, id string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, ok := l.GetByID(id); ok && p.Stock == want {
			return
		}
		if time.Now().After(deadline) {
			p, _ := l.GetByID(id)
			t.Fatalf("stock for %s never reached %d, last saw %d", id, want, p.Stock)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestInitialSnapshot(t *testing.T) {
	repo := memory.NewSeeded()
	l := startLedger(t, repo)

	products, err := l.Products()
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("expected 3 seeded products, got %d", len(products))
	}
}

func TestProjectionFollowsCommittedDeltas(t *testing.T) {
	repo := memory.NewSeeded()
	l := startLedger(t, repo)

	products, _ := repo.ListProducts(context.Background())
	target := products[0]

	err := repo.ApplySaleBatch(context.Background(), store.SaleBatch{
		StockDeltas: []store.StockDelta{{ProductID: target.ID, Delta: -4}},
	})
	if err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	waitForStock(t, l, target.ID, target.Stock-4)
}

func TestProjectionDropsDeletedProduct(t *testing.T) {
	repo := memory.NewSeeded()
	l := startLedger(t, repo)

	products, _ := repo.ListProducts(context.Background())
	id := products[0].ID
	if err := repo.DeleteProduct(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := l.GetByID(id); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("deleted product still in projection")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestProjectionReloadsOnReset(t *testing.T) {
	repo := memory.NewSeeded()
	l := startLedger(t, repo)

	if err := repo.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		products, err := l.Products()
		if err == nil && len(products) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("projection never emptied after reset, %d products left", len(products))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFailedBatchLeavesProjectionUntouched(t *testing.T) {
	repo := memory.NewSeeded()
	l := startLedger(t, repo)

	products, _ := repo.ListProducts(context.Background())
	target := products[0]

	repo.FailNextBatch(context.DeadlineExceeded)
	err := repo.ApplySaleBatch(context.Background(), store.SaleBatch{
		StockDeltas: []store.StockDelta{{ProductID: target.ID, Delta: -5}},
	})
	if err == nil {
		t.Fatal("expected injected batch failure")
	}

	time.Sleep(20 * time.Millisecond)
	if p, _ := l.GetByID(target.ID); p.Stock != target.Stock {
		t.Fatalf("projection moved on a failed batch: %d != %d", p.Stock, target.Stock)
	}
}

func TestLowStock(t *testing.T) {
	repo := memory.New()
	low := domain.Product{
		ID: "prd-low", Name: "Zinc Tablets", Category: "Tablet/Medicine",
		BuyPrice: decimal.NewFromInt(5), SellPrice: decimal.NewFromInt(9), Stock: 3,
	}
	ok := domain.Product{
		ID: "prd-ok", Name: "Bandage Roll", Category: "Others",
		BuyPrice: decimal.NewFromInt(10), SellPrice: decimal.NewFromInt(18), Stock: 40,
	}
	for _, p := range []domain.Product{low, ok} {
		if err := repo.InsertProduct(context.Background(), p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	l := startLedger(t, repo)
	got := l.LowStock()
	if len(got) != 1 || got[0].ID != low.ID {
		t.Fatalf("expected only %s below threshold, got %v", low.ID, got)
	}
}
