// Package reports computes dashboard summaries over sale history and the
// product projection, with an optional cache in front.
package reports

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"medipos/backend/internal/cache"
	"medipos/backend/internal/domain"
	"medipos/backend/internal/ledger"
	"medipos/backend/internal/store"
)

const dateLayout = "2006-01-02"

// Engine computes summary reports. Cached entries are keyed by the query
// window plus a generation counter that every committed sale bumps, so a
// stale summary is never served after a new sale.
type Engine struct {
	repo       store.Repository
	ledger     *ledger.Ledger
	cache      cache.SummaryCache
	log        *logrus.Logger
	generation atomic.Uint64
}

func NewEngine(repo store.Repository, led *ledger.Ledger, c cache.SummaryCache, log *logrus.Logger) *Engine {
	return &Engine{repo: repo, ledger: led, cache: c, log: log}
}

// Start watches the change feed. Every sale or catalogue change bumps the
// generation and drops the cached windows; the generation also keys the
// cache, so even a failed invalidation cannot serve a stale summary.
func (e *Engine) Start(ctx context.Context) {
	events, cancel := e.repo.Subscribe(64)
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
				if ev.Collection == store.CollectionSales || ev.Collection == store.CollectionProducts {
					e.generation.Add(1)
					if err := e.cache.Invalidate(ctx); err != nil {
						e.log.WithError(err).Warn("summary cache invalidation failed")
					}
				}
			}
		}
	}()
}

// Summary aggregates the window [from, to] (inclusive, YYYY-MM-DD; empty
// bounds mean unbounded).
func (e *Engine) Summary(ctx context.Context, from, to string) (domain.SummaryReport, error) {
	lo, hi, err := parseWindow(from, to)
	if err != nil {
		return domain.SummaryReport{}, err
	}

	key := fmt.Sprintf("%s|%s|%d", from, to, e.generation.Load())
	if cached, err := e.cache.Get(ctx, key); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		e.log.WithError(err).Warn("summary cache read failed")
	}

	report, err := e.compute(ctx, from, to, lo, hi)
	if err != nil {
		return domain.SummaryReport{}, err
	}
	if err := e.cache.Set(ctx, key, report); err != nil {
		e.log.WithError(err).Warn("summary cache write failed")
	}
	return report, nil
}

func (e *Engine) compute(ctx context.Context, from, to string, lo, hi int64) (domain.SummaryReport, error) {
	sales, err := e.repo.ListSales(ctx)
	if err != nil {
		return domain.SummaryReport{}, fmt.Errorf("list sales: %w", err)
	}
	products, err := e.ledger.Products()
	if err != nil {
		return domain.SummaryReport{}, fmt.Errorf("read projection: %w", err)
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UnixMilli()

	report := domain.SummaryReport{
		From:            from,
		To:              to,
		Revenue:         decimal.Zero,
		Profit:          decimal.Zero,
		TodayCollection: decimal.Zero,
		TodayProfit:     decimal.Zero,
		ProductCount:    len(products),
		GeneratedAt:     now.Format(time.RFC3339),
	}

	for _, s := range sales {
		if s.Timestamp >= dayStart {
			report.TodayCollection = report.TodayCollection.Add(s.TotalAmount)
			report.TodayProfit = report.TodayProfit.Add(s.TotalProfit)
		}
		if (lo > 0 && s.Timestamp < lo) || (hi > 0 && s.Timestamp > hi) {
			continue
		}
		report.SaleCount++
		report.Revenue = report.Revenue.Add(s.TotalAmount)
		report.Profit = report.Profit.Add(s.TotalProfit)
	}

	report.LowStockItems = e.ledger.LowStock()

	today := now.Format(dateLayout)
	report.ExpiredStockCost = decimal.Zero
	for _, p := range products {
		if p.ExpiryDate != "" && p.ExpiryDate < today {
			report.ExpiredItems = append(report.ExpiredItems, p)
			qty := decimal.NewFromInt(int64(p.Stock))
			report.ExpiredStockCost = report.ExpiredStockCost.Add(p.BuyPrice.Mul(qty))
		}
	}
	return report, nil
}

func parseWindow(from, to string) (int64, int64, error) {
	var lo, hi int64
	if from != "" {
		t, err := time.ParseInLocation(dateLayout, from, time.Local)
		if err != nil {
			return 0, 0, fmt.Errorf("bad from date %q: %w", from, err)
		}
		lo = t.UnixMilli()
	}
	if to != "" {
		t, err := time.ParseInLocation(dateLayout, to, time.Local)
		if err != nil {
			return 0, 0, fmt.Errorf("bad to date %q: %w", to, err)
		}
		hi = t.Add(24*time.Hour - time.Millisecond).UnixMilli()
	}
	return lo, hi, nil
}
