// Package postgres is the durable repository backend.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"

	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
)

type Store struct {
	store.Broadcaster

	db *sql.DB
}

// New opens the pool, verifies connectivity and provisions the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			batch TEXT NOT NULL DEFAULT '',
			expiry_date TEXT NOT NULL DEFAULT '',
			buy_price NUMERIC(14,4) NOT NULL DEFAULT 0,
			sell_price NUMERIC(14,4) NOT NULL DEFAULT 0,
			stock INTEGER NOT NULL DEFAULT 0,
			location TEXT NOT NULL DEFAULT '',
			vendor TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sales (
			id TEXT PRIMARY KEY,
			items JSONB NOT NULL,
			sub_total NUMERIC(14,4) NOT NULL,
			gst_amount NUMERIC(14,4) NOT NULL,
			tax_applied BOOLEAN NOT NULL DEFAULT false,
			discount_percentage NUMERIC(7,4) NOT NULL,
			discount_amount NUMERIC(14,4) NOT NULL,
			total_amount NUMERIC(14,4) NOT NULL,
			total_profit NUMERIC(14,4) NOT NULL,
			ts BIGINT NOT NULL,
			customer_name TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			customer_mobile TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			name TEXT PRIMARY KEY,
			seeded BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE INDEX IF NOT EXISTS sales_ts_idx ON sales (ts DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return s.seed(ctx)
}

// seed provisions the seed categories and the default accounts so a fresh
// database is immediately usable. Inserts are idempotent; existing rows,
// including changed passwords, are left alone.
func (s *Store) seed(ctx context.Context) error {
	for _, name := range []string{"Syrup", "Tablet/Medicine", "Lotion", "Cosmetics", "Sanitary Pad", "Others"} {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO categories (name, seeded) VALUES ($1, true)
			ON CONFLICT (name) DO UPDATE SET seeded = true
		`, name)
		if err != nil {
			return err
		}
	}

	accounts := []struct {
		username string
		role     string
		envKey   string
		fallback string
	}{
		{"admin", "admin", "SEED_ADMIN_PASSWORD", "admin123"},
		{"cashier", "cashier", "SEED_CASHIER_PASSWORD", "cashier123"},
	}
	for _, acc := range accounts {
		pw := os.Getenv(acc.envKey)
		if pw == "" {
			pw = acc.fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO users (username, password, role, active) VALUES ($1, $2, $3, true)
			ON CONFLICT (username) DO NOTHING
		`, acc.username, string(hash), acc.role)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.CloseAll()
	return s.db.Close()
}

const productCols = `id, name, category, batch, expiry_date, buy_price, sell_price, stock, location, vendor, image`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Batch, &p.ExpiryDate,
		&p.BuyPrice, &p.SellPrice, &p.Stock, &p.Location, &p.Vendor, &p.Image)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productCols+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	return p, err
}

func (s *Store) InsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		return fmt.Errorf("product id missing: %w", store.ErrInvalidRecord)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, batch, expiry_date, buy_price, sell_price, stock, location, vendor, image, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
	`, p.ID, p.Name, p.Category, p.Batch, p.ExpiryDate, p.BuyPrice, p.SellPrice, p.Stock, p.Location, p.Vendor, p.Image)
	if err != nil {
		return err
	}
	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeUpsert, ID: p.ID})
	return nil
}

func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, batch = $4, expiry_date = $5, buy_price = $6,
			sell_price = $7, stock = $8, location = $9, vendor = $10, image = $11, updated_at = now()
		WHERE id = $1
	`, p.ID, p.Name, p.Category, p.Batch, p.ExpiryDate, p.BuyPrice, p.SellPrice, p.Stock, p.Location, p.Vendor, p.Image)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %s: %w", p.ID, store.ErrNotFound)
	}
	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeUpsert, ID: p.ID})
	return nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeDelete, ID: id})
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY seeded DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) AddCategory(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (name) VALUES ($1) ON CONFLICT (name) DO NOTHING
	`, name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	s.Publish(store.ChangeEvent{Collection: store.CollectionCategories, Kind: store.ChangeUpsert, ID: name})
	return true, nil
}

const saleCols = `id, items, sub_total, gst_amount, tax_applied, discount_percentage, discount_amount, total_amount, total_profit, ts, customer_name, customer_email, customer_mobile`

func scanSale(row interface{ Scan(...any) error }) (domain.Sale, error) {
	var sale domain.Sale
	var items []byte
	err := row.Scan(&sale.ID, &items, &sale.SubTotal, &sale.GSTAmount,
		&sale.TaxApplied, &sale.DiscountPercentage, &sale.DiscountAmount,
		&sale.TotalAmount, &sale.TotalProfit, &sale.Timestamp,
		&sale.CustomerName, &sale.CustomerEmail, &sale.CustomerMobile)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := json.Unmarshal(items, &sale.Items); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale items: %w", err)
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+saleCols+` FROM sales ORDER BY ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *Store) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleCols+` FROM sales WHERE id = $1`, id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Sale{}, fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	return sale, err
}

// ApplySaleBatch runs the sale write and every stock delta in one
// serializable transaction. Deltas are applied as relative updates so two
// concurrent batches touching the same product commute.
func (s *Store) ApplySaleBatch(ctx context.Context, batch store.SaleBatch) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBatchFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	events := make([]store.ChangeEvent, 0, len(batch.StockDeltas)+1)
	for _, d := range batch.StockDeltas {
		_, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
		`, d.ProductID, d.Delta)
		if err != nil {
			return fmt.Errorf("%w: stock delta for %s: %v", store.ErrBatchFailed, d.ProductID, err)
		}
		events = append(events, store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeUpsert, ID: d.ProductID})
	}

	switch {
	case batch.InsertSale != nil:
		if err := upsertSale(ctx, tx, *batch.InsertSale, true); err != nil {
			return err
		}
		events = append(events, store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeUpsert, ID: batch.InsertSale.ID})
	case batch.UpdateSale != nil:
		if err := upsertSale(ctx, tx, *batch.UpdateSale, false); err != nil {
			return err
		}
		events = append(events, store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeUpsert, ID: batch.UpdateSale.ID})
	case batch.DeleteSaleID != "":
		res, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, batch.DeleteSaleID)
		if err != nil {
			return fmt.Errorf("%w: delete sale: %v", store.ErrBatchFailed, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrBatchFailed, err)
		}
		if affected == 0 {
			return fmt.Errorf("sale %s: %w", batch.DeleteSaleID, store.ErrNotFound)
		}
		events = append(events, store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeDelete, ID: batch.DeleteSaleID})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrBatchFailed, err)
	}
	for _, ev := range events {
		s.Publish(ev)
	}
	return nil
}

func upsertSale(ctx context.Context, tx *sql.Tx, sale domain.Sale, insert bool) error {
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return fmt.Errorf("%w: encode items: %v", store.ErrBatchFailed, err)
	}
	if insert {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sales (`+saleCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, sale.ID, items, sale.SubTotal, sale.GSTAmount, sale.TaxApplied,
			sale.DiscountPercentage, sale.DiscountAmount, sale.TotalAmount,
			sale.TotalProfit, sale.Timestamp, sale.CustomerName,
			sale.CustomerEmail, sale.CustomerMobile)
		if err != nil {
			return fmt.Errorf("%w: insert sale: %v", store.ErrBatchFailed, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET items = $2, sub_total = $3, gst_amount = $4, tax_applied = $5,
			discount_percentage = $6, discount_amount = $7, total_amount = $8,
			total_profit = $9, ts = $10, customer_name = $11,
			customer_email = $12, customer_mobile = $13
		WHERE id = $1
	`, sale.ID, items, sale.SubTotal, sale.GSTAmount, sale.TaxApplied,
		sale.DiscountPercentage, sale.DiscountAmount, sale.TotalAmount,
		sale.TotalProfit, sale.Timestamp, sale.CustomerName,
		sale.CustomerEmail, sale.CustomerMobile)
	if err != nil {
		return fmt.Errorf("%w: update sale: %v", store.ErrBatchFailed, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBatchFailed, err)
	}
	if affected == 0 {
		return fmt.Errorf("sale %s: %w", sale.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password, role, active FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.UserAccount
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Reset truncates business data but keeps user accounts and seeded
// categories.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`TRUNCATE products`,
		`TRUNCATE sales`,
		`DELETE FROM categories WHERE seeded = false`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.Publish(store.ChangeEvent{Collection: store.CollectionProducts, Kind: store.ChangeReset})
	s.Publish(store.ChangeEvent{Collection: store.CollectionSales, Kind: store.ChangeReset})
	s.Publish(store.ChangeEvent{Collection: store.CollectionCategories, Kind: store.ChangeReset})
	return nil
}
