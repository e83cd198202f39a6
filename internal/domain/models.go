package domain

import "github.com/shopspring/decimal"

// Product is a stocked pharmacy item. Stock is the sole authoritative
// count; a sale never overwrites it with a computed value, it is adjusted
// only through relative deltas inside a persistence batch.
type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Category   string          `json:"category"`
	Batch      string          `json:"batch"`
	ExpiryDate string          `json:"expiryDate"` // YYYY-MM-DD
	BuyPrice   decimal.Decimal `json:"buyPrice"`
	SellPrice  decimal.Decimal `json:"sellPrice"`
	Stock      int             `json:"stock"`
	Location   string          `json:"location"`
	Vendor     string          `json:"vendor,omitempty"`
	Image      string          `json:"image,omitempty"`
}

// Item discount modes on a cart line.
const (
	DiscountPercent = "PERCENT"
	DiscountFlat    = "FLAT"
)

// CartLine freezes a product at the moment of sale plus the sale-specific
// quantity and per-item discount. Once the sale is persisted the line is
// immutable except through the explicit sale edit path.
type CartLine struct {
	Product
	Quantity          int             `json:"quantity" validate:"required,min=1"`
	ItemDiscountType  string          `json:"itemDiscountType,omitempty" validate:"omitempty,oneof=PERCENT FLAT"`
	ItemDiscountValue decimal.Decimal `json:"itemDiscountValue"`
}

// Sale is an immutable-by-default record of a completed transaction. The
// record and its stock effects always commit together or not at all.
type Sale struct {
	ID                 string          `json:"id"`
	Items              []CartLine      `json:"items"`
	SubTotal           decimal.Decimal `json:"subTotal"`
	GSTAmount          decimal.Decimal `json:"gstAmount"`
	// TaxApplied is frozen at creation time; an edit never flips it, even
	// when discounts bring GSTAmount to zero.
	TaxApplied         bool            `json:"taxApplied"`
	DiscountPercentage decimal.Decimal `json:"discountPercentage"`
	DiscountAmount     decimal.Decimal `json:"discountAmount"`
	TotalAmount        decimal.Decimal `json:"totalAmount"`
	TotalProfit        decimal.Decimal `json:"totalProfit"`
	Timestamp          int64           `json:"timestamp"` // epoch ms
	CustomerName       string          `json:"customerName,omitempty"`
	CustomerEmail      string          `json:"customerEmail,omitempty"`
	CustomerMobile     string          `json:"customerMobile,omitempty"`
}

// Notification levels, in increasing visual weight.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelAlert   = "alert"
)

// Notification is a transient user-facing message. Entries expire on their
// own shortly after emission; marking one read only affects display.
type Notification struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp int64  `json:"timestamp"` // epoch ms
	Read      bool   `json:"read"`
}

// ProductInput carries the writable fields of a product for add and
// full-record replace. Price signs are checked in the service.
type ProductInput struct {
	Name       string          `json:"name" validate:"required"`
	Category   string          `json:"category" validate:"required"`
	Batch      string          `json:"batch"`
	ExpiryDate string          `json:"expiryDate" validate:"omitempty,datetime=2006-01-02"`
	BuyPrice   decimal.Decimal `json:"buyPrice"`
	SellPrice  decimal.Decimal `json:"sellPrice"`
	Stock      int             `json:"stock" validate:"min=0"`
	Location   string          `json:"location"`
	Vendor     string          `json:"vendor,omitempty"`
	Image      string          `json:"image,omitempty"`
}

// ProcessSaleRequest is the checkout payload: the cart plus optional
// customer details, the tax flag and the whole-bill discount percentage.
type ProcessSaleRequest struct {
	Items              []CartLine      `json:"items" validate:"required,min=1,dive"`
	CustomerName       string          `json:"customerName,omitempty"`
	CustomerEmail      string          `json:"customerEmail,omitempty" validate:"omitempty,email"`
	CustomerMobile     string          `json:"customerMobile,omitempty"`
	IncludeGST         bool            `json:"includeGST"`
	DiscountPercentage decimal.Decimal `json:"discountPercentage"`
}

type CategoryAddRequest struct {
	Name string `json:"name" validate:"required"`
}

// SummaryReport aggregates sales and stock health for the dashboard.
type SummaryReport struct {
	From             string          `json:"from"`
	To               string          `json:"to"`
	Revenue          decimal.Decimal `json:"revenue"`
	Profit           decimal.Decimal `json:"profit"`
	TodayCollection  decimal.Decimal `json:"todayCollection"`
	TodayProfit      decimal.Decimal `json:"todayProfit"`
	SaleCount        int             `json:"saleCount"`
	ProductCount     int             `json:"productCount"`
	LowStockItems    []Product       `json:"lowStockItems"`
	ExpiredItems     []Product       `json:"expiredItems"`
	ExpiredStockCost decimal.Decimal `json:"expiredStockCost"`
	GeneratedAt      string          `json:"generatedAt"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor identifies the authenticated caller carried through context.
type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username string
	Password string
	Role     string
	Active   bool
}
