package models

import (
	"context"
	"errors"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SaleTransaction is one finalized POS sale. Items is the line-item snapshot
// frozen at creation (JSON, serialized by the register); TransactionHash is
// assigned exactly once by the chain append workflow and is immutable after
// that; only a full chain reset may rewrite it.
type SaleTransaction struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"size:64;not null;index:idx_sale_biz_date,priority:1" json:"business_id" binding:"required"`
	UserId          int             `gorm:"index;not null" json:"user_id" binding:"required"`
	TransactionDate time.Time       `gorm:"not null;index:idx_sale_biz_date,priority:2" json:"transaction_date" binding:"required"`
	Items           string          `gorm:"type:json;not null" json:"items"`
	Subtotal        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	Tax             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax"`
	Discount        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	Total           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	PaymentMethod   PaymentMethod   `gorm:"type:enum('cash','card','mixed','other');default:cash" json:"payment_method"`
	ReceiptNumber   string          `gorm:"size:255;not null" json:"receipt_number"`
	TransactionHash *string         `gorm:"size:64;default:null" json:"transaction_hash"`
	CreatedAt       time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SaleItem is one line of the frozen Items snapshot. TaxRate is the VAT rate
// in percent; nil when the register could not resolve a per-item rate.
type SaleItem struct {
	ProductId int              `json:"product_id"`
	Name      string           `json:"name"`
	Qty       decimal.Decimal  `json:"qty"`
	Price     decimal.Decimal  `json:"price"`
	TaxRate   *decimal.Decimal `json:"tax_rate"`
}

type NewSaleTransaction struct {
	TransactionDate time.Time       `json:"transaction_date" binding:"required"`
	Items           []SaleItem      `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
	PaymentMethod   PaymentMethod   `json:"payment_method" binding:"required"`
	ReceiptNumber   string          `json:"receipt_number" binding:"required"`
}

// Validate input before a chained append. There is no model-level Create:
// the insert itself must happen inside the chain critical section, so the
// chain workflow calls this and then inserts.
func (input *NewSaleTransaction) Validate(_ context.Context, businessId string) error {
	if businessId == "" {
		return errors.New("business id is required")
	}
	if input.TransactionDate.IsZero() {
		return errors.New("transaction date is required")
	}
	if input.ReceiptNumber == "" {
		return errors.New("receipt number is required")
	}
	if _, err := ParsePaymentMethod(string(input.PaymentMethod)); err != nil {
		return err
	}
	return nil
}

// ParsedItems decodes the frozen snapshot. A transaction saved without lines
// yields an empty slice, not an error.
func (t *SaleTransaction) ParsedItems() ([]SaleItem, error) {
	if t.Items == "" {
		return []SaleItem{}, nil
	}
	var items []SaleItem
	if err := utils.UnmarshalFromJSON([]byte(t.Items), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// BeforeUpdate keeps assigned hashes immutable. The chain reset workflow is
// the single exception and runs with SkipHooks.
func (t *SaleTransaction) BeforeUpdate(tx *gorm.DB) error {
	if t.TransactionHash != nil && tx.Statement.Changed("TransactionHash") {
		return errors.New("transaction_hash is immutable once assigned")
	}
	return nil
}

func GetSaleTransaction(ctx context.Context, id int) (*SaleTransaction, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var result SaleTransaction
	err := db.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, id).First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// GetChainedSaleTransactions loads every hashed transaction in append order
// (created_at then id, the exact order the chain was built in).
func GetChainedSaleTransactions(tx *gorm.DB, ctx context.Context, businessId string) ([]*SaleTransaction, error) {
	var results []*SaleTransaction
	err := tx.WithContext(ctx).
		Where("business_id = ? AND transaction_hash IS NOT NULL", businessId).
		Order("created_at, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetAllSaleTransactions loads every transaction, hashed or not, in append
// order. Used by the chain reset recompute.
func GetAllSaleTransactions(tx *gorm.DB, ctx context.Context, businessId string) ([]*SaleTransaction, error) {
	var results []*SaleTransaction
	err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("created_at, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetSaleTransactionsInWindow loads the transactions of one fiscal-day window
// in append order. end is the displayed window end at second precision; the
// query runs half-open against end+1s (the next window's start), so a
// timestamp with a sub-second fraction inside the last second is still
// counted and a sale landing exactly on a boundary is neither skipped nor
// counted twice.
func GetSaleTransactionsInWindow(tx *gorm.DB, ctx context.Context, businessId string, start, end time.Time) ([]*SaleTransaction, error) {
	var results []*SaleTransaction
	err := tx.WithContext(ctx).
		Where("business_id = ? AND transaction_date >= ? AND transaction_date < ?", businessId, start, end.Add(time.Second)).
		Order("created_at, id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
