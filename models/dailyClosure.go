package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// VatBucket is the per-rate VAT accumulation of a fiscal day.
type VatBucket struct {
	Rate      decimal.Decimal `json:"rate"`
	BaseHt    decimal.Decimal `json:"base_ht"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	TotalTtc  decimal.Decimal `json:"total_ttc"`
}

// PaymentBreakdown sums transaction totals per settlement kind.
type PaymentBreakdown struct {
	Cash  decimal.Decimal `json:"cash"`
	Card  decimal.Decimal `json:"card"`
	Mixed decimal.Decimal `json:"mixed"`
	Other decimal.Decimal `json:"other"`
}

// DailyClosure is the immutable Z-record sealing one fiscal day.
// At most one row per (business, fiscal_day_start); closure numbers are
// strictly increasing per business with no gaps. Breakdowns are JSON columns.
type DailyClosure struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	BusinessId          string          `gorm:"size:64;index;uniqueIndex:idx_closure_biz_day,priority:1;uniqueIndex:idx_closure_biz_seq,priority:1" json:"business_id" binding:"required"`
	Sequence            int             `gorm:"not null;uniqueIndex:idx_closure_biz_seq,priority:2" json:"sequence"`
	ClosureNumber       string          `gorm:"size:16;not null" json:"closure_number"`
	FiscalDayStart      time.Time       `gorm:"not null;uniqueIndex:idx_closure_biz_day,priority:2" json:"fiscal_day_start"`
	FiscalDayEnd        time.Time       `gorm:"not null" json:"fiscal_day_end"`
	ClosedAt            time.Time       `gorm:"not null" json:"closed_at"`
	ClosedBy            string          `gorm:"size:100" json:"closed_by"`
	State               ClosureState    `gorm:"type:enum('CLOSING','CLOSED');default:CLOSING" json:"state"`
	TransactionCount    int64           `gorm:"not null;default:0" json:"transaction_count"`
	TotalTtc            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_ttc"`
	TotalHt             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_ht"`
	TotalTax            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_tax"`
	TotalDiscount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_discount"`
	VatBreakdown        string          `gorm:"type:json" json:"vat_breakdown"`
	PaymentBreakdown    string          `gorm:"type:json" json:"payment_breakdown"`
	LastTransactionId   int             `gorm:"not null;default:0" json:"last_transaction_id"`
	LastTransactionHash string          `gorm:"size:64;not null" json:"last_transaction_hash"`
	ClosureHash         string          `gorm:"size:64;not null" json:"closure_hash"`
	ArchiveText         string          `gorm:"type:text" json:"archive_text"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ErrDayAlreadyClosed reports a closure conflict and carries the number of
// the existing Z-record so the operator can reference it.
type ErrDayAlreadyClosed struct {
	ClosureNumber  string
	FiscalDayStart time.Time
}

func (e *ErrDayAlreadyClosed) Error() string {
	return fmt.Sprintf("fiscal day starting %s already closed by %s",
		e.FiscalDayStart.Format("2006-01-02 15:04:05"), e.ClosureNumber)
}

// BeforeUpdate enforces Z-record immutability. The only lawful update is the
// sealing transition CLOSING -> CLOSED performed by the closure workflow.
func (dc *DailyClosure) BeforeUpdate(tx *gorm.DB) error {
	if tx.Statement.Changed("State") && !tx.Statement.Changed(
		"Sequence", "ClosureNumber", "FiscalDayStart", "FiscalDayEnd",
		"TransactionCount", "TotalTtc", "TotalHt", "TotalTax", "TotalDiscount",
		"VatBreakdown", "PaymentBreakdown", "LastTransactionId",
		"LastTransactionHash", "ClosureHash", "ArchiveText") {
		return nil
	}
	return errors.New("daily closures are immutable")
}

// BeforeDelete blocks deletion outright; Z-records are permanent.
func (dc *DailyClosure) BeforeDelete(tx *gorm.DB) error {
	return errors.New("daily closures cannot be deleted")
}

// ParsedVatBreakdown decodes the stored per-rate buckets.
func (dc *DailyClosure) ParsedVatBreakdown() ([]VatBucket, error) {
	if dc.VatBreakdown == "" {
		return []VatBucket{}, nil
	}
	var buckets []VatBucket
	if err := utils.UnmarshalFromJSON([]byte(dc.VatBreakdown), &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

// ParsedPaymentBreakdown decodes the stored payment buckets.
func (dc *DailyClosure) ParsedPaymentBreakdown() (*PaymentBreakdown, error) {
	var pb PaymentBreakdown
	if dc.PaymentBreakdown == "" {
		return &pb, nil
	}
	if err := utils.UnmarshalFromJSON([]byte(dc.PaymentBreakdown), &pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// GetDailyClosureForDay returns the closure sealing the fiscal day starting
// at dayStart, or nil when the day is still open.
func GetDailyClosureForDay(tx *gorm.DB, ctx context.Context, businessId string, dayStart time.Time) (*DailyClosure, error) {
	var closure DailyClosure
	err := tx.WithContext(ctx).
		Where("business_id = ? AND fiscal_day_start = ?", businessId, dayStart).
		First(&closure).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &closure, nil
}

// GetLastDailyClosure returns the highest-numbered closure of the business,
// or nil when none exists yet.
func GetLastDailyClosure(tx *gorm.DB, ctx context.Context, businessId string) (*DailyClosure, error) {
	var closure DailyClosure
	err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("sequence DESC").
		First(&closure).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &closure, nil
}

// GetDailyClosure fetches one closure by id.
func GetDailyClosure(ctx context.Context, id int) (*DailyClosure, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	var closure DailyClosure
	err := db.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, id).First(&closure).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &closure, nil
}

// GetDailyClosureByNumber fetches one closure by its Z-number (e.g. "Z004").
func GetDailyClosureByNumber(ctx context.Context, closureNumber string) (*DailyClosure, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	var closure DailyClosure
	err := db.WithContext(ctx).
		Where("business_id = ? AND closure_number = ?", businessId, closureNumber).
		First(&closure).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &closure, nil
}

// GetDailyClosures lists closures chronologically for audit export.
func GetDailyClosures(ctx context.Context) ([]*DailyClosure, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	var results []*DailyClosure
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("sequence").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
