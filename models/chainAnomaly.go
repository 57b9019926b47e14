package models

import (
	"context"
	"errors"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/utils"
	"gorm.io/gorm"
)

// ChainAnomaly is one verification finding: a stored hash that does not match
// its recomputation, or a transaction whose hash could not be recomputed at
// all. Rows are created only by the verifier and mutated only by resolution.
type ChainAnomaly struct {
	ID            int         `gorm:"primary_key" json:"id"`
	BusinessId    string      `gorm:"size:64;index;not null" json:"business_id" binding:"required"`
	TransactionId int         `gorm:"index;not null" json:"transaction_id" binding:"required"`
	Position      int64       `gorm:"not null" json:"position"`
	Type          AnomalyType `gorm:"type:enum('hash_mismatch','compute_error');not null" json:"type"`
	ExpectedHash  string      `gorm:"size:64" json:"expected_hash"`
	ActualHash    string      `gorm:"size:64" json:"actual_hash"`
	Details       string      `gorm:"type:text" json:"details"`
	DetectedAt    time.Time   `gorm:"not null" json:"detected_at"`
	Resolved      *bool       `gorm:"not null;default:false" json:"resolved"`
	ResolvedAt    *time.Time  `json:"resolved_at"`
	ResolvedBy    string      `gorm:"size:100" json:"resolved_by"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResolveChainAnomaly marks one anomaly as handled by the given resolver.
func ResolveChainAnomaly(ctx context.Context, id int, resolver string) (*ChainAnomaly, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if resolver == "" {
		return nil, errors.New("resolver is required")
	}

	db := config.GetDB()
	var anomaly ChainAnomaly
	err := db.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, id).First(&anomaly).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if anomaly.Resolved != nil && *anomaly.Resolved {
		return &anomaly, nil
	}

	now := time.Now()
	err = db.WithContext(ctx).Model(&anomaly).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": now,
			"resolved_by": resolver,
		}).Error
	if err != nil {
		return nil, err
	}
	return &anomaly, nil
}

// ResolveAllOpenAnomalies closes every open anomaly of a business inside the
// given transaction. Only the chain reset workflow uses this: anomalies
// detected under a rotated-out key no longer apply after a full recompute.
func ResolveAllOpenAnomalies(tx *gorm.DB, ctx context.Context, businessId string, resolver string) (int64, error) {
	result := tx.WithContext(ctx).Model(&ChainAnomaly{}).
		Where("business_id = ? AND resolved = ?", businessId, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": time.Now(),
			"resolved_by": resolver,
		})
	return result.RowsAffected, result.Error
}

// GetChainAnomalies lists anomalies, newest detection first.
func GetChainAnomalies(ctx context.Context, openOnly bool) ([]*ChainAnomaly, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if openOnly {
		dbCtx = dbCtx.Where("resolved = ?", false)
	}
	var results []*ChainAnomaly
	err := dbCtx.Order("detected_at DESC, id DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
