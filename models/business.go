package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/utils"
	"github.com/google/uuid"
)

// Business is the tenant every fiscal row hangs off. The fiscal engine only
// needs identity and timezone; the rest of the company profile lives with the
// POS collaborators.
type Business struct {
	ID        uuid.UUID `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Email     string    `gorm:"size:255" json:"email"`
	TaxId     string    `gorm:"size:100" json:"tax_id"`
	Timezone  string    `gorm:"size:50" json:"timezone"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required"`
	TaxId    string `json:"tax_id"`
	Timezone string `json:"timezone"`
}

// CreateBusiness creates the tenant together with its default fiscal
// settings so chaining is configured from the first sale.
func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("business name is required")
	}

	business := Business{
		ID:       uuid.New(),
		Name:     input.Name,
		Email:    input.Email,
		TaxId:    input.TaxId,
		Timezone: input.Timezone,
		IsActive: utils.NewTrue(),
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&business).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	settings := FiscalSettings{
		BusinessId:         business.ID.String(),
		ChainingEnabled:    utils.NewTrue(),
		FiscalDayStartHour: DefaultFiscalDayStartHour,
	}
	if err := tx.WithContext(ctx).Create(&settings).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &business, nil
}

func GetBusiness(ctx context.Context, id uuid.UUID) (*Business, error) {
	db := config.GetDB()
	var business Business
	err := db.WithContext(ctx).Where("id = ?", id).First(&business).Error
	if err != nil {
		return nil, err
	}
	return &business, nil
}
