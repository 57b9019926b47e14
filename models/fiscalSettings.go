package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/utils"
	"gorm.io/gorm"
)

const (
	DefaultFiscalDayStartHour = 6

	fiscalSettingsCacheTTL = 10 * time.Minute
)

// FiscalSettings is the per-business configuration of the integrity engine.
// The HMAC secret never leaves the process: it is excluded from JSON and the
// redis cache stores the row with the secret redacted.
type FiscalSettings struct {
	ID                 int       `gorm:"primary_key" json:"id"`
	BusinessId         string    `gorm:"size:64;uniqueIndex;not null" json:"business_id" binding:"required"`
	ChainingEnabled    *bool     `gorm:"not null;default:true" json:"chaining_enabled"`
	FiscalDayStartHour int       `gorm:"not null;default:6" json:"fiscal_day_start_hour"`
	HmacSecret         string    `gorm:"size:255" json:"-"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFiscalSettings struct {
	ChainingEnabled    *bool  `json:"chaining_enabled"`
	FiscalDayStartHour int    `json:"fiscal_day_start_hour"`
	HmacSecret         string `json:"hmac_secret"`
}

func fiscalSettingsCacheKey(businessId string) string {
	return fmt.Sprintf("fiscal_settings:%s", businessId)
}

// cachedFiscalSettings is the redis shape: everything but the secret.
type cachedFiscalSettings struct {
	ChainingEnabled    bool `json:"chaining_enabled"`
	FiscalDayStartHour int  `json:"fiscal_day_start_hour"`
}

func (input *NewFiscalSettings) validate() error {
	if input.FiscalDayStartHour < 0 || input.FiscalDayStartHour > 23 {
		return fmt.Errorf("fiscal day start hour must be 0-23, got %d", input.FiscalDayStartHour)
	}
	return nil
}

// GetFiscalSettings loads the settings row, creating a default one on first
// access so a fresh business always has a well-defined configuration.
func GetFiscalSettings(ctx context.Context) (*FiscalSettings, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	return getFiscalSettings(db, ctx, businessId)
}

func getFiscalSettings(tx *gorm.DB, ctx context.Context, businessId string) (*FiscalSettings, error) {
	var settings FiscalSettings
	err := tx.WithContext(ctx).Where("business_id = ?", businessId).First(&settings).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		settings = FiscalSettings{
			BusinessId:         businessId,
			ChainingEnabled:    utils.NewTrue(),
			FiscalDayStartHour: DefaultFiscalDayStartHour,
		}
		if err := tx.WithContext(ctx).Create(&settings).Error; err != nil {
			return nil, err
		}
	}
	return &settings, nil
}

// GetFiscalDayStartHour returns the configured start hour, via the redis
// cache when possible. Reads that only need the public knobs should use this
// instead of GetFiscalSettings.
func GetFiscalDayStartHour(ctx context.Context) (int, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}

	var cached cachedFiscalSettings
	hit, err := config.GetRedisObject(fiscalSettingsCacheKey(businessId), &cached)
	if err == nil && hit {
		return cached.FiscalDayStartHour, nil
	}

	settings, err := GetFiscalSettings(ctx)
	if err != nil {
		return 0, err
	}
	_ = config.SetRedisObject(fiscalSettingsCacheKey(businessId), cachedFiscalSettings{
		ChainingEnabled:    utils.DereferencePtr(settings.ChainingEnabled),
		FiscalDayStartHour: settings.FiscalDayStartHour,
	}, fiscalSettingsCacheTTL)
	return settings.FiscalDayStartHour, nil
}

// UpdateFiscalSettings replaces the configuration and invalidates the cache.
// An empty HmacSecret input keeps the existing secret.
func UpdateFiscalSettings(ctx context.Context, input *NewFiscalSettings) (*FiscalSettings, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	settings, err := getFiscalSettings(db, ctx, businessId)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"fiscal_day_start_hour": input.FiscalDayStartHour,
	}
	if input.ChainingEnabled != nil {
		updates["chaining_enabled"] = *input.ChainingEnabled
	}
	if input.HmacSecret != "" {
		updates["hmac_secret"] = input.HmacSecret
	}
	if err := db.WithContext(ctx).Model(settings).Updates(updates).Error; err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey(fiscalSettingsCacheKey(businessId))

	return getFiscalSettings(db, ctx, businessId)
}

// ResolveHmacSecret returns the signing secret for this business: the
// configured row value, falling back to the process-level env secret.
// Empty means hashing must refuse to run.
func (s *FiscalSettings) ResolveHmacSecret() string {
	if s.HmacSecret != "" {
		return s.HmacSecret
	}
	return config.FallbackHmacSecret()
}

// IsChainingEnabled reports whether new sales must be chained.
func (s *FiscalSettings) IsChainingEnabled() bool {
	return utils.DereferencePtr(s.ChainingEnabled)
}
