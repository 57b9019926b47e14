package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/models"
	"github.com/caisseflow/pos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ChainResetReport summarizes a full recompute.
type ChainResetReport struct {
	Recomputed        int64     `json:"recomputed"`
	ChainLength       int64     `json:"chain_length"`
	LastHash          string    `json:"last_hash"`
	AnomaliesResolved int64     `json:"anomalies_resolved"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

const chainResetLockTTL = 5 * time.Minute

// ResetChain rebuilds the whole chain from GENESIS under the currently
// configured secret: every transaction (hashed or not) is rehashed in append
// order, the tail is rewritten and all open anomalies are closed, in a single
// atomic unit. Destructive and rare; used after secret-key rotation.
//
// Hashes computed under a rotated-out key become permanently unverifiable
// against the new key; that is the accepted consequence of rotation, not
// something this procedure tries to repair.
func ResetChain(ctx context.Context) (*ChainResetReport, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	settings, err := models.GetFiscalSettings(ctx)
	if err != nil {
		return nil, err
	}
	secret := settings.ResolveHmacSecret()
	if secret == "" {
		return nil, ErrMissingHmacSecret
	}

	// A second reset racing this one on another instance would rebuild a
	// stale tail; redislock keeps the operation exclusive across instances,
	// the chain advisory lock below blocks concurrent appends meanwhile.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("fiscal_chain_reset:%s", businessId), chainResetLockTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("chain reset already running for business %s", businessId)
			}
			return nil, err
		}
		defer lock.Release(ctx)
	}

	report := &ChainResetReport{StartedAt: time.Now()}

	db := config.GetDB()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := AcquireChainLock(tx, businessId); err != nil {
			return err
		}
		defer ReleaseChainLock(tx, businessId)

		transactions, err := models.GetAllSaleTransactions(tx, ctx, businessId)
		if err != nil {
			return err
		}

		prevHash := models.GenesisHash
		lastTransactionId := 0
		for _, sale := range transactions {
			hash, err := ComputeChainHash(secret, sale, prevHash)
			if err != nil {
				// No partial recompute: any failure rolls the whole
				// rebuild back.
				return err
			}
			err = tx.WithContext(ctx).Model(sale).
				Session(&gorm.Session{SkipHooks: true}).
				Update("transaction_hash", hash).Error
			if err != nil {
				return err
			}
			prevHash = hash
			lastTransactionId = sale.ID
		}

		err = models.RewriteChainTail(tx, ctx, businessId, prevHash, lastTransactionId, int64(len(transactions)))
		if err != nil {
			return err
		}

		resolved, err := models.ResolveAllOpenAnomalies(tx, ctx, businessId, "chain_reset")
		if err != nil {
			return err
		}

		report.Recomputed = int64(len(transactions))
		report.ChainLength = int64(len(transactions))
		report.LastHash = prevHash
		report.AnomaliesResolved = resolved
		return nil
	})
	if err != nil {
		config.LogError(config.GetLogger(), "workflow", "ResetChain", "chain reset", map[string]interface{}{
			"businessId": businessId,
		}, err)
		return nil, err
	}
	report.FinishedAt = time.Now()

	config.GetLogger().WithFields(logrus.Fields{
		"module":            "workflow",
		"funcName":          "ResetChain",
		"businessId":        businessId,
		"recomputed":        report.Recomputed,
		"anomaliesResolved": report.AnomaliesResolved,
	}).Warn("chain fully recomputed under current secret")

	return report, nil
}
