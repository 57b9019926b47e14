package models

import (
	"context"
	"errors"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GenesisHash is the sentinel previous-hash value of an empty chain.
const GenesisHash = "GENESIS"

// ChainTail is the per-business pointer to the most recent chained hash.
// One row per business; mutated only inside the append and reset workflows,
// under the chain advisory lock and SELECT ... FOR UPDATE.
type ChainTail struct {
	ID                int       `gorm:"primary_key" json:"id"`
	BusinessId        string    `gorm:"size:64;uniqueIndex;not null" json:"business_id" binding:"required"`
	LastHash          string    `gorm:"size:64;not null" json:"last_hash"`
	LastTransactionId int       `gorm:"not null;default:0" json:"last_transaction_id"`
	ChainLength       int64     `gorm:"not null;default:0" json:"chain_length"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ChainTailState is what callers outside the critical section get to see.
type ChainTailState struct {
	LastHash          string `json:"last_hash"`
	LastTransactionId int    `json:"last_transaction_id"`
	ChainLength       int64  `json:"chain_length"`
}

func genesisTailState() *ChainTailState {
	return &ChainTailState{LastHash: GenesisHash, LastTransactionId: 0, ChainLength: 0}
}

// GetChainTail returns the current tail, or the GENESIS state when the
// business has no chained transaction yet.
func GetChainTail(ctx context.Context) (*ChainTailState, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	return getChainTailState(db, ctx, businessId, false)
}

func getChainTailState(tx *gorm.DB, ctx context.Context, businessId string, forUpdate bool) (*ChainTailState, error) {
	dbCtx := tx.WithContext(ctx)
	if forUpdate {
		dbCtx = dbCtx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var tail ChainTail
	err := dbCtx.Where("business_id = ?", businessId).First(&tail).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return genesisTailState(), nil
		}
		return nil, err
	}
	return &ChainTailState{
		LastHash:          tail.LastHash,
		LastTransactionId: tail.LastTransactionId,
		ChainLength:       tail.ChainLength,
	}, nil
}

// LockChainTail reads the tail row FOR UPDATE inside the posting transaction.
// Must run under the chain advisory lock of the same connection.
func LockChainTail(tx *gorm.DB, ctx context.Context, businessId string) (*ChainTailState, error) {
	return getChainTailState(tx, ctx, businessId, true)
}

// GetChainTailTx reads the tail inside an existing transaction without
// locking it. Closure uses this to link the Z-record to the chain.
func GetChainTailTx(tx *gorm.DB, ctx context.Context, businessId string) (*ChainTailState, error) {
	return getChainTailState(tx, ctx, businessId, false)
}

// AdvanceChainTail sets the tail to the freshly appended transaction.
// Creates the row on first append.
func AdvanceChainTail(tx *gorm.DB, ctx context.Context, businessId string, newHash string, transactionId int) error {
	var tail ChainTail
	err := tx.WithContext(ctx).Where("business_id = ?", businessId).First(&tail).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		tail = ChainTail{
			BusinessId:        businessId,
			LastHash:          newHash,
			LastTransactionId: transactionId,
			ChainLength:       1,
		}
		return tx.WithContext(ctx).Create(&tail).Error
	}
	return tx.WithContext(ctx).Model(&tail).
		Updates(map[string]interface{}{
			"last_hash":           newHash,
			"last_transaction_id": transactionId,
			"chain_length":        tail.ChainLength + 1,
		}).Error
}

// RewriteChainTail overwrites the tail with the final state of a full
// recompute. Only the chain reset workflow calls this.
func RewriteChainTail(tx *gorm.DB, ctx context.Context, businessId string, lastHash string, lastTransactionId int, chainLength int64) error {
	var tail ChainTail
	err := tx.WithContext(ctx).Where("business_id = ?", businessId).First(&tail).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		tail = ChainTail{
			BusinessId:        businessId,
			LastHash:          lastHash,
			LastTransactionId: lastTransactionId,
			ChainLength:       chainLength,
		}
		return tx.WithContext(ctx).Create(&tail).Error
	}
	return tx.WithContext(ctx).Model(&tail).
		Updates(map[string]interface{}{
			"last_hash":           lastHash,
			"last_transaction_id": lastTransactionId,
			"chain_length":        chainLength,
		}).Error
}
