package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/models"
	"github.com/caisseflow/pos_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AppendSaleTransaction stores a finalized sale and advances the chain. The
// critical section "read tail -> compute hash -> write transaction + tail"
// runs as one DB transaction under the per-business chain advisory lock;
// concurrent appends are serialized, never forked.
//
// When chaining is disabled in the business settings the sale is stored
// un-hashed and the gap is logged; a missing HMAC secret with chaining
// enabled aborts the whole append.
func AppendSaleTransaction(ctx context.Context, input *models.NewSaleTransaction) (*models.SaleTransaction, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId <= 0 {
		return nil, errors.New("user id is required")
	}
	if err := input.Validate(ctx, businessId); err != nil {
		return nil, err
	}

	settings, err := models.GetFiscalSettings(ctx)
	if err != nil {
		return nil, err
	}

	items := input.Items
	if items == nil {
		items = []models.SaleItem{}
	}
	itemsJSON, err := utils.MarshalToJSON(items)
	if err != nil {
		return nil, err
	}

	// Store at second precision: the canonical hash payload renders seconds
	// only, and MySQL datetime(3) would round a sub-second fraction up on
	// write, changing the reloaded date against the hashed one.
	sale := models.SaleTransaction{
		BusinessId:      businessId,
		UserId:          userId,
		TransactionDate: input.TransactionDate.Truncate(time.Second),
		Items:           itemsJSON,
		Subtotal:        utils.RoundMoney(input.Subtotal),
		Tax:             utils.RoundMoney(input.Tax),
		Discount:        utils.RoundMoney(input.Discount),
		Total:           utils.RoundMoney(input.Total),
		PaymentMethod:   input.PaymentMethod,
		ReceiptNumber:   input.ReceiptNumber,
	}

	db := config.GetDB()
	logg := config.GetLogger()

	if !settings.IsChainingEnabled() {
		if err := db.WithContext(ctx).Create(&sale).Error; err != nil {
			return nil, err
		}
		logg.WithFields(logrus.Fields{
			"module":     "workflow",
			"funcName":   "AppendSaleTransaction",
			"businessId": businessId,
			"saleId":     sale.ID,
			"receipt":    sale.ReceiptNumber,
		}).Warn("chaining disabled; sale stored without a hash")
		return &sale, nil
	}

	secret := settings.ResolveHmacSecret()
	if secret == "" {
		return nil, ErrMissingHmacSecret
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := AcquireChainLock(tx, businessId); err != nil {
			return err
		}
		defer ReleaseChainLock(tx, businessId)

		tail, err := models.LockChainTail(tx, ctx, businessId)
		if err != nil {
			return err
		}

		// The canonical payload includes the row id, so insert first and
		// hash inside the same transaction.
		if err := tx.WithContext(ctx).Create(&sale).Error; err != nil {
			return err
		}
		hash, err := ComputeChainHash(secret, &sale, tail.LastHash)
		if err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Model(&sale).Update("transaction_hash", hash).Error; err != nil {
			return err
		}
		sale.TransactionHash = &hash

		return models.AdvanceChainTail(tx, ctx, businessId, hash, sale.ID)
	})
	if err != nil {
		config.LogError(logg, "workflow", "AppendSaleTransaction", "chain append", map[string]interface{}{
			"businessId": businessId,
			"receipt":    input.ReceiptNumber,
		}, err)
		return nil, err
	}
	return &sale, nil
}
