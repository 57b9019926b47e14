package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireChainLock serializes chain mutation per business across instances
// using MySQL advisory locks. The next hash depends on reading-then-writing
// the tail row, so every append (and the reset recompute) runs inside this
// lock.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that runs the chained transaction.
func AcquireChainLock(tx *gorm.DB, businessId string) error {
	return acquireNamedLock(tx, fmt.Sprintf("fiscal_chain:%s", businessId))
}

func ReleaseChainLock(tx *gorm.DB, businessId string) {
	releaseNamedLock(tx, fmt.Sprintf("fiscal_chain:%s", businessId))
}

// AcquireClosureLock serializes daily closure creation per business, so the
// existence check and the sequential numbering cannot race.
func AcquireClosureLock(tx *gorm.DB, businessId string) error {
	return acquireNamedLock(tx, fmt.Sprintf("fiscal_closure:%s", businessId))
}

func ReleaseClosureLock(tx *gorm.DB, businessId string) {
	releaseNamedLock(tx, fmt.Sprintf("fiscal_closure:%s", businessId))
}

func acquireNamedLock(tx *gorm.DB, lockName string) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire lock %s", lockName)
	}
	return nil
}

func releaseNamedLock(tx *gorm.DB, lockName string) {
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
