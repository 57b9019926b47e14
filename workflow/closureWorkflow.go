package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/models"
	"github.com/caisseflow/pos_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var decimalOneHundred = decimal.NewFromInt(100)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// closureAggregate is the computed content of a Z-record before sealing.
type closureAggregate struct {
	TransactionCount int64
	TotalTtc         decimal.Decimal
	TotalHt          decimal.Decimal
	TotalTax         decimal.Decimal
	TotalDiscount    decimal.Decimal
	VatBuckets       []models.VatBucket
	Payments         models.PaymentBreakdown
}

// aggregateFiscalDay folds one fiscal day of transactions into the closure
// totals. VAT is reconstructed per rate from the frozen line items:
// item_ttc = price*qty, item_ht = item_ttc/(1+rate/100), item_tax = ttc-ht.
// An item without a per-item rate (and a transaction without items) falls
// back to the transaction-level subtotal/tax split under a single inferred
// rate.
func aggregateFiscalDay(transactions []*models.SaleTransaction) (*closureAggregate, error) {
	agg := &closureAggregate{}
	buckets := make(map[string]*models.VatBucket)

	bucketAdd := func(rate, ht, tax, ttc decimal.Decimal) {
		key := rate.StringFixed(2)
		bucket, found := buckets[key]
		if !found {
			bucket = &models.VatBucket{Rate: rate.Round(2)}
			buckets[key] = bucket
		}
		bucket.BaseHt = bucket.BaseHt.Add(ht)
		bucket.TaxAmount = bucket.TaxAmount.Add(tax)
		bucket.TotalTtc = bucket.TotalTtc.Add(ttc)
	}

	for _, sale := range transactions {
		agg.TransactionCount++
		agg.TotalTtc = agg.TotalTtc.Add(sale.Total)
		agg.TotalTax = agg.TotalTax.Add(sale.Tax)
		agg.TotalDiscount = agg.TotalDiscount.Add(sale.Discount)

		switch sale.PaymentMethod {
		case models.PaymentMethodCash:
			agg.Payments.Cash = agg.Payments.Cash.Add(sale.Total)
		case models.PaymentMethodCard:
			agg.Payments.Card = agg.Payments.Card.Add(sale.Total)
		case models.PaymentMethodMixed:
			agg.Payments.Mixed = agg.Payments.Mixed.Add(sale.Total)
		default:
			agg.Payments.Other = agg.Payments.Other.Add(sale.Total)
		}

		inferredRate := decimal.Zero
		if sale.Subtotal.IsPositive() {
			inferredRate = sale.Tax.Div(sale.Subtotal).Mul(decimalOneHundred).Round(2)
		}

		items, err := sale.ParsedItems()
		if err != nil {
			return nil, fmt.Errorf("transaction %d: decode items: %w", sale.ID, err)
		}
		if len(items) == 0 {
			bucketAdd(inferredRate, sale.Subtotal, sale.Tax, sale.Subtotal.Add(sale.Tax))
			continue
		}
		for _, item := range items {
			rate := inferredRate
			if item.TaxRate != nil {
				rate = *item.TaxRate
			}
			itemTtc := item.Price.Mul(item.Qty)
			itemHt := itemTtc.DivRound(decimal.NewFromInt(1).Add(rate.Div(decimalOneHundred)), 6)
			bucketAdd(rate, itemHt, itemTtc.Sub(itemHt), itemTtc)
		}
	}

	agg.TotalHt = agg.TotalTtc.Sub(agg.TotalTax)

	agg.VatBuckets = make([]models.VatBucket, 0, len(buckets))
	for _, bucket := range buckets {
		agg.VatBuckets = append(agg.VatBuckets, *bucket)
	}
	sort.Slice(agg.VatBuckets, func(i, j int) bool {
		return agg.VatBuckets[i].Rate.LessThan(agg.VatBuckets[j].Rate)
	})

	return agg, nil
}

// CloseFiscalDay seals the fiscal day containing ref into an immutable,
// sequentially numbered Z-record. A second call for the same fiscal day is
// rejected with ErrDayAlreadyClosed carrying the existing closure number.
func CloseFiscalDay(ctx context.Context, ref time.Time) (*models.DailyClosure, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	closedBy, _ := utils.GetUserNameFromContext(ctx)
	if closedBy == "" {
		closedBy, _ = utils.GetUsernameFromContext(ctx)
	}

	settings, err := models.GetFiscalSettings(ctx)
	if err != nil {
		return nil, err
	}
	secret := settings.ResolveHmacSecret()
	if secret == "" {
		return nil, ErrMissingHmacSecret
	}

	dayStart, dayEnd := FiscalDayRange(ref, settings.FiscalDayStartHour)

	var closure *models.DailyClosure
	db := config.GetDB()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := AcquireClosureLock(tx, businessId); err != nil {
			return err
		}
		defer ReleaseClosureLock(tx, businessId)

		existing, err := models.GetDailyClosureForDay(tx, ctx, businessId, dayStart)
		if err != nil {
			return err
		}
		if existing != nil {
			return &models.ErrDayAlreadyClosed{
				ClosureNumber:  existing.ClosureNumber,
				FiscalDayStart: dayStart,
			}
		}

		// One snapshot of the window; the same boundary values feed the
		// query, the aggregation and the sealed record.
		transactions, err := models.GetSaleTransactionsInWindow(tx, ctx, businessId, dayStart, dayEnd)
		if err != nil {
			return err
		}
		agg, err := aggregateFiscalDay(transactions)
		if err != nil {
			return err
		}

		tail, err := models.GetChainTailTx(tx, ctx, businessId)
		if err != nil {
			return err
		}

		// The number is finalized here, inside the same transaction that
		// inserts the closure; the unique (business_id, sequence) index
		// backstops any race the advisory lock did not catch.
		sequence := 1
		if last, err := models.GetLastDailyClosure(tx, ctx, businessId); err != nil {
			return err
		} else if last != nil {
			sequence = last.Sequence + 1
		}

		vatJSON, err := utils.MarshalToJSON(agg.VatBuckets)
		if err != nil {
			return err
		}
		paymentsJSON, err := utils.MarshalToJSON(agg.Payments)
		if err != nil {
			return err
		}

		closure = &models.DailyClosure{
			BusinessId:          businessId,
			Sequence:            sequence,
			ClosureNumber:       fmt.Sprintf("Z%03d", sequence),
			FiscalDayStart:      dayStart,
			FiscalDayEnd:        dayEnd,
			ClosedAt:            time.Now(),
			ClosedBy:            closedBy,
			State:               models.ClosureStateClosing,
			TransactionCount:    agg.TransactionCount,
			TotalTtc:            utils.RoundMoney(agg.TotalTtc),
			TotalHt:             utils.RoundMoney(agg.TotalHt),
			TotalTax:            utils.RoundMoney(agg.TotalTax),
			TotalDiscount:       utils.RoundMoney(agg.TotalDiscount),
			VatBreakdown:        vatJSON,
			PaymentBreakdown:    paymentsJSON,
			LastTransactionId:   tail.LastTransactionId,
			LastTransactionHash: tail.LastHash,
		}

		hash, err := ComputeClosureHash(secret, closure, agg.VatBuckets, &agg.Payments)
		if err != nil {
			return err
		}
		closure.ClosureHash = hash
		closure.ArchiveText = renderClosureArchive(closure, agg)

		if err := tx.WithContext(ctx).Create(closure).Error; err != nil {
			// The unique (business_id, fiscal_day_start) index backstops a
			// concurrent closure that slipped past the advisory lock. The
			// re-read needs a fresh session: this transaction's snapshot
			// predates the racing commit and would miss the existing row.
			if isDuplicateKeyErr(err) {
				conflict := &models.ErrDayAlreadyClosed{FiscalDayStart: dayStart}
				if existing, lookupErr := models.GetDailyClosureForDay(config.GetDB(), ctx, businessId, dayStart); lookupErr == nil && existing != nil {
					conflict.ClosureNumber = existing.ClosureNumber
				}
				return conflict
			}
			return err
		}
		// Seal: CLOSING -> CLOSED, the only transition the model allows.
		if err := tx.WithContext(ctx).Model(closure).Update("state", models.ClosureStateClosed).Error; err != nil {
			return err
		}
		closure.State = models.ClosureStateClosed
		return nil
	})
	if err != nil {
		return nil, err
	}

	config.GetLogger().WithFields(logrus.Fields{
		"module":        "workflow",
		"funcName":      "CloseFiscalDay",
		"businessId":    businessId,
		"closureNumber": closure.ClosureNumber,
		"transactions":  closure.TransactionCount,
		"totalTtc":      closure.TotalTtc,
	}).Info("fiscal day closed")

	return closure, nil
}

// ClosureStatus reports where the fiscal day containing the reference
// instant stands, and whether the latest closure is overdue.
type ClosureStatus struct {
	State                 models.ClosureState `json:"state"`
	AlreadyClosed         bool                `json:"already_closed"`
	ClosureNumber         string              `json:"closure_number,omitempty"`
	FiscalDayStart        time.Time           `json:"fiscal_day_start"`
	FiscalDayEnd          time.Time           `json:"fiscal_day_end"`
	HoursSinceLastClosure float64             `json:"hours_since_last_closure"`
	WarnHoursSinceLast    bool                `json:"warn_hours_since_last"`
}

// GetClosureStatus reports the closure state of the fiscal day containing ref.
func GetClosureStatus(ctx context.Context, ref time.Time) (*ClosureStatus, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	startHour, err := models.GetFiscalDayStartHour(ctx)
	if err != nil {
		return nil, err
	}
	dayStart, dayEnd := FiscalDayRange(ref, startHour)

	status := &ClosureStatus{
		State:          models.ClosureStateNotClosed,
		FiscalDayStart: dayStart,
		FiscalDayEnd:   dayEnd,
	}

	db := config.GetDB()
	existing, err := models.GetDailyClosureForDay(db, ctx, businessId, dayStart)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		status.State = existing.State
		status.AlreadyClosed = true
		status.ClosureNumber = existing.ClosureNumber
	}

	last, err := models.GetLastDailyClosure(db, ctx, businessId)
	if err != nil {
		return nil, err
	}
	if last != nil {
		status.HoursSinceLastClosure = ref.Sub(last.ClosedAt).Hours()
		status.WarnHoursSinceLast = status.HoursSinceLastClosure > float64(config.ClosureWarnHours())
	}

	return status, nil
}

// renderClosureArchive produces the human-readable archival text of a
// Z-record. It is for printing and storage only and carries no verification
// weight; the sealed truth is ClosureHash.
func renderClosureArchive(closure *models.DailyClosure, agg *closureAggregate) string {
	var b strings.Builder
	line := strings.Repeat("=", 44)
	thin := strings.Repeat("-", 44)

	fmt.Fprintln(&b, line)
	fmt.Fprintln(&b, "        CLOTURE FISCALE JOURNALIERE")
	fmt.Fprintf(&b, "                  %s\n", closure.ClosureNumber)
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "Periode    : %s -> %s\n",
		closure.FiscalDayStart.Format("2006-01-02 15:04:05"),
		closure.FiscalDayEnd.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Cloture le : %s par %s\n",
		closure.ClosedAt.Format("2006-01-02 15:04:05"), closure.ClosedBy)
	fmt.Fprintf(&b, "Transactions : %d\n", closure.TransactionCount)
	fmt.Fprintln(&b, thin)
	fmt.Fprintf(&b, "TOTAL TTC  : %14s\n", closure.TotalTtc.StringFixed(2))
	fmt.Fprintf(&b, "TOTAL HT   : %14s\n", closure.TotalHt.StringFixed(2))
	fmt.Fprintf(&b, "TOTAL TVA  : %14s\n", closure.TotalTax.StringFixed(2))
	fmt.Fprintf(&b, "REMISES    : %14s\n", closure.TotalDiscount.StringFixed(2))
	fmt.Fprintln(&b, thin)
	fmt.Fprintln(&b, "TVA par taux")
	for _, bucket := range agg.VatBuckets {
		fmt.Fprintf(&b, "  %6s%% | HT %12s | TVA %12s\n",
			bucket.Rate.StringFixed(2),
			bucket.BaseHt.StringFixed(2),
			bucket.TaxAmount.StringFixed(2))
	}
	fmt.Fprintln(&b, thin)
	fmt.Fprintln(&b, "Reglements")
	fmt.Fprintf(&b, "  ESPECES : %14s\n", agg.Payments.Cash.StringFixed(2))
	fmt.Fprintf(&b, "  CARTE   : %14s\n", agg.Payments.Card.StringFixed(2))
	fmt.Fprintf(&b, "  MIXTE   : %14s\n", agg.Payments.Mixed.StringFixed(2))
	fmt.Fprintf(&b, "  AUTRES  : %14s\n", agg.Payments.Other.StringFixed(2))
	fmt.Fprintln(&b, thin)
	fmt.Fprintf(&b, "Dernier hash chaine : %s\n", closure.LastTransactionHash)
	fmt.Fprintf(&b, "Hash de cloture     : %s\n", closure.ClosureHash)
	fmt.Fprintln(&b, line)
	return b.String()
}
