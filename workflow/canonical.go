package workflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/caisseflow/pos_backend/models"
	"github.com/caisseflow/pos_backend/utils"
)

// ErrMissingHmacSecret is returned whenever a hash would have to be computed
// without a configured signing key. Hashing refuses rather than degrades: an
// un-chained sale is a compliance gap, not a soft failure.
var ErrMissingHmacSecret = errors.New("hmac secret is not configured")

const canonicalTimeLayout = "2006-01-02 15:04:05"

// canonicalSale fixes the hashed field order of a sale. The order below IS
// the contract: it must never change, or every previously stored hash stops
// verifying. Dates are normalized to UTC "YYYY-MM-DD HH:MM:SS" so a stored
// time and a re-parsed string hash identically; amounts are rendered at a
// fixed 6 decimal places to keep float drift out of the payload; the items
// snapshot is embedded exactly as stored.
type canonicalSale struct {
	Id              int             `json:"id"`
	UserId          int             `json:"user_id"`
	TransactionDate string          `json:"transaction_date"`
	Items           json.RawMessage `json:"items"`
	Subtotal        string          `json:"subtotal"`
	Tax             string          `json:"tax"`
	Discount        string          `json:"discount"`
	Total           string          `json:"total"`
	PaymentMethod   string          `json:"payment_method"`
	ReceiptNumber   string          `json:"receipt_number"`
	PrevHash        string          `json:"prev_hash"`
}

// NormalizeTransactionDate renders a timestamp in the canonical hash form.
func NormalizeTransactionDate(t time.Time) string {
	return t.UTC().Format(canonicalTimeLayout)
}

func canonicalSalePayload(sale *models.SaleTransaction, prevHash string) ([]byte, error) {
	items := json.RawMessage("[]")
	if sale.Items != "" {
		items = json.RawMessage(sale.Items)
	}
	payload := canonicalSale{
		Id:              sale.ID,
		UserId:          sale.UserId,
		TransactionDate: NormalizeTransactionDate(sale.TransactionDate),
		Items:           items,
		Subtotal:        utils.HashAmount(sale.Subtotal),
		Tax:             utils.HashAmount(sale.Tax),
		Discount:        utils.HashAmount(sale.Discount),
		Total:           utils.HashAmount(sale.Total),
		PaymentMethod:   string(sale.PaymentMethod),
		ReceiptNumber:   sale.ReceiptNumber,
		PrevHash:        prevHash,
	}
	return json.Marshal(payload)
}

// ComputeChainHash returns hex(HMAC-SHA256(secret, canonical(sale, prevHash))).
// Identical inputs always produce an identical hash, on any platform, across
// restarts.
func ComputeChainHash(secret string, sale *models.SaleTransaction, prevHash string) (string, error) {
	if secret == "" {
		return "", ErrMissingHmacSecret
	}
	payload, err := canonicalSalePayload(sale, prevHash)
	if err != nil {
		return "", err
	}
	return hmacHex(secret, payload), nil
}

// canonicalClosure fixes the hashed field order of a Z-record. Same contract
// rules as canonicalSale.
type canonicalClosure struct {
	ClosureNumber       string               `json:"closure_number"`
	FiscalDayStart      string               `json:"fiscal_day_start"`
	FiscalDayEnd        string               `json:"fiscal_day_end"`
	TransactionCount    int64                `json:"transaction_count"`
	TotalTtc            string               `json:"total_ttc"`
	TotalHt             string               `json:"total_ht"`
	TotalTax            string               `json:"total_tax"`
	VatBreakdown        []canonicalVatBucket `json:"vat_breakdown"`
	PaymentBreakdown    canonicalPayments    `json:"payment_breakdown"`
	LastTransactionHash string               `json:"last_transaction_hash"`
}

type canonicalVatBucket struct {
	Rate      string `json:"rate"`
	BaseHt    string `json:"base_ht"`
	TaxAmount string `json:"tax_amount"`
	TotalTtc  string `json:"total_ttc"`
}

type canonicalPayments struct {
	Cash  string `json:"cash"`
	Card  string `json:"card"`
	Mixed string `json:"mixed"`
	Other string `json:"other"`
}

// ComputeClosureHash seals a Z-record, cryptographically linking it to the
// transaction chain tail at closure time (GENESIS for an empty chain).
func ComputeClosureHash(secret string, closure *models.DailyClosure, vat []models.VatBucket, payments *models.PaymentBreakdown) (string, error) {
	if secret == "" {
		return "", ErrMissingHmacSecret
	}
	buckets := make([]canonicalVatBucket, 0, len(vat))
	for _, b := range vat {
		buckets = append(buckets, canonicalVatBucket{
			Rate:      b.Rate.StringFixed(2),
			BaseHt:    utils.HashAmount(b.BaseHt),
			TaxAmount: utils.HashAmount(b.TaxAmount),
			TotalTtc:  utils.HashAmount(b.TotalTtc),
		})
	}
	payload := canonicalClosure{
		ClosureNumber:    closure.ClosureNumber,
		FiscalDayStart:   NormalizeTransactionDate(closure.FiscalDayStart),
		FiscalDayEnd:     NormalizeTransactionDate(closure.FiscalDayEnd),
		TransactionCount: closure.TransactionCount,
		TotalTtc:         utils.HashAmount(closure.TotalTtc),
		TotalHt:          utils.HashAmount(closure.TotalHt),
		TotalTax:         utils.HashAmount(closure.TotalTax),
		VatBreakdown:     buckets,
		PaymentBreakdown: canonicalPayments{
			Cash:  utils.HashAmount(payments.Cash),
			Card:  utils.HashAmount(payments.Card),
			Mixed: utils.HashAmount(payments.Mixed),
			Other: utils.HashAmount(payments.Other),
		},
		LastTransactionHash: closure.LastTransactionHash,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return hmacHex(secret, data), nil
}

func hmacHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
