package workflow

import (
	"testing"
	"time"

	"github.com/caisseflow/pos_backend/models"
	"github.com/shopspring/decimal"
)

// buildChain hashes n transactions off the genesis sentinel, the same way the
// append workflow seals them one by one.
func buildChain(t *testing.T, secret string, n int) []*models.SaleTransaction {
	t.Helper()

	chain := make([]*models.SaleTransaction, 0, n)
	prevHash := models.GenesisHash
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		sale := &models.SaleTransaction{
			ID:              i + 1,
			BusinessId:      "biz-1",
			UserId:          7,
			TransactionDate: base.Add(time.Duration(i) * time.Minute),
			Items:           "[]",
			Subtotal:        decimal.RequireFromString("10.00").Mul(decimal.NewFromInt(int64(i + 1))),
			Tax:             decimal.RequireFromString("2.00"),
			Discount:        decimal.Zero,
			Total:           decimal.RequireFromString("12.00").Mul(decimal.NewFromInt(int64(i + 1))),
			PaymentMethod:   models.PaymentMethodCash,
			ReceiptNumber:   "R-1",
		}
		hash, err := ComputeChainHash(secret, sale, prevHash)
		if err != nil {
			t.Fatalf("ComputeChainHash: %v", err)
		}
		sale.TransactionHash = &hash
		prevHash = hash
		chain = append(chain, sale)
	}
	return chain
}

func TestWalkChain_Untampered(t *testing.T) {
	chain := buildChain(t, "secret-k", 5)

	report := walkChain("secret-k", chain)
	if !report.Ok {
		t.Fatalf("expected clean chain, got anomalies: %+v", report.Anomalies)
	}
	if report.Total != 5 || report.Verified != 5 {
		t.Fatalf("total=%d verified=%d, want 5/5", report.Total, report.Verified)
	}
}

// Tampering with one transaction must flag exactly that link. The walk
// continues from the stored hash, so downstream links still verify.
func TestWalkChain_IsolatedTamperDetection(t *testing.T) {
	chain := buildChain(t, "secret-k", 5)
	chain[2].Total = decimal.RequireFromString("999.99")

	report := walkChain("secret-k", chain)
	if report.Ok {
		t.Fatal("tampered chain reported clean")
	}
	if len(report.Anomalies) != 1 {
		t.Fatalf("expected exactly 1 anomaly, got %d: %+v", len(report.Anomalies), report.Anomalies)
	}
	finding := report.Anomalies[0]
	if finding.Position != 2 || finding.TransactionId != 3 {
		t.Fatalf("anomaly at position=%d id=%d, want 2/3", finding.Position, finding.TransactionId)
	}
	if finding.Type != models.AnomalyHashMismatch {
		t.Fatalf("anomaly type = %s, want %s", finding.Type, models.AnomalyHashMismatch)
	}
	if finding.ExpectedHash == finding.ActualHash {
		t.Fatal("expected and stored hashes should differ for a tampered row")
	}
	if report.Verified != 4 {
		t.Fatalf("verified=%d, want 4 (corruption must not cascade)", report.Verified)
	}
}

func TestWalkChain_SeveredLinkAlsoIsolated(t *testing.T) {
	chain := buildChain(t, "secret-k", 4)
	bogus := "0000000000000000000000000000000000000000000000000000000000000000"
	chain[1].TransactionHash = &bogus

	report := walkChain("secret-k", chain)
	// The overwritten hash breaks its own link and the next one (which was
	// sealed against the original value), nothing further.
	if len(report.Anomalies) != 2 {
		t.Fatalf("expected 2 anomalies, got %d: %+v", len(report.Anomalies), report.Anomalies)
	}
	if report.Anomalies[0].Position != 1 || report.Anomalies[1].Position != 2 {
		t.Fatalf("anomalies at %d and %d, want 1 and 2", report.Anomalies[0].Position, report.Anomalies[1].Position)
	}
	if report.Verified != 2 {
		t.Fatalf("verified=%d, want 2", report.Verified)
	}
}

func TestWalkChain_MissingSecret(t *testing.T) {
	chain := buildChain(t, "secret-k", 3)

	report := walkChain("", chain)
	if report.Ok || report.Verified != 0 {
		t.Fatalf("verification without a secret must fail every link, got verified=%d", report.Verified)
	}
	for _, finding := range report.Anomalies {
		if finding.Type != models.AnomalyComputeError {
			t.Fatalf("anomaly type = %s, want %s", finding.Type, models.AnomalyComputeError)
		}
	}
}

func TestWalkChain_WrongSecretFlagsEverything(t *testing.T) {
	chain := buildChain(t, "secret-k", 3)

	report := walkChain("secret-rotated", chain)
	if report.Verified != 0 || len(report.Anomalies) != 3 {
		t.Fatalf("verified=%d anomalies=%d, want 0/3", report.Verified, len(report.Anomalies))
	}
}

func TestWalkChain_Empty(t *testing.T) {
	report := walkChain("secret-k", nil)
	if !report.Ok || report.Total != 0 {
		t.Fatalf("empty chain must verify trivially, got ok=%v total=%d", report.Ok, report.Total)
	}
}
