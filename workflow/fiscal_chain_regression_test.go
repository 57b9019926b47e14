package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/models"
	"github.com/caisseflow/pos_backend/utils"
	"github.com/caisseflow/pos_backend/workflow"
	"github.com/shopspring/decimal"
)

// startFiscalStack boots throwaway mysql+redis containers, connects the
// globals against them and seeds one business with chaining configured.
// Returns a context carrying the business and operator identity.
func startFiscalStack(t *testing.T, secret string) context.Context {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "caisseflow_test")
	t.Setenv("FISCAL_HMAC_SECRET", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test Operator")
	ctx = utils.SetUsernameInContext(ctx, "operator@test.local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Test Register Co",
		Email: "owner@test.local",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID.String())

	if _, err := models.UpdateFiscalSettings(ctx, &models.NewFiscalSettings{
		ChainingEnabled:    utils.NewTrue(),
		FiscalDayStartHour: 6,
		HmacSecret:         secret,
	}); err != nil {
		t.Fatalf("UpdateFiscalSettings: %v", err)
	}
	return ctx
}

func appendSale(t *testing.T, ctx context.Context, date time.Time, total string, method models.PaymentMethod, receipt string) *models.SaleTransaction {
	t.Helper()
	totalDec := decimal.RequireFromString(total)
	tax := totalDec.Div(decimal.NewFromInt(6)).Round(2) // 20% VAT embedded in TTC
	sale, err := workflow.AppendSaleTransaction(ctx, &models.NewSaleTransaction{
		TransactionDate: date,
		Subtotal:        totalDec.Sub(tax),
		Tax:             tax,
		Discount:        decimal.Zero,
		Total:           totalDec,
		PaymentMethod:   method,
		ReceiptNumber:   receipt,
	})
	if err != nil {
		t.Fatalf("AppendSaleTransaction(%s): %v", receipt, err)
	}
	return sale
}

func TestChainAppendVerifyTamperAndReset(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := startFiscalStack(t, "integration-secret-1")
	db := config.GetDB()
	if db == nil {
		t.Fatal("db is nil after ConnectDatabaseWithRetry")
	}

	day := time.Date(2026, 5, 12, 10, 0, 0, 0, time.Local)
	t1 := appendSale(t, ctx, day, "12.00", models.PaymentMethodCash, "R-001")
	t2 := appendSale(t, ctx, day.Add(time.Hour), "24.00", models.PaymentMethodCard, "R-002")
	t3 := appendSale(t, ctx, day.Add(2*time.Hour), "36.00", models.PaymentMethodMixed, "R-003")

	for _, sale := range []*models.SaleTransaction{t1, t2, t3} {
		if sale.TransactionHash == nil || len(*sale.TransactionHash) != 64 {
			t.Fatalf("transaction %d has no sealed hash", sale.ID)
		}
	}

	// Tail must point at the third hash and count three links.
	tail, err := models.GetChainTail(ctx)
	if err != nil {
		t.Fatalf("GetChainTail: %v", err)
	}
	if tail.ChainLength != 3 || tail.LastTransactionId != t3.ID {
		t.Fatalf("tail = %+v, want length 3 ending at %d", tail, t3.ID)
	}
	if tail.LastHash != *t3.TransactionHash {
		t.Fatalf("tail hash %s != last transaction hash %s", tail.LastHash, *t3.TransactionHash)
	}

	// The third link must recompute from the second's stored hash.
	expected, err := workflow.ComputeChainHash("integration-secret-1", t3, *t2.TransactionHash)
	if err != nil {
		t.Fatalf("ComputeChainHash: %v", err)
	}
	if expected != *t3.TransactionHash {
		t.Fatalf("recomputed third hash %s != stored %s", expected, *t3.TransactionHash)
	}

	report, err := workflow.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !report.Ok || report.Verified != 3 {
		t.Fatalf("clean chain verification: %+v", report)
	}

	// Tamper with the middle transaction directly in storage.
	if err := db.WithContext(ctx).Model(&models.SaleTransaction{}).
		Where("id = ?", t2.ID).
		Update("total", decimal.RequireFromString("999.99")).Error; err != nil {
		t.Fatalf("tamper update: %v", err)
	}

	report, err = workflow.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain (tampered): %v", err)
	}
	if report.Ok || len(report.Anomalies) != 1 {
		t.Fatalf("expected exactly one anomaly, got %+v", report)
	}
	if report.Anomalies[0].TransactionId != t2.ID || report.Anomalies[0].Type != models.AnomalyHashMismatch {
		t.Fatalf("anomaly = %+v, want hash_mismatch on %d", report.Anomalies[0], t2.ID)
	}
	if report.Verified != 2 {
		t.Fatalf("verified = %d, want 2 (tamper must not cascade)", report.Verified)
	}

	open, err := models.GetChainAnomalies(ctx, true)
	if err != nil {
		t.Fatalf("GetChainAnomalies: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 persisted open anomaly, got %d", len(open))
	}

	// Rotate the secret and rebuild the chain under the new key.
	if _, err := models.UpdateFiscalSettings(ctx, &models.NewFiscalSettings{
		ChainingEnabled:    utils.NewTrue(),
		FiscalDayStartHour: 6,
		HmacSecret:         "integration-secret-2",
	}); err != nil {
		t.Fatalf("UpdateFiscalSettings (rotate): %v", err)
	}
	resetReport, err := workflow.ResetChain(ctx)
	if err != nil {
		t.Fatalf("ResetChain: %v", err)
	}
	if resetReport.Recomputed != 3 || resetReport.ChainLength != 3 {
		t.Fatalf("reset report = %+v, want 3 recomputed", resetReport)
	}
	if resetReport.AnomaliesResolved != 1 {
		t.Fatalf("reset resolved %d anomalies, want 1", resetReport.AnomaliesResolved)
	}

	report, err = workflow.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain (after reset): %v", err)
	}
	if !report.Ok || report.Verified != 3 {
		t.Fatalf("chain must verify under rotated key: %+v", report)
	}
	open, err = models.GetChainAnomalies(ctx, true)
	if err != nil {
		t.Fatalf("GetChainAnomalies (after reset): %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("reset must close open anomalies, %d still open", len(open))
	}
}

func TestDailyClosureNumberingAndIdempotency(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := startFiscalStack(t, "integration-secret-1")

	day1 := time.Date(2026, 5, 12, 10, 0, 0, 0, time.Local)
	appendSale(t, ctx, day1, "12.00", models.PaymentMethodCash, "R-001")
	appendSale(t, ctx, day1.Add(time.Hour), "24.00", models.PaymentMethodCard, "R-002")
	// Last sale lands inside the closing second of the fiscal day, with a
	// sub-second fraction; it must still be counted in this day's closure.
	t3 := appendSale(t, ctx, time.Date(2026, 5, 13, 5, 59, 59, 700000000, time.Local), "36.00", models.PaymentMethodCash, "R-003")

	closure, err := workflow.CloseFiscalDay(ctx, day1.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("CloseFiscalDay: %v", err)
	}
	if closure.ClosureNumber != "Z001" || closure.Sequence != 1 {
		t.Fatalf("first closure = %s/%d, want Z001/1", closure.ClosureNumber, closure.Sequence)
	}
	if closure.State != models.ClosureStateClosed {
		t.Fatalf("closure state = %s, want CLOSED", closure.State)
	}
	if closure.TransactionCount != 3 || !closure.TotalTtc.Equal(decimal.RequireFromString("72.00")) {
		t.Fatalf("closure totals = count %d ttc %s, want 3 / 72.00", closure.TransactionCount, closure.TotalTtc)
	}
	if closure.LastTransactionId != t3.ID || closure.LastTransactionHash != *t3.TransactionHash {
		t.Fatalf("closure tail anchor mismatch: %+v", closure)
	}
	if closure.ClosureHash == "" || closure.ArchiveText == "" {
		t.Fatal("closure must carry its own hash and archive text")
	}

	payments, err := closure.ParsedPaymentBreakdown()
	if err != nil {
		t.Fatalf("ParsedPaymentBreakdown: %v", err)
	}
	if !payments.Cash.Equal(decimal.RequireFromString("48.00")) || !payments.Card.Equal(decimal.RequireFromString("24.00")) {
		t.Fatalf("payment breakdown = %+v", payments)
	}

	// Closing the same fiscal day again must surface the existing Z number.
	_, err = workflow.CloseFiscalDay(ctx, day1.Add(4*time.Hour))
	var already *models.ErrDayAlreadyClosed
	if !errors.As(err, &already) {
		t.Fatalf("expected ErrDayAlreadyClosed, got %v", err)
	}
	if already.ClosureNumber != "Z001" {
		t.Fatalf("conflict carries %s, want Z001", already.ClosureNumber)
	}

	status, err := workflow.GetClosureStatus(ctx, day1.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("GetClosureStatus: %v", err)
	}
	if !status.AlreadyClosed || status.ClosureNumber != "Z001" {
		t.Fatalf("status = %+v, want closed day Z001", status)
	}

	// Next fiscal day gets the next sequential number.
	day2 := day1.AddDate(0, 0, 1)
	appendSale(t, ctx, day2, "10.00", models.PaymentMethodCash, "R-004")

	second, err := workflow.CloseFiscalDay(ctx, day2.Add(time.Hour))
	if err != nil {
		t.Fatalf("CloseFiscalDay (day 2): %v", err)
	}
	if second.ClosureNumber != "Z002" || second.Sequence != 2 {
		t.Fatalf("second closure = %s/%d, want Z002/2", second.ClosureNumber, second.Sequence)
	}

	// Disabling chaining records sales without a hash, without touching the tail.
	if _, err := models.UpdateFiscalSettings(ctx, &models.NewFiscalSettings{
		ChainingEnabled:    utils.NewFalse(),
		FiscalDayStartHour: 6,
	}); err != nil {
		t.Fatalf("UpdateFiscalSettings (disable): %v", err)
	}
	tailBefore, err := models.GetChainTail(ctx)
	if err != nil {
		t.Fatalf("GetChainTail: %v", err)
	}
	unhashed := appendSale(t, ctx, day2.Add(2*time.Hour), "5.00", models.PaymentMethodCash, "R-005")
	if unhashed.TransactionHash != nil {
		t.Fatalf("chaining disabled but hash assigned: %s", *unhashed.TransactionHash)
	}
	tailAfter, err := models.GetChainTail(ctx)
	if err != nil {
		t.Fatalf("GetChainTail: %v", err)
	}
	if tailAfter.ChainLength != tailBefore.ChainLength {
		t.Fatalf("tail advanced from %d to %d for an unhashed sale", tailBefore.ChainLength, tailAfter.ChainLength)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("caisseflow-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("caisseflow-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=caisseflow_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
