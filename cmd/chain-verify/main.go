// chain-verify audits the full transaction chain of one business and prints
// the verification report as JSON. Findings are also persisted as anomaly
// rows for later resolution.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/chain-verify -business <business-uuid>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/models"
	"github.com/caisseflow/pos_backend/utils"
	"github.com/caisseflow/pos_backend/workflow"
	"github.com/google/uuid"
)

func requireBusiness(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid business id %q: %w", id, err)
	}
	if _, err := models.GetBusiness(ctx, parsed); err != nil {
		return fmt.Errorf("unknown business %s: %w", id, err)
	}
	return nil
}

func main() {
	businessId := flag.String("business", os.Getenv("BUSINESS_ID"), "business id to verify")
	flag.Parse()

	if *businessId == "" {
		fmt.Fprintln(os.Stderr, "missing -business (or BUSINESS_ID env)")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessId)
	if err := requireBusiness(ctx, *businessId); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	report, err := workflow.VerifyChain(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify chain: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if !report.Ok {
		os.Exit(1)
	}
}
