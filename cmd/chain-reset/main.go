// chain-reset recomputes the whole transaction chain of one business under
// the currently configured HMAC secret. Destructive: every stored hash is
// overwritten and all open anomalies are resolved. Run only after rotating
// the secret; chains hashed under the old key stay unverifiable forever.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/chain-reset -business <business-uuid> -yes
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
	businessId := flag.String("business", os.Getenv("BUSINESS_ID"), "business id to reset")
	confirmed := flag.Bool("yes", false, "confirm the destructive recompute")
	flag.Parse()

	if *businessId == "" {
		fmt.Fprintln(os.Stderr, "missing -business (or BUSINESS_ID env)")
		os.Exit(2)
	}
	if !*confirmed {
		fmt.Fprintln(os.Stderr, "chain-reset overwrites every stored hash; re-run with -yes to proceed")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessId)
	if err := requireBusiness(ctx, *businessId); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	report, err := workflow.ResetChain(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset chain: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}
