// close-day seals one fiscal day of a business into a Z-record and prints
// the archival text. With no -date, the fiscal day containing the current
// instant is closed.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/close-day -business <business-uuid> [-date "2026-08-29 12:00:00"] [-by backoffice]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

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
	businessId := flag.String("business", os.Getenv("BUSINESS_ID"), "business id to close")
	dateStr := flag.String("date", "", "instant inside the fiscal day to close (2006-01-02 15:04:05, local); default now")
	closedBy := flag.String("by", "backoffice", "name recorded as closed_by")
	flag.Parse()

	if *businessId == "" {
		fmt.Fprintln(os.Stderr, "missing -business (or BUSINESS_ID env)")
		os.Exit(2)
	}

	ref := time.Now()
	if *dateStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02 15:04:05", *dateStr, time.Local)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -date: %v\n", err)
			os.Exit(2)
		}
		ref = parsed
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, *businessId)
	ctx = utils.SetUserNameInContext(ctx, *closedBy)
	if err := requireBusiness(ctx, *businessId); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	closure, err := workflow.CloseFiscalDay(ctx, ref)
	if err != nil {
		var conflict *models.ErrDayAlreadyClosed
		if errors.As(err, &conflict) {
			fmt.Fprintf(os.Stderr, "%v\n", conflict)
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "close fiscal day: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s closed (%d transactions, total TTC %s)\n",
		closure.ClosureNumber, closure.TransactionCount, closure.TotalTtc.StringFixed(2))
	fmt.Println(closure.ArchiveText)
}
