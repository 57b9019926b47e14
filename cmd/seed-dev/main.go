// seed-dev creates a development business with one cashier user and fiscal
// settings ready for chaining, then prints the business id to use with the
// other tools.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-dev [-secret dev-secret]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/caisseflow/pos_backend/config"
	"github.com/caisseflow/pos_backend/models"
	"github.com/caisseflow/pos_backend/utils"
)

const (
	devUsername = "devCashier"
	devPassword = "devCashier!1"
)

func main() {
	secret := flag.String("secret", "dev-only-secret", "HMAC secret to configure")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := context.Background()

	business, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Dev Register Co",
		Email: "dev@register.test",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create business: %v\n", err)
		os.Exit(1)
	}
	ctx = utils.SetBusinessIdInContext(ctx, business.ID.String())

	if _, err := models.CreateUser(ctx, &models.NewUser{
		Username: devUsername,
		Name:     "Dev Cashier",
		Password: devPassword,
		Role:     models.UserRoleCashier,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "create user: %v\n", err)
		os.Exit(1)
	}

	if _, err := models.UpdateFiscalSettings(ctx, &models.NewFiscalSettings{
		ChainingEnabled:    utils.NewTrue(),
		FiscalDayStartHour: models.DefaultFiscalDayStartHour,
		HmacSecret:         *secret,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "configure fiscal settings: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("business %s seeded (user %s)\n", business.ID, devUsername)
}
