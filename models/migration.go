package models

import (
	"log"

	"github.com/caisseflow/pos_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&FiscalSettings{},
		&SaleTransaction{}, &ChainTail{}, &ChainAnomaly{},
		&DailyClosure{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
