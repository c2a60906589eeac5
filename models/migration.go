package models

import (
	"log"

	"bitbucket.org/fieldworks/workorders_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{},
		&Client{}, &ServiceItem{},
		&WorkOrder{}, &WorkOrderService{},
		&QboCredential{}, &QboSyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
