package db

import (
	"fmt"

	"gorm.io/gorm"
	"linkbridge/internal/model"
)

func AutoMigrate(gdb *gorm.DB) error {
	if gdb == nil {
		return fmt.Errorf("nil gorm db")
	}
	return gdb.AutoMigrate(
		&model.LinkedAccount{},
		&model.AuthAttempt{},
		&model.AttemptEvent{},
	)
}
