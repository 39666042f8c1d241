package db

import (
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/models"
	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/studio"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(
		&models.User{},
		&studio.Artwork{},
		&studio.GenerationTask{},
	); err != nil {
		log.Fatalf("automigrate: %v", err)
	}
	return gdb
}
