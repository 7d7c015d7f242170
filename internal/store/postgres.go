package store

import (
	"github.com/kareempjackson/undr-api-sub001/configs"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func NewDB() {
	dsn := configs.AppConfig.DB.DSN
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: false,
	}), &gorm.Config{TranslateError: true})
	if err != nil {
		logger.Log.Fatal("failed to connect to database", zap.Error(err))
	}
	DB = db
	logger.Log.Info("connected to the database")
}

func DBMigrate() {
	if err := DB.AutoMigrate(models.All()...); err != nil {
		logger.Log.Fatal("migration failed", zap.Error(err))
	}
	logger.Log.Info("migrations loaded")
}

func Close() {
	sqlDB, err := DB.DB()
	if err != nil {
		logger.Log.Error("db close skipped, reason:", zap.Error(err))
		return
	}
	sqlDB.Close()
	logger.Log.Info("db closed")
}
