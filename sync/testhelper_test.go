package sync_test

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/sync"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testTerminal(backendURL string) config.Terminal {
	return config.Terminal{
		TerminalId:        "term-1",
		TerminalType:      config.TerminalTypeMain,
		BackendURL:        backendURL,
		APIKey:            "test-key",
		DrainInterval:     time.Second,
		HeartbeatInterval: time.Second,
		RequestTimeout:    5 * time.Second,
		ProbeTimeout:      500 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, db *gorm.DB, cfg config.Terminal) *sync.Engine {
	t.Helper()
	return sync.NewEngine(db, quietLogger(), cfg)
}
