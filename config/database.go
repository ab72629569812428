package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
	// IMPORTANT: do NOT block startup in init() waiting for the store.
	// The terminal must bring up its local control API even when the
	// data directory is slow to mount (e.g. first boot after update).
}

// ConnectDatabaseWithRetry opens the terminal's on-device SQLite store and sets
// the global DB. Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	path := strings.TrimSpace(os.Getenv("TERMINAL_DB_PATH"))
	if path == "" {
		path = "pitix_terminal.db"
	}
	// WAL keeps readers (status/heartbeat) from blocking the drain writer.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	var attempt int
	for {
		attempt++
		var err error
		db, err = gorm.Open(sqlite.Open(dsn), initConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				// SQLite serializes writers anyway; keep the pool tiny so the
				// periodic tasks queue on one connection instead of on locks.
				sqlDB.SetMaxOpenConns(intFromEnv("DB_MAX_OPEN_CONNS", 4))
				sqlDB.SetMaxIdleConns(intFromEnv("DB_MAX_IDLE_CONNS", 2))
				sqlDB.SetConnMaxLifetime(time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 3600)) * time.Second)
			}

			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
			}
			log.Printf("opened local store %s (attempt=%d)", path, attempt)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to open local store (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
	return newLogger
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
