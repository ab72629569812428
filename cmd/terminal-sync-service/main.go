package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	gosync "sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/pitix_terminal/config"
	"github.com/mmdatafocus/pitix_terminal/models"
	"github.com/mmdatafocus/pitix_terminal/sync"
	"github.com/mmdatafocus/pitix_terminal/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8090"

func main() {
	port := os.Getenv("TERMINAL_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The engine is built after the store connects; handlers answer 503
	// through the provider until then.
	var engineMu gosync.RWMutex
	var engine *sync.Engine
	provider := func() *sync.Engine {
		engineMu.RLock()
		defer engineMu.RUnlock()
		return engine
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Terminal-Id", "X-API-Key")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	sync.RegisterControlRoutes(r, provider)
	sync.RegisterRelayRoutes(r, provider)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisOptional()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
		if fixed, err := models.NormalizeLegacySyncStatuses(sigCtx, db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Error(err)
		} else if fixed > 0 {
			logger.WithFields(logrus.Fields{"field": "migrations", "rows": fixed}).Info("normalized legacy sync statuses")
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	terminal := config.LoadTerminal()
	e := sync.NewEngine(db, logger, terminal)
	e.SetShutdownFunc(func(reason string) {
		logger.WithFields(logrus.Fields{"field": "lifecycle", "reason": reason}).Warn("shutdown requested")
		// Cancelling the signal context drives the same graceful path a
		// SIGTERM would.
		stopSignals()
	})
	engineMu.Lock()
	engine = e
	engineMu.Unlock()

	if terminal.Paired() {
		go e.RunDrainLoop(sigCtx)
		go e.RunHeartbeatLoop(sigCtx)
		go e.RunRealtimeFeed(sigCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "lifecycle"}).Warn("terminal is not paired; sync loops idle until configuration is set")
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
