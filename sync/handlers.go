package sync

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pitix_terminal/models"
)

// EngineProvider lets route registration happen before the engine finishes
// initializing; handlers answer 503 until it is ready.
type EngineProvider func() *Engine

// RegisterControlRoutes mounts the local control API consumed by the POS UI.
func RegisterControlRoutes(r gin.IRouter, provider EngineProvider) {
	api := r.Group("/api")
	api.Use(requireEngine(provider))

	api.GET("/sync/status", statusHandler(provider))
	api.GET("/settings", settingsHandler(provider))
	api.POST("/sync/force", forceSyncHandler(provider))
	api.POST("/sync/orders/:id/retry", retryOrderHandler(provider))
	api.GET("/sync/conflicts", listConflictsHandler(provider))
	api.POST("/sync/conflicts/:id/resolve", resolveConflictHandler(provider))
	api.POST("/sync/queue/clear-failed", clearFailedHandler(provider))
	api.POST("/sync/queue/clear-all", clearAllHandler(provider))
	api.POST("/day/finalize", finalizeHandler(provider))
	api.POST("/routing/rediscover", rediscoverHandler(provider))
	api.POST("/terminals/commands", sendTerminalCommandHandler(provider))
}

// RegisterRelayRoutes mounts the satellite-facing relay. Only a main terminal
// serves these: satellites forward backend traffic here when their own uplink
// is down, and the main answers with its own credential.
func RegisterRelayRoutes(r gin.IRouter, provider EngineProvider) {
	relay := r.Group("/relay")
	relay.Use(requireEngine(provider))

	relay.GET("/day-report", relayDayReportHandler(provider))
	relay.Any("/api/*path", relayProxyHandler(provider))
}

func requireEngine(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if provider() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sync engine not ready"})
			return
		}
		c.Next()
	}
}

func statusHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		status, err := e.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func settingsHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		cached, err := e.CachedSettings(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(cached) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no settings snapshot cached yet"})
			return
		}
		c.Data(http.StatusOK, "application/json", cached)
	}
}

func forceSyncHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		depth, err := e.ForceSync(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queueDepth": depth})
	}
}

func retryOrderHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		reset, err := e.ForceSyncRetry(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if reset == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no queued items for order"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"itemsReset": reset})
	}
}

func listConflictsHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		conflicts, err := models.ListOpenConflicts(c.Request.Context(), e.db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
	}
}

func resolveConflictHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		var req ResolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := e.ResolveConflict(c.Request.Context(), c.Param("id"), req.Strategy, req.MergedData, req.ResolvedBy)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"resolved": true})
		case err == ErrConflictNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case IsValidationError(err):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func clearFailedHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		cleared, err := models.ClearFailedItems(c.Request.Context(), e.db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"itemsCleared": cleared})
	}
}

func clearAllHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		cleared, err := models.ClearAllItems(c.Request.Context(), e.db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"itemsCleared": cleared})
	}
}

func finalizeHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		var req FinalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := e.FinalizeBusinessDay(c.Request.Context(), FinalizeOptions{
			RunIntegrityCheck: req.RunIntegrityCheck,
			Operator:          req.Operator,
		})
		switch {
		case err == nil:
			c.JSON(http.StatusOK, result)
		case IsValidationError(err):
			// Precondition failures name exactly what blocks end of day so the
			// operator can act on them.
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

// sendTerminalCommandHandler queues an inter-terminal control message. It
// travels the same durable queue as entity mutations, so delivery survives
// restarts and backend outages.
func sendTerminalCommandHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		var env TerminalCommandEnvelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if env.TargetTerminalId == "" || env.Command == "" {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "target_terminal_id and command are required"})
			return
		}
		itemId, err := e.EnqueueTerminalCommand(c.Request.Context(), env)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "itemId": itemId})
	}
}

func rediscoverHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		state := e.Router().RediscoverParent(c.Request.Context())
		c.JSON(http.StatusOK, state)
	}
}

func relayDayReportHandler(provider EngineProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := provider()
		dateParam := c.Query("date")
		if dateParam == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date query parameter is required"})
			return
		}
		businessDate, err := parseBusinessDate(dateParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		report, err := e.BuildDayReport(c.Request.Context(), businessDate)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// relayProxyHandler forwards a satellite's backend request upstream, swapping
// in this terminal's own credential. The satellite stays fully functional even
// when only the main has internet.
func relayProxyHandler(provider EngineProvider) gin.HandlerFunc {
	proxyClient := &http.Client{Timeout: 30 * time.Second}
	return func(c *gin.Context) {
		e := provider()
		if !e.cfg.IsMain() {
			c.JSON(http.StatusForbidden, gin.H{"error": "relay is only served by a main terminal"})
			return
		}
		if !e.cfg.Paired() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "terminal is not paired with a backend"})
			return
		}

		target := strings.TrimRight(e.cfg.BackendURL, "/") + "/api" + c.Param("path")
		if raw := c.Request.URL.RawQuery; raw != "" {
			target += "?" + raw
		}
		if _, err := url.Parse(target); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "invalid upstream url"})
			return
		}

		req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		req.Header.Set("Content-Type", c.GetHeader("Content-Type"))
		req.Header.Set("X-API-Key", e.cfg.APIKey)
		req.Header.Set("X-Terminal-Id", e.cfg.TerminalId)
		// Preserve the originating terminal for backend-side attribution.
		if origin := c.GetHeader("X-Terminal-Id"); origin != "" {
			req.Header.Set("X-Origin-Terminal-Id", origin)
		}

		resp, err := proxyClient.Do(req)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		defer resp.Body.Close()

		c.Status(resp.StatusCode)
		for key, values := range resp.Header {
			for _, value := range values {
				c.Writer.Header().Add(key, value)
			}
		}
		_, _ = io.Copy(c.Writer, resp.Body)
	}
}
