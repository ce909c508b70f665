package api

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chainpulse/reputation-engine/internal/chain"
	"github.com/chainpulse/reputation-engine/internal/config"
	"github.com/chainpulse/reputation-engine/internal/hub"
	"github.com/chainpulse/reputation-engine/internal/monitor"
	"github.com/chainpulse/reputation-engine/internal/registry"
)

const (
	requestIDHeader    = "X-Request-Id"
	requestIDKey       = "requestId"
	healthProbeTimeout = 3 * time.Second
)

// walletService is the slice of the monitor façade the REST handlers consume.
type walletService interface {
	Subscribe(ctx context.Context, wallet, sessionID string, includeTx *bool) monitor.Result
	Unsubscribe(wallet, sessionID string) monitor.Result
	GetScore(ctx context.Context, wallet string, refresh bool) monitor.Result
	BatchScore(ctx context.Context, wallets []string) monitor.Result
	Flag(ctx context.Context, wallet, level string, score float64, reason string) monitor.Result
	FlagStatus(ctx context.Context, wallet string) monitor.Result
	Active() monitor.Result
}

// blockReader is the health probe's view of the chain client.
type blockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID() *big.Int
}

// flagRegistry is the health probe's view of the on-chain registry.
type flagRegistry interface {
	Address() string
	CanWrite() bool
	ActiveCount(ctx context.Context) (uint64, error)
}

// streamHub serves websocket upgrades and reports the connection table.
type streamHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ActiveConnections() int
}

// monitorStats exposes the coordinator's counters for the health payload.
type monitorStats interface {
	Snapshot() monitor.Stats
}

// APIHandler carries the collaborators behind the REST surface. Optional
// ones (registry, stats) stay nil when not configured; handlers degrade
// per endpoint instead of failing the whole router.
type APIHandler struct {
	log      logrus.FieldLogger
	wallets  walletService
	chain    blockReader
	registry flagRegistry
	hub      streamHub
	stats    monitorStats
	started  time.Time
}

// SetupRouter wires the gin engine: middleware chain, the /api/v1 wallet
// routes, the health probe, and the websocket upgrade endpoint.
func SetupRouter(cfg *config.Config, log *logrus.Logger, facade *monitor.Facade, coord *monitor.Coordinator, chainClient *chain.Client, reg *registry.Registry, h *hub.Hub) *gin.Engine {
	handler := &APIHandler{
		log:     log.WithField("component", "api"),
		wallets: facade,
		started: time.Now(),
	}
	if chainClient != nil {
		handler.chain = chainClient
	}
	if reg != nil {
		handler.registry = reg
	}
	if h != nil {
		handler.hub = h
	}
	if coord != nil {
		handler.stats = coord
	}
	return newRouter(cfg, handler)
}

func newRouter(cfg *config.Config, handler *APIHandler) *gin.Engine {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.Use(requestIDMiddleware())
	r.Use(corsMiddleware(cfg.CORSOriginList()))
	r.Use(bodyLimit(cfg.BodySizeLimit))

	limiter := NewRateLimiter(cfg.RateLimitMax)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		wallets := api.Group("/wallets")
		{
			wallets.POST("/subscribe", handler.handleSubscribe)
			wallets.DELETE("/unsubscribe", handler.handleUnsubscribe)
			wallets.POST("/batch-score", handler.handleBatchScore)
			wallets.GET("/active", handler.handleActive)
			wallets.GET("/:address/score", handler.handleGetScore)
			wallets.GET("/:address/flag-status", handler.handleFlagStatus)
			wallets.POST("/:address/flag", handler.handleFlag)
		}
		api.GET("/system/health", handler.handleHealth)
	}

	// The upgrade endpoint sits outside the rate-limited group: a live
	// stream should not spend the caller's REST budget.
	r.GET("/ws", handler.handleStream)

	return r
}

// requestIDMiddleware tags every request with an id, honoring one supplied
// by the caller, and echoes it in the response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// corsMiddleware allows any origin when the configured list is empty,
// otherwise only exact matches from CORS_ORIGINS.
func corsMiddleware(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(origins) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range origins {
				if allowed == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With, X-Request-Id")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// bodyLimit caps request body size; oversized bodies fail at bind time with
// *http.MaxBytesError.
func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// handleStream upgrades the request into a hub connection.
func (h *APIHandler) handleStream(c *gin.Context) {
	if h.hub == nil {
		fail(c, http.StatusServiceUnavailable, "NOT_CONFIGURED", "stream hub not running", "", true)
		return
	}
	h.hub.ServeWS(c.Writer, c.Request)
}

// handleHealth reports engine status and per-collaborator snapshots for
// service discovery. Always 200; degradation shows in the status field.
func (h *APIHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	status := "operational"

	chainInfo := gin.H{"connected": false}
	if h.chain != nil {
		if head, err := h.chain.BlockNumber(ctx); err == nil {
			chainInfo = gin.H{
				"connected":   true,
				"blockNumber": head,
				"chainId":     h.chain.ChainID().Int64(),
			}
		} else {
			status = "degraded"
			chainInfo["error"] = err.Error()
		}
	} else {
		status = "degraded"
	}

	registryInfo := gin.H{"configured": false}
	if h.registry != nil {
		registryInfo = gin.H{
			"configured": true,
			"address":    h.registry.Address(),
			"canWrite":   h.registry.CanWrite(),
		}
		if n, err := h.registry.ActiveCount(ctx); err == nil {
			registryInfo["activeFlaggedCount"] = n
		}
	}

	connections := 0
	if h.hub != nil {
		connections = h.hub.ActiveConnections()
	}

	var stats monitor.Stats
	if h.stats != nil {
		stats = h.stats.Snapshot()
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"engine": "ChainPulse Reputation Engine v1.0.0",
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"capabilities": gin.H{
			"realtimeMonitoring": true,
			"batchScoring":       true,
			"onchainFlagging":    h.registry != nil && h.registry.CanWrite(),
			"modelScoring":       stats.ModelLoaded,
		},
		"chain":      chainInfo,
		"registry":   registryInfo,
		"websocket":  gin.H{"activeConnections": connections},
		"monitoring": stats,
		"timestamp":  time.Now().UnixMilli(),
	})
}
