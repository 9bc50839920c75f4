package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/ismaelgtc-ship-it/relay/internal/logging"
)

func newEngine(logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(logging.Middleware(logger), gin.Recovery())
	return r
}

// cors lets a browser dashboard on another origin call the API.
func cors(c *gin.Context) {
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
	c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, "+HeaderAPIKey)
	if c.Request.Method == "OPTIONS" {
		c.AbortWithStatus(204)
		return
	}
	c.Next()
}

// NewOverseerRouter mounts the authority routes.
func NewOverseerRouter(h *Handler, auth *Auth) *gin.Engine {
	r := newEngine(h.logger())
	r.Use(cors)

	r.GET("/health", h.Health)

	coreAPI := r.Group("/api/core")
	{
		coreAPI.GET("/health", h.Health)
		coreAPI.GET("/public-status", h.PublicStatus)

		dashboard := coreAPI.Group("", auth.Require(TierDashboard))
		dashboard.GET("/status", h.Status)
		dashboard.GET("/modules", h.ListModules)
		dashboard.PUT("/modules/:name/config", h.PutConfig)
		dashboard.POST("/modules/:name/lock", h.Lock)
		dashboard.POST("/modules/:name/unlock", h.Unlock)
		dashboard.GET("/audit", h.Audit)

		coreAPI.GET("/modules/:name", auth.Require(TierDashboard, TierInternal), h.GetModule)
	}

	internal := r.Group("/internal", auth.Require(TierInternal))
	{
		internal.POST("/register", h.Register)
		internal.POST("/heartbeat", h.Heartbeat)
		internal.GET("/modules", h.ListModules)
		internal.GET("/modules/:name", h.GetModule)
	}

	return r
}

// NewSnapshotRouter mounts the relay pull routes.
func NewSnapshotRouter(h *SnapshotHandler, auth *Auth) *gin.Engine {
	r := newEngine(h.logger())

	r.GET("/health", h.Health)

	internal := r.Group("/internal", auth.Require(TierSnapshot))
	{
		internal.GET("/snapshot", h.Latest)
		internal.POST("/snapshot/take", h.Take)
		internal.GET("/snapshots", h.History)
		internal.GET("/diff/latest", h.LatestDiff)
	}

	return r
}
