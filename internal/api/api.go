// Package api serves the HTTP boundary of both daemons: the authority
// routes of overseerd and the snapshot pull routes of relayd.
package api

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/core"
	"github.com/ismaelgtc-ship-it/relay/internal/modules"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// Handler serves the authority routes.
type Handler struct {
	Core    *core.Authority
	Service string
	Version string
	Logger  *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Logger
}

// caller derives the audit actor from the authenticated tier. Only the
// dashboard tier may force a write through a lock.
func caller(c *gin.Context) modules.Caller {
	tier := TierOf(c)
	by := modules.Caller{Actor: string(tier)}
	if tier == TierDashboard {
		by.Override, _ = strconv.ParseBool(c.Query("force"))
	}
	return by
}

func (h *Handler) Health(c *gin.Context) {
	health(c, h.Service, h.Version)
}

func health(c *gin.Context, service, version string) {
	ok(c, gin.H{"service": service, "version": version, "ts": time.Now().UTC()})
}

func (h *Handler) PublicStatus(c *gin.Context) {
	st, err := h.Core.Status(c.Request.Context(), false)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"services": st.Services})
}

func (h *Handler) Status(c *gin.Context) {
	st, err := h.Core.Status(c.Request.Context(), true)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"services": st.Services, "modules": st.Modules})
}

func (h *Handler) ListModules(c *gin.Context) {
	list, err := h.Core.Modules.List(c.Request.Context())
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"modules": list})
}

func (h *Handler) GetModule(c *gin.Context) {
	st, err := h.Core.Modules.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"module": st})
}

func (h *Handler) PutConfig(c *gin.Context) {
	var patch schema.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.Core.Modules.PutConfig(c.Request.Context(), c.Param("name"), patch, caller(c))
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"module": st})
}

func (h *Handler) Lock(c *gin.Context) {
	h.setLock(c, true)
}

func (h *Handler) Unlock(c *gin.Context) {
	h.setLock(c, false)
}

func (h *Handler) setLock(c *gin.Context, locked bool) {
	var input struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	req := schema.LockRequest{Locked: locked}
	if locked {
		req.Reason = input.Reason
	}
	st, err := h.Core.Modules.SetLock(c.Request.Context(), c.Param("name"), req, caller(c))
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"module": st})
}

func (h *Handler) Audit(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abortWithError(c, apperr.New(apperr.BadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	entries, err := h.Core.Audit.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"entries": entries})
}

func (h *Handler) Register(c *gin.Context) {
	var req schema.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reg, err := h.Core.Registry.Register(c.Request.Context(), req)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"registration": reg})
}

func (h *Handler) Heartbeat(c *gin.Context) {
	var input struct {
		Service string `json:"service"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	if input.Service == "" {
		abortWithError(c, apperr.New(apperr.BadRequest, "service is required"))
		return
	}
	known, err := h.Core.Registry.Heartbeat(c.Request.Context(), input.Service)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	if !known {
		abortWithError(c, apperr.New(apperr.NotRegistered, "service %q is not registered", input.Service))
		return
	}
	ok(c, nil)
}
