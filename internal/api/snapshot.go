package api

import (
	"log/slog"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/snapshot"
)

const maxHistoryLimit = 100

// SnapshotHandler serves the pull interface over the snapshot history.
type SnapshotHandler struct {
	Pipeline  *snapshot.Pipeline
	Scheduler *snapshot.Scheduler
	Service   string
	Version   string
	Logger    *slog.Logger
}

func (h *SnapshotHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Logger
}

func (h *SnapshotHandler) Health(c *gin.Context) {
	health(c, h.Service, h.Version)
}

// subject resolves ?subject=, defaulting to the first configured subject.
// Only configured subjects are served.
func (h *SnapshotHandler) subject(c *gin.Context) (string, bool) {
	subjects := h.Scheduler.Subjects()
	id := c.Query("subject")
	if id == "" {
		if len(subjects) == 0 {
			abortWithError(c, apperr.New(apperr.NotFound, "no subjects configured"))
			return "", false
		}
		return subjects[0], true
	}
	if !slices.Contains(subjects, id) {
		abortWithError(c, apperr.New(apperr.NotFound, "subject %q is not configured", id))
		return "", false
	}
	return id, true
}

// Latest returns the newest persisted snapshot, or a fresh unpersisted
// capture with ?fresh=true.
func (h *SnapshotHandler) Latest(c *gin.Context) {
	id, found := h.subject(c)
	if !found {
		return
	}
	ctx := c.Request.Context()
	fresh, _ := strconv.ParseBool(c.Query("fresh"))

	var err error
	var body gin.H
	if fresh {
		snap, cErr := h.Pipeline.Capture(ctx, id)
		body, err = gin.H{"snapshot": snap, "fresh": true}, cErr
	} else {
		snap, lErr := h.Pipeline.Store.Latest(ctx, id)
		body, err = gin.H{"snapshot": snap, "fresh": false}, lErr
	}
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, body)
}

// Take runs a full capture, persist and diff now, serialized with the
// scheduler.
func (h *SnapshotHandler) Take(c *gin.Context) {
	id, found := h.subject(c)
	if !found {
		return
	}
	res, err := h.Scheduler.TakeNow(c.Request.Context(), id)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"snapshot": res.Snapshot, "diff": res.Diff})
}

func (h *SnapshotHandler) LatestDiff(c *gin.Context) {
	id, found := h.subject(c)
	if !found {
		return
	}
	d, err := h.Pipeline.Store.LatestDiff(c.Request.Context(), id)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"diff": d})
}

// History lists recent snapshots newest first.
func (h *SnapshotHandler) History(c *gin.Context) {
	id, found := h.subject(c)
	if !found {
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, apperr.New(apperr.BadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := h.Pipeline.Store.History(c.Request.Context(), id, limit)
	if err != nil {
		fail(c, h.logger(), err)
		return
	}
	ok(c, gin.H{"snapshots": list})
}
