/* Copyright (c) 2025 perf-reporting authors
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/robbywh/perf-reporting/internal/config"
	"github.com/robbywh/perf-reporting/internal/repo"
	"github.com/robbywh/perf-reporting/internal/report"
	"github.com/robbywh/perf-reporting/internal/services"
	"github.com/rs/zerolog"
)

type service interface {
	SyncAll(ctx context.Context, reviewerIDs []int64) (services.SyncSummary, error)
	SyncSprint(ctx context.Context, orgID, sprintID int64, reviewerIDs []int64) (int, error)
	BackfillProjects(ctx context.Context, orgID int64) (int, error)
	SetCodingHours(ctx context.Context, sprintID, engineerID int64, hours float64) error
	GetLastRun(ctx context.Context) (any, error)
	CapacityVsReality(ctx context.Context, sprintIDs []int64) ([]repo.SprintCapacity, error)
	TopPerformers(ctx context.Context, sprintIDs []int64) ([]repo.Performer, error)
	EngineerTrend(ctx context.Context, sprintIDs []int64) ([]repo.TrendPoint, error)
	EngineerAveragesFor(ctx context.Context, engineerID int64, sprintIDs []int64) (services.EngineerAverages, error)
	ApprovedTasksMarkdown(ctx context.Context, sprintIDs []int64, categoryID *int64) (string, error)
	DownloadWorkbook(ctx context.Context, sprintIDs []int64, categoryID *int64) (*report.Workbook, error)
}

type Handlers struct {
	cfg config.Config
	log zerolog.Logger
	svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc service) *Handlers {
	return &Handlers{cfg: cfg, log: log, svc: svc}
}

// RequireTriggerKey gates the sync triggers with the static API key. Auth
// failures have no side effects.
func (h *Handlers) RequireTriggerKey(c *gin.Context) {
	key := c.GetHeader("X-Api-Key")
	if key == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if h.cfg.TriggerKey == "" || key != h.cfg.TriggerKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) LastRun(c *gin.Context) {
	lr, err := h.svc.GetLastRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lr)
}

func (h *Handlers) SyncAll(c *gin.Context) {
	// Detached from the request context so client disconnects cannot cancel
	// a half-finished run.
	sum, err := h.svc.SyncAll(context.Background(), parseInt64CSV(c.Query("reviewerIds")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":                true,
		"message":                "sync completed",
		"organizationsProcessed": sum.OrganizationsProcessed,
		"organizationsFailed":    sum.OrganizationsFailed,
		"tasksUpdated":           sum.TasksUpdated,
	})
}

func (h *Handlers) SyncSprint(c *gin.Context) {
	orgID, ok1 := queryInt64(c, "organization_id")
	sprintID, ok2 := queryInt64(c, "sprint_id")
	if !ok1 || !ok2 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "organization_id and sprint_id are required"})
		return
	}
	n, err := h.svc.SyncSprint(context.Background(), orgID, sprintID, parseInt64CSV(c.Query("reviewerIds")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "tasksUpdated": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "sprint synced", "tasksUpdated": n})
}

func (h *Handlers) BackfillProjects(c *gin.Context) {
	orgID, ok := queryInt64(c, "organization_id")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "organization_id is required"})
		return
	}
	n, err := h.svc.BackfillProjects(context.Background(), orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error(), "tasksUpdated": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "project backfill completed", "tasksUpdated": n})
}

// CodingHours records the externally measured editor hours for one engineer's
// sprint row.
func (h *Handlers) CodingHours(c *gin.Context) {
	sprintID, ok1 := queryInt64(c, "sprint_id")
	engineerID, ok2 := queryInt64(c, "engineer_id")
	hours, ok3 := queryFloat64(c, "hours")
	if !ok1 || !ok2 || !ok3 || hours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "sprint_id, engineer_id and a non-negative hours are required"})
		return
	}
	if err := h.svc.SetCodingHours(c.Request.Context(), sprintID, engineerID, hours); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "coding hours recorded"})
}

func (h *Handlers) Capacity(c *gin.Context) {
	ids := sprintIDs(c)
	out, err := h.svc.CapacityVsReality(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if out == nil { out = []repo.SprintCapacity{} }
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) TopPerformers(c *gin.Context) {
	out, err := h.svc.TopPerformers(c.Request.Context(), sprintIDs(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if out == nil { out = []repo.Performer{} }
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) Trend(c *gin.Context) {
	out, err := h.svc.EngineerTrend(c.Request.Context(), sprintIDs(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if out == nil { out = []repo.TrendPoint{} }
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) EngineerAverages(c *gin.Context) {
	engineerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid engineer id"})
		return
	}
	out, err := h.svc.EngineerAveragesFor(c.Request.Context(), engineerID, sprintIDs(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) ApprovedTasks(c *gin.Context) {
	out, err := h.svc.ApprovedTasksMarkdown(c.Request.Context(), sprintIDs(c), categoryID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, "%s", out)
}

func (h *Handlers) Download(c *gin.Context) {
	ids := sprintIDs(c)
	wb, err := h.svc.DownloadWorkbook(c.Request.Context(), ids, categoryID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var buf bytes.Buffer
	if _, err := wb.WriteTo(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="sprint-report.xlsx"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func sprintIDs(c *gin.Context) []int64 {
	return parseInt64CSV(c.Query("sprintIds"))
}

// categoryID is the optional category filter on the task-level reports; nil
// means no filter.
func categoryID(c *gin.Context) *int64 {
	id, ok := queryInt64(c, "categoryId")
	if !ok { return nil }
	return &id
}

func parseInt64CSV(csv string) []int64 {
	if csv == "" { return nil }
	parts := strings.Split(csv, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" { continue }
		n, err := strconv.ParseInt(p, 10, 64)
		if err == nil { out = append(out, n) }
	}
	return out
}

func queryInt64(c *gin.Context, name string) (int64, bool) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" { return 0, false }
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil { return 0, false }
	return n, true
}

func queryFloat64(c *gin.Context, name string) (float64, bool) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" { return 0, false }
	f, err := strconv.ParseFloat(v, 64)
	if err != nil { return 0, false }
	return f, true
}
