/* Copyright (c) 2025 perf-reporting authors
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/robbywh/perf-reporting/internal/config"
	"github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc service) *gin.Engine {
	if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, svc)

	r.GET("/healthz", h.Healthz)
	r.GET("/admin/last-run", h.LastRun)

	sync := r.Group("/sync", h.RequireTriggerKey)
	sync.POST("", h.SyncAll)
	sync.POST("/sprint", h.SyncSprint)
	sync.POST("/projects", h.BackfillProjects)
	sync.POST("/coding-hours", h.CodingHours)

	reports := r.Group("/reports")
	reports.GET("/capacity", h.Capacity)
	reports.GET("/top-performers", h.TopPerformers)
	reports.GET("/trend", h.Trend)
	reports.GET("/engineers/:id/averages", h.EngineerAverages)
	reports.GET("/approved", h.ApprovedTasks)
	reports.GET("/download", h.Download)

	return r
}
