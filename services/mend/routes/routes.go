// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/mend/services/mend/handlers"
)

// SetupRoutes registers the mend API on router.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers) {
	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.HandleCreateSession)
			sessions.GET("", h.HandleListSessions)
			sessions.GET("/:id", h.HandleGetSession)
			sessions.DELETE("/:id", h.HandleDeleteSession)

			sessions.POST("/:id/monitoring", h.HandleStartMonitoring)
			sessions.DELETE("/:id/monitoring", h.HandleStopMonitoring)

			sessions.POST("/:id/events", h.HandleIngestEvents)
			sessions.GET("/:id/sandbox", h.HandleSandbox)
			sessions.GET("/:id/progress", h.HandleProgress)
			sessions.POST("/:id/stop", h.HandleStopRepair)

			sessions.GET("/:id/repairs", h.HandleListRepairs)
			sessions.GET("/:id/repairs/pending", h.HandlePendingRepair)
			sessions.POST("/:id/repairs/:repairId/accept", h.HandleAcceptRepair)
			sessions.POST("/:id/repairs/:repairId/discard", h.HandleDiscardRepair)
		}
	}
}
