package main

import (
	"time"

	"llm-relay/core"
	"llm-relay/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// handleHealth 健康检查
func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, models.HealthResponse{
			Status:    "ok",
			Gateway:   "llm-relay",
			Providers: core.ProviderNames(),
			Timestamp: time.Now().Unix(),
		})
	}
}

// handleStats 管理端统计: 当前轮换游标 + 最近的请求指标
func handleStats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var counters []models.RotationCounter
		if err := db.Order("provider_key").Find(&counters).Error; err != nil {
			c.JSON(500, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "failed to load counters: " + err.Error(), Type: "storage_error"},
			})
			return
		}

		var recent []models.RequestMetric
		if err := db.Order("id desc").Limit(100).Find(&recent).Error; err != nil {
			c.JSON(500, models.ErrorResponse{
				Error: models.ErrorDetail{Message: "failed to load metrics: " + err.Error(), Type: "storage_error"},
			})
			return
		}

		c.JSON(200, models.StatsResponse{
			Counters:  counters,
			Recent:    recent,
			Timestamp: time.Now().Unix(),
		})
	}
}
