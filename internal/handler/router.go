package handler

import (
	"linkplace/internal/config"
	"linkplace/internal/infrastructure/lock"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, locker lock.BalanceLocker, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, locker, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		points := api.Group("/points")
		{
			// 查询
			points.GET("/balance", h.GetBalance)
			points.GET("/history", h.GetHistory)
			points.GET("/expiring", h.GetExpiring)
			points.GET("/stats", h.GetStats)

			// 获取/消费
			points.POST("/earn", h.EarnPoints)
			points.POST("/spend", h.SpendPoints)

			// 审核/冲正
			points.POST("/approve/:transaction_id", h.ApproveTransaction)
			points.POST("/reject/:transaction_id", h.RejectTransaction)
			points.POST("/reverse/:transaction_id", h.ReverseTransaction)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
