package handler

import (
	"errors"
	"strconv"
	"time"

	"linkplace/internal/config"
	"linkplace/internal/infrastructure/lock"
	"linkplace/internal/repository"
	"linkplace/internal/service"
	"linkplace/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	earnService     *service.EarnService
	spendService    *service.SpendService
	reversalService *service.ReversalService
	balanceService  *service.BalanceService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, locker lock.BalanceLocker, cfg *config.Config) *Handler {
	return &Handler{
		earnService:     service.NewEarnService(db, locker, cfg),
		spendService:    service.NewSpendService(db, locker, cfg),
		reversalService: service.NewReversalService(db, locker, cfg),
		balanceService:  service.NewBalanceService(db),
	}
}

// respondError 业务错误映射为响应码
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, repository.ErrInsufficientPoints):
		response.BusinessError(c, response.CodeInsufficientPoints, err.Error())
	case errors.Is(err, service.ErrNotPending):
		response.BusinessError(c, response.CodeNotPending, err.Error())
	case errors.Is(err, service.ErrNotCompleted):
		response.BusinessError(c, response.CodeNotCompleted, err.Error())
	case errors.Is(err, repository.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, repository.ErrDuplicateRequest):
		response.BusinessError(c, response.CodeDuplicateRequest, err.Error())
	case errors.Is(err, repository.ErrBalanceNotFound):
		response.BusinessError(c, response.CodeBalanceNotFound, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户积分账户
// GET /api/v1/points/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	balance, err := h.balanceService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":          balance.UserID,
		"total_points":     balance.TotalPoints,
		"available_points": balance.AvailablePoints,
		"pending_points":   balance.PendingPoints,
		"used_points":      balance.UsedPoints,
		"expired_points":   balance.ExpiredPoints,
	})
}

// GetHistory 查询积分流水
// GET /api/v1/points/history?user_id=xxx&type=&source=&status=&start_date=&end_date=&page=1&page_size=20
func (h *Handler) GetHistory(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filter := &repository.TransactionFilter{
		Type:   c.Query("type"),
		Source: c.Query("source"),
		Status: c.Query("status"),
	}

	if startDateStr := c.Query("start_date"); startDateStr != "" {
		startDate, err := time.Parse("2006-01-02", startDateStr)
		if err != nil {
			response.ParamError(c, "start_date 参数错误，格式应为 YYYY-MM-DD")
			return
		}
		filter.StartDate = &startDate
	}
	if endDateStr := c.Query("end_date"); endDateStr != "" {
		endDate, err := time.Parse("2006-01-02", endDateStr)
		if err != nil {
			response.ParamError(c, "end_date 参数错误，格式应为 YYYY-MM-DD")
			return
		}
		// 含当天
		endDate = endDate.AddDate(0, 0, 1).Add(-time.Second)
		filter.EndDate = &endDate
	}

	result, err := h.balanceService.GetHistory(c.Request.Context(), userID, filter, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, result)
}

// GetExpiring 查询即将过期的积分
// GET /api/v1/points/expiring?user_id=xxx&days=30
func (h *Handler) GetExpiring(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	if days <= 0 {
		days = 30
	}

	result, err := h.balanceService.GetExpiring(c.Request.Context(), userID, days)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, result)
}

// GetStats 查询积分统计
// GET /api/v1/points/stats?user_id=xxx
func (h *Handler) GetStats(c *gin.Context) {
	userIDStr := c.Query("user_id")
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	result, err := h.balanceService.GetStats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 积分获取/消费接口
// ============================================================

// EarnPoints 积分获取申请
// POST /api/v1/points/earn
func (h *Handler) EarnPoints(c *gin.Context) {
	var req service.EarnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.earnService.Earn(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, result)
}

// SpendPoints 积分消费
// POST /api/v1/points/spend
//
// 【关键点】消费需要保证：
// 1. 幂等性：相同的 request_id 只会扣减一次
// 2. 原子性：流水创建和余额扣减同时成功或同时失败
// 3. 并发安全：同一用户的两笔并发消费最多成功一笔
func (h *Handler) SpendPoints(c *gin.Context) {
	var req service.SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.spendService.Spend(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 审核/冲正接口（管理员）
// ============================================================

// ApproveRequest 审核通过请求
type ApproveRequest struct {
	AdminUserID int64 `json:"admin_user_id" binding:"required"`
}

// ApproveTransaction 审核通过
// POST /api/v1/points/approve/:transaction_id
func (h *Handler) ApproveTransaction(c *gin.Context) {
	transactionID, err := strconv.ParseInt(c.Param("transaction_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "transaction_id 参数错误")
		return
	}

	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.earnService.Approve(c.Request.Context(), transactionID, req.AdminUserID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_id": trans.ID,
		"status":         trans.Status,
		"message":        "审核通过，积分已入账",
	})
}

// RejectRequest 审核拒绝请求
type RejectRequest struct {
	AdminUserID int64  `json:"admin_user_id" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

// RejectTransaction 审核拒绝
// POST /api/v1/points/reject/:transaction_id
func (h *Handler) RejectTransaction(c *gin.Context) {
	transactionID, err := strconv.ParseInt(c.Param("transaction_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "transaction_id 参数错误")
		return
	}

	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.earnService.Reject(c.Request.Context(), transactionID, req.AdminUserID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_id": trans.ID,
		"status":         trans.Status,
		"message":        "审核已拒绝",
	})
}

// ReverseRequest 冲正请求
type ReverseRequest struct {
	AdminUserID int64  `json:"admin_user_id" binding:"required"`
	Reason      string `json:"reason"`
}

// ReverseTransaction 冲正已完成流水
// POST /api/v1/points/reverse/:transaction_id
func (h *Handler) ReverseTransaction(c *gin.Context) {
	transactionID, err := strconv.ParseInt(c.Param("transaction_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "transaction_id 参数错误")
		return
	}

	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.reversalService.Reverse(c.Request.Context(), transactionID, req.AdminUserID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, result)
}
