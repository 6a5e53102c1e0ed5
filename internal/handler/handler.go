package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"genpay/internal/catalog"
	"genpay/internal/service"
	"genpay/pkg/money"
	"genpay/pkg/response"

	"github.com/gin-gonic/gin"
)

// LeaderStatus 当前实例是否持有单实例租约（由 poller 提供）
type LeaderStatus interface {
	IsLeader() bool
	OwnerID() string
}

// Handler HTTP 处理器，只做参数解析和错误码映射，业务逻辑全部在 service 层
type Handler struct {
	ledger     *service.LedgerService
	generation *service.GenerationService
	leader     LeaderStatus
}

func NewHandler(ledger *service.LedgerService, generation *service.GenerationService, leader LeaderStatus) *Handler {
	return &Handler{
		ledger:     ledger,
		generation: generation,
		leader:     leader,
	}
}

// ============================================================
// 钱包相关
// ============================================================

// GetWallet 查询余额和冻结金额
// GET /api/v1/wallet?user_id=xxx
func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	wallet, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":       wallet.UserID,
		"balance_rub":   wallet.BalanceRub,
		"hold_rub":      wallet.HoldRub,
		"available_rub": wallet.Available(),
		"version":       wallet.Version,
	})
}

// ListEntries 查询流水，按时间倒序
// GET /api/v1/wallet/entries?user_id=xxx&page=1&page_size=20
func (h *Handler) ListEntries(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, err := h.ledger.ListEntries(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type TopupRequest struct {
	UserID         int64        `json:"user_id" binding:"required,gt=0"`
	AmountRub      money.Amount `json:"amount_rub" binding:"required"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// Topup 充值（支付确认由上游完成，这里只记账）
// POST /api/v1/wallet/topup
func (h *Handler) Topup(c *gin.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	key := idempotencyKey(c, req.IdempotencyKey)

	if err := h.ledger.Topup(c.Request.Context(), req.UserID, req.AmountRub, key); err != nil {
		writeError(c, err)
		return
	}

	wallet, err := h.ledger.GetBalance(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":     wallet.UserID,
		"balance_rub": wallet.BalanceRub,
		"hold_rub":    wallet.HoldRub,
	})
}

type RefundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

// RefundReservation 退款：已扣款的预留金额退回余额
// POST /api/v1/reservations/:id/refund
func (h *Handler) RefundReservation(c *gin.Context) {
	reservationID, ok := pathID(c)
	if !ok {
		return
	}
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	key := idempotencyKey(c, req.IdempotencyKey)

	if err := h.ledger.Refund(c.Request.Context(), reservationID, key, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"reservation_id": reservationID,
		"refunded":       true,
	})
}

// ============================================================
// 生成任务相关
// ============================================================

type SubmitJobRequest struct {
	UserID         int64           `json:"user_id"`
	ModelID        string          `json:"model_id"`
	PriceRub       money.Amount    `json:"price_rub"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// SubmitJob 提交生成任务：冻结价格并入队
//
// 【关键点】同一个幂等键重复提交返回同一个 job_id，不会重复冻结
// POST /api/v1/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	jobID, err := h.generation.SubmitGeneration(c.Request.Context(), &service.SubmitRequest{
		UserID:         req.UserID,
		ModelID:        req.ModelID,
		PriceRub:       req.PriceRub,
		Payload:        req.Payload,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"job_id": strconv.FormatInt(jobID, 10),
	})
}

// GetJob 查询任务状态（客户端轮询用）
// GET /api/v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	jobID, ok := pathID(c)
	if !ok {
		return
	}

	view, err := h.generation.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, view)
}

// ListJobs 查询用户的任务列表，按时间倒序
// GET /api/v1/jobs?user_id=xxx&page=1&page_size=20
func (h *Handler) ListJobs(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	jobs, total, err := h.generation.ListJobs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// CancelJob 取消任务并解冻
// 任务已经结束时 cancelled=false，不报错
// POST /api/v1/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	jobID, ok := pathID(c)
	if !ok {
		return
	}

	cancelled, err := h.generation.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"job_id":    strconv.FormatInt(jobID, 10),
		"cancelled": cancelled,
	})
}

// Health 健康检查，同时返回本实例是否在驱动任务
// GET /health
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.leader != nil {
		body["leader"] = h.leader.IsLeader()
		body["owner_id"] = h.leader.OwnerID()
	}
	c.JSON(200, body)
}

// ============================================================
// 辅助函数
// ============================================================

func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "invalid user_id")
		return 0, false
	}
	return userID, true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "invalid id")
		return 0, false
	}
	return id, true
}

// idempotencyKey 优先取 body 里的字段，没有再取 Idempotency-Key 头
func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader("Idempotency-Key")
}

// writeError service 层错误 -> 业务码
// 未识别的错误一律 500，并记录日志
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, catalog.ErrModelNotFound), errors.Is(err, catalog.ErrModelDisabled):
		response.BusinessError(c, response.CodeModelUnavailable, err.Error())
	case service.IsValidation(err):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeBalanceNotEnough, err.Error())
	case errors.Is(err, service.ErrJobNotFound):
		response.NotFound(c, response.CodeJobNotFound, err.Error())
	case errors.Is(err, service.ErrReservationNotFound):
		response.NotFound(c, response.CodeReservationNotFound, err.Error())
	case errors.Is(err, service.ErrNotRefundable):
		response.BusinessError(c, response.CodeRefundFailed, err.Error())
	case errors.Is(err, service.ErrSubmitBusy):
		response.BusinessError(c, response.CodeConflict, err.Error())
	default:
		slog.Error("request failed", "component", "http", "path", c.FullPath(), "err", err)
		response.ServerError(c, "internal error")
	}
}
