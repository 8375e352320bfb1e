package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/ledger"
	"fedmail/node/internal/middleware"
	"fedmail/node/internal/monitoring"
)

// UserHandler 处理地址登记相关的 HTTP 请求。
type UserHandler struct {
	ledger  *ledger.Ledger
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewUserHandler 创建用户处理器
func NewUserHandler(l *ledger.Ledger, metrics *monitoring.Metrics, log *zap.Logger) *UserHandler {
	return &UserHandler{ledger: l, metrics: metrics, log: log}
}

type registerUserRequest struct {
	Address  string `json:"address" binding:"required"`
	Identity string `json:"identity" binding:"required"`
}

// registerUser 托管人为指定身份登记地址。
func (h *UserHandler) registerUser(c *gin.Context) {
	caller := middleware.Principal(c)

	var req registerUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.ledger.RegisterUser(caller, req.Address, domain.Principal(req.Identity)); err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.UsersRegistered.Inc()

	h.log.Info("user registered",
		zap.String("address", req.Address),
		zap.String("identity", req.Identity))

	Created(c, gin.H{"address": req.Address})
}

// deregisterUser 托管人注销地址绑定。
func (h *UserHandler) deregisterUser(c *gin.Context) {
	caller := middleware.Principal(c)

	if err := h.ledger.Deregister(caller, c.Param("address")); err != nil {
		RespondError(c, err)
		return
	}

	NoContent(c)
}

type selfRegisterRequest struct {
	Address string `json:"address" binding:"required"`
}

// selfRegister 调用者为自己登记地址（仅开放模式）。
func (h *UserHandler) selfRegister(c *gin.Context) {
	caller := middleware.Principal(c)

	var req selfRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.ledger.SelfRegister(caller, req.Address); err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.UsersRegistered.Inc()

	Created(c, gin.H{"address": req.Address})
}

// selfDelete 调用者注销自己的地址绑定。
func (h *UserHandler) selfDelete(c *gin.Context) {
	caller := middleware.Principal(c)

	if err := h.ledger.SelfDelete(caller); err != nil {
		RespondError(c, err)
		return
	}

	NoContent(c)
}

// listUsers 列出本节点所有登记地址。
func (h *UserHandler) listUsers(c *gin.Context) {
	caller := middleware.Principal(c)

	users, err := h.ledger.Users(caller)
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, gin.H{
		"users": users,
		"count": len(users),
	})
}

// me 返回调用者绑定的地址。
func (h *UserHandler) me(c *gin.Context) {
	caller := middleware.Principal(c)

	address, ok := h.ledger.AddressOf(caller)
	if !ok {
		RespondError(c, domain.ErrUserNotFound)
		return
	}

	Success(c, gin.H{"address": address})
}
