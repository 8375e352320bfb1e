package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
	"fedmail/node/internal/middleware"
	"fedmail/node/internal/monitoring"
	"fedmail/node/internal/routing"
)

// NewsletterHandler 处理订阅刊物相关的 HTTP 请求。
type NewsletterHandler struct {
	ledger  *ledger.Ledger
	engine  *routing.Engine
	minter  *ident.Minter
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewNewsletterHandler 创建订阅刊物处理器
func NewNewsletterHandler(l *ledger.Ledger, engine *routing.Engine, minter *ident.Minter, metrics *monitoring.Metrics, log *zap.Logger) *NewsletterHandler {
	return &NewsletterHandler{ledger: l, engine: engine, minter: minter, metrics: metrics, log: log}
}

// createNewsletter 创建订阅刊物。仅托管人可操作。
func (h *NewsletterHandler) createNewsletter(c *gin.Context) {
	caller := middleware.Principal(c)

	var n domain.Newsletter
	if err := c.ShouldBindJSON(&n); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if n.Title == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	// 未指定ID时铸造一个
	if n.ID == "" {
		id, err := h.minter.MintID(c.Request.Context())
		if err != nil {
			RespondError(c, err)
			return
		}
		n.ID = id
	}

	if err := h.ledger.CreateNewsletter(caller, n); err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.NewslettersCreated.Inc()

	h.log.Info("newsletter created",
		zap.String("newsletterId", n.ID),
		zap.String("title", n.Title))

	Created(c, n)
}

// listNewsletters 列出所有订阅刊物。
func (h *NewsletterHandler) listNewsletters(c *gin.Context) {
	newsletters := h.ledger.Newsletters()
	Success(c, gin.H{
		"newsletters": newsletters,
		"count":       len(newsletters),
	})
}

// getNewsletter 获取订阅刊物详情。
func (h *NewsletterHandler) getNewsletter(c *gin.Context) {
	n, err := h.ledger.Newsletter(c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, n)
}

type subscribeRequest struct {
	Address string `json:"address" binding:"required"`
}

// subscribe 以指定地址订阅刊物。
func (h *NewsletterHandler) subscribe(c *gin.Context) {
	caller := middleware.Principal(c)

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.ledger.Subscribe(c.Param("id"), req.Address, caller); err != nil {
		RespondError(c, err)
		return
	}

	Created(c, nil)
}

// unsubscribe 取消订阅。只有订阅时使用的身份可以取消。
func (h *NewsletterHandler) unsubscribe(c *gin.Context) {
	caller := middleware.Principal(c)

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.ledger.Unsubscribe(c.Param("id"), req.Address, caller); err != nil {
		RespondError(c, err)
		return
	}

	NoContent(c)
}

// listSubscribers 列出订阅者。仅托管人可查。
func (h *NewsletterHandler) listSubscribers(c *gin.Context) {
	caller := middleware.Principal(c)

	if !h.ledger.IsCustodian(caller) {
		RespondError(c, domain.ErrNotAuthorized)
		return
	}

	subscribers, err := h.ledger.Subscribers(c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, gin.H{
		"subscribers": subscribers,
		"count":       len(subscribers),
	})
}

type sendNewsletterRequest struct {
	Subject string `json:"subject" binding:"required"`
	Body    string `json:"body" binding:"required"`
}

// sendNewsletter 向全部订阅者群发刊物。仅托管人可操作。
func (h *NewsletterHandler) sendNewsletter(c *gin.Context) {
	caller := middleware.Principal(c)

	var req sendNewsletterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.engine.SendNewsletter(c.Request.Context(), caller, c.Param("id"), req.Subject, []byte(req.Body)); err != nil {
		RespondError(c, err)
		return
	}

	Success(c, nil)
}
