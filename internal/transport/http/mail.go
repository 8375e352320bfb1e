package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
	"fedmail/node/internal/metering"
	"fedmail/node/internal/middleware"
	"fedmail/node/internal/monitoring"
	"fedmail/node/internal/routing"
)

// MailHandler 处理邮件相关的 HTTP 请求：本地收件箱操作、
// 对外发信以及联邦节点之间的投递接口。
type MailHandler struct {
	ledger  *ledger.Ledger
	engine  *routing.Engine
	minter  *ident.Minter
	meter   metering.Meter
	metrics *monitoring.Metrics
	notify  routing.Notifier
	log     *zap.Logger
}

// NewMailHandler 创建邮件处理器
func NewMailHandler(l *ledger.Ledger, engine *routing.Engine, minter *ident.Minter, meter metering.Meter, metrics *monitoring.Metrics, log *zap.Logger) *MailHandler {
	return &MailHandler{
		ledger:  l,
		engine:  engine,
		minter:  minter,
		meter:   meter,
		metrics: metrics,
		notify:  nil,
		log:     log,
	}
}

// WithNotifier 设置入站邮件通知回调
func (h *MailHandler) WithNotifier(n routing.Notifier) *MailHandler {
	h.notify = n
	return h
}

// submitMail 接收联邦节点投递的邮件。调用方需附带足额额度。
// 本地邮件 ID 由收件节点自行铸造，投递方只提供邮件本身。
func (h *MailHandler) submitMail(c *gin.Context) {
	caller := middleware.Principal(c)
	attached := middleware.AttachedCredits(c)

	if err := guard.RequirePayment(c.Request.Context(), h.meter, caller, attached, guard.SubmitCallPayment); err != nil {
		RespondError(c, err)
		return
	}

	var mail domain.Mail
	if err := c.ShouldBindJSON(&mail); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	id, err := h.minter.MintID(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}

	if err := h.ledger.Store(&mail, id); err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.MailStored.Inc()

	h.log.Info("federated mail stored",
		zap.String("mailId", id),
		zap.String("from", mail.Header.From),
		zap.String("caller", caller.String()))

	h.notifyLocalRecipients(mail.Header)

	Created(c, gin.H{"id": id})
}

type submitReplyRequest struct {
	CorrelationID string           `json:"correlationId" binding:"required"`
	Reply         domain.MailReply `json:"reply" binding:"required"`
}

// submitReply 接收联邦节点投递的回复。调用方需附带足额额度。
func (h *MailHandler) submitReply(c *gin.Context) {
	caller := middleware.Principal(c)
	attached := middleware.AttachedCredits(c)

	if err := guard.RequirePayment(c.Request.Context(), h.meter, caller, attached, guard.SubmitCallPayment); err != nil {
		RespondError(c, err)
		return
	}

	var req submitReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.ledger.StoreReply(req.CorrelationID, req.Reply); err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.RepliesStored.Inc()

	h.log.Info("federated reply stored",
		zap.String("correlationId", req.CorrelationID),
		zap.String("from", req.Reply.From))

	Created(c, nil)
}

// sendMail 以当前调用者身份发送邮件，按收件人域名路由。
func (h *MailHandler) sendMail(c *gin.Context) {
	caller := middleware.Principal(c)

	var mail domain.Mail
	if err := c.ShouldBindJSON(&mail); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	id, err := h.engine.Send(c.Request.Context(), caller, &mail)
	if err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.MailStored.Inc()

	Created(c, gin.H{"id": id})
}

type sendReplyRequest struct {
	CorrelationID string           `json:"correlationId" binding:"required"`
	Reply         domain.MailReply `json:"reply" binding:"required"`
}

// sendReply 以当前调用者身份回复会话。
func (h *MailHandler) sendReply(c *gin.Context) {
	caller := middleware.Principal(c)

	var req sendReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.engine.SendReply(c.Request.Context(), caller, req.CorrelationID, req.Reply); err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.RepliesStored.Inc()

	Created(c, nil)
}

// getMail 获取邮件详情，并将其标记为已读。
func (h *MailHandler) getMail(c *gin.Context) {
	caller := middleware.Principal(c)

	mail, err := h.ledger.Fetch(caller, c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.MailFetched.Inc()

	Success(c, mail)
}

// listMail 分页获取收件箱。
func (h *MailHandler) listMail(c *gin.Context) {
	caller := middleware.Principal(c)

	page := 0
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			BadRequest(c, MsgInvalidPage)
			return
		}
		page = parsed
	}

	entries, err := h.ledger.ListInbox(caller, page)
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, gin.H{
		"mails": entries,
		"page":  page,
		"count": len(entries),
	})
}

// deleteMail 将邮件移入回收站。
func (h *MailHandler) deleteMail(c *gin.Context) {
	caller := middleware.Principal(c)

	if err := h.ledger.Delete(caller, c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	h.metrics.MailTrashed.Inc()

	NoContent(c)
}

// restoreMail 将邮件从回收站移回收件箱。
func (h *MailHandler) restoreMail(c *gin.Context) {
	caller := middleware.Principal(c)

	if err := h.ledger.Restore(caller, c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}

	Success(c, nil)
}

// countMail 统计调用者收件箱中未读与已读数量。
func (h *MailHandler) countMail(c *gin.Context) {
	caller := middleware.Principal(c)

	count, err := h.ledger.Count(caller)
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, count)
}

// countAllMail 统计全节点邮件数量。许可模式下仅托管人可查。
func (h *MailHandler) countAllMail(c *gin.Context) {
	caller := middleware.Principal(c)

	count, err := h.ledger.CountAll(caller)
	if err != nil {
		RespondError(c, err)
		return
	}

	Success(c, count)
}

// notifyLocalRecipients 通知本节点在线的收件人。
func (h *MailHandler) notifyLocalRecipients(header domain.MailHeader) {
	if h.notify == nil {
		return
	}

	seen := make(map[string]bool)
	for _, group := range [][]string{header.To, header.CC, header.BCC} {
		for _, raw := range group {
			addr, err := domain.ParseAddress(raw)
			if err != nil || !addr.BelongsTo(h.ledger.Domain()) {
				continue
			}
			key := addr.String()
			if seen[key] || !h.ledger.HasAddress(key) {
				continue
			}
			seen[key] = true
			h.notify.NotifyNewMail(key)
		}
	}
}
