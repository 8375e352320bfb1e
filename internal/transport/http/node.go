package httptransport

import (
	"github.com/gin-gonic/gin"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/ledger"
	"fedmail/node/internal/middleware"
)

// NodeHandler 暴露节点自身的元信息。
type NodeHandler struct {
	ledger *ledger.Ledger
}

// NewNodeHandler 创建节点信息处理器
func NewNodeHandler(l *ledger.Ledger) *NodeHandler {
	return &NodeHandler{ledger: l}
}

// getDomain 返回节点管理的域名。
func (h *NodeHandler) getDomain(c *gin.Context) {
	Success(c, gin.H{"domain": h.ledger.Domain()})
}

// getToken 返回节点的目录注册令牌。仅托管人可查。
func (h *NodeHandler) getToken(c *gin.Context) {
	caller := middleware.Principal(c)

	if !h.ledger.IsCustodian(caller) {
		RespondError(c, domain.ErrNotAuthorized)
		return
	}

	Success(c, gin.H{"token": h.ledger.Token()})
}

// getInfo 返回节点名称与描述。
func (h *NodeHandler) getInfo(c *gin.Context) {
	Success(c, h.ledger.Info())
}

// updateInfo 更新节点名称与描述。仅托管人可操作。
func (h *NodeHandler) updateInfo(c *gin.Context) {
	caller := middleware.Principal(c)

	var info domain.LedgerInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	if err := h.ledger.SetInfo(caller, info); err != nil {
		RespondError(c, err)
		return
	}

	Success(c, info)
}
