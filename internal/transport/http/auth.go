package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "fedmail/node/internal/auth/jwt"
	"fedmail/node/internal/middleware"
)

// AuthHandler 处理令牌签发相关的 HTTP 请求。
// 调用方先以 x-principal 头表明身份，换取短期 JWT 用于后续调用。
type AuthHandler struct {
	jwtManager *jwtpkg.Manager
	log        *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(jwtManager *jwtpkg.Manager, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		jwtManager: jwtManager,
		log:        log,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type tokenResponse struct {
	Principal    string `json:"principal"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// IssueToken 为当前调用者签发令牌对。
func (h *AuthHandler) IssueToken(c *gin.Context) {
	caller := middleware.Principal(c)
	if caller.IsAnonymous() {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	tokens, err := h.jwtManager.GenerateTokenPair(caller)
	if err != nil {
		h.log.Error("failed to generate tokens", zap.Error(err))
		InternalError(c, "生成令牌失败")
		return
	}

	h.log.Info("token issued", zap.String("principal", caller.String()))

	Created(c, tokenResponse{
		Principal:    caller.String(),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	})
}

// Refresh 用刷新令牌换取新的访问令牌。
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	accessToken, err := h.jwtManager.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		Unauthorized(c, MsgTokenInvalid)
		return
	}

	Success(c, gin.H{"accessToken": accessToken})
}
