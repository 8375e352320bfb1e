package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fedmail/node/internal/auth/jwt"
	"fedmail/node/internal/domain"
)

// 上下文键
const (
	ContextPrincipal = "principal"
	ContextCredits   = "credits"
)

// PrincipalAuth 调用方身份中间件
type PrincipalAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewPrincipalAuth 创建身份中间件
func NewPrincipalAuth(jwtManager *jwt.Manager, log *zap.Logger) *PrincipalAuth {
	return &PrincipalAuth{jwtManager: jwtManager, log: log}
}

// Identify 解析调用方身份。
// 优先 Bearer 令牌；对等节点间调用退化为 x-principal 头；
// 两者都没有时按匿名身份处理，是否放行由各操作的守卫决定。
func (pa *PrincipalAuth) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := pa.extractToken(c); token != "" {
			claims, err := pa.jwtManager.ValidateToken(token)
			if err != nil {
				pa.log.Warn("invalid token",
					zap.String("error", err.Error()),
					zap.String("ip", c.ClientIP()),
				)
				c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "无效的访问令牌"})
				c.Abort()
				return
			}
			c.Set(ContextPrincipal, domain.Principal(claims.Principal))
			c.Next()
			return
		}

		if p := c.GetHeader("x-principal"); p != "" {
			c.Set(ContextPrincipal, domain.Principal(p))
			c.Next()
			return
		}

		c.Set(ContextPrincipal, domain.AnonymousPrincipal)
		c.Next()
	}
}

// RequireAuthenticated 要求非匿名身份
func (pa *PrincipalAuth) RequireAuthenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Principal(c).IsAnonymous() {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "需要登录认证"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractToken 从请求中提取令牌
func (pa *PrincipalAuth) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	token, err := c.Cookie("access_token")
	if err == nil && token != "" {
		return token
	}
	return ""
}

// Principal 从上下文取出调用方身份
func Principal(c *gin.Context) domain.Principal {
	if v, exists := c.Get(ContextPrincipal); exists {
		if p, ok := v.(domain.Principal); ok {
			return p
		}
	}
	return domain.AnonymousPrincipal
}

// Credits 附带额度中间件：解析 x-credits 头存入上下文
func Credits() gin.HandlerFunc {
	return func(c *gin.Context) {
		attached, _ := strconv.ParseUint(c.GetHeader("x-credits"), 10, 64)
		c.Set(ContextCredits, attached)
		c.Next()
	}
}

// AttachedCredits 从上下文取出附带额度
func AttachedCredits(c *gin.Context) uint64 {
	if v, exists := c.Get(ContextCredits); exists {
		if n, ok := v.(uint64); ok {
			return n
		}
	}
	return 0
}
