package directory

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
	"fedmail/node/internal/metering"
)

// response 目录服务的统一响应结构。
type response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// Server 目录服务的 HTTP 接口。
type Server struct {
	registry *Registry
	meter    metering.Meter
	log      *zap.Logger
}

func NewServer(registry *Registry, meter metering.Meter, log *zap.Logger) *Server {
	return &Server{registry: registry, meter: meter, log: log}
}

// Router 装配目录服务路由。
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	{
		v1.GET("/domains/:domain", s.lookupDomain)
		v1.GET("/domains/:domain/details", s.domainDetails)
		v1.POST("/domains", s.registerDomain)
		v1.GET("/me/domains", s.myDomains)
	}
	return r
}

func caller(c *gin.Context) domain.Principal {
	p := c.GetHeader("x-principal")
	if p == "" {
		return domain.AnonymousPrincipal
	}
	return domain.Principal(p)
}

// lookupDomain 计费查询：调用方必须附带足额 x-credits。
func (s *Server) lookupDomain(c *gin.Context) {
	attached, _ := strconv.ParseUint(c.GetHeader("x-credits"), 10, 64)
	p := caller(c)
	if err := guard.RequirePayment(c.Request.Context(), s.meter, p, attached, guard.LookupDomainCallPayment); err != nil {
		c.JSON(http.StatusPaymentRequired, response{Code: http.StatusPaymentRequired, Msg: "附带额度不足"})
		return
	}

	rec, err := s.registry.Lookup(c.Param("domain"))
	if err != nil {
		c.JSON(http.StatusNotFound, response{Code: http.StatusNotFound, Msg: "域名未登记"})
		return
	}
	c.JSON(http.StatusOK, response{Code: http.StatusOK, Msg: "成功", Data: rec})
}

func (s *Server) domainDetails(c *gin.Context) {
	rec, err := s.registry.Lookup(c.Param("domain"))
	if err != nil {
		c.JSON(http.StatusNotFound, response{Code: http.StatusNotFound, Msg: "域名未登记"})
		return
	}
	c.JSON(http.StatusOK, response{Code: http.StatusOK, Msg: "成功", Data: rec})
}

func (s *Server) registerDomain(c *gin.Context) {
	var rec NodeRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, response{Code: http.StatusBadRequest, Msg: "请求参数格式错误"})
		return
	}
	p := caller(c)
	rec.Owner = p
	if err := s.registry.Register(p, rec); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, response{Code: http.StatusForbidden, Msg: "权限不足"})
		case errors.Is(err, domain.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, response{Code: http.StatusBadRequest, Msg: "域名格式无效"})
		default:
			c.JSON(http.StatusInternalServerError, response{Code: http.StatusInternalServerError, Msg: "登记失败"})
		}
		return
	}
	s.log.Info("domain registered",
		zap.String("domain", rec.Domain),
		zap.String("nodeId", rec.NodeID.String()),
	)
	c.JSON(http.StatusCreated, response{Code: http.StatusCreated, Msg: "创建成功", Data: rec})
}

func (s *Server) myDomains(c *gin.Context) {
	p := caller(c)
	if err := guard.RequireNotAnonymous(p); err != nil {
		c.JSON(http.StatusUnauthorized, response{Code: http.StatusUnauthorized, Msg: "需要登录认证"})
		return
	}
	c.JSON(http.StatusOK, response{Code: http.StatusOK, Msg: "成功", Data: s.registry.DomainsOf(p)})
}
