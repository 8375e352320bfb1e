package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fedmail/node/internal/domain"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 用户与地址
	domain.ErrUserNotFound:   "用户不存在",
	domain.ErrNoUserAddress:  "收件人在本节点未登记",
	domain.ErrAddressExists:  "地址已被占用",
	domain.ErrInvalidAddress: "邮箱地址格式无效",

	// 邮件
	domain.ErrMailNotFound:        "邮件不存在",
	domain.ErrMailCollision:       "邮件ID已存在",
	domain.ErrCorrelationNotFound: "会话不存在",
	domain.ErrIDGeneration:        "生成邮件ID失败",

	// 域名与联邦
	domain.ErrDomainNotFound: "域名未注册",
	domain.ErrTransfer:       "部分域名投递失败",
	domain.ErrGateway:        "网关投递失败",

	// 订阅
	domain.ErrNewsletterNotFound: "订阅刊物不存在",
	domain.ErrSubscriberNotFound: "订阅者不存在",

	// 权限
	domain.ErrNotAuthorized:       "权限不足",
	domain.ErrPermissioned:        "本节点为许可模式，禁止自助注册",
	domain.ErrAnonymousCaller:     "匿名调用者不允许执行此操作",
	domain.ErrInsufficientCredits: "附带额度不足",
}

// 错误 -> HTTP 状态码
var errorStatus = map[error]int{
	domain.ErrUserNotFound:        http.StatusNotFound,
	domain.ErrNoUserAddress:       http.StatusNotFound,
	domain.ErrMailNotFound:        http.StatusNotFound,
	domain.ErrCorrelationNotFound: http.StatusNotFound,
	domain.ErrDomainNotFound:      http.StatusNotFound,
	domain.ErrNewsletterNotFound:  http.StatusNotFound,
	domain.ErrSubscriberNotFound:  http.StatusNotFound,

	domain.ErrAddressExists:  http.StatusConflict,
	domain.ErrMailCollision:  http.StatusConflict,
	domain.ErrInvalidAddress: http.StatusBadRequest,

	domain.ErrNotAuthorized:       http.StatusForbidden,
	domain.ErrPermissioned:        http.StatusForbidden,
	domain.ErrAnonymousCaller:     http.StatusUnauthorized,
	domain.ErrInsufficientCredits: http.StatusPaymentRequired,

	domain.ErrIDGeneration: http.StatusInternalServerError,
	domain.ErrTransfer:     http.StatusBadGateway,
	domain.ErrGateway:      http.StatusBadGateway,
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for sentinel, msg := range errorMessages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	return err.Error()
}

// RespondError 按业务错误写出统一响应。
// 投递失败（TransferError）会附带每个失败域名的原因。
func RespondError(c *gin.Context, err error) {
	var transferErr *domain.TransferError
	if errors.As(err, &transferErr) {
		BadGateway(c, GetErrorMessage(domain.ErrTransfer), gin.H{
			"failures": transferErr.Failures,
		})
		return
	}

	var gatewayErr *domain.GatewayError
	if errors.As(err, &gatewayErr) {
		BadGateway(c, GetErrorMessage(domain.ErrGateway), gin.H{
			"status": gatewayErr.Status,
			"reason": gatewayErr.Reason,
		})
		return
	}

	for sentinel, status := range errorStatus {
		if errors.Is(err, sentinel) {
			Error(c, status, GetErrorMessage(err))
			return
		}
	}

	InternalError(c, MsgInternalError)
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidPage      = "页码格式无效"
	MsgRequestBodyEmpty = "请求体不能为空"

	// 认证相关
	MsgAuthRequired     = "需要登录认证"
	MsgTokenInvalid     = "无效的访问令牌"
	MsgPermissionDenied = "权限不足"

	// 邮件相关
	MsgMailSendFailed  = "发送邮件失败"
	MsgMailListFailed  = "获取邮件列表失败"
	MsgMailGetFailed   = "获取邮件详情失败"
	MsgReplySendFailed = "发送回复失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
