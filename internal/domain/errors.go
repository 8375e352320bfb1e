package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 核心错误分类。所有稳定接口的失败都必须能映射到这里的某个类型，
// 以便调用方通过 errors.Is / errors.As 分支处理。
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrMailNotFound        = errors.New("mail not found")
	ErrDomainNotFound      = errors.New("domain not found")
	ErrCorrelationNotFound = errors.New("correlation not found")
	ErrNewsletterNotFound  = errors.New("newsletter not found")
	ErrSubscriberNotFound  = errors.New("subscriber not found")
	ErrNoUserAddress       = errors.New("no registered recipient address on this node")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrPermissioned        = errors.New("operation unavailable on a permissioned node")
	ErrAddressExists       = errors.New("address already registered")
	ErrMailCollision       = errors.New("mail id already in use")
	ErrIDGeneration        = errors.New("identifier minting unavailable")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInsufficientCredits = errors.New("insufficient credits attached")
	ErrAnonymousCaller     = errors.New("anonymous caller not allowed")
)

// ErrTransfer 与 ErrGateway 是结构化错误对应的哨兵，
// 调用方可用 errors.Is(err, ErrTransfer) 分支，再用 errors.As 取出明细。
var (
	ErrTransfer = errors.New("mail transfer failed")
	ErrGateway  = errors.New("gateway dispatch failed")
)

// DomainFailure 记录扇出过程中单个域的失败及其原因。
type DomainFailure struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

// TransferError 聚合一次发送中所有失败的域。
// 成功投递的域不会因为其他域失败而回滚。
type TransferError struct {
	Failures []DomainFailure
}

func (e *TransferError) Error() string {
	domains := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		domains = append(domains, f.Domain)
	}
	return fmt.Sprintf("mail transfer failed for domains: %s", strings.Join(domains, ", "))
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

// GatewayError 表示外部网关调度失败。网关路径没有进一步的兜底，
// 该错误会直接终止整次发送。
type GatewayError struct {
	Status int
	Reason string
}

func (e *GatewayError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway dispatch failed: status %d: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("gateway dispatch failed: %s", e.Reason)
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}
