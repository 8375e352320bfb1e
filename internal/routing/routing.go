// Package routing 实现出站邮件的路由引擎：计算目标域集合，
// 逐域解析并按 本地落账 → 远端节点调用 → 外部网关调用 的兜底链投递，
// 把各域的部分失败聚合为单个可检查的错误返回。
//
// 扇出严格串行。每次远程调用都是一个让出点，其间账本可能被其他操作
// 修改；并行化会改变调用方依赖的部分失败语义，禁止引入。
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fedmail/node/internal/directory"
	"fedmail/node/internal/domain"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
)

// 投递路径标签，用于指标统计。
const (
	PathLocal   = "local"
	PathPeer    = "peer"
	PathGateway = "gateway"
	PathResolve = "resolve"
)

// PeerClient 远端节点投递协作方。
type PeerClient interface {
	StoreMail(ctx context.Context, node directory.NodeRecord, mail *domain.Mail) error
	StoreReply(ctx context.Context, node directory.NodeRecord, correlationID string, reply domain.MailReply) error
}

// GatewayDispatcher 外部网关派发协作方。
type GatewayDispatcher interface {
	Dispatch(ctx context.Context, out domain.OutgoingMail) error
}

// DeliveryRecorder 投递结果的指标记录方。
type DeliveryRecorder interface {
	RecordDelivery(path string, ok bool)
}

// Notifier 本地投递后的推送协作方（WebSocket 集线器实现）。
type Notifier interface {
	NotifyNewMail(address string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDelivery(string, bool) {}

type nopNotifier struct{}

func (nopNotifier) NotifyNewMail(string) {}

// Engine 路由引擎。
type Engine struct {
	ledger   *ledger.Ledger
	minter   *ident.Minter
	resolver directory.Resolver
	peers    PeerClient
	gateway  GatewayDispatcher
	metrics  DeliveryRecorder
	notify   Notifier
	log      *zap.Logger
}

func NewEngine(l *ledger.Ledger, minter *ident.Minter, resolver directory.Resolver,
	peers PeerClient, gw GatewayDispatcher, log *zap.Logger) *Engine {
	return &Engine{
		ledger:   l,
		minter:   minter,
		resolver: resolver,
		peers:    peers,
		gateway:  gw,
		metrics:  nopRecorder{},
		notify:   nopNotifier{},
		log:      log,
	}
}

// WithMetrics 注入投递指标记录方。
func (e *Engine) WithMetrics(m DeliveryRecorder) *Engine {
	e.metrics = m
	return e
}

// WithNotifier 注入本地投递推送方。
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notify = n
	return e
}

// Send 发送一封本地撰写的邮件。
// 返回为本次发送铸造的关联 ID；即使部分域投递失败，
// 发送方副本也已在扇出前落账，绝不静默丢失。
//
// 收件地址全部预先校验：任何一个地址非法都会在产生任何
// 状态变化之前中止整次发送，而不是按收件人跳过。
func (e *Engine) Send(ctx context.Context, caller domain.Principal, mail *domain.Mail) (string, error) {
	// 发送方副本落账在发件地址的已发集合里，所以托管人发信
	// 同样必须持有本节点邮箱，仅有特权身份不够。
	address, registered := e.ledger.AddressOf(caller)
	if !registered {
		return "", domain.ErrNotAuthorized
	}
	// 普通用户不可伪造发件身份；托管人（特权中继）保留自报头部
	if !e.ledger.IsCustodian(caller) || mail.Header.From == "" {
		mail.Header.From = address
	}
	if mail.Header.Channel == "" {
		mail.Header.Channel = domain.ChannelUnknown
	}

	domains, err := recipientDomains(mail.Header)
	if err != nil {
		return "", err
	}

	correlationID, err := e.minter.MintID(ctx)
	if err != nil {
		return "", err
	}
	if err := e.ledger.StoreOutbound(caller, correlationID, mail); err != nil {
		return "", err
	}

	e.log.Info("mail fan-out started",
		zap.String("correlationId", correlationID),
		zap.Int("domains", len(domains)),
	)
	if err := e.fanOut(ctx, mail, domains); err != nil {
		return correlationID, err
	}
	return correlationID, nil
}

// fanOut 按声明顺序逐域投递。域可以重复出现，重复处理是允许的。
// 单个域的失败不会中止循环，也不会回滚先前成功的域；
// 唯一的例外是网关路径上的故障，它没有进一步兜底，直接硬失败。
func (e *Engine) fanOut(ctx context.Context, mail *domain.Mail, domains []string) error {
	var failures []domain.DomainFailure

	for _, dom := range domains {
		if strings.EqualFold(dom, e.ledger.Domain()) {
			if err := e.deliverLocal(ctx, mail, dom); err != nil {
				failures = append(failures, domain.DomainFailure{Domain: dom, Reason: err.Error()})
			}
			continue
		}

		record, err := e.resolver.Resolve(ctx, dom)
		switch {
		case err == nil:
			if err := e.peers.StoreMail(ctx, record, mail); err != nil {
				e.metrics.RecordDelivery(PathPeer, false)
				failures = append(failures, domain.DomainFailure{Domain: dom, Reason: err.Error()})
			} else {
				e.metrics.RecordDelivery(PathPeer, true)
			}
		case errors.Is(err, domain.ErrDomainNotFound):
			if err := e.escapeToGateway(ctx, mail); err != nil {
				return err
			}
		default:
			// 解析调用级故障
			e.metrics.RecordDelivery(PathResolve, false)
			failures = append(failures, domain.DomainFailure{Domain: dom, Reason: err.Error()})
		}
	}

	if len(failures) > 0 {
		e.log.Warn("mail fan-out completed with failures", zap.Int("failed", len(failures)))
		return &domain.TransferError{Failures: failures}
	}
	return nil
}

func (e *Engine) deliverLocal(ctx context.Context, mail *domain.Mail, dom string) error {
	id, err := e.minter.MintID(ctx)
	if err != nil {
		e.metrics.RecordDelivery(PathLocal, false)
		return err
	}
	cp := *mail
	if err := e.ledger.Store(&cp, id); err != nil {
		e.metrics.RecordDelivery(PathLocal, false)
		return err
	}
	e.metrics.RecordDelivery(PathLocal, true)
	for _, addr := range localRecipients(mail.Header, dom) {
		e.notify.NotifyNewMail(addr)
	}
	return nil
}

// escapeToGateway 目录查无此域时的逃逸路径。此处任何故障都向上传播，
// 终止整次发送——网关之后没有兜底，这个不对称是刻意的。
func (e *Engine) escapeToGateway(ctx context.Context, mail *domain.Mail) error {
	id, err := e.minter.MintID(ctx)
	if err != nil {
		e.metrics.RecordDelivery(PathGateway, false)
		return err
	}
	out := domain.OutgoingMail{ID: id, Header: mail.Header, Body: mail.Body}
	if err := e.gateway.Dispatch(ctx, out); err != nil {
		e.metrics.RecordDelivery(PathGateway, false)
		return err
	}
	e.metrics.RecordDelivery(PathGateway, true)
	return nil
}

// SendReply 把回复路由回线程的另一方。
// 本地留存是权威的：先在本地账本落账，成功后再向对端尽力扇出；
// 回复路径没有网关逃逸，无法解析的域按失败记入聚合错误。
func (e *Engine) SendReply(ctx context.Context, caller domain.Principal, correlationID string, reply domain.MailReply) error {
	address, registered := e.ledger.AddressOf(caller)
	if !registered {
		return domain.ErrNotAuthorized
	}
	if !e.ledger.IsCustodian(caller) {
		reply.From = address
	}

	original, err := e.ledger.MailByCorrelation(correlationID)
	if err != nil {
		return err
	}
	if err := e.ledger.StoreReply(correlationID, reply); err != nil {
		return err
	}

	targets := replyTargets(original.Header, reply.From)
	var failures []domain.DomainFailure
	for _, dom := range targets {
		if strings.EqualFold(dom, e.ledger.Domain()) {
			continue // 本地线程已更新
		}
		record, err := e.resolver.Resolve(ctx, dom)
		if err != nil {
			failures = append(failures, domain.DomainFailure{Domain: dom, Reason: err.Error()})
			continue
		}
		if err := e.peers.StoreReply(ctx, record, correlationID, reply); err != nil {
			e.metrics.RecordDelivery(PathPeer, false)
			failures = append(failures, domain.DomainFailure{Domain: dom, Reason: err.Error()})
		} else {
			e.metrics.RecordDelivery(PathPeer, true)
		}
	}
	if len(failures) > 0 {
		return &domain.TransferError{Failures: failures}
	}
	return nil
}

// SendNewsletter 逐订阅者复用发送管线，尽力而为：
// 单个订阅者失败只记日志，不中断循环。
func (e *Engine) SendNewsletter(ctx context.Context, caller domain.Principal, newsletterID, subject string, body []byte) error {
	if !e.ledger.IsCustodian(caller) {
		return domain.ErrNotAuthorized
	}
	n, err := e.ledger.Newsletter(newsletterID)
	if err != nil {
		return err
	}
	subscribers, err := e.ledger.Subscribers(newsletterID)
	if err != nil {
		return err
	}

	for _, sub := range subscribers {
		mail := &domain.Mail{
			Header: domain.MailHeader{
				To:      []string{sub},
				Subject: subject,
				Channel: domain.ChannelWeb2,
			},
			Body: body,
		}
		if _, err := e.Send(ctx, caller, mail); err != nil {
			e.log.Warn("newsletter delivery failed",
				zap.String("newsletterId", n.ID),
				zap.String("subscriber", sub),
				zap.Error(err),
			)
		}
	}
	return nil
}

// recipientDomains 按 to → bcc → cc 的声明顺序收集目标域，不去重。
// 任一地址解析失败都使整次发送失败。
func recipientDomains(h domain.MailHeader) ([]string, error) {
	var domains []string
	for _, group := range [][]string{h.To, h.BCC, h.CC} {
		for _, raw := range group {
			addr, err := domain.ParseAddress(raw)
			if err != nil {
				return nil, err
			}
			domains = append(domains, addr.Domain)
		}
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("%w: mail has no recipients", domain.ErrInvalidAddress)
	}
	return domains, nil
}

// replyTargets 计算线程另一方的目标域：
// 回复者是原发件人时指向全部收件域，否则指向原发件人所在域。
func replyTargets(h domain.MailHeader, replyFrom string) []string {
	if replyFrom == h.From {
		domains, err := recipientDomains(h)
		if err != nil {
			return nil
		}
		return domains
	}
	addr, err := domain.ParseAddress(h.From)
	if err != nil {
		return nil
	}
	return []string{addr.Domain}
}

// localRecipients 返回头部中归属给定域的收件地址，供本地推送使用。
func localRecipients(h domain.MailHeader, dom string) []string {
	var out []string
	for _, group := range [][]string{h.To, h.CC, h.BCC} {
		for _, raw := range group {
			addr, err := domain.ParseAddress(raw)
			if err != nil {
				continue
			}
			if addr.BelongsTo(dom) {
				out = append(out, addr.String())
			}
		}
	}
	return out
}
