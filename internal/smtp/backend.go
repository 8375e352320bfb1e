package smtp

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
)

// Notifier 在邮件入库后通知在线客户端。
type Notifier interface {
	NotifyNewMail(address string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyNewMail(string) {}

// SessionCounter 按会话计数的指标接口，prometheus.Counter 直接满足。
type SessionCounter interface {
	Inc()
}

type nopCounter struct{}

func (nopCounter) Inc() {}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 【安全说明】
// 这是一个只接收邮件的 SMTP 服务器（Receiving-Only SMTP Server）。
// 特性：
// - ✅ 只接收发送到本节点已登记地址的邮件
// - ✅ 严格验证收件人域名属于本节点
// - ❌ 不支持对外发送邮件（无邮件中继功能）
// - ❌ 不会成为垃圾邮件中继或开放中继
//
// 安全机制：
// 1. Rcpt() 方法严格验证收件人域名与地址
// 2. 外部地址一律返回 550 错误拒绝
type Backend struct {
	ledger   *ledger.Ledger
	minter   *ident.Minter
	notify   Notifier
	limiter  *ConnectionLimiter
	sessions SessionCounter
	log      *zap.Logger
}

// NewBackend 创建 SMTP Backend。
func NewBackend(l *ledger.Ledger, minter *ident.Minter, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	return &Backend{
		ledger:   l,
		minter:   minter,
		notify:   nopNotifier{},
		limiter:  limiter,
		sessions: nopCounter{},
		log:      log,
	}
}

// WithNotifier 设置新邮件通知回调
func (b *Backend) WithNotifier(n Notifier) *Backend {
	b.notify = n
	return b
}

// WithSessionCounter 注入会话计数指标
func (b *Backend) WithSessionCounter(c SessionCounter) *Backend {
	b.sessions = c
	return b
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	b.sessions.Inc()
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
	released    bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 【安全关键】此方法是防止邮件中继的核心。
// 只接受发送到本节点已登记地址的邮件，拒绝所有外部地址。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr, err := domain.ParseAddress(normalizeAddress(to))
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	// 域名必须是本节点管理的域名，否则视为中继请求
	if !addr.BelongsTo(s.backend.ledger.Domain()) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this node",
		}
	}

	if !s.backend.ledger.HasAddress(addr.String()) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}

	s.recipients = append(s.recipients, addr.String())
	return nil
}

// Data 处理邮件内容。
func (s *session) Data(r io.Reader) error {
	rawBytes, err := io.ReadAll(io.LimitReader(r, 10<<20)) // 10MB
	if err != nil {
		return err
	}

	parsed, err := ParseEmail(rawBytes)
	if err != nil {
		return fmt.Errorf("parse email: %w", err)
	}

	body := parsed.Text
	contentType := "text/plain"
	if parsed.HTML != "" {
		body = parsed.HTML
		contentType = "text/html"
	}

	mail := &domain.Mail{
		Header: domain.MailHeader{
			From:        s.fromAddress,
			To:          s.recipients,
			Subject:     parsed.Subject,
			ContentType: contentType,
			Channel:     domain.ChannelWeb2,
			TargetNode:  s.backend.ledger.Domain(),
			Timestamp:   time.Now().UnixNano(),
		},
		Body: []byte(body),
	}

	id, err := s.backend.minter.MintID(context.Background())
	if err != nil {
		return err
	}

	if err := s.backend.ledger.Store(mail, id); err != nil {
		return err
	}

	s.backend.log.Info("mail ingested via smtp",
		zap.String("mailId", id),
		zap.String("from", s.fromAddress),
		zap.Int("recipients", len(s.recipients)))

	for _, rcpt := range s.recipients {
		s.backend.notify.NotifyNewMail(rcpt)
	}

	return nil
}

// AuthPlain 处理 PLAIN 认证（此处允许匿名）。
func (s *session) AuthPlain(username, password string) error {
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
