package smtp

import (
	"context"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
)

type seqSource struct{ n byte }

func (s *seqSource) Mint(_ context.Context) ([]byte, error) {
	s.n++
	b := make([]byte, ident.IDByteLength)
	b[0] = s.n
	return b, nil
}

type recordingNotifier struct {
	notified []string
}

func (r *recordingNotifier) NotifyNewMail(address string) {
	r.notified = append(r.notified, address)
}

func newTestBackend(t *testing.T) (*Backend, *ledger.Ledger, *recordingNotifier) {
	t.Helper()

	cfg := &domain.NodeConfiguration{
		Domain:     "x.com",
		Custodians: []domain.Principal{"admin"},
	}
	l := ledger.New(cfg)
	require.NoError(t, l.RegisterUser("admin", "alice@x.com", "alice"))

	notifier := &recordingNotifier{}
	b := NewBackend(l, ident.NewMinter(&seqSource{}), nil, zap.NewNop()).WithNotifier(notifier)
	return b, l, notifier
}

func TestRcpt(t *testing.T) {
	b, _, _ := newTestBackend(t)

	t.Run("接受本节点已登记地址", func(t *testing.T) {
		s := &session{backend: b}
		require.NoError(t, s.Rcpt("<Alice@X.COM>", nil))
		assert.Equal(t, []string{"alice@x.com"}, s.recipients)
	})

	t.Run("拒绝外部域名", func(t *testing.T) {
		s := &session{backend: b}
		err := s.Rcpt("bob@other.com", nil)
		require.Error(t, err)
		smtpErr, ok := err.(*gosmtp.SMTPError)
		require.True(t, ok)
		assert.Equal(t, 550, smtpErr.Code)
		assert.Contains(t, smtpErr.Message, "relay access denied")
	})

	t.Run("拒绝未登记邮箱", func(t *testing.T) {
		s := &session{backend: b}
		err := s.Rcpt("ghost@x.com", nil)
		require.Error(t, err)
		smtpErr, ok := err.(*gosmtp.SMTPError)
		require.True(t, ok)
		assert.Equal(t, 550, smtpErr.Code)
		assert.Contains(t, smtpErr.Message, "mailbox not found")
	})

	t.Run("拒绝非法地址", func(t *testing.T) {
		s := &session{backend: b}
		err := s.Rcpt("not-an-address", nil)
		require.Error(t, err)
		smtpErr, ok := err.(*gosmtp.SMTPError)
		require.True(t, ok)
		assert.Equal(t, 501, smtpErr.Code)
	})
}

func TestData(t *testing.T) {
	b, l, notifier := newTestBackend(t)

	raw := strings.Join([]string{
		"From: sender@remote.org",
		"To: alice@x.com",
		"Subject: hello",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"greetings from outside",
	}, "\r\n")

	s := &session{backend: b}
	require.NoError(t, s.Mail("<Sender@Remote.ORG>", nil))
	require.NoError(t, s.Rcpt("alice@x.com", nil))
	require.NoError(t, s.Data(strings.NewReader(raw)))

	entries, err := l.ListInbox("alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sender@remote.org", entries[0].Header.From)
	assert.Equal(t, "hello", entries[0].Header.Subject)
	assert.Equal(t, domain.ChannelWeb2, entries[0].Header.Channel)
	assert.False(t, entries[0].Read)
	assert.Equal(t, "greetings from outside", string(entries[0].Body))

	assert.Equal(t, []string{"alice@x.com"}, notifier.notified)
}

func TestParseEmail(t *testing.T) {
	t.Run("多部分邮件优先保留HTML", func(t *testing.T) {
		raw := strings.Join([]string{
			"From: a@b.com",
			"Subject: multi",
			"Content-Type: multipart/alternative; boundary=xyz",
			"",
			"--xyz",
			"Content-Type: text/plain",
			"",
			"plain body",
			"--xyz",
			"Content-Type: text/html",
			"",
			"<p>html body</p>",
			"--xyz--",
			"",
		}, "\r\n")

		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "plain body", strings.TrimSpace(parsed.Text))
		assert.Equal(t, "<p>html body</p>", strings.TrimSpace(parsed.HTML))
	})

	t.Run("缺失内容类型按纯文本处理", func(t *testing.T) {
		raw := "From: a@b.com\r\nSubject: bare\r\n\r\njust text"
		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "just text", parsed.Text)
	})
}

type countingCounter struct{ n int }

func (c *countingCounter) Inc() { c.n++ }

func TestSessionCounter(t *testing.T) {
	b, _, _ := newTestBackend(t)
	counter := &countingCounter{}
	b.WithSessionCounter(counter)

	_, err := b.NewSession(nil)
	require.NoError(t, err)
	_, err = b.NewSession(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, counter.n)
}

func TestConnectionLimiter(t *testing.T) {
	limiter := NewConnectionLimiter(2, 100)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.False(t, limiter.Acquire(), "超出并发上限应拒绝")

	limiter.Release()
	assert.True(t, limiter.Acquire())
	assert.Equal(t, 2, limiter.Current())
}
