package routing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedmail/node/internal/directory"
	"fedmail/node/internal/domain"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
)

const (
	custodian = domain.Principal("admin")
	alice     = domain.Principal("alice-principal")
	bob       = domain.Principal("bob-principal")
)

type seqSource struct{ n byte }

func (s *seqSource) Mint(context.Context) ([]byte, error) {
	s.n++
	b := make([]byte, ident.IDByteLength)
	b[0] = s.n
	return b, nil
}

// fakeResolver 未显式登记的域一律返回“未找到”。
type fakeResolver struct {
	records map[string]directory.NodeRecord
	faults  map[string]error
	calls   []string
}

func (f *fakeResolver) Resolve(_ context.Context, dom string) (directory.NodeRecord, error) {
	f.calls = append(f.calls, dom)
	if err, ok := f.faults[dom]; ok {
		return directory.NodeRecord{}, err
	}
	if rec, ok := f.records[dom]; ok {
		return rec, nil
	}
	return directory.NodeRecord{}, domain.ErrDomainNotFound
}

type fakePeer struct {
	mails    []string // 收到邮件投递的节点序列
	replies  []string
	failNode map[domain.Principal]error
}

func (f *fakePeer) StoreMail(_ context.Context, node directory.NodeRecord, _ *domain.Mail) error {
	f.mails = append(f.mails, node.NodeID.String())
	if err, ok := f.failNode[node.NodeID]; ok {
		return err
	}
	return nil
}

func (f *fakePeer) StoreReply(_ context.Context, node directory.NodeRecord, _ string, _ domain.MailReply) error {
	f.replies = append(f.replies, node.NodeID.String())
	if err, ok := f.failNode[node.NodeID]; ok {
		return err
	}
	return nil
}

type fakeGateway struct {
	dispatched []domain.OutgoingMail
	err        error
}

func (f *fakeGateway) Dispatch(_ context.Context, out domain.OutgoingMail) error {
	f.dispatched = append(f.dispatched, out)
	return f.err
}

type fixture struct {
	ledger   *ledger.Ledger
	resolver *fakeResolver
	peers    *fakePeer
	gateway  *fakeGateway
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(&domain.NodeConfiguration{
		Domain:       "x.com",
		Permissioned: true,
		Custodians:   []domain.Principal{custodian},
	})
	require.NoError(t, l.RegisterUser(custodian, "a@x.com", alice))
	require.NoError(t, l.RegisterUser(custodian, "b@x.com", bob))
	require.NoError(t, l.RegisterUser(custodian, "admin@x.com", custodian))

	resolver := &fakeResolver{
		records: map[string]directory.NodeRecord{
			"peer.com": {Domain: "peer.com", NodeID: "node-peer", Address: "http://peer"},
		},
		faults: map[string]error{},
	}
	peers := &fakePeer{failNode: map[domain.Principal]error{}}
	gw := &fakeGateway{}
	engine := NewEngine(l, ident.NewMinter(&seqSource{}), resolver, peers, gw, zap.NewNop())
	return &fixture{ledger: l, resolver: resolver, peers: peers, gateway: gw, engine: engine}
}

func outbound(from string, to ...string) *domain.Mail {
	return &domain.Mail{
		Header: domain.MailHeader{From: from, To: to, Subject: "hi", Channel: domain.ChannelWeb2},
		Body:   []byte("body"),
	}
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("本地域直接落账且发送方保有副本", func(t *testing.T) {
		f := newFixture(t)
		corr, err := f.engine.Send(ctx, alice, outbound("a@x.com", "b@x.com"))
		require.NoError(t, err)
		require.NotEmpty(t, corr)

		entries, err := f.ledger.ListInbox(bob, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "a@x.com", entries[0].Header.From)

		copyMail, err := f.ledger.MailByCorrelation(corr)
		require.NoError(t, err)
		assert.Equal(t, corr, copyMail.CorrelationID)
	})

	t.Run("普通用户不可伪造发件地址", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Send(ctx, alice, outbound("forged@x.com", "b@x.com"))
		require.NoError(t, err)
		entries, err := f.ledger.ListInbox(bob, 0)
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", entries[0].Header.From)
	})

	t.Run("未登记调用方被拒绝", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Send(ctx, "stranger", outbound("s@x.com", "b@x.com"))
		assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	})

	t.Run("托管人发信同样要求持有本节点邮箱", func(t *testing.T) {
		// 发送方副本落在发件地址的已发集合里，没有邮箱就没有副本的归属
		l := ledger.New(&domain.NodeConfiguration{
			Domain:       "x.com",
			Permissioned: true,
			Custodians:   []domain.Principal{custodian},
		})
		e := NewEngine(l, ident.NewMinter(&seqSource{}), &fakeResolver{}, &fakePeer{}, &fakeGateway{}, zap.NewNop())
		_, err := e.Send(ctx, custodian, outbound("admin@x.com", "b@x.com"))
		assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	})

	t.Run("非法收件地址在任何状态变化前中止整次发送", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Send(ctx, alice, outbound("a@x.com", "b@x.com", "not-an-address"))
		assert.ErrorIs(t, err, domain.ErrInvalidAddress)

		// 零变更：收件箱为空，也没有发送方副本
		entries, lerr := f.ledger.ListInbox(bob, 0)
		require.NoError(t, lerr)
		assert.Empty(t, entries)
		all, lerr := f.ledger.CountAll(custodian)
		require.NoError(t, lerr)
		assert.Equal(t, domain.MailCount{}, all)
	})

	t.Run("聚合错误恰好列出失败的域且成功域不回滚", func(t *testing.T) {
		f := newFixture(t)
		f.resolver.faults["down.com"] = errors.New("timeout")
		mail := outbound("a@x.com", "b@x.com", "u@peer.com", "v@down.com")

		_, err := f.engine.Send(ctx, alice, mail)
		require.Error(t, err)
		var te *domain.TransferError
		require.True(t, errors.As(err, &te))
		require.Len(t, te.Failures, 1)
		assert.Equal(t, "down.com", te.Failures[0].Domain)
		assert.Contains(t, te.Failures[0].Reason, "timeout")

		// 本地与远端成功投递保持有效
		entries, lerr := f.ledger.ListInbox(bob, 0)
		require.NoError(t, lerr)
		assert.Len(t, entries, 1)
		assert.Equal(t, []string{"node-peer"}, f.peers.mails)
	})

	t.Run("对端应用级拒绝计入失败列表", func(t *testing.T) {
		f := newFixture(t)
		f.peers.failNode["node-peer"] = errors.New("peer rejected: no user address")
		_, err := f.engine.Send(ctx, alice, outbound("a@x.com", "u@peer.com"))
		var te *domain.TransferError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "peer.com", te.Failures[0].Domain)
		assert.Contains(t, te.Failures[0].Reason, "no user address")
	})

	t.Run("目标域按to_bcc_cc顺序处理且不去重", func(t *testing.T) {
		f := newFixture(t)
		mail := outbound("a@x.com", "u@peer.com")
		mail.Header.BCC = []string{"w@peer.com"}
		mail.Header.CC = []string{"v@peer.com"}
		_, err := f.engine.Send(ctx, alice, mail)
		require.NoError(t, err)
		assert.Equal(t, []string{"peer.com", "peer.com", "peer.com"}, f.resolver.calls)
		assert.Len(t, f.peers.mails, 3)
	})

	t.Run("目录查无此域时逃逸到网关", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Send(ctx, alice, outbound("a@x.com", "b@unknown.tld"))
		require.NoError(t, err)
		require.Len(t, f.gateway.dispatched, 1)
		out := f.gateway.dispatched[0]
		assert.NotEmpty(t, out.ID)
		assert.Equal(t, "a@x.com", out.Header.From)
		assert.Equal(t, []byte("body"), out.Body)
	})

	t.Run("网关故障是硬失败但发送方副本仍在", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.err = &domain.GatewayError{Reason: "unreachable"}
		corr, err := f.engine.Send(ctx, alice, outbound("a@x.com", "b@unknown.tld"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrGateway))

		// 发送方副本在扇出前已落账
		copyMail, lerr := f.ledger.MailByCorrelation(corr)
		require.NoError(t, lerr)
		assert.Equal(t, []string{"b@unknown.tld"}, copyMail.Header.To)
	})

	t.Run("网关故障终止循环而非计入失败列表", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.err = &domain.GatewayError{Reason: "unreachable"}
		mail := outbound("a@x.com", "b@unknown.tld", "u@peer.com")
		_, err := f.engine.Send(ctx, alice, mail)
		assert.True(t, errors.Is(err, domain.ErrGateway))
		// 排在网关之后的域未被尝试
		assert.Empty(t, f.peers.mails)
	})
}

func TestSendReply(t *testing.T) {
	ctx := context.Background()

	// alice 在本节点收到来自 peer.com 的邮件，线程关联 ID 已绑定
	receive := func(t *testing.T, f *fixture) string {
		mail := &domain.Mail{
			Header: domain.MailHeader{
				From:    "s@peer.com",
				To:      []string{"a@x.com"},
				Subject: "question",
				Channel: domain.ChannelWeb2,
			},
			Body:          []byte("original"),
			CorrelationID: "corr-thread",
		}
		require.NoError(t, f.ledger.Store(mail, "m-orig"))
		return "corr-thread"
	}

	t.Run("收件人回复指向原发件域且本地权威落账", func(t *testing.T) {
		f := newFixture(t)
		corr := receive(t, f)

		err := f.engine.SendReply(ctx, alice, corr, domain.MailReply{Body: []byte("answer")})
		require.NoError(t, err)
		assert.Equal(t, []string{"node-peer"}, f.peers.replies)

		got, lerr := f.ledger.Fetch(alice, "m-orig")
		require.NoError(t, lerr)
		require.Len(t, got.Replies, 1)
		assert.Equal(t, "a@x.com", got.Replies[0].From)
	})

	t.Run("对端扇出失败聚合返回但本地回复仍在", func(t *testing.T) {
		f := newFixture(t)
		corr := receive(t, f)
		f.peers.failNode["node-peer"] = errors.New("unreachable")

		err := f.engine.SendReply(ctx, alice, corr, domain.MailReply{Body: []byte("answer")})
		var te *domain.TransferError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "peer.com", te.Failures[0].Domain)

		got, lerr := f.ledger.Fetch(alice, "m-orig")
		require.NoError(t, lerr)
		assert.Len(t, got.Replies, 1)
	})

	t.Run("回复路径没有网关逃逸_无法解析的域计入失败", func(t *testing.T) {
		f := newFixture(t)
		mail := &domain.Mail{
			Header:        domain.MailHeader{From: "s@ghost.tld", To: []string{"a@x.com"}, Channel: domain.ChannelWeb2},
			Body:          []byte("x"),
			CorrelationID: "corr-ghost",
		}
		require.NoError(t, f.ledger.Store(mail, "m-ghost"))

		err := f.engine.SendReply(ctx, alice, "corr-ghost", domain.MailReply{Body: []byte("hi")})
		var te *domain.TransferError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "ghost.tld", te.Failures[0].Domain)
		assert.Empty(t, f.gateway.dispatched)
	})

	t.Run("未知关联ID报错", func(t *testing.T) {
		f := newFixture(t)
		err := f.engine.SendReply(ctx, alice, "corr-missing", domain.MailReply{})
		assert.ErrorIs(t, err, domain.ErrCorrelationNotFound)
	})
}

func TestSendNewsletter(t *testing.T) {
	ctx := context.Background()

	t.Run("仅托管人可发送", func(t *testing.T) {
		f := newFixture(t)
		err := f.engine.SendNewsletter(ctx, alice, "n1", "subject", []byte("x"))
		assert.ErrorIs(t, err, domain.ErrNotAuthorized)
	})

	t.Run("逐订阅者尽力投递_单个失败不中断", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ledger.CreateNewsletter(custodian, domain.Newsletter{ID: "n1", Title: "周报"}))
		require.NoError(t, f.ledger.Subscribe("n1", "b@x.com", bob))
		require.NoError(t, f.ledger.Subscribe("n1", "u@down.com", alice))
		f.resolver.faults["down.com"] = errors.New("timeout")

		require.NoError(t, f.engine.SendNewsletter(ctx, custodian, "n1", "第1期", []byte("content")))

		entries, err := f.ledger.ListInbox(bob, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "第1期", entries[0].Header.Subject)
		assert.Equal(t, "admin@x.com", entries[0].Header.From)
	})

	t.Run("未知通讯报错", func(t *testing.T) {
		f := newFixture(t)
		err := f.engine.SendNewsletter(ctx, custodian, "missing", "s", nil)
		assert.ErrorIs(t, err, domain.ErrNewsletterNotFound)
	})
}

func TestRecipientDomains(t *testing.T) {
	h := domain.MailHeader{
		To:  []string{"a@one.com", "b@two.com"},
		BCC: []string{"c@three.com"},
		CC:  []string{"d@one.com"},
	}
	domains, err := recipientDomains(h)
	require.NoError(t, err)
	assert.Equal(t, []string{"one.com", "two.com", "three.com", "one.com"}, domains)

	_, err = recipientDomains(domain.MailHeader{})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	_, err = recipientDomains(domain.MailHeader{To: []string{fmt.Sprintf("bad@@%s", "x.com")}})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}
