package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	jwtpkg "fedmail/node/internal/auth/jwt"
	"fedmail/node/internal/config"
	"fedmail/node/internal/directory"
	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
	"fedmail/node/internal/metering"
	"fedmail/node/internal/monitoring"
	"fedmail/node/internal/peer"
	"fedmail/node/internal/routing"
)

type seqSource struct{ n byte }

func (s *seqSource) Mint(_ context.Context) ([]byte, error) {
	s.n++
	b := make([]byte, ident.IDByteLength)
	b[0] = s.n
	return b, nil
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, _ string) (directory.NodeRecord, error) {
	return directory.NodeRecord{}, domain.ErrDomainNotFound
}

type stubPeer struct{}

func (stubPeer) StoreMail(_ context.Context, _ directory.NodeRecord, _ *domain.Mail) error {
	return nil
}

func (stubPeer) StoreReply(_ context.Context, _ directory.NodeRecord, _ string, _ domain.MailReply) error {
	return nil
}

type stubGateway struct{}

func (stubGateway) Dispatch(_ context.Context, _ domain.OutgoingMail) error {
	return &domain.GatewayError{Status: 503, Reason: "gateway unavailable"}
}

type fixture struct {
	router  *gin.Engine
	ledger  *ledger.Ledger
	jwt     *jwtpkg.Manager
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Node: config.NodeConfig{
			Domain:     "x.com",
			Token:      "node-secret",
			Custodians: []string{"admin"},
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	l := ledger.New(cfg.NodeConfiguration())
	require.NoError(t, l.RegisterUser("admin", "alice@x.com", "alice"))
	require.NoError(t, l.RegisterUser("admin", "bob@x.com", "bob"))

	minter := ident.NewMinter(&seqSource{})
	engine := routing.NewEngine(l, minter, stubResolver{}, stubPeer{}, stubGateway{}, zap.NewNop())
	jwtManager := jwtpkg.NewManager("0123456789abcdef0123456789abcdef", "fedmail", 15*time.Minute, 7*24*time.Hour)

	metrics := monitoring.NewMetrics()
	router := NewRouter(RouterDependencies{
		Config:     cfg,
		Ledger:     l,
		Engine:     engine,
		Minter:     minter,
		Meter:      metering.NewMemoryMeter(),
		JWTManager: jwtManager,
		Metrics:    metrics,
		Logger:     zap.NewNop(),
	})

	return &fixture{router: router, ledger: l, jwt: jwtManager, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func asPrincipal(p string) map[string]string {
	return map[string]string{"x-principal": p}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t)

	t.Run("匿名调用拒绝签发", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/auth/token", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("签发后可用令牌调用", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/auth/token", nil, asPrincipal("alice"))
		require.Equal(t, http.StatusCreated, w.Code)

		var payload struct {
			Data tokenResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
		require.NotEmpty(t, payload.Data.AccessToken)

		w = f.do(t, http.MethodGet, "/v1/users/me", nil, map[string]string{
			"Authorization": "Bearer " + payload.Data.AccessToken,
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "alice@x.com")
	})
}

func TestUserRoutes(t *testing.T) {
	f := newFixture(t)

	t.Run("托管人登记新地址", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/users", registerUserRequest{
			Address:  "carol@x.com",
			Identity: "carol",
		}, asPrincipal("admin"))
		require.Equal(t, http.StatusCreated, w.Code)

		w = f.do(t, http.MethodGet, "/v1/users/me", nil, asPrincipal("carol"))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("未认证调用被拒绝", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/users", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("开放节点任何人可列出用户", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/users", nil, asPrincipal("alice"))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "bob@x.com")
	})
}

func TestMailRoutes(t *testing.T) {
	f := newFixture(t)

	send := func(t *testing.T) string {
		w := f.do(t, http.MethodPost, "/v1/mail/send", domain.Mail{
			Header: domain.MailHeader{
				To:      []string{"bob@x.com"},
				Subject: "hello",
			},
			Body: []byte("hi bob"),
		}, asPrincipal("alice"))
		require.Equal(t, http.StatusCreated, w.Code)

		var payload struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
		require.NotEmpty(t, payload.Data.ID)
		return payload.Data.ID
	}

	t.Run("本地发送与收取", func(t *testing.T) {
		send(t)

		w := f.do(t, http.MethodGet, "/v1/mail", nil, asPrincipal("bob"))
		require.Equal(t, http.StatusOK, w.Code)

		var payload struct {
			Data struct {
				Mails []domain.InboxEntry `json:"mails"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
		require.Len(t, payload.Data.Mails, 1)
		entry := payload.Data.Mails[0]
		assert.Equal(t, "alice@x.com", entry.Header.From)
		assert.False(t, entry.Read)

		w = f.do(t, http.MethodGet, "/v1/mail/"+entry.ID, nil, asPrincipal("bob"))
		require.Equal(t, http.StatusOK, w.Code)

		var count struct {
			Data domain.MailCount `json:"data"`
		}
		w = f.do(t, http.MethodGet, "/v1/mail/count", nil, asPrincipal("bob"))
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &count))
		assert.Equal(t, uint64(1), count.Data.Read)
		assert.Equal(t, uint64(0), count.Data.Unread)
	})

	// inboxID 返回收件箱中最新一封邮件的ID
	inboxID := func(t *testing.T, principal string) string {
		t.Helper()
		w := f.do(t, http.MethodGet, "/v1/mail", nil, asPrincipal(principal))
		require.Equal(t, http.StatusOK, w.Code)

		var payload struct {
			Data struct {
				Mails []domain.InboxEntry `json:"mails"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
		require.NotEmpty(t, payload.Data.Mails)
		return payload.Data.Mails[0].ID
	}

	t.Run("越权读取他人邮件", func(t *testing.T) {
		send(t)
		id := inboxID(t, "bob")

		// alice 的发件副本与 bob 的收件箱隔离
		w := f.do(t, http.MethodGet, "/v1/mail/"+id, nil, asPrincipal("alice"))
		assert.Equal(t, http.StatusNotFound, w.Code)

		// 未登记的调用者一律拒绝
		w = f.do(t, http.MethodGet, "/v1/mail/"+id, nil, asPrincipal("carol"))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("回收站往返", func(t *testing.T) {
		send(t)
		id := inboxID(t, "bob")

		w := f.do(t, http.MethodDelete, "/v1/mail/"+id, nil, asPrincipal("bob"))
		require.Equal(t, http.StatusNoContent, w.Code)

		w = f.do(t, http.MethodPost, "/v1/mail/"+id+"/restore", nil, asPrincipal("bob"))
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("非法页码返回400", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/mail?page=abc", nil, asPrincipal("bob"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestFederationRoutes(t *testing.T) {
	f := newFixture(t)

	mail := domain.Mail{
		Header: domain.MailHeader{
			From:    "sender@peer.com",
			To:      []string{"alice@x.com"},
			Subject: "cross-node",
		},
		Body: []byte("hello from peer"),
	}

	t.Run("未附带额度的投递被拒绝", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/mail", mail, asPrincipal("node-peer"))
		require.Equal(t, http.StatusPaymentRequired, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "附带额度不足", resp.Msg)
	})

	t.Run("足额投递由收件节点铸造ID后入库", func(t *testing.T) {
		headers := asPrincipal("node-peer")
		headers["x-credits"] = fmt.Sprintf("%d", guard.SubmitCallPayment)

		w := f.do(t, http.MethodPost, "/v1/mail", mail, headers)
		require.Equal(t, http.StatusCreated, w.Code)

		var payload struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
		require.NotEmpty(t, payload.Data.ID)

		w = f.do(t, http.MethodGet, "/v1/mail", nil, asPrincipal("alice"))
		assert.Contains(t, w.Body.String(), "cross-node")
	})

	t.Run("重复投递各自获得新铸造的ID", func(t *testing.T) {
		submit := func() string {
			headers := asPrincipal("node-peer")
			headers["x-credits"] = fmt.Sprintf("%d", guard.SubmitCallPayment)
			w := f.do(t, http.MethodPost, "/v1/mail", mail, headers)
			require.Equal(t, http.StatusCreated, w.Code)
			var payload struct {
				Data struct {
					ID string `json:"id"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
			return payload.Data.ID
		}
		assert.NotEqual(t, submit(), submit())
	})

	t.Run("联邦回复需要额度且校验会话", func(t *testing.T) {
		headers := asPrincipal("node-peer")
		headers["x-credits"] = fmt.Sprintf("%d", guard.SubmitCallPayment)

		w := f.do(t, http.MethodPost, "/v1/federation/replies", submitReplyRequest{
			CorrelationID: "no-such-thread",
			Reply:         domain.MailReply{From: "sender@peer.com", Body: []byte("re")},
		}, headers)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestNodeRoutes(t *testing.T) {
	f := newFixture(t)

	t.Run("域名公开可查", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/node/domain", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "x.com")
	})

	t.Run("令牌仅托管人可查", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/node/token", nil, asPrincipal("alice"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = f.do(t, http.MethodGet, "/v1/node/token", nil, asPrincipal("admin"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "node-secret")
	})

	t.Run("托管人更新节点信息", func(t *testing.T) {
		w := f.do(t, http.MethodPut, "/v1/node/info", domain.LedgerInfo{
			Name:        "relay-x",
			Description: "primary relay",
		}, asPrincipal("admin"))
		require.Equal(t, http.StatusOK, w.Code)

		w = f.do(t, http.MethodGet, "/v1/node/info", nil, nil)
		assert.Contains(t, w.Body.String(), "relay-x")
	})
}

func TestNewsletterRoutes(t *testing.T) {
	f := newFixture(t)

	t.Run("仅托管人可创建", func(t *testing.T) {
		n := domain.Newsletter{ID: "weekly", Title: "Weekly Digest"}

		w := f.do(t, http.MethodPost, "/v1/newsletters", n, asPrincipal("alice"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = f.do(t, http.MethodPost, "/v1/newsletters", n, asPrincipal("admin"))
		require.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("订阅与退订", func(t *testing.T) {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/newsletters",
			domain.Newsletter{ID: "news", Title: "News"}, asPrincipal("admin")).Code)

		w := f.do(t, http.MethodPost, "/v1/newsletters/news/subscribe",
			subscribeRequest{Address: "reader@elsewhere.org"}, asPrincipal("reader"))
		require.Equal(t, http.StatusCreated, w.Code)

		w = f.do(t, http.MethodGet, "/v1/newsletters/news/subscribers", nil, asPrincipal("admin"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "reader@elsewhere.org")

		// 其他身份不能替订阅者退订
		w = f.do(t, http.MethodPost, "/v1/newsletters/news/unsubscribe",
			subscribeRequest{Address: "reader@elsewhere.org"}, asPrincipal("mallory"))
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = f.do(t, http.MethodPost, "/v1/newsletters/news/unsubscribe",
			subscribeRequest{Address: "reader@elsewhere.org"}, asPrincipal("reader"))
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("订阅不存在的刊物返回404", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/newsletters/ghost/subscribe",
			subscribeRequest{Address: "reader@elsewhere.org"}, asPrincipal("reader"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// TestPeerClientDelivery 用真实的对端投递客户端打到本节点路由，
// 验证节点间的投递契约两边一致。
func TestPeerClientDelivery(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	client := peer.NewClient("node-y", zap.NewNop())
	record := directory.NodeRecord{Domain: "x.com", NodeID: "node-x", Address: srv.URL}
	ctx := context.Background()

	t.Run("跨节点投递直达收件箱", func(t *testing.T) {
		mail := &domain.Mail{
			Header: domain.MailHeader{
				From:    "sender@y.com",
				To:      []string{"bob@x.com"},
				Subject: "peer-to-peer",
				Channel: domain.ChannelWeb2,
			},
			Body: []byte("delivered over the wire"),
		}
		require.NoError(t, client.StoreMail(ctx, record, mail))

		w := f.do(t, http.MethodGet, "/v1/mail", nil, asPrincipal("bob"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "peer-to-peer")
	})

	t.Run("跨节点回复挂入关联会话", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/mail/send", domain.Mail{
			Header: domain.MailHeader{To: []string{"bob@x.com"}, Subject: "thread"},
			Body:   []byte("opening"),
		}, asPrincipal("alice"))
		require.Equal(t, http.StatusCreated, w.Code)

		var payload struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
		corr := payload.Data.ID

		// 回复方必须是会话成员
		reply := domain.MailReply{From: "bob@x.com", Body: []byte("re: thread")}
		require.NoError(t, client.StoreReply(ctx, record, corr, reply))

		thread, err := f.ledger.MailByCorrelation(corr)
		require.NoError(t, err)
		require.Len(t, thread.Replies, 1)
		assert.Equal(t, "bob@x.com", thread.Replies[0].From)
	})

	t.Run("未知会话的回复被对端拒绝", func(t *testing.T) {
		err := client.StoreReply(ctx, record, "no-such-thread",
			domain.MailReply{From: "sender@y.com", Body: []byte("re")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})
}

func TestMetricsCounters(t *testing.T) {
	f := newFixture(t)

	t.Run("登记用户计数", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/users", registerUserRequest{
			Address:  "dave@x.com",
			Identity: "dave",
		}, asPrincipal("admin"))
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UsersRegistered))
	})

	t.Run("邮件入账与取读计数", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/mail/send", domain.Mail{
			Header: domain.MailHeader{To: []string{"bob@x.com"}, Subject: "counted"},
			Body:   []byte("hi"),
		}, asPrincipal("alice"))
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MailStored))

		entries, err := f.ledger.ListInbox("bob", 0)
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		id := entries[0].ID

		require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/mail/"+id, nil, asPrincipal("bob")).Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MailFetched))

		require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/mail/"+id, nil, asPrincipal("bob")).Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MailTrashed))
	})

	t.Run("创建刊物计数", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/v1/newsletters",
			domain.Newsletter{ID: "metered", Title: "Metered"}, asPrincipal("admin"))
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.NewslettersCreated))
	})
}
