package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/signer"
)

func testMail() domain.OutgoingMail {
	return domain.OutgoingMail{
		ID: "mail-1",
		Header: domain.MailHeader{
			From: "a@x.com",
			To:   []string{"b@unknown.tld"},
		},
		Body: []byte("hello"),
	}
}

func TestDispatch(t *testing.T) {
	s, err := signer.NewLocalSigner(nil)
	require.NoError(t, err)

	t.Run("载荷带签名与节点身份且200视为成功", func(t *testing.T) {
		var gotSig, gotPrincipal string
		var gotEnvelope domain.OutgoingMail
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSig = r.Header.Get("x-sig")
			gotPrincipal = r.Header.Get("x-principal")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEnvelope))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := NewDispatcher(srv.URL, "node-1", s, zap.NewNop())
		require.NoError(t, d.Dispatch(context.Background(), testMail()))

		assert.Equal(t, "node-1", gotPrincipal)
		assert.Equal(t, "mail-1", gotEnvelope.ID)

		sig, err := hex.DecodeString(gotSig)
		require.NoError(t, err)
		digest := sha256.Sum256([]byte("mail-1"))
		assert.True(t, ed25519.Verify(s.Public(), digest[:], sig))
	})

	t.Run("非200状态映射为网关错误并保留状态与正文", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}))
		defer srv.Close()

		d := NewDispatcher(srv.URL, "node-1", s, zap.NewNop())
		err := d.Dispatch(context.Background(), testMail())
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrGateway))

		var ge *domain.GatewayError
		require.True(t, errors.As(err, &ge))
		assert.Equal(t, http.StatusBadGateway, ge.Status)
		assert.Contains(t, ge.Reason, "upstream down")
	})

	t.Run("网络故障同样映射为网关错误", func(t *testing.T) {
		d := NewDispatcher("http://127.0.0.1:1", "node-1", s, zap.NewNop())
		err := d.Dispatch(context.Background(), testMail())
		assert.True(t, errors.Is(err, domain.ErrGateway))
	})
}
