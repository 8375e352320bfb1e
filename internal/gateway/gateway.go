// Package gateway 负责把无法解析到任何成员节点的邮件派发到外部网关。
// 这是路由兜底链的最后一环：此处的任何故障都是整次发送的硬失败。
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/signer"
)

const dispatchTimeout = 30 * time.Second

// 响应体最多保留的字节数，超出部分截断后再纳入错误信息。
const maxSanitizedBody = 4096

// Dispatcher 外部网关派发器。
// 出站载荷附带对邮件 ID 摘要的签名与本节点身份，供网关验证来源。
type Dispatcher struct {
	url    string
	nodeID domain.Principal
	signer signer.Signer
	client *http.Client
	log    *zap.Logger
}

func NewDispatcher(url string, nodeID domain.Principal, s signer.Signer, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		url:    url,
		nodeID: nodeID,
		signer: s,
		client: &http.Client{Timeout: dispatchTimeout},
		log:    log,
	}
}

// Dispatch 签名并投递最小信封 {id, header, body}。
// 响应在信任前被清洗：仅保留状态码与正文，剥离全部响应头；
// 非 200 状态或任何调用故障都映射为 GatewayError。
func (d *Dispatcher) Dispatch(ctx context.Context, out domain.OutgoingMail) error {
	digest := sha256.Sum256([]byte(out.ID))
	sig, err := d.signer.Sign(ctx, digest[:])
	if err != nil {
		return &domain.GatewayError{Reason: fmt.Sprintf("sign outgoing id: %v", err)}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return &domain.GatewayError{Reason: fmt.Sprintf("encode envelope: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return &domain.GatewayError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-sig", hex.EncodeToString(sig))
	req.Header.Set("x-principal", d.nodeID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return &domain.GatewayError{Reason: fmt.Sprintf("outcall failed: %v", err)}
	}
	defer resp.Body.Close()

	status, body := sanitize(resp)
	if status != http.StatusOK {
		d.log.Warn("gateway rejected dispatch",
			zap.String("mailId", out.ID),
			zap.Int("status", status),
		)
		return &domain.GatewayError{Status: status, Reason: string(body)}
	}
	d.log.Debug("gateway dispatch accepted", zap.String("mailId", out.ID))
	return nil
}

// sanitize 把网关响应收敛为确定性的 状态码+截断正文，丢弃响应头。
func sanitize(resp *http.Response) (int, []byte) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxSanitizedBody))
	return resp.StatusCode, body
}
