// Package peer 实现对远端成员节点的投递客户端。
// 远端节点暴露与本节点一致的 store / store_reply 契约，
// 调用按次计费，额度经 x-credits 头附带。
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fedmail/node/internal/directory"
	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
)

const deliverTimeout = 30 * time.Second

// Client 远端节点投递客户端。
type Client struct {
	nodeID domain.Principal
	client *http.Client
	log    *zap.Logger
}

func NewClient(nodeID domain.Principal, log *zap.Logger) *Client {
	return &Client{
		nodeID: nodeID,
		client: &http.Client{Timeout: deliverTimeout},
		log:    log,
	}
}

// StoreMail 把完整邮件投递到目标节点，由对端自行铸造本地邮件 ID。
// 调用级故障与对端应用级拒绝都以错误返回，原因保留给上层聚合。
func (c *Client) StoreMail(ctx context.Context, node directory.NodeRecord, mail *domain.Mail) error {
	return c.post(ctx, node, "/v1/mail", mail)
}

// StoreReply 把回复投递到目标节点的关联线程。
func (c *Client) StoreReply(ctx context.Context, node directory.NodeRecord, correlationID string, reply domain.MailReply) error {
	payload := struct {
		CorrelationID string           `json:"correlationId"`
		Reply         domain.MailReply `json:"reply"`
	}{CorrelationID: correlationID, Reply: reply}
	return c.post(ctx, node, "/v1/federation/replies", payload)
}

func (c *Client) post(ctx context.Context, node directory.NodeRecord, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Address+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-credits", strconv.FormatUint(guard.SubmitCallPayment, 10))
	req.Header.Set("x-principal", c.nodeID.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", node.NodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.log.Debug("peer delivery accepted",
			zap.String("nodeId", node.NodeID.String()),
			zap.String("path", path),
		)
		return nil
	}
	// 对端应用级拒绝：尽量保留其给出的原因
	var envelope struct {
		Msg string `json:"msg"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	reason := string(raw)
	if json.Unmarshal(raw, &envelope) == nil && envelope.Msg != "" {
		reason = envelope.Msg
	}
	return fmt.Errorf("peer %s rejected: status %d: %s", node.NodeID, resp.StatusCode, reason)
}
