package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
)

const resolveTimeout = 10 * time.Second

// Client 目录服务的 HTTP 客户端。解析调用按次计费，
// 额度经 x-credits 头随请求附带。
type Client struct {
	baseURL string
	nodeID  domain.Principal
	client  *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, nodeID domain.Principal, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		nodeID:  nodeID,
		client:  &http.Client{Timeout: resolveTimeout},
		log:     log,
	}
}

// Resolve 查询域名归属节点。未登记域名返回 ErrDomainNotFound，
// 其余失败作为调用级故障返回。
func (c *Client) Resolve(ctx context.Context, dom string) (NodeRecord, error) {
	url := fmt.Sprintf("%s/v1/domains/%s", c.baseURL, dom)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NodeRecord{}, fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("x-credits", strconv.FormatUint(guard.LookupDomainCallPayment, 10))
	req.Header.Set("x-principal", c.nodeID.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return NodeRecord{}, fmt.Errorf("resolve %s: %w", dom, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return NodeRecord{}, domain.ErrDomainNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return NodeRecord{}, fmt.Errorf("resolve %s: status %d: %s", dom, resp.StatusCode, body)
	}

	var envelope struct {
		Code int        `json:"code"`
		Msg  string     `json:"msg"`
		Data NodeRecord `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return NodeRecord{}, fmt.Errorf("decode resolve response: %w", err)
	}
	c.log.Debug("resolved domain",
		zap.String("domain", dom),
		zap.String("nodeId", envelope.Data.NodeID.String()),
	)
	return envelope.Data, nil
}
