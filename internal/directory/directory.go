// Package directory 定义域名到节点的解析契约，并提供目录服务自身的
// 登记存储与 HTTP 接口。节点侧只依赖 Resolver 接口，与目录服务不共享任何状态。
package directory

import (
	"context"

	"fedmail/node/internal/domain"
)

// NodeRecord 目录中一条域名登记。
type NodeRecord struct {
	Domain       string           `json:"domain"`
	NodeID       domain.Principal `json:"nodeId"`
	Address      string           `json:"address"` // 节点可达地址（base URL）
	Owner        domain.Principal `json:"owner"`
	RegisteredAt int64            `json:"registeredAt"`
}

// Resolver 域名解析协作方。
// 域名未登记返回 ErrDomainNotFound；其他错误一律视为调用级故障。
type Resolver interface {
	Resolve(ctx context.Context, dom string) (NodeRecord, error)
}
