package domain

// LedgerInfo 节点对外展示的名称与描述，可由托管人更新。
type LedgerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NodeConfiguration 节点初始化配置。
// 进程启动时装配一次，运行期间视为只读（仅 LedgerInfo 可经管理接口更新）。
type NodeConfiguration struct {
	Domain           string      `json:"domain"`            // 本节点负责的邮件域
	DirectoryAddress string      `json:"directoryAddress"`  // 目录服务地址
	Token            string      `json:"token"`             // 节点在目录中登记的凭据引用
	Permissioned     bool        `json:"permissioned"`      // 许可模式：仅托管人可登记用户
	GatewayURL       string      `json:"gatewayUrl"`        // 域名无法解析时的外部网关
	Custodians       []Principal `json:"custodians"`        // 托管人身份集合
	LogVisibility    string      `json:"logVisibility"`     // 日志可见性（public/controllers）
	Version          string      `json:"version"`
}

// IsCustodian 判断给定身份是否属于托管人集合。
func (c *NodeConfiguration) IsCustodian(p Principal) bool {
	for _, cu := range c.Custodians {
		if cu == p {
			return true
		}
	}
	return false
}
