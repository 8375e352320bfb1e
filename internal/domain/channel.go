package domain

import (
	"encoding/json"
	"strings"
)

// SenderChannel 标记邮件发送方所属的接入渠道。
// 闭合枚举：无法识别的值一律折叠为 ChannelUnknown，而不是保留原始字符串。
type SenderChannel string

const (
	ChannelWeb2     SenderChannel = "web2"
	ChannelEthereum SenderChannel = "ethereum"
	ChannelICP      SenderChannel = "icp"
	ChannelUnknown  SenderChannel = "unknown"
)

// ParseSenderChannel 宽容解析渠道标记，大小写不敏感。
func ParseSenderChannel(s string) SenderChannel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "web2":
		return ChannelWeb2
	case "ethereum":
		return ChannelEthereum
	case "icp":
		return ChannelICP
	default:
		return ChannelUnknown
	}
}

// UnmarshalJSON 反序列化时同样折叠未知渠道。
// 非字符串的 JSON 值是类型错误，不参与折叠。
func (c *SenderChannel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = ParseSenderChannel(s)
	return nil
}
