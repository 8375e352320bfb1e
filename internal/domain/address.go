package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// 地址格式约束，遵循常规邮件地址的长度与字符规则。
const (
	MaxAddressLength   = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	// localPartRegex 本地部分：字母数字开头结尾，中间允许 . _ -
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)
	// domainRegex 域名：点分标签，每段字母数字开头结尾
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)+$`)
)

// Address 表示解析后的收件地址。
type Address struct {
	Local  string
	Domain string
}

// ParseAddress 把 local@domain 形式的地址拆解并校验。
// 任何一处不合法都返回包裹 ErrInvalidAddress 的错误，调用方据此整体中止发送。
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxAddressLength {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	local, dom := raw[:at], raw[at+1:]
	if len(local) > MaxLocalPartLength || !localPartRegex.MatchString(local) {
		return Address{}, fmt.Errorf("%w: local part %q", ErrInvalidAddress, local)
	}
	if len(dom) > MaxDomainLength || strings.Contains(dom, "..") || !domainRegex.MatchString(dom) {
		return Address{}, fmt.Errorf("%w: domain %q", ErrInvalidAddress, dom)
	}
	return Address{Local: local, Domain: strings.ToLower(dom)}, nil
}

// ValidateDomain 单独校验一个邮件域，返回小写规范形式。
func ValidateDomain(dom string) (string, error) {
	dom = strings.TrimSpace(dom)
	if dom == "" || len(dom) > MaxDomainLength || strings.Contains(dom, "..") || !domainRegex.MatchString(dom) {
		return "", fmt.Errorf("%w: domain %q", ErrInvalidAddress, dom)
	}
	return strings.ToLower(dom), nil
}

// String 还原为 local@domain 形式。
func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// BelongsTo 判断地址是否归属给定节点域（大小写不敏感）。
func (a Address) BelongsTo(nodeDomain string) bool {
	return strings.EqualFold(a.Domain, nodeDomain)
}
