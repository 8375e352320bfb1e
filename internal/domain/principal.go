package domain

// Principal 表示调用方的不透明身份标识。
// 节点之间以文本形式传递，核心逻辑只做相等比较，不解析其内部结构。
type Principal string

// AnonymousPrincipal 匿名调用方的哨兵身份。
const AnonymousPrincipal Principal = "anonymous"

// IsAnonymous 判断是否为匿名身份。
func (p Principal) IsAnonymous() bool {
	return p == AnonymousPrincipal || p == ""
}

func (p Principal) String() string {
	return string(p)
}
