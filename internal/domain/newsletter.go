package domain

// Newsletter 表示节点托管的一份通讯（邮件列表）。
// 订阅者集合由账本单独维护，不在此结构内。
type Newsletter struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}
