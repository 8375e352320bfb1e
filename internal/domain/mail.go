package domain

// MailHeader 表示一封邮件的不可变头部。
// 收件人按 to/cc/bcc 三组记录，时间戳为节点本地的 UnixNano。
type MailHeader struct {
	From        string        `json:"from"`
	To          []string      `json:"to"`
	CC          []string      `json:"cc,omitempty"`
	BCC         []string      `json:"bcc,omitempty"`
	Subject     string        `json:"subject"`
	ContentType string        `json:"contentType,omitempty"`
	Channel     SenderChannel `json:"channel"`
	SenderNode  string        `json:"senderNode,omitempty"` // 中继来源节点（跨节点投递时填写）
	TargetNode  string        `json:"targetNode,omitempty"`
	Timestamp   int64         `json:"timestamp"`
}

// MailReply 表示挂在原始邮件下的一条线程回复。
type MailReply struct {
	From      string `json:"from"`
	Body      []byte `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Mail 表示账本中存储的一封完整邮件。
// CorrelationID 为跨节点回复线程的句柄，与本地邮件 ID 相互独立。
type Mail struct {
	Header        MailHeader  `json:"header"`
	Body          []byte      `json:"body"`
	Replies       []MailReply `json:"replies,omitempty"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// OutgoingMail 是发往外部网关的最小信封。
type OutgoingMail struct {
	ID     string     `json:"id"`
	Header MailHeader `json:"header"`
	Body   []byte     `json:"body"`
}

// InboxEntry 是收件箱分页列表中的一项。
// Body 仅在未超过体积上限时内联返回，超限时置空、需单独拉取。
type InboxEntry struct {
	ID     string     `json:"id"`
	Header MailHeader `json:"header"`
	Read   bool       `json:"read"`
	Body   []byte     `json:"body,omitempty"`
}

// MailCount 未读/已读计数结果。
type MailCount struct {
	Unread uint64 `json:"unread"`
	Read   uint64 `json:"read"`
}
