package ledger

import (
	"sort"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
)

// 分页与正文体积策略。超限正文在列表中省略，需按 ID 单独拉取。
const (
	PageSize        = 50
	UnreadBodyLimit = 1_000_000
	ReadBodyLimit   = 102_400
)

// Store 入站投递的唯一落账点，对同一节点同一邮件只能调用一次。
// 校验至少有一个收件地址已在本节点登记，ID 未被占用，
// 然后把 ID 扇入所有匹配收件人的收件箱并建立未读状态。
// 携带未绑定关联 ID 时一并绑定；已绑定的关联 ID 不会被改写。
func (l *Ledger) Store(mail *domain.Mail, intendedID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recipients := l.localRecipientsLocked(mail.Header)
	if len(recipients) == 0 {
		return domain.ErrNoUserAddress
	}
	if _, used := l.mails[intendedID]; used {
		return domain.ErrMailCollision
	}

	if mail.Header.Timestamp == 0 {
		mail.Header.Timestamp = now()
	}
	l.mails[intendedID] = mail
	l.status[intendedID] = false
	for _, addr := range recipients {
		l.inbox[addr][intendedID] = struct{}{}
	}
	if corr := mail.CorrelationID; corr != "" {
		if _, bound := l.correlation[corr]; !bound {
			l.correlation[corr] = intendedID
		}
	}
	return nil
}

// localRecipientsLocked 收集 to/cc/bcc 中已登记的本地地址，去重。
func (l *Ledger) localRecipientsLocked(h domain.MailHeader) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{h.To, h.CC, h.BCC} {
		for _, raw := range group {
			addr, err := domain.ParseAddress(raw)
			if err != nil {
				continue
			}
			full := addr.String()
			if _, dup := seen[full]; dup {
				continue
			}
			if _, registered := l.addresses[full]; !registered {
				continue
			}
			if _, hasBox := l.inbox[full]; !hasBox {
				continue
			}
			seen[full] = struct{}{}
			out = append(out, full)
		}
	}
	return out
}

// StoreOutbound 持久化发送方的本地副本：以关联 ID 作为本地邮件 ID 落账，
// 绑定关联映射并追加到发送方的已发集合。扇出开始前调用，
// 保证即使所有投递都失败，发送方仍保有一份完整副本。
func (l *Ledger) StoreOutbound(caller domain.Principal, correlationID string, mail *domain.Mail) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	address, ok := l.users[caller]
	if !ok {
		return domain.ErrNotAuthorized
	}
	if _, used := l.mails[correlationID]; used {
		return domain.ErrMailCollision
	}
	mail.CorrelationID = correlationID
	if mail.Header.Timestamp == 0 {
		mail.Header.Timestamp = now()
	}
	l.mails[correlationID] = mail
	l.status[correlationID] = true // 发送方副本视为已读
	if _, bound := l.correlation[correlationID]; !bound {
		l.correlation[correlationID] = correlationID
	}
	l.sent[address] = append(l.sent[address], correlationID)
	return nil
}

// StoreReply 把回复追加到关联 ID 指向的本地邮件上。
// 回复声明的发件地址必须是原邮件的 from 或 to 成员（成员资格检查，
// 非密码学验证）；追加后刷新邮件时间戳并把状态重置为未读。
func (l *Ledger) StoreReply(correlationID string, reply domain.MailReply) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mailID, ok := l.correlation[correlationID]
	if !ok {
		return domain.ErrCorrelationNotFound
	}
	mail, ok := l.mails[mailID]
	if !ok {
		return domain.ErrMailNotFound
	}
	if !replyAuthorized(mail.Header, reply.From) {
		return domain.ErrNotAuthorized
	}
	if reply.Timestamp == 0 {
		reply.Timestamp = now()
	}
	mail.Replies = append(mail.Replies, reply)
	mail.Header.Timestamp = reply.Timestamp
	l.status[mailID] = false // 回复唤醒线程
	return nil
}

func replyAuthorized(h domain.MailHeader, from string) bool {
	if from == h.From {
		return true
	}
	for _, to := range h.To {
		if to == from {
			return true
		}
	}
	return false
}

// MailByCorrelation 返回关联 ID 指向邮件的浅拷贝，供回复路由计算目标域。
func (l *Ledger) MailByCorrelation(correlationID string) (domain.Mail, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mailID, ok := l.correlation[correlationID]
	if !ok {
		return domain.Mail{}, domain.ErrCorrelationNotFound
	}
	mail, ok := l.mails[mailID]
	if !ok {
		return domain.Mail{}, domain.ErrMailNotFound
	}
	return *mail, nil
}

// Fetch 返回收件箱中的一封邮件并把状态置为已读。重复读取是安全的。
func (l *Ledger) Fetch(caller domain.Principal, mailID string) (domain.Mail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.requireInboxMemberLocked(caller, mailID); err != nil {
		return domain.Mail{}, err
	}
	mail := l.mails[mailID]
	l.status[mailID] = true
	return *mail, nil
}

// ListInbox 分页返回调用方收件箱。排序确定：头部时间戳降序，
// 相同时间戳按邮件 ID 升序。每页固定 50 条。
func (l *Ledger) ListInbox(caller domain.Principal, page int) ([]domain.InboxEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	address, ok := l.users[caller]
	if !ok {
		return nil, domain.ErrNotAuthorized
	}
	box, ok := l.inbox[address]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	ids := make([]string, 0, len(box))
	for id := range box {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := l.mails[ids[i]].Header.Timestamp, l.mails[ids[j]].Header.Timestamp
		if ti != tj {
			return ti > tj
		}
		return ids[i] < ids[j]
	})

	if page < 0 {
		page = 0
	}
	start := page * PageSize
	if start >= len(ids) {
		return []domain.InboxEntry{}, nil
	}
	end := start + PageSize
	if end > len(ids) {
		end = len(ids)
	}

	entries := make([]domain.InboxEntry, 0, end-start)
	for _, id := range ids[start:end] {
		mail := l.mails[id]
		read := l.status[id]
		entry := domain.InboxEntry{
			ID:     id,
			Header: mail.Header,
			Read:   read,
		}
		limit := UnreadBodyLimit
		if read {
			limit = ReadBodyLimit
		}
		if len(mail.Body) <= limit {
			entry.Body = mail.Body
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete 把邮件从收件箱移入废件箱。废件箱按并集累积，恢复前不会丢失。
func (l *Ledger) Delete(caller domain.Principal, mailID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	address, err := l.requireInboxMemberLocked(caller, mailID)
	if err != nil {
		return err
	}
	delete(l.inbox[address], mailID)
	if l.trash[address] == nil {
		l.trash[address] = make(map[string]struct{})
	}
	l.trash[address][mailID] = struct{}{}
	return nil
}

// Restore 把邮件从废件箱移回收件箱。
func (l *Ledger) Restore(caller domain.Principal, mailID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	address, ok := l.users[caller]
	if !ok {
		return domain.ErrNotAuthorized
	}
	bin, ok := l.trash[address]
	if !ok {
		return domain.ErrMailNotFound
	}
	if _, present := bin[mailID]; !present {
		return domain.ErrMailNotFound
	}
	delete(bin, mailID)
	if l.inbox[address] == nil {
		l.inbox[address] = make(map[string]struct{})
	}
	l.inbox[address][mailID] = struct{}{}
	return nil
}

// Count 返回调用方收件箱的未读/已读计数。
func (l *Ledger) Count(caller domain.Principal) (domain.MailCount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	address, ok := l.users[caller]
	if !ok {
		return domain.MailCount{}, domain.ErrNotAuthorized
	}
	var c domain.MailCount
	for id := range l.inbox[address] {
		if l.status[id] {
			c.Read++
		} else {
			c.Unread++
		}
	}
	return c, nil
}

// CountAll 返回全账本的未读/已读计数，扫描全部状态记录。
func (l *Ledger) CountAll(caller domain.Principal) (domain.MailCount, error) {
	if l.cfg.Permissioned {
		if err := guard.RequireCustodian(l.cfg, caller); err != nil {
			return domain.MailCount{}, err
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var c domain.MailCount
	for _, read := range l.status {
		if read {
			c.Read++
		} else {
			c.Unread++
		}
	}
	return c, nil
}

// requireInboxMemberLocked 校验调用方已登记且邮件在其收件箱内。
func (l *Ledger) requireInboxMemberLocked(caller domain.Principal, mailID string) (string, error) {
	address, ok := l.users[caller]
	if !ok {
		return "", domain.ErrNotAuthorized
	}
	box, ok := l.inbox[address]
	if !ok {
		return "", domain.ErrMailNotFound
	}
	if _, present := box[mailID]; !present {
		return "", domain.ErrMailNotFound
	}
	if _, exists := l.mails[mailID]; !exists {
		return "", domain.ErrMailNotFound
	}
	return address, nil
}
