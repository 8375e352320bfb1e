package ledger

import (
	"sort"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
)

// CreateNewsletter 创建通讯并初始化空订阅表，仅托管人可调用。
// ID 由调用侧铸造，占用已有 ID 视为结构性冲突。
func (l *Ledger) CreateNewsletter(caller domain.Principal, n domain.Newsletter) error {
	if err := guard.RequireCustodian(l.cfg, caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.newsletters[n.ID]; exists {
		return domain.ErrMailCollision
	}
	l.newsletters[n.ID] = n
	l.subscribers[n.ID] = make(map[string]domain.Principal)
	return nil
}

// Newsletters 返回全部通讯，按 ID 排序。
func (l *Ledger) Newsletters() []domain.Newsletter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Newsletter, 0, len(l.newsletters))
	for _, n := range l.newsletters {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Newsletter 按 ID 查询通讯。
func (l *Ledger) Newsletter(id string) (domain.Newsletter, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.newsletters[id]
	if !ok {
		return domain.Newsletter{}, domain.ErrNewsletterNotFound
	}
	return n, nil
}

// Subscribe 为通讯添加订阅地址并记录订阅者身份。
// 同一地址重复订阅被拒绝。
func (l *Ledger) Subscribe(id, address string, identity domain.Principal) error {
	addr, err := domain.ParseAddress(address)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	subs, ok := l.subscribers[id]
	if !ok {
		return domain.ErrNewsletterNotFound
	}
	if _, dup := subs[addr.String()]; dup {
		return domain.ErrAddressExists
	}
	subs[addr.String()] = identity
	return nil
}

// Unsubscribe 解除订阅。调用方身份必须与订阅时记录的身份一致。
func (l *Ledger) Unsubscribe(id, address string, identity domain.Principal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs, ok := l.subscribers[id]
	if !ok {
		return domain.ErrNewsletterNotFound
	}
	owner, present := subs[address]
	if !present {
		return domain.ErrSubscriberNotFound
	}
	if owner != identity {
		return domain.ErrNotAuthorized
	}
	delete(subs, address)
	return nil
}

// Subscribers 返回通讯的订阅地址列表，供逐订阅者扇出使用。
func (l *Ledger) Subscribers(id string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	subs, ok := l.subscribers[id]
	if !ok {
		return nil, domain.ErrNewsletterNotFound
	}
	out := make([]string, 0, len(subs))
	for addr := range subs {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}
