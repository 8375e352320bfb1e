// Package ledger 实现节点的邮箱账本：本地用户、收件箱/废件箱/已发集合、
// 邮件正文与已读状态、通讯订阅关系以及跨节点回复线程的关联映射。
// 账本是节点内唯一的可变共享资源，由单个实例独占持有，
// 每个公开操作在互斥锁内原子完成，远程调用一律发生在锁外。
package ledger

import (
	"sync"
	"time"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
)

// Ledger 单节点邮箱账本。
type Ledger struct {
	mu  sync.RWMutex
	cfg *domain.NodeConfiguration

	users     map[domain.Principal]string // 身份 → 地址
	addresses map[string]domain.Principal // 地址 → 身份

	mails       map[string]*domain.Mail
	status      map[string]bool // 邮件 ID → 已读标记
	inbox       map[string]map[string]struct{}
	trash       map[string]map[string]struct{}
	sent        map[string][]string // 地址 → 关联 ID（发送顺序）
	correlation map[string]string   // 关联 ID → 本地邮件 ID，先写者胜

	newsletters map[string]domain.Newsletter
	subscribers map[string]map[string]domain.Principal // 通讯 ID → 地址 → 订阅者身份

	info domain.LedgerInfo
}

// New 创建空账本。配置在进程启动时装配一次，运行期间只读。
func New(cfg *domain.NodeConfiguration) *Ledger {
	return &Ledger{
		cfg:         cfg,
		users:       make(map[domain.Principal]string),
		addresses:   make(map[string]domain.Principal),
		mails:       make(map[string]*domain.Mail),
		status:      make(map[string]bool),
		inbox:       make(map[string]map[string]struct{}),
		trash:       make(map[string]map[string]struct{}),
		sent:        make(map[string][]string),
		correlation: make(map[string]string),
		newsletters: make(map[string]domain.Newsletter),
		subscribers: make(map[string]map[string]domain.Principal),
		info: domain.LedgerInfo{
			Name: cfg.Domain,
		},
	}
}

// Domain 返回本节点负责的邮件域。
func (l *Ledger) Domain() string {
	return l.cfg.Domain
}

// Token 返回节点在目录中登记的凭据引用。
func (l *Ledger) Token() string {
	return l.cfg.Token
}

// Permissioned 返回账本是否处于许可模式。
func (l *Ledger) Permissioned() bool {
	return l.cfg.Permissioned
}

// IsCustodian 判断身份是否为托管人。
func (l *Ledger) IsCustodian(p domain.Principal) bool {
	return guard.IsCustodian(l.cfg, p)
}

// Info 返回节点展示信息。
func (l *Ledger) Info() domain.LedgerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.info
}

// SetInfo 更新节点展示信息，仅托管人可调用。
func (l *Ledger) SetInfo(caller domain.Principal, info domain.LedgerInfo) error {
	if err := guard.RequireCustodian(l.cfg, caller); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info = info
	return nil
}

// AddressOf 返回身份绑定的地址。
func (l *Ledger) AddressOf(p domain.Principal) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addr, ok := l.users[p]
	return addr, ok
}

// HasAddress 判断地址是否已在本节点登记。
func (l *Ledger) HasAddress(address string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.addresses[address]
	return ok
}

// RegisterUser 登记一个本地地址并绑定身份。许可模式下仅托管人可调用。
// 已存在且非空的收件箱视为地址冲突；空收件箱会被覆盖重建。
func (l *Ledger) RegisterUser(caller domain.Principal, address string, identity domain.Principal) error {
	if l.cfg.Permissioned {
		if err := guard.RequireCustodian(l.cfg, caller); err != nil {
			return err
		}
	}
	addr, err := domain.ParseAddress(address)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registerLocked(addr.String(), identity)
}

// SelfRegister 调用方自助登记，仅在非许可模式可用。
func (l *Ledger) SelfRegister(caller domain.Principal, address string) error {
	if err := guard.RequireNotAnonymous(caller); err != nil {
		return err
	}
	if l.cfg.Permissioned {
		return domain.ErrPermissioned
	}
	addr, err := domain.ParseAddress(address)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.inbox[addr.String()]; exists {
		return domain.ErrAddressExists
	}
	return l.registerLocked(addr.String(), caller)
}

func (l *Ledger) registerLocked(address string, identity domain.Principal) error {
	if box, exists := l.inbox[address]; exists && len(box) > 0 {
		return domain.ErrAddressExists
	}
	if old, bound := l.addresses[address]; bound {
		delete(l.users, old)
	}
	l.inbox[address] = make(map[string]struct{})
	l.users[identity] = address
	l.addresses[address] = identity
	return nil
}

// Deregister 解除身份与地址的绑定，仅托管人、仅许可模式。
// 收件箱内容保留：孤儿邮件仍可按 ID 访问，但不再出现在任何列表里。
func (l *Ledger) Deregister(caller domain.Principal, address string) error {
	if err := guard.RequireCustodian(l.cfg, caller); err != nil {
		return err
	}
	if !l.cfg.Permissioned {
		return domain.ErrPermissioned
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	identity, ok := l.addresses[address]
	if !ok {
		return domain.ErrUserNotFound
	}
	delete(l.addresses, address)
	delete(l.users, identity)
	return nil
}

// SelfDelete 删除调用方的档案、收件箱与废件箱，不可恢复。
func (l *Ledger) SelfDelete(caller domain.Principal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	address, ok := l.users[caller]
	if !ok {
		return domain.ErrUserNotFound
	}
	delete(l.users, caller)
	delete(l.addresses, address)
	delete(l.inbox, address)
	delete(l.trash, address)
	delete(l.sent, address)
	return nil
}

// Users 返回已登记地址列表。许可模式下仅托管人可见。
func (l *Ledger) Users(caller domain.Principal) ([]string, error) {
	if l.cfg.Permissioned {
		if err := guard.RequireCustodian(l.cfg, caller); err != nil {
			return nil, err
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.addresses))
	for addr := range l.addresses {
		out = append(out, addr)
	}
	return out, nil
}

func now() int64 {
	return time.Now().UnixNano()
}
