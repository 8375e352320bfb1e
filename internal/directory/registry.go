package directory

import (
	"sort"
	"sync"
	"time"

	"fedmail/node/internal/domain"
	"fedmail/node/internal/guard"
)

// Registry 目录服务的登记存储。
type Registry struct {
	mu      sync.RWMutex
	cfg     *domain.NodeConfiguration
	records map[string]NodeRecord
}

func NewRegistry(cfg *domain.NodeConfiguration) *Registry {
	return &Registry{
		cfg:     cfg,
		records: make(map[string]NodeRecord),
	}
}

// Register 登记或更新一条域名记录，仅托管人可调用。
func (r *Registry) Register(caller domain.Principal, rec NodeRecord) error {
	if err := guard.RequireCustodian(r.cfg, caller); err != nil {
		return err
	}
	dom, err := domain.ValidateDomain(rec.Domain)
	if err != nil {
		return err
	}
	rec.Domain = dom
	if rec.RegisteredAt == 0 {
		rec.RegisteredAt = time.Now().UnixNano()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Domain] = rec
	return nil
}

// Lookup 按域名查询登记记录。
func (r *Registry) Lookup(dom string) (NodeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[dom]
	if !ok {
		return NodeRecord{}, domain.ErrDomainNotFound
	}
	return rec, nil
}

// DomainsOf 返回调用方名下登记的域名，按字典序。
func (r *Registry) DomainsOf(caller domain.Principal) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for dom, rec := range r.records {
		if rec.Owner == caller {
			out = append(out, dom)
		}
	}
	sort.Strings(out)
	return out
}
