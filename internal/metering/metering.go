// Package metering 记录预付调用额度的消费情况。
// 守卫在放行计费操作时精确消费门槛数额，这里负责记账；
// 多副本部署时选用 Redis 实现共享账目，单进程用内存实现。
package metering

import (
	"context"
	"sync"

	"fedmail/node/internal/domain"
)

// Meter 额度消费记账方。
type Meter interface {
	// Consume 记录一次额度消费。
	Consume(ctx context.Context, caller domain.Principal, amount uint64) error
	// Consumed 返回调用方累计消费的额度。
	Consumed(ctx context.Context, caller domain.Principal) (uint64, error)
}

// MemoryMeter 进程内记账。
type MemoryMeter struct {
	mu       sync.RWMutex
	consumed map[domain.Principal]uint64
}

func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{consumed: make(map[domain.Principal]uint64)}
}

func (m *MemoryMeter) Consume(_ context.Context, caller domain.Principal, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed[caller] += amount
	return nil
}

func (m *MemoryMeter) Consumed(_ context.Context, caller domain.Principal) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumed[caller], nil
}
