package metering

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"fedmail/node/internal/domain"
)

// RedisMeter 基于 Redis 的共享记账实现，多副本节点共用同一份账目。
type RedisMeter struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisMeter 连接 Redis 并返回记账实例。
func NewRedisMeter(addr, password string, db int) (*RedisMeter, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisMeter{rdb: rdb, prefix: "fedmail:credits:"}, nil
}

func (m *RedisMeter) key(caller domain.Principal) string {
	return m.prefix + caller.String()
}

func (m *RedisMeter) Consume(ctx context.Context, caller domain.Principal, amount uint64) error {
	return m.rdb.IncrBy(ctx, m.key(caller), int64(amount)).Err()
}

func (m *RedisMeter) Consumed(ctx context.Context, caller domain.Principal) (uint64, error) {
	n, err := m.rdb.Get(ctx, m.key(caller)).Uint64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Ping 测试 Redis 连接。
func (m *RedisMeter) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (m *RedisMeter) Close() error {
	return m.rdb.Close()
}
