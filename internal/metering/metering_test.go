package metering

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMeter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMeter()

	t.Run("消费累加", func(t *testing.T) {
		require.NoError(t, m.Consume(ctx, "alice", 100))
		require.NoError(t, m.Consume(ctx, "alice", 50))
		n, err := m.Consumed(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(150), n)
	})

	t.Run("不同调用方互不影响", func(t *testing.T) {
		n, err := m.Consumed(ctx, "bob")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("并发消费不丢计数", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.Consume(ctx, "carol", 1)
			}()
		}
		wg.Wait()
		n, err := m.Consumed(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, uint64(10), n)
	})
}
