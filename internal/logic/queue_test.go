package logic

import (
	"context"
	"sync"
	"testing"

	"github.com/WendelHime/peershare/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeepsOrderPerProducer(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, from := range []string{"1001", "1002"} {
		wg.Add(1)
		go func(from string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				payload := []byte{byte(i)}
				_ = q.Push(ctx, Envelope{From: from, Message: models.Message{Type: models.MessageTypeHave, Payload: payload}})
			}
		}(from)
	}

	next := map[string]byte{}
	for n := 0; n < 100; n++ {
		env, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, next[env.From], env.Message.Payload[0])
		next[env.From]++
	}
	wg.Wait()
}

func TestQueueHonorsCancellation(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Push(ctx, Envelope{From: "1001"}))
	cancel()

	assert.ErrorIs(t, q.Push(ctx, Envelope{From: "1002"}), context.Canceled)
	_, err := NewQueue(1).Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
