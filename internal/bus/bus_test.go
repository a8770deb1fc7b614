package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/bus"
)

func TestMemoryExchangePublishBind(t *testing.T) {
	ex := bus.NewMemoryExchange()
	consumer, err := ex.Bind("task", "publish-worker")
	require.NoError(t, err)
	defer consumer.Close()

	require.NoError(t, ex.Publish(context.Background(), "task", []byte("payload")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := consumer.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(msg.Value))
	require.NoError(t, consumer.Ack(ctx, msg))
}

func TestMemoryExchangeRoutingKeysAreIsolated(t *testing.T) {
	ex := bus.NewMemoryExchange()
	taskConsumer, err := ex.Bind("task", "g")
	require.NoError(t, err)
	resultConsumer, err := ex.Bind("result", "g")
	require.NoError(t, err)

	require.NoError(t, ex.Publish(context.Background(), "result", []byte("r1")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = taskConsumer.Fetch(ctx)
	assert.Error(t, err, "task binding should not see a message published to result")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	msg, err := resultConsumer.Fetch(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "r1", string(msg.Value))
}
