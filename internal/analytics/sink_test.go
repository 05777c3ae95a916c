package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/svctoken"
)

func newTestSink(t *testing.T, hardCap int) (*Sink, *broker.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	signer := svctoken.New("test-secret", time.Minute)
	brk := broker.New(client, signer, "analytics")
	return New(brk, hardCap), brk
}

func TestEmitPersistQueryAlwaysEnqueuesUnderHardCap(t *testing.T) {
	sink, brk := newTestSink(t, 1000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.EmitPersistQuery(ctx, broker.PersistQueryPayload{RequestID: "req"}))
	}

	depth, err := brk.QueueDepth(ctx, broker.QueuePersist)
	require.NoError(t, err)
	require.Equal(t, int64(5), depth)
}

func TestEmitFeedbackSamplesWhenOverHardCap(t *testing.T) {
	sink, brk := newTestSink(t, 1)
	sink.sampleRate = 0 // deterministic: never keep once over cap
	ctx := context.Background()

	// Two queued envelopes put the depth past the hard cap of 1.
	for i := 0; i < 2; i++ {
		require.NoError(t, brk.Enqueue(ctx, broker.QueuePersist, broker.TaskPersistQuery, "", broker.PersistQueryPayload{}))
	}

	require.NoError(t, sink.EmitFeedback(ctx, broker.FeedbackUpdatePayload{RequestID: "req"}))

	depth, err := brk.QueueDepth(ctx, broker.QueuePersist)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth, "the sampled-out feedback envelope should not have been enqueued")
}
