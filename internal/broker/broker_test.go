package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/suleymanmyradov/completion-server/internal/svctoken"
)

func newTestBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	signer := svctoken.New("test-secret", time.Minute)
	return New(client, signer, "gatewayapi"), client
}

type samplePayload struct {
	RequestID string `json:"request_id"`
}

func TestEnqueueClaimAck(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, QueueInference, TaskInference, ReplyChannel("conn-1"), samplePayload{RequestID: "req-1"}))

	env, err := b.Claim(ctx, QueueInference, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, TaskInference, env.TaskKind)

	var p samplePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "req-1", p.RequestID)

	require.NoError(t, b.Ack(ctx, QueueInference, "worker-1", env))
}

func TestClaimTimesOutWhenEmpty(t *testing.T) {
	b, _ := newTestBroker(t)
	env, err := b.Claim(context.Background(), QueueInference, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestNackRequeuesForAnotherWorker(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, QueuePersist, TaskPersistQuery, "", samplePayload{RequestID: "req-2"}))

	env, err := b.Claim(ctx, QueuePersist, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)

	require.NoError(t, b.Nack(ctx, QueuePersist, "worker-1", env))

	again, err := b.Claim(ctx, QueuePersist, "worker-2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)

	var p samplePayload
	require.NoError(t, json.Unmarshal(again.Payload, &p))
	require.Equal(t, "req-2", p.RequestID)
}

func TestReclaimStaleMovesInFlightBackToQueue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, QueueInference, TaskInference, "", samplePayload{RequestID: "req-3"}))

	_, err := b.Claim(ctx, QueueInference, "crashed-worker", time.Second)
	require.NoError(t, err)

	n, err := b.ReclaimStale(ctx, QueueInference, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	env, err := b.Claim(ctx, QueueInference, "worker-2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
}

func TestClaimRejectsEnvelopeSignedForDifferentQueue(t *testing.T) {
	b, client := newTestBroker(t)
	ctx := context.Background()

	// Craft an envelope signed for the wrong queue and push it directly.
	wrongSigner := svctoken.New("test-secret", time.Minute)
	assertion, err := wrongSigner.Sign("gatewayapi", QueuePersist)
	require.NoError(t, err)
	env := Envelope{TaskKind: TaskInference, Payload: []byte(`{}`), Assertion: assertion}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, client.RPush(ctx, QueueInference, raw).Err())

	_, err = b.Claim(ctx, QueueInference, "worker-1", time.Second)
	require.Error(t, err)
}

func TestPublishAndSubscribeReply(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	ch := ReplyChannel("conn-42")
	sub := b.SubscribeReply(ctx, ch)
	defer sub.Close()

	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, b.PublishReply(ctx, ch, samplePayload{RequestID: "req-4"}))

	select {
	case msg := <-sub.Channel():
		var p samplePayload
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &p))
		require.Equal(t, "req-4", p.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published reply")
	}
}
