package persistworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/models"
	"github.com/suleymanmyradov/completion-server/internal/svctoken"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	signer := svctoken.New("test-secret", time.Minute)
	return broker.New(client, signer, "persistworker")
}

// fakePersister lets tests force a fixed number of failures before
// succeeding, to exercise the Nack/backoff/dead-letter path.
type fakePersister struct {
	failUntilCall int
	calls         int
	metaQueries   []*models.MetaQuery
}

func (f *fakePersister) CreateMetaQuery(ctx context.Context, q *models.MetaQuery) error {
	f.calls++
	if f.calls <= f.failUntilCall {
		return errors.New("simulated failure")
	}
	f.metaQueries = append(f.metaQueries, q)
	return nil
}
func (f *fakePersister) CreateGeneration(context.Context, *models.Generation) error { return nil }
func (f *fakePersister) UpsertTelemetry(context.Context, *models.ContextualTelemetry, *models.BehavioralTelemetry) error {
	return nil
}
func (f *fakePersister) AppendGroundTruth(context.Context, *models.GroundTruth) error { return nil }

func samplePersistPayload() broker.PersistQueryPayload {
	return broker.PersistQueryPayload{
		RequestID: "00000000-0000-0000-0000-000000000001",
		Kind:      "completion",
		UserID:    "00000000-0000-0000-0000-000000000002",
		ProjectID: "00000000-0000-0000-0000-000000000003",
	}
}

func TestWorkerRejectsUnknownTaskKindByAcking(t *testing.T) {
	brk := newTestBroker(t)
	w := New(brk, &fakePersister{}, 3, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, brk.Enqueue(ctx, broker.QueuePersist, "bogus-kind", "", struct{}{}))
	env, err := brk.Claim(ctx, broker.QueuePersist, w.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)

	w.process(ctx, env)

	leftover, err := brk.Claim(ctx, broker.QueuePersist, w.ID, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, leftover)
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	brk := newTestBroker(t)
	fp := &fakePersister{failUntilCall: 1}
	w := New(brk, fp, 5, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, brk.Enqueue(ctx, broker.QueuePersist, broker.TaskPersistQuery, "", samplePersistPayload()))

	for i := 0; i < 2; i++ {
		env, err := brk.Claim(ctx, broker.QueuePersist, w.ID, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		w.process(ctx, env)
	}

	require.Len(t, fp.metaQueries, 1)
	leftover, err := brk.Claim(ctx, broker.QueuePersist, w.ID, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, leftover)
}

func TestWorkerDeadLettersAfterMaxRetries(t *testing.T) {
	brk := newTestBroker(t)
	fp := &fakePersister{failUntilCall: 1000} // always fails
	w := New(brk, fp, 2, time.Millisecond)
	ctx := context.Background()

	require.NoError(t, brk.Enqueue(ctx, broker.QueuePersist, broker.TaskPersistQuery, "", samplePersistPayload()))

	for attempt := 0; attempt < 3; attempt++ {
		env, err := brk.Claim(ctx, broker.QueuePersist, w.ID, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		w.process(ctx, env)
	}

	leftover, err := brk.Claim(ctx, broker.QueuePersist, w.ID, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, leftover, "task should have been dead-lettered (acked) rather than requeued again")
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	require.Equal(t, 500*time.Millisecond, backoff(500*time.Millisecond, 0))
	require.Equal(t, 1*time.Second, backoff(500*time.Millisecond, 1))
	require.Equal(t, 30*time.Second, backoff(500*time.Millisecond, 10))
}
