package inferenceworker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/svctoken"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
)

type fakeCallable struct {
	delay time.Duration
	err   error
}

func (f *fakeCallable) Infer(ctx context.Context, modelID int32, req CallRequest) CallResult {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return CallResult{Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return CallResult{Err: f.err}
	}
	return CallResult{Completion: "x := 1", Confidence: 0.9, GenerationMS: 5}
}

func newTestWorker(t *testing.T, callable InferenceCallable, concurrency int) (*Worker, *broker.Broker, *tokencache.Cache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	signer := svctoken.New("test-secret", time.Minute)
	brk := broker.New(client, signer, "inferenceworker")
	cache, err := tokencache.New(client, tokencache.Config{
		AuthTokenTTL:    time.Hour,
		SessionTokenTTL: 30 * time.Minute,
	})
	require.NoError(t, err)
	w := New(brk, cache, callable, NewDefaultRedactor(), concurrency, time.Second)
	return w, brk, cache, client
}

func TestWorkerProcessesTaskAndPublishesResults(t *testing.T) {
	w, brk, cache, _ := newTestWorker(t, &fakeCallable{}, 4)
	ctx := context.Background()

	at, err := cache.IssueAuth(ctx, "user-1")
	require.NoError(t, err)
	st, err := cache.IssueSession(ctx, at.Token, nil)
	require.NoError(t, err)
	pt, err := cache.AttachProject(ctx, st.Token, "proj-1")
	require.NoError(t, err)

	sub := brk.SubscribeReply(ctx, broker.ReplyChannel("conn-1"))
	defer sub.Close()
	ch := sub.Channel()

	task := broker.InferenceTaskPayload{
		RequestID: "req-1", UserID: "user-1", SessionToken: st.Token, ProjectToken: pt.Token,
		ModelIDs: []int32{1, 2}, Prefix: "func main() {", Suffix: "}",
	}
	require.NoError(t, brk.Enqueue(ctx, broker.QueueInference, broker.TaskInference, broker.ReplyChannel("conn-1"), task))

	env, err := brk.Claim(ctx, broker.QueueInference, w.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)

	w.process(ctx, env)

	var kinds []broker.ReplyKind
	for i := 0; i < 3; i++ {
		select {
		case msg := <-ch:
			var re broker.ReplyEnvelope
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &re))
			kinds = append(kinds, re.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reply")
		}
	}
	require.Contains(t, kinds, broker.ReplyModelResult)
	require.Contains(t, kinds, broker.ReplyInferenceComplete)
}

func TestWorkerDiscardsTaskForDeadProject(t *testing.T) {
	w, brk, cache, _ := newTestWorker(t, &fakeCallable{}, 2)
	ctx := context.Background()

	// Session and auth scopes are live, so only the project scope fails.
	at, err := cache.IssueAuth(ctx, "user-1")
	require.NoError(t, err)
	st, err := cache.IssueSession(ctx, at.Token, nil)
	require.NoError(t, err)

	task := broker.InferenceTaskPayload{
		RequestID: "req-1", UserID: "user-1", SessionToken: st.Token, ProjectToken: "bogus-project",
		ModelIDs: []int32{1},
	}
	require.NoError(t, brk.Enqueue(ctx, broker.QueueInference, broker.TaskInference, broker.ReplyChannel("conn-1"), task))

	env, err := brk.Claim(ctx, broker.QueueInference, w.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)

	w.process(ctx, env)

	leftover, err := brk.Claim(ctx, broker.QueueInference, w.ID, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, leftover)
}

func TestWorkerPublishesValidationErrorForDeadSession(t *testing.T) {
	w, brk, _, _ := newTestWorker(t, &fakeCallable{}, 2)
	ctx := context.Background()

	sub := brk.SubscribeReply(ctx, broker.ReplyChannel("conn-1"))
	defer sub.Close()
	ch := sub.Channel()

	task := broker.InferenceTaskPayload{
		RequestID: "req-1", UserID: "user-1", SessionToken: "bogus", ProjectToken: "bogus-project",
		ModelIDs: []int32{1},
	}
	require.NoError(t, brk.Enqueue(ctx, broker.QueueInference, broker.TaskInference, broker.ReplyChannel("conn-1"), task))

	env, err := brk.Claim(ctx, broker.QueueInference, w.ID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)

	w.process(ctx, env)

	select {
	case msg := <-ch:
		var re broker.ReplyEnvelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &re))
		require.Equal(t, broker.ReplyValidationError, re.Kind)
		var p broker.ValidationErrorPayload
		require.NoError(t, json.Unmarshal(re.Payload, &p))
		require.NotEmpty(t, p.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for validation error reply")
	}
}

func TestRedactorStripsAPIKeys(t *testing.T) {
	r := NewDefaultRedactor()
	out := r.Redact("const key = \"sk-abcdefghijklmnopqrstuvwx\"")
	require.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwx")
	require.Contains(t, out, "[redacted]")
}
