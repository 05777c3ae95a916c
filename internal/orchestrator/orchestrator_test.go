package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/suleymanmyradov/completion-server/internal/analytics"
	"github.com/suleymanmyradov/completion-server/internal/authsession"
	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/config"
	"github.com/suleymanmyradov/completion-server/internal/connregistry"
	"github.com/suleymanmyradov/completion-server/internal/svctoken"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
	"github.com/suleymanmyradov/completion-server/internal/wire"
)

// harness wires one Orchestrator over miniredis plus a real registry, the
// way cmd/gatewayapi's main.go would, minus the HTTP/WS transport.
type harness struct {
	orch     *Orchestrator
	cache    *tokencache.Cache
	auth     *authsession.Manager
	brk      *broker.Broker
	registry *connregistry.Registry
	client   *redis.Client
}

// sink composes connregistry's two cascade methods with a no-op context
// flush, mirroring how cmd/gatewayapi wires the full CascadeSink (the
// flush verb itself lives on internal/gateway, not exercised here).
type sink struct{ reg *connregistry.Registry }

func (s sink) CloseConnectionsForSession(t string, r tokencache.CloseReason) {
	s.reg.CloseConnectionsForSession(t, r)
}
func (s sink) CloseConnectionsForProject(t string, r tokencache.CloseReason) {
	s.reg.CloseConnectionsForProject(t, r)
}
func (s sink) FlushProjectContext(string, map[string]string, []tokencache.ContextChange) error {
	return nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cache, err := tokencache.New(client, tokencache.Config{
		AuthTokenTTL:    time.Hour,
		SessionTokenTTL: 30 * time.Minute,
	})
	require.NoError(t, err)

	registry := connregistry.New(func(string, connregistry.DropReason) {})
	authMgr := authsession.New(cache, sink{reg: registry})
	signer := svctoken.New("test-secret", time.Minute)
	brk := broker.New(client, signer, "gatewayapi")
	sink := analytics.New(brk, 100000)

	orch := New(registry, cache, authMgr, brk, sink, nil, config.Dispatch{
		RequestDeadline: 50 * time.Millisecond,
		PerModelTimeout: 40 * time.Millisecond,
	}, config.Inference{})

	return &harness{orch: orch, cache: cache, auth: authMgr, brk: brk, registry: registry, client: client}
}

func (h *harness) establishProject(t *testing.T, userID, projectID string) (sessionToken, projectToken string) {
	t.Helper()
	ctx := context.Background()
	at, err := h.cache.IssueAuth(ctx, userID)
	require.NoError(t, err)
	st, err := h.cache.IssueSession(ctx, at.Token, nil)
	require.NoError(t, err)
	pt, err := h.cache.AttachProject(ctx, st.Token, projectID)
	require.NoError(t, err)
	return st.Token, pt.Token
}

func TestHandleCompletionRequestEnqueuesInferenceTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sessionToken, projectToken := h.establishProject(t, "user-1", "proj-1")

	conn := &connregistry.Connection{ID: "conn-1", SessionToken: sessionToken, ProjectToken: projectToken}

	payload, _ := json.Marshal(wire.CompletionRequestPayload{
		ModelIDs: []int32{1, 2},
		Context:  wire.CodeContext{Prefix: "func main() {", Suffix: "}"},
	})
	h.orch.HandleFrame(ctx, conn, wire.Frame{Type: wire.TypeCompletionRequest, Payload: payload})

	h.orch.mu.Lock()
	require.Len(t, h.orch.pending, 1)
	h.orch.mu.Unlock()

	env, err := h.brk.Claim(ctx, broker.QueueInference, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, broker.TaskInference, env.TaskKind)

	var task broker.InferenceTaskPayload
	require.NoError(t, json.Unmarshal(env.Payload, &task))
	require.ElementsMatch(t, []int32{1, 2}, task.ModelIDs)
	require.Equal(t, sessionToken, task.SessionToken)
}

func TestHandleCompletionRequestRejectsDeadProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := &connregistry.Connection{ID: "conn-1", SessionToken: "bogus-session", ProjectToken: "bogus-project"}

	payload, _ := json.Marshal(wire.CompletionRequestPayload{ModelIDs: []int32{1}})
	h.orch.HandleFrame(ctx, conn, wire.Frame{Type: wire.TypeCompletionRequest, RequestID: "req-1", Payload: payload})

	h.orch.mu.Lock()
	require.Len(t, h.orch.pending, 0)
	h.orch.mu.Unlock()
}

func TestSealAndPersistEnqueuesPersistTaskAndRecordsOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pr := newPendingRequest("req-1", "conn-1", RequestCompletion, []int32{7}, time.Minute)
	pr.UserID = "user-1"
	pr.ProjectID = "proj-1"
	h.orch.mu.Lock()
	h.orch.pending["req-1"] = pr
	h.orch.mu.Unlock()

	pr.recordResult(wire.ModelReplyPayload{ModelID: 7, Completion: "x := 1"})
	h.orch.sealAndPersist("conn-1", pr)

	h.orch.mu.Lock()
	_, stillPending := h.orch.pending["req-1"]
	h.orch.mu.Unlock()
	require.False(t, stillPending)

	h.orch.ownMu.Lock()
	rec, ok := h.orch.owned["req-1"]
	h.orch.ownMu.Unlock()
	require.True(t, ok)
	require.Equal(t, "user-1", rec.userID)

	env, err := h.brk.Claim(ctx, broker.QueuePersist, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, broker.TaskPersistQuery, env.TaskKind)
}

func TestHandleFeedbackRejectsUnownedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sessionToken, projectToken := h.establishProject(t, "user-1", "proj-1")
	conn := &connregistry.Connection{ID: "conn-1", SessionToken: sessionToken, ProjectToken: projectToken}

	payload, _ := json.Marshal(wire.FeedbackPayload{RequestID: "unknown-req", ModelID: 1, Accepted: true})
	h.orch.HandleFrame(ctx, conn, wire.Frame{Type: wire.TypeCompletionFeedback, RequestID: "fb-1", Payload: payload})

	env, err := h.brk.Claim(ctx, broker.QueuePersist, "worker-1", 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestHandleFeedbackAcceptsOwnedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sessionToken, projectToken := h.establishProject(t, "user-1", "proj-1")
	conn := &connregistry.Connection{ID: "conn-1", SessionToken: sessionToken, ProjectToken: projectToken}

	h.orch.ownMu.Lock()
	h.orch.owned["req-1"] = ownershipRecord{userID: "user-1", at: time.Now()}
	h.orch.ownMu.Unlock()

	payload, _ := json.Marshal(wire.FeedbackPayload{RequestID: "req-1", ModelID: 7, Accepted: true})
	h.orch.HandleFrame(ctx, conn, wire.Frame{Type: wire.TypeCompletionFeedback, RequestID: "fb-1", Payload: payload})

	env, err := h.brk.Claim(ctx, broker.QueuePersist, "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, broker.TaskFeedbackUpdate, env.TaskKind)

	var fb broker.FeedbackUpdatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &fb))
	require.Equal(t, int32(7), fb.ModelID)
	require.True(t, fb.Accepted)
}

func TestHandleContextUpdateAppliesChangeToProjectContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sessionToken, projectToken := h.establishProject(t, "user-1", "proj-1")

	conn1 := &connregistry.Connection{ID: "conn-1", SessionToken: sessionToken, ProjectToken: projectToken}

	payload, _ := json.Marshal(wire.ContextUpdatePayload{FilePath: "main.go", Content: "package main"})
	h.orch.HandleFrame(ctx, conn1, wire.Frame{Type: wire.TypeContextUpdate, Payload: payload})

	snap, err := h.cache.ContextSnapshot(ctx, projectToken)
	require.NoError(t, err)
	require.Equal(t, "package main", snap["main.go"])
}

func TestRequestDeadlineSealsWithTimeouts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sessionToken, projectToken := h.establishProject(t, "user-1", "proj-1")
	conn := &connregistry.Connection{ID: "conn-1", SessionToken: sessionToken, ProjectToken: projectToken}

	payload, _ := json.Marshal(wire.CompletionRequestPayload{
		ModelIDs: []int32{1, 2},
		Context:  wire.CodeContext{Prefix: "x"},
	})
	h.orch.HandleFrame(ctx, conn, wire.Frame{Type: wire.TypeCompletionRequest, Payload: payload})

	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		return len(h.orch.pending) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCompletionRequestRejectedWhenInferenceQueueOverHighWater(t *testing.T) {
	h := newHarness(t)
	h.orch.inference.QueueHighWater = 1
	h.orch.inference.QueueLowWater = 0
	ctx := context.Background()
	sessionToken, projectToken := h.establishProject(t, "user-1", "proj-1")
	conn := &connregistry.Connection{ID: "conn-1", SessionToken: sessionToken, ProjectToken: projectToken}

	require.NoError(t, h.brk.Enqueue(ctx, broker.QueueInference, broker.TaskInference, "", broker.InferenceTaskPayload{RequestID: "pre-existing"}))

	payload, _ := json.Marshal(wire.CompletionRequestPayload{
		ModelIDs: []int32{1},
		Context:  wire.CodeContext{Prefix: "x"},
	})
	h.orch.HandleFrame(ctx, conn, wire.Frame{Type: wire.TypeCompletionRequest, Payload: payload})

	h.orch.mu.Lock()
	require.Empty(t, h.orch.pending, "the request should have been rejected with busy, not enqueued")
	h.orch.mu.Unlock()
}
