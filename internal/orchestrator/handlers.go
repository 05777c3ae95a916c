package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/connregistry"
	"github.com/suleymanmyradov/completion-server/internal/wire"
)

// HandleFrame is the single entry point the gateway's WebSocket read loop
// calls for every inbound frame on a Connection (spec §4.4). conn carries
// the already-authenticated session/project tokens from connregistry.
func (o *Orchestrator) HandleFrame(ctx context.Context, conn *connregistry.Connection, frame wire.Frame) {
	switch frame.Type {
	case wire.TypeCompletionRequest:
		o.handleCompletionRequest(ctx, conn, frame)
	case wire.TypeChatRequest:
		o.handleChatRequest(ctx, conn, frame)
	case wire.TypeCompletionFeedback:
		o.handleFeedback(ctx, conn, frame)
	case wire.TypeContextUpdate:
		o.handleContextUpdate(ctx, conn, frame)
	case wire.TypePing:
		o.registry.Deliver(conn.ID, wire.Frame{Type: wire.TypePong})
	default:
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInvalidRequest,
			fmt.Sprintf("unrecognized frame type %q", frame.Type)))
	}
}

func (o *Orchestrator) handleCompletionRequest(ctx context.Context, conn *connregistry.Connection, frame wire.Frame) {
	var req wire.CompletionRequestPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInvalidRequest, "malformed completion.request payload"))
		return
	}
	if len(req.ModelIDs) == 0 {
		if len(o.inference.DefaultModelIDs) == 0 {
			o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInvalidRequest, "model_ids is required"))
			return
		}
		req.ModelIDs = o.inference.DefaultModelIDs
	}

	if o.isBusy(ctx) {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrBusy, "inference queue is over capacity"))
		return
	}

	proj, err := o.cache.ValidateProject(ctx, conn.ProjectToken)
	if err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrForbidden, "project scope is no longer live"))
		return
	}

	requestID := newRequestID()
	pr := newPendingRequest(requestID, conn.ID, RequestCompletion, req.ModelIDs, o.dispatch.RequestDeadline)
	pr.UserID = proj.UserID
	pr.ProjectID = proj.ProjectID
	pr.Context = req.Context
	pr.ContextualTelemetry = req.ContextualTelemetry
	pr.BehavioralTelemetry = req.BehavioralTelemetry

	o.mu.Lock()
	o.pending[requestID] = pr
	o.mu.Unlock()
	o.startDeadlineTimer(conn.ID, pr)

	snapshot, err := o.cache.ContextSnapshot(ctx, conn.ProjectToken)
	if err != nil {
		logx.Errorf("orchestrator: context snapshot for %s: %v", requestID, err)
		snapshot = nil
	}
	snapshot = o.foldRelatedFiles(ctx, proj.ProjectID, req.Context.Prefix, snapshot)

	payload := broker.InferenceTaskPayload{
		RequestID: requestID, UserID: proj.UserID, SessionToken: conn.SessionToken,
		ProjectToken: conn.ProjectToken, ModelIDs: pr.ModelIDs,
		Prefix: req.Context.Prefix, Suffix: req.Context.Suffix, FileName: req.Context.FileName,
		SelectedText: req.Context.SelectedText, ContextSnapshot: snapshot, IsChat: false,
	}
	if err := o.brk.Enqueue(ctx, broker.QueueInference, broker.TaskInference, broker.ReplyChannel(conn.ID), payload); err != nil {
		logx.Errorf("orchestrator: enqueue inference task for %s: %v", requestID, err)
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(requestID, wire.ErrInternal, "failed to dispatch inference"))
	}
}

func (o *Orchestrator) handleChatRequest(ctx context.Context, conn *connregistry.Connection, frame wire.Frame) {
	var req wire.ChatRequestPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInvalidRequest, "malformed chat.request payload"))
		return
	}

	if o.isBusy(ctx) {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrBusy, "inference queue is over capacity"))
		return
	}

	proj, err := o.cache.ValidateProject(ctx, conn.ProjectToken)
	if err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrForbidden, "project scope is no longer live"))
		return
	}

	requestID := newRequestID()
	pr := newPendingRequest(requestID, conn.ID, RequestChat, []int32{req.ModelID}, o.dispatch.RequestDeadline)
	pr.UserID = proj.UserID
	pr.ProjectID = proj.ProjectID
	pr.Context = req.Context
	pr.ContextualTelemetry = req.ContextualTelemetry
	pr.BehavioralTelemetry = req.BehavioralTelemetry
	pr.ChatID = req.ChatID
	pr.History = req.History

	o.mu.Lock()
	o.pending[requestID] = pr
	o.mu.Unlock()
	o.startDeadlineTimer(conn.ID, pr)

	snapshot, err := o.cache.ContextSnapshot(ctx, conn.ProjectToken)
	if err != nil {
		logx.Errorf("orchestrator: context snapshot for %s: %v", requestID, err)
		snapshot = nil
	}
	snapshot = o.foldRelatedFiles(ctx, proj.ProjectID, req.Context.Prefix, snapshot)

	payload := broker.InferenceTaskPayload{
		RequestID: requestID, UserID: proj.UserID, SessionToken: conn.SessionToken,
		ProjectToken: conn.ProjectToken, ModelIDs: []int32{req.ModelID},
		Prefix: req.Context.Prefix, Suffix: req.Context.Suffix, FileName: req.Context.FileName,
		SelectedText: req.Context.SelectedText, ContextSnapshot: snapshot,
		IsChat: true, ChatID: req.ChatID, History: req.History,
	}
	if err := o.brk.Enqueue(ctx, broker.QueueInference, broker.TaskInference, broker.ReplyChannel(conn.ID), payload); err != nil {
		logx.Errorf("orchestrator: enqueue chat task for %s: %v", requestID, err)
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(requestID, wire.ErrInternal, "failed to dispatch chat"))
	}
}

// handleFeedback implements spec §4.4's feedback path and Open Question
// (b)'s decision: feedback is accepted whenever the submitting
// connection's user-id matches the original request's owning user-id,
// regardless of whether the originating PendingRequest (or even
// connection) is still alive. The ownership ledger in sealAndPersist is
// what makes this possible after the PendingRequest itself is gone.
func (o *Orchestrator) handleFeedback(ctx context.Context, conn *connregistry.Connection, frame wire.Frame) {
	var fb wire.FeedbackPayload
	if err := json.Unmarshal(frame.Payload, &fb); err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInvalidRequest, "malformed completion.feedback payload"))
		return
	}

	proj, err := o.cache.ValidateProject(ctx, conn.ProjectToken)
	if err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrForbidden, "project scope is no longer live"))
		return
	}

	o.ownMu.Lock()
	rec, ok := o.owned[fb.RequestID]
	o.ownMu.Unlock()
	if !ok || rec.userID != proj.UserID {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrForbidden, "feedback does not belong to this user"))
		return
	}

	payload := broker.FeedbackUpdatePayload{
		RequestID: fb.RequestID, ModelID: fb.ModelID, Accepted: fb.Accepted,
		ShownAt: time.Unix(fb.ShownAtUnix, 0).UTC(), GroundTruth: fb.GroundTruth,
	}
	if err := o.brk.Enqueue(ctx, broker.QueuePersist, broker.TaskFeedbackUpdate, "", payload); err != nil {
		logx.Errorf("orchestrator: enqueue feedback update for %s: %v", fb.RequestID, err)
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInternal, "failed to record feedback"))
	}
}

// handleContextUpdate implements spec §4.4's context-sharing path: append
// to the project's change-log, then broadcast the new change-index to
// every other live connection scoped to the same project.
func (o *Orchestrator) handleContextUpdate(ctx context.Context, conn *connregistry.Connection, frame wire.Frame) {
	var cu wire.ContextUpdatePayload
	if err := json.Unmarshal(frame.Payload, &cu); err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInvalidRequest, "malformed context.update payload"))
		return
	}

	proj, err := o.cache.ValidateProject(ctx, conn.ProjectToken)
	if err != nil {
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrForbidden, "project scope is no longer live"))
		return
	}

	index, err := o.cache.UpdateContext(ctx, conn.ProjectToken, cu.FilePath, cu.Content)
	if err != nil {
		logx.Errorf("orchestrator: update context for project %s: %v", conn.ProjectToken, err)
		o.registry.Deliver(conn.ID, wire.NewErrorFrame(frame.RequestID, wire.ErrInternal, "failed to record context update"))
		return
	}

	if o.ctxIndex != nil {
		if err := o.ctxIndex.EnsureProjectIndex(proj.ProjectID); err != nil {
			logx.Infof("orchestrator: ensure context index for project %s: %v", proj.ProjectID, err)
		}
		if err := o.ctxIndex.Upsert(ctx, proj.ProjectID, cu.FilePath, cu.Content); err != nil {
			logx.Errorf("orchestrator: context index upsert for project %s: %v", proj.ProjectID, err)
		}
	}

	ackPayload := mustMarshal(wire.ContextBroadcastPayload{
		ProjectToken: conn.ProjectToken, ChangeIndex: index, FilePath: cu.FilePath,
		Digest: digest(cu.Content),
	})

	// The originator gets an ack carrying the same change-index, echoed on
	// its own request-id (spec S4); every other connection in the project
	// gets the same payload as an unsolicited broadcast (spec §4.4).
	o.registry.Deliver(conn.ID, wire.Frame{
		Type: wire.TypeContextBroadcast, RequestID: frame.RequestID, Payload: ackPayload,
	})
	o.registry.Broadcast(conn.ProjectToken, wire.Frame{
		Type: wire.TypeContextBroadcast, Payload: ackPayload,
	}, conn.ID)
}

// foldRelatedFiles augments snapshot with files the context relevance
// index judges related to query but that aren't already present (spec
// SPEC_FULL.md §C.1: related files are additive, never overriding the
// change-log's own authoritative content for a path). A no-op when the
// index is disabled or the search errors.
func (o *Orchestrator) foldRelatedFiles(ctx context.Context, projectID, query string, snapshot map[string]string) map[string]string {
	if o.ctxIndex == nil || query == "" {
		return snapshot
	}
	related, err := o.ctxIndex.RelatedFiles(ctx, projectID, query)
	if err != nil {
		logx.Errorf("orchestrator: related files lookup for project %s: %v", projectID, err)
		return snapshot
	}
	for path, content := range related {
		if _, exists := snapshot[path]; exists {
			continue
		}
		if snapshot == nil {
			snapshot = make(map[string]string)
		}
		snapshot[path] = content
	}
	return snapshot
}

func digest(content string) string {
	// A short, stable fingerprint for the broadcast frame (spec §4.4:
	// peers re-pull full content lazily; the broadcast only carries
	// enough to decide whether a re-pull is worthwhile).
	h := fnv64a(content)
	return fmt.Sprintf("%016x", h)
}

// fnv64a avoids pulling in hash/fnv for a single call site; same
// algorithm, inlined constants.
func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
