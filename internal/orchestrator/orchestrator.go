// Package orchestrator is the Request Orchestrator of spec.md §4.4:
// accepts completion/chat/feedback/context-update frames on a
// connection, validates authorization, materializes PendingRequests,
// enqueues work onto the Task Broker, and correlates results back.
// Grounded on the teacher's `*Logic` struct pattern
// (ctx/svcCtx/embedded logx.Logger fields on every RPC logic handler)
// applied to a long-lived connection instead of one-shot HTTP handlers.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"github.com/suleymanmyradov/completion-server/internal/analytics"
	"github.com/suleymanmyradov/completion-server/internal/authsession"
	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/config"
	"github.com/suleymanmyradov/completion-server/internal/connregistry"
	"github.com/suleymanmyradov/completion-server/internal/contextindex"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
	"github.com/suleymanmyradov/completion-server/internal/wire"
)

// ownershipTTL bounds how long the orchestrator remembers a completion
// request's owning user-id for feedback validation, independent of the
// PendingRequest's own (much shorter) lifetime — see DESIGN.md, Open
// Question (b).
const ownershipTTL = time.Hour

type ownershipRecord struct {
	userID string
	at     time.Time
}

// Orchestrator is constructed once per backend process and shared across
// every connection it owns; all of its maps are keyed by request-id or
// connection-id and protected by their own mutex (spec §5: "process-local
// ... serialized per connection-id").
type Orchestrator struct {
	registry *connregistry.Registry
	cache    *tokencache.Cache
	auth     *authsession.Manager
	brk      *broker.Broker
	// ctxIndex is the supplemental context relevance index (SPEC_FULL.md
	// §C.1); nil when Meilisearch is disabled, in which case every method
	// below that touches it is skipped (spec's "best-effort" framing).
	ctxIndex *contextindex.Index
	// sink is the Analytics Sink every sealed request's persist task is
	// routed through (spec §1, item 9: "Fire-and-forget interface used by
	// the orchestrator to emit behavioral and contextual telemetry
	// envelopes"), so the hard-cap sampling gate of spec §5's backpressure
	// section applies to them. Explicit feedback (handleFeedback) is
	// enqueued on the broker directly and is never sampled.
	sink      *analytics.Sink
	dispatch config.Dispatch
	inference config.Inference

	mu      sync.Mutex
	pending map[string]*PendingRequest

	ownMu sync.Mutex
	owned map[string]ownershipRecord

	busyMu sync.Mutex
	busy   bool
}

func New(registry *connregistry.Registry, cache *tokencache.Cache, auth *authsession.Manager, brk *broker.Broker, sink *analytics.Sink, ctxIndex *contextindex.Index, dispatch config.Dispatch, inference config.Inference) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		cache:     cache,
		auth:      auth,
		brk:       brk,
		sink:      sink,
		ctxIndex:  ctxIndex,
		dispatch:  dispatch,
		inference: inference,
		pending:   make(map[string]*PendingRequest),
		owned:     make(map[string]ownershipRecord),
	}
}

// OwnConnection starts this connection's reply-channel listener (spec
// §4.2/§4.4: "each backend process subscribes only to reply channels it
// owns"). Call once, right after connregistry.Registry.Register.
func (o *Orchestrator) OwnConnection(ctx context.Context, connID string) {
	threading.GoSafe(func() {
		o.replyListener(ctx, connID)
	})
}

func (o *Orchestrator) replyListener(ctx context.Context, connID string) {
	sub := o.brk.SubscribeReply(ctx, broker.ReplyChannel(connID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env broker.ReplyEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logx.Errorf("orchestrator: decode reply on %s: %v", msg.Channel, err)
				continue
			}
			o.handleReply(connID, env)
		}
	}
}

// handleReply dispatches a worker's reply envelope to the owning
// PendingRequest, or drops it if that request is gone (spec §4.5:
// "Redelivery is safe because the orchestrator drops replies for
// completed PendingRequests"; §3 I4 for connection-gone orphans).
func (o *Orchestrator) handleReply(connID string, env broker.ReplyEnvelope) {
	o.mu.Lock()
	pr, ok := o.pending[env.RequestID]
	o.mu.Unlock()
	if !ok {
		return
	}

	switch env.Kind {
	case broker.ReplyModelResult:
		var p broker.ModelResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logx.Errorf("orchestrator: decode model result: %v", err)
			return
		}
		reply := wire.ModelReplyPayload{
			ModelID: p.ModelID, Completion: p.Completion, Confidence: p.Confidence,
			LogProbs: p.LogProbs, GenerationMS: p.GenerationMS,
		}
		if p.Errored {
			reply.Error = p.ErrorMessage
		}

		if pr.Kind == RequestChat {
			// Chat is single-model, streamed incrementally without
			// waiting for completion (spec §4.4, "Chat path").
			o.registry.Deliver(connID, wire.Frame{
				Type: wire.TypeChatPartial, RequestID: env.RequestID,
				Payload: mustMarshal(reply),
			})
		} else {
			// Completion fans out over several models; each one's result
			// streams to the client as soon as it arrives rather than
			// waiting for the aggregate final frame (spec §4.4 step 5;
			// P5; S1/S2).
			o.registry.Deliver(connID, wire.Frame{
				Type: wire.TypeCompletionPartial, RequestID: env.RequestID,
				Payload: mustMarshal(reply),
			})
		}

		allIn := pr.recordResult(reply)
		if allIn {
			o.sealAndPersist(connID, pr)
		}

	case broker.ReplyInferenceComplete:
		o.sealAndPersist(connID, pr)

	case broker.ReplyValidationError:
		var p broker.ValidationErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logx.Errorf("orchestrator: decode validation error: %v", err)
			return
		}
		o.registry.Deliver(connID, wire.NewErrorFrame(env.RequestID, wire.ErrForbidden, p.Reason))
		o.sealAndPersist(connID, pr)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// startDeadlineTimer seals pr if the request deadline fires before every
// model has reported (spec §4.4 step 6, tie-break on zero/partial
// success).
func (o *Orchestrator) startDeadlineTimer(connID string, pr *PendingRequest) {
	pr.timer = time.AfterFunc(time.Until(pr.Deadline), func() {
		o.sealAndPersist(connID, pr)
	})
}

// sealAndPersist closes a PendingRequest exactly once, delivers the
// client-facing final frame, and enqueues the persist task (spec §4.4
// step 6, "Ordering contract": persist is enqueued strictly after every
// per-model reply has been forwarded — true here since sealAndPersist is
// the only place that both forwards the final frame and enqueues).
func (o *Orchestrator) sealAndPersist(connID string, pr *PendingRequest) {
	if !pr.markSealed() {
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}

	o.mu.Lock()
	delete(o.pending, pr.RequestID)
	o.mu.Unlock()

	completed, timedOut := pr.snapshot()

	if pr.Kind == RequestCompletion {
		o.registry.Deliver(connID, wire.Frame{
			Type:      wire.TypeCompletionFinal,
			RequestID: pr.RequestID,
			Payload: mustMarshal(wire.CompletionFinalPayload{
				Completed: completed, TimedOut: timedOut,
			}),
		})
	} else {
		o.registry.Deliver(connID, wire.Frame{
			Type:      wire.TypeChatFinal,
			RequestID: pr.RequestID,
			Payload:   mustMarshal(wire.CompletionFinalPayload{Completed: completed, TimedOut: timedOut}),
		})
	}

	_, connLive := o.registry.Get(connID)

	// Only models that actually reported get a generation row; a timed-out
	// model has no result to persist and is recorded solely via the
	// query-level TimedOut flag below (spec S2: "persisted generations
	// contain only model 1").
	generations := make([]broker.GenerationRecord, 0, len(completed))
	for _, c := range completed {
		generations = append(generations, broker.GenerationRecord{
			ModelID: c.ModelID, Completion: c.Completion, Confidence: c.Confidence,
			LogProbs: c.LogProbs, GenerationMS: c.GenerationMS, Errored: c.Error != "",
			ErrorMessage: c.Error,
		})
	}

	kind := "completion"
	var chatID *string
	if pr.Kind == RequestChat {
		kind = "chat"
		if pr.ChatID != "" {
			chatID = &pr.ChatID
		}
	}

	payload := broker.PersistQueryPayload{
		RequestID:    pr.RequestID,
		Kind:         kind,
		UserID:       pr.UserID,
		ProjectID:    pr.ProjectID,
		Prefix:       pr.Context.Prefix,
		Suffix:       pr.Context.Suffix,
		FileName:     pr.Context.FileName,
		SelectedText: pr.Context.SelectedText,
		ChatID:       chatID,
		History:      pr.History,
		Generations:  generations,
		Contextual: broker.ContextualTelemetryRecord{
			VersionID: pr.ContextualTelemetry.VersionID, TriggerTypeID: pr.ContextualTelemetry.TriggerTypeID,
			LanguageID: pr.ContextualTelemetry.LanguageID, FilePath: pr.ContextualTelemetry.FilePath,
			CaretLine: pr.ContextualTelemetry.CaretLine, DocumentCharLength: pr.ContextualTelemetry.DocumentCharLength,
			RelativeDocumentPosition: pr.ContextualTelemetry.RelativeDocumentPosition,
		},
		Behavioral: broker.BehavioralTelemetryRecord{
			TimeSinceLastShown: pr.BehavioralTelemetry.TimeSinceLastShown,
			TimeSinceLastAccepted: pr.BehavioralTelemetry.TimeSinceLastAccepted,
			TypingSpeed: pr.BehavioralTelemetry.TypingSpeed,
		},
		Orphaned: !connLive,
		TimedOut: len(timedOut) > 0,
	}

	ctx := context.Background()
	if err := o.sink.EmitPersistQuery(ctx, payload); err != nil {
		logx.Errorf("orchestrator: enqueue persist task for %s: %v", pr.RequestID, err)
	}

	o.ownMu.Lock()
	o.owned[pr.RequestID] = ownershipRecord{userID: pr.UserID, at: time.Now()}
	o.ownMu.Unlock()
	o.gcOwnership()
}

// gcOwnership drops ownership records older than ownershipTTL. Called
// opportunistically; cheap relative to request volume.
func (o *Orchestrator) gcOwnership() {
	o.ownMu.Lock()
	defer o.ownMu.Unlock()
	cutoff := time.Now().Add(-ownershipTTL)
	for id, rec := range o.owned {
		if rec.at.Before(cutoff) {
			delete(o.owned, id)
		}
	}
}

// DisconnectOrphans marks every PendingRequest bound to connID as
// orphaned by simply letting them seal normally on deadline — the spec
// treats a gone connection's in-flight inference as discarded on
// delivery, not canceled (spec §5, "Cancellation").
func (o *Orchestrator) DisconnectOrphans(connID string) {
	// No action needed: handleReply's Deliver to a torn-down connection
	// is already a no-op in connregistry, and sealAndPersist still runs
	// so the request remains observable in analytics (spec §4.4 edge
	// cases, "zero successes ... persist task is still emitted").
}

func newRequestID() string { return uuid.New().String() }

// isBusy implements the hysteresis of spec §5, "Backpressure": once the
// inference queue crosses QueueHighWater, new completion/chat requests
// are rejected with `busy` until depth drains back below QueueLowWater.
// In-flight requests are unaffected; only new enqueues are gated.
func (o *Orchestrator) isBusy(ctx context.Context) bool {
	if o.inference.QueueHighWater <= 0 {
		return false // backpressure gate disabled
	}
	depth, err := o.brk.QueueDepth(ctx, broker.QueueInference)
	if err != nil {
		logx.Errorf("orchestrator: queue depth check: %v", err)
		return false // fail open: a depth-check error shouldn't stall the hot path
	}

	o.busyMu.Lock()
	defer o.busyMu.Unlock()
	switch {
	case depth >= int64(o.inference.QueueHighWater):
		o.busy = true
	case depth < int64(o.inference.QueueLowWater):
		o.busy = false
	}
	return o.busy
}
