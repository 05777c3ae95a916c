package orchestrator

import (
	"sync"
	"time"

	"github.com/suleymanmyradov/completion-server/internal/wire"
)

// RequestKind distinguishes a completion PendingRequest from a chat one;
// chat is single-model and streams partials, completion fans out over
// several models and aggregates (spec §4.4).
type RequestKind string

const (
	RequestCompletion RequestKind = "completion"
	RequestChat       RequestKind = "chat"
)

// PendingRequest is spec §3's runtime entity: owned by the orchestrator,
// destroyed when all models have reported or the deadline fires.
type PendingRequest struct {
	RequestID      string
	ConnectionID   string
	Kind           RequestKind
	ModelIDs       []int32
	EnqueueTime    time.Time
	Deadline       time.Time

	mu             sync.Mutex
	received       map[int32]wire.ModelReplyPayload
	sealed         bool
	sealOnce       sync.Once
	timer          *time.Timer

	// UserID/ProjectID/Context/Telemetry are carried along so the
	// sealing step can build the persist-task payload without a second
	// round-trip to the cache.
	UserID              string
	ProjectID            string
	Context              wire.CodeContext
	ContextualTelemetry  wire.ContextualTelemetry
	BehavioralTelemetry  wire.BehavioralTelemetry
	ChatID              string
	History             []string
}

// dedupeModelIDs drops repeated model-ids, keeping first occurrence order
// (spec §4.4 tie-break: "If the same model-id appears twice ... treated
// once and the duplicate is silently dropped").
func dedupeModelIDs(ids []int32) []int32 {
	seen := make(map[int32]struct{}, len(ids))
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func newPendingRequest(requestID, connID string, kind RequestKind, modelIDs []int32, deadline time.Duration) *PendingRequest {
	modelIDs = dedupeModelIDs(modelIDs)
	now := time.Now()
	return &PendingRequest{
		RequestID:    requestID,
		ConnectionID: connID,
		Kind:         kind,
		ModelIDs:     modelIDs,
		EnqueueTime:  now,
		Deadline:     now.Add(deadline),
		received:     make(map[int32]wire.ModelReplyPayload, len(modelIDs)),
	}
}

// recordResult adds a model's result. Returns true once every expected
// model has reported (the orchestrator should seal immediately).
func (p *PendingRequest) recordResult(reply wire.ModelReplyPayload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return false
	}
	p.received[reply.ModelID] = reply
	return len(p.received) >= len(p.ModelIDs)
}

// snapshot returns the completed/timed-out split used to build both the
// client-facing completion.final frame and the persist-task payload
// (spec §4.4 step 6, tie-breaks).
func (p *PendingRequest) snapshot() ([]wire.ModelReplyPayload, []int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	completed := make([]wire.ModelReplyPayload, 0, len(p.received))
	var timedOut []int32
	for _, id := range p.ModelIDs {
		if reply, ok := p.received[id]; ok {
			completed = append(completed, reply)
		} else {
			timedOut = append(timedOut, id)
		}
	}
	return completed, timedOut
}

// markSealed returns true exactly once, so the deadline timer and a
// just-completed recordResult race cannot both seal the same request.
func (p *PendingRequest) markSealed() bool {
	sealedNow := false
	p.sealOnce.Do(func() {
		p.mu.Lock()
		p.sealed = true
		p.mu.Unlock()
		sealedNow = true
	})
	return sealedNow
}
