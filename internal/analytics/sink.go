// Package analytics is the Analytics Sink of spec.md §4.7: "the same
// persist queue viewed through a different envelope type." It gives the
// orchestrator a fire-and-forget path for the persist task of every sealed
// completion/chat PendingRequest, with load-shedding once the persist
// queue passes its hard cap (spec §5, "Backpressure").
package analytics

import (
	"context"
	"math/rand"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/completion-server/internal/broker"
)

// Sink wraps the Task Broker's persist queue with sampling once that
// queue grows past HardCap; below the cap every envelope is kept. A
// HardCap of zero or less disables sampling.
type Sink struct {
	brk     *broker.Broker
	hardCap int
	// sampleRate is the fraction of telemetry kept once over HardCap
	// (e.g. 0.1 keeps one in ten). Fixed rather than config-driven: the
	// spec only asks for "begins sampling", not a tunable ratio.
	sampleRate float64
}

func New(brk *broker.Broker, hardCap int) *Sink {
	return &Sink{brk: brk, hardCap: hardCap, sampleRate: 0.1}
}

// EmitFeedback enqueues a FeedbackUpdatePayload through the sampling
// gate, for high-volume behavioral signals distinct from the single
// explicit accept/reject feedback path (internal/orchestrator's feedback
// handler), which always persists.
func (s *Sink) EmitFeedback(ctx context.Context, payload broker.FeedbackUpdatePayload) error {
	return s.emit(ctx, broker.TaskFeedbackUpdate, payload)
}

// EmitPersistQuery enqueues a PersistQueryPayload through the same
// sampling gate; the orchestrator's sealAndPersist sends every sealed
// completion/chat query through it (spec §9, "Analytics Sink" is a
// distinct module from the Persistence Gateway).
func (s *Sink) EmitPersistQuery(ctx context.Context, payload broker.PersistQueryPayload) error {
	return s.emit(ctx, broker.TaskPersistQuery, payload)
}

func (s *Sink) emit(ctx context.Context, kind broker.TaskKind, payload interface{}) error {
	depth, err := s.brk.QueueDepth(ctx, broker.QueuePersist)
	if err != nil {
		logx.Errorf("analytics: check queue depth: %v", err)
		depth = 0 // fail open: better to over-enqueue than silently lose telemetry
	}

	if s.hardCap > 0 && depth > int64(s.hardCap) && rand.Float64() > s.sampleRate {
		return nil // sampled out; spec §5 tolerates loss here, not on the hot path
	}

	return s.brk.Enqueue(ctx, broker.QueuePersist, kind, "", payload)
}
