// Package persistworker drains `queue:persist` and writes sealed
// requests through internal/gateway (spec.md §4.6, §4.7), grounded on the
// teacher's repository pattern (shared/repository/repository.go) for
// narrow, idempotent writes and its rpc `Logic` claim-and-process shape.
package persistworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/models"
)

// Persister is the narrow slice of internal/gateway.Gateway this worker
// needs, kept as an interface so the claim/retry/dead-letter loop is
// testable without a live Postgres connection.
type Persister interface {
	CreateMetaQuery(ctx context.Context, q *models.MetaQuery) error
	CreateGeneration(ctx context.Context, gen *models.Generation) error
	UpsertTelemetry(ctx context.Context, ct *models.ContextualTelemetry, bt *models.BehavioralTelemetry) error
	AppendGroundTruth(ctx context.Context, gt *models.GroundTruth) error
}

// Worker claims persist tasks and writes them to the Persistence Gateway
// in the fixed order spec §4.7 names: query, then generations, then
// telemetry, then ground-truth.
type Worker struct {
	ID           string
	brk          *broker.Broker
	gw           Persister
	maxRetries   int
	retryBase    time.Duration
	claimTimeout time.Duration
}

func New(brk *broker.Broker, gw Persister, maxRetries int, retryBase time.Duration) *Worker {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Worker{
		ID: "persistworker-" + uuid.New().String(), brk: brk, gw: gw,
		maxRetries: maxRetries, retryBase: retryBase, claimTimeout: 5 * time.Second,
	}
}

// Run drains queue:persist until ctx is canceled (spec §4.6 step 1).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.brk.Claim(ctx, broker.QueuePersist, w.ID, w.claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logx.Errorf("persistworker: claim: %v", err)
			continue
		}
		if env == nil {
			continue
		}

		threading.GoSafe(func() {
			w.process(ctx, env)
		})
	}
}

func (w *Worker) process(ctx context.Context, env *broker.Envelope) {
	var err error
	switch env.TaskKind {
	case broker.TaskPersistQuery:
		err = w.persistQuery(ctx, env.Payload)
	case broker.TaskFeedbackUpdate:
		err = w.persistFeedback(ctx, env.Payload)
	default:
		logx.Errorf("persistworker: unknown task kind %q", env.TaskKind)
		_ = w.brk.Ack(ctx, broker.QueuePersist, w.ID, env)
		return
	}

	if err == nil {
		_ = w.brk.Ack(ctx, broker.QueuePersist, w.ID, env)
		return
	}

	attempt := env.RetryAttempt()
	if attempt >= w.maxRetries {
		// Retries exhausted: ack so the envelope doesn't loop forever.
		// The envelope is dropped; only the error is logged, and the
		// payload is not kept on any dead-letter list.
		logx.Errorf("persistworker: dead-lettering task after %d attempts: %v", attempt, err)
		_ = w.brk.Ack(ctx, broker.QueuePersist, w.ID, env)
		return
	}

	if w.retryBase > 0 {
		time.Sleep(backoff(w.retryBase, attempt))
	}
	if nerr := w.brk.Nack(ctx, broker.QueuePersist, w.ID, env); nerr != nil {
		logx.Errorf("persistworker: nack: %v", nerr)
	}
}

// backoff is plain exponential backoff, matching the teacher's lack of a
// retry library anywhere in its tree; no pack repo reaches for one for
// this either.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	const cap = 30 * time.Second
	if d > cap {
		d = cap
	}
	return d
}

func (w *Worker) persistQuery(ctx context.Context, raw json.RawMessage) error {
	var p broker.PersistQueryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("persistworker: decode persist-query: %w", err)
	}

	requestID, err := uuid.Parse(p.RequestID)
	if err != nil {
		return fmt.Errorf("persistworker: invalid request id %q: %w", p.RequestID, err)
	}
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		return fmt.Errorf("persistworker: invalid user id %q: %w", p.UserID, err)
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		return fmt.Errorf("persistworker: invalid project id %q: %w", p.ProjectID, err)
	}

	kind := models.QueryKindCompletion
	var chatID *uuid.UUID
	if p.Kind == "chat" {
		kind = models.QueryKindChat
		if p.ChatID != nil {
			if parsed, err := uuid.Parse(*p.ChatID); err == nil {
				chatID = &parsed
			}
		}
	}

	mq := &models.MetaQuery{
		Kind: kind, RequestID: requestID, UserID: userID, ProjectID: projectID,
		Prefix: p.Prefix, Suffix: p.Suffix, FileName: p.FileName, SelectedText: p.SelectedText,
		ChatID: chatID, History: models.StringArray(p.History),
		Orphaned: p.Orphaned, TimedOut: p.TimedOut,
	}
	if err := w.gw.CreateMetaQuery(ctx, mq); err != nil {
		return err
	}

	for _, gen := range p.Generations {
		rec := &models.Generation{
			RequestID: requestID, ModelID: gen.ModelID, Completion: gen.Completion,
			Confidence: gen.Confidence, LogProbs: models.Float64Array(gen.LogProbs),
			GenerationMS: gen.GenerationMS, Errored: gen.Errored, ErrorMessage: gen.ErrorMessage,
		}
		if err := w.gw.CreateGeneration(ctx, rec); err != nil {
			return err
		}
	}

	ct := &models.ContextualTelemetry{
		RequestID: requestID, VersionID: p.Contextual.VersionID, TriggerTypeID: p.Contextual.TriggerTypeID,
		LanguageID: p.Contextual.LanguageID, FilePath: p.Contextual.FilePath, CaretLine: p.Contextual.CaretLine,
		DocumentCharLength: p.Contextual.DocumentCharLength, RelativeDocumentPosition: p.Contextual.RelativeDocumentPosition,
	}
	bt := &models.BehavioralTelemetry{
		RequestID: requestID, TimeSinceLastShown: p.Behavioral.TimeSinceLastShown,
		TimeSinceLastAccepted: p.Behavioral.TimeSinceLastAccepted, TypingSpeed: p.Behavioral.TypingSpeed,
	}
	if err := w.gw.UpsertTelemetry(ctx, ct, bt); err != nil {
		return err
	}

	return nil
}

func (w *Worker) persistFeedback(ctx context.Context, raw json.RawMessage) error {
	var fb broker.FeedbackUpdatePayload
	if err := json.Unmarshal(raw, &fb); err != nil {
		return fmt.Errorf("persistworker: decode feedback-update: %w", err)
	}
	requestID, err := uuid.Parse(fb.RequestID)
	if err != nil {
		return fmt.Errorf("persistworker: invalid request id %q: %w", fb.RequestID, err)
	}
	gt := &models.GroundTruth{
		RequestID: requestID, ModelID: fb.ModelID, Accepted: fb.Accepted,
		ShownAt: fb.ShownAt, Text: fb.GroundTruth,
	}
	return w.gw.AppendGroundTruth(ctx, gt)
}
