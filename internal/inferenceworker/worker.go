package inferenceworker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"github.com/suleymanmyradov/completion-server/internal/broker"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
)

// Worker claims inference tasks from the Task Broker, fans out one call
// per model-id (bounded by PerWorkerConcurrency), and streams results
// back on the requesting connection's reply channel (spec.md §4.5).
type Worker struct {
	ID            string
	brk           *broker.Broker
	cache         *tokencache.Cache
	callable      InferenceCallable
	redactor      Redactor
	concurrency   int
	sem           chan struct{}
	perModelTO    time.Duration
	claimTimeout  time.Duration
}

func New(brk *broker.Broker, cache *tokencache.Cache, callable InferenceCallable, redactor Redactor, concurrency int, perModelTimeout time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		ID:           "inferenceworker-" + uuid.New().String(),
		brk:          brk,
		cache:        cache,
		callable:     callable,
		redactor:     redactor,
		concurrency:  concurrency,
		sem:          make(chan struct{}, concurrency),
		perModelTO:   perModelTimeout,
		claimTimeout: 5 * time.Second,
	}
}

// Run drains queue:inference until ctx is canceled (spec §4.5 step 1).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := w.brk.Claim(ctx, broker.QueueInference, w.ID, w.claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logx.Errorf("inferenceworker: claim: %v", err)
			continue
		}
		if env == nil {
			continue // claim timed out with nothing queued
		}

		threading.GoSafe(func() {
			w.process(ctx, env)
		})
	}
}

func (w *Worker) process(ctx context.Context, env *broker.Envelope) {
	var task broker.InferenceTaskPayload
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		logx.Errorf("inferenceworker: decode task: %v", err)
		_ = w.brk.Ack(ctx, broker.QueueInference, w.ID, env)
		return
	}

	// Revalidate the session/auth/project scopes are still live before
	// spending any model-serving budget on the task (spec §4.5 step 1): a
	// task claimed after any of these scopes ended is discarded, not
	// retried, and the client gets a single explicit error reply rather
	// than learning about the failure only once the full request deadline
	// elapses.
	if reason, live := w.validateScopes(ctx, task); !live {
		logx.Infof("inferenceworker: %s, discarding task %s", reason, task.RequestID)
		w.publishReply(ctx, env.ReplyChannel, broker.ReplyEnvelope{
			Kind:      broker.ReplyValidationError,
			RequestID: task.RequestID,
			Payload:   mustMarshal(broker.ValidationErrorPayload{Reason: reason}),
		})
		_ = w.brk.Ack(ctx, broker.QueueInference, w.ID, env)
		return
	}

	req := CallRequest{
		Prefix:          w.redactor.Redact(task.Prefix),
		Suffix:          w.redactor.Redact(task.Suffix),
		FileName:        task.FileName,
		ContextSnapshot: task.ContextSnapshot,
		IsChat:          task.IsChat,
		ChatID:          task.ChatID,
		History:         task.History,
	}
	if task.SelectedText != nil {
		redacted := w.redactor.Redact(*task.SelectedText)
		req.SelectedText = &redacted
	}

	var wg sync.WaitGroup

	for _, modelID := range task.ModelIDs {
		modelID := modelID
		w.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.callOneModel(ctx, env.ReplyChannel, task.RequestID, modelID, req)
		}()
	}
	wg.Wait()

	w.publishReply(ctx, env.ReplyChannel, broker.ReplyEnvelope{
		Kind:      broker.ReplyInferenceComplete,
		RequestID: task.RequestID,
		Payload:   mustMarshal(broker.InferenceCompletePayload{ModelIDs: task.ModelIDs}),
	})

	if err := w.brk.Ack(ctx, broker.QueueInference, w.ID, env); err != nil {
		logx.Errorf("inferenceworker: ack %s: %v", task.RequestID, err)
	}
}

// validateScopes checks the session, its parent auth token, and the
// project are all still live, in that order, returning the first failing
// scope's rejection reason (spec §4.5 step 1).
func (w *Worker) validateScopes(ctx context.Context, task broker.InferenceTaskPayload) (string, bool) {
	st, err := w.cache.ValidateSession(ctx, task.SessionToken)
	if err != nil {
		return "session scope is no longer live", false
	}
	if _, err := w.cache.ValidateAuth(ctx, st.AuthToken); err != nil {
		return "auth scope is no longer live", false
	}
	if _, err := w.cache.ValidateProject(ctx, task.ProjectToken); err != nil {
		return "project scope is no longer live", false
	}
	return "", true
}

func (w *Worker) callOneModel(ctx context.Context, replyChannel, requestID string, modelID int32, req CallRequest) {
	callCtx := ctx
	var cancel context.CancelFunc
	if w.perModelTO > 0 {
		callCtx, cancel = context.WithTimeout(ctx, w.perModelTO)
		defer cancel()
	}

	result := w.callable.Infer(callCtx, modelID, req)

	payload := broker.ModelResultPayload{
		ModelID:      modelID,
		Completion:   result.Completion,
		Confidence:   result.Confidence,
		LogProbs:     result.LogProbs,
		GenerationMS: result.GenerationMS,
	}
	if result.Err != nil {
		payload.Errored = true
		payload.ErrorMessage = result.Err.Error()
	}

	w.publishReply(ctx, replyChannel, broker.ReplyEnvelope{
		Kind: broker.ReplyModelResult, RequestID: requestID, Payload: mustMarshal(payload),
	})
}

func (w *Worker) publishReply(ctx context.Context, replyChannel string, env broker.ReplyEnvelope) {
	if err := w.brk.PublishReply(ctx, replyChannel, env); err != nil {
		logx.Errorf("inferenceworker: publish reply on %s: %v", replyChannel, err)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
