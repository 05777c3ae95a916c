// Package broker is the Task Broker of spec.md §4.4: two named FIFO
// queues (inference, persist) plus a reply-channel namespace, grounded on
// third_party/cache/redis.go for client construction and on the
// teacher's gourdiantoken Redis repository's TTL-key-as-claim-marker
// idiom, adapted here into a reliable-queue claim/ack pattern (an
// in-flight list a crashed worker's claims can be reclaimed from) instead
// of a revocation marker.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/completion-server/internal/svctoken"
)

// TaskKind enumerates the two work queues plus the feedback-update
// variant of the persist queue (spec §4.4, §4.6).
type TaskKind string

const (
	TaskInference      TaskKind = "inference"
	TaskPersistQuery   TaskKind = "persist"
	TaskFeedbackUpdate TaskKind = "feedback-update"
)

const (
	QueueInference = "queue:inference"
	QueuePersist   = "queue:persist"
)

// Envelope is the broker's producer/consumer unit (spec §4.4: "Producers
// enqueue an envelope {task-kind, payload, reply-channel?}").
type Envelope struct {
	TaskKind     TaskKind        `json:"task_kind"`
	Payload      json.RawMessage `json:"payload"`
	ReplyChannel string          `json:"reply_channel,omitempty"`
	Assertion    string          `json:"assertion"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	// Attempts counts prior Nacks, so a consumer can dead-letter after a
	// bounded number of retries (spec §4.6).
	Attempts int `json:"attempts"`

	// raw is the exact encoded form this envelope was claimed as, kept so
	// Ack/Nack can remove/requeue the identical list element.
	raw string
}

// RetryAttempt reports how many times this envelope has already been
// Nacked.
func (e *Envelope) RetryAttempt() int { return e.Attempts }

// ReplyChannel formats the addressable reply-channel name for a
// connection-id (spec §4.4: "conn:<connection-id>").
func ReplyChannel(connectionID string) string {
	return "conn:" + connectionID
}

// Broker wraps a *redis.Client the way third_party/cache/redis.go wraps
// one, plus the svctoken signer used to authenticate envelopes between
// the producing and consuming processes.
type Broker struct {
	client *redis.Client
	signer *svctoken.Signer
	role   string
}

func New(client *redis.Client, signer *svctoken.Signer, issuerRole string) *Broker {
	return &Broker{client: client, signer: signer, role: issuerRole}
}

// Enqueue pushes payload onto queue as an Envelope of the given kind,
// signed for that queue (spec §4.4, §4.5 step 1: "a worker claims the
// task").
func (b *Broker) Enqueue(ctx context.Context, queue string, kind TaskKind, replyChannel string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal payload: %w", err)
	}
	assertion, err := b.signer.Sign(b.role, queue)
	if err != nil {
		return fmt.Errorf("broker: sign envelope: %w", err)
	}
	env := Envelope{
		TaskKind:     kind,
		Payload:      raw,
		ReplyChannel: replyChannel,
		Assertion:    assertion,
		EnqueuedAt:   time.Now(),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	if err := b.client.RPush(ctx, queue, encoded).Err(); err != nil {
		return fmt.Errorf("broker: enqueue to %s: %w", queue, err)
	}
	return nil
}

// inflightKey namespaces one worker's claimed-but-unacked items so a
// crashed worker's claims are recoverable (spec has no explicit crash
// story for this, but §4.5/§4.6's "bounded retry"/"dead-letter" language
// implies at-least-once delivery, which a bare BLPOP does not give).
func inflightKey(queue, workerID string) string {
	return queue + ":inflight:" + workerID
}

// Claim blocks up to timeout for the next envelope on queue, moving it
// into a per-worker in-flight list atomically so it survives a crash
// between claim and ack. The caller must Ack (or Nack) every claimed
// envelope.
func (b *Broker) Claim(ctx context.Context, queue, workerID string, timeout time.Duration) (*Envelope, error) {
	raw, err := b.client.BLMove(ctx, queue, inflightKey(queue, workerID), "left", "right", timeout).Result()
	if err == redis.Nil {
		return nil, nil // no work within timeout; caller loops
	}
	if err != nil {
		return nil, fmt.Errorf("broker: claim from %s: %w", queue, err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison message: drop from in-flight so it doesn't jam the
		// worker forever, and surface the error to the caller.
		b.client.LRem(ctx, inflightKey(queue, workerID), 1, raw)
		return nil, fmt.Errorf("broker: decode envelope from %s: %w", queue, err)
	}
	if _, verr := b.signer.Verify(env.Assertion, queue); verr != nil {
		b.client.LRem(ctx, inflightKey(queue, workerID), 1, raw)
		return nil, fmt.Errorf("broker: reject envelope from %s: %w", queue, verr)
	}
	env.raw = raw
	return &env, nil
}

// Ack removes a successfully processed envelope from its worker's
// in-flight list.
func (b *Broker) Ack(ctx context.Context, queue, workerID string, env *Envelope) error {
	return b.client.LRem(ctx, inflightKey(queue, workerID), 1, env.raw).Err()
}

// Nack returns a failed envelope to the tail of the main queue for
// another worker to retry, and removes it from this worker's in-flight
// list (spec §4.6, "bounded retry"). The requeued copy's Attempts is
// incremented so the next consumer can decide to dead-letter instead.
func (b *Broker) Nack(ctx context.Context, queue, workerID string, env *Envelope) error {
	env.Attempts++
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope for nack: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, inflightKey(queue, workerID), 1, env.raw)
	pipe.RPush(ctx, queue, encoded)
	_, err = pipe.Exec(ctx)
	if err == nil {
		env.raw = string(encoded)
	}
	return err
}

// ReclaimStale moves every envelope still sitting in workerID's in-flight
// list back onto queue — called at startup for a worker-id that is being
// reused after a crash, or by a janitor process that knows a worker died.
func (b *Broker) ReclaimStale(ctx context.Context, queue, workerID string) (int, error) {
	key := inflightKey(queue, workerID)
	n := 0
	for {
		raw, err := b.client.LMove(ctx, key, queue, "left", "right").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return n, fmt.Errorf("broker: reclaim %s: %w", key, err)
		}
		_ = raw
		n++
	}
	if n > 0 {
		logx.Infof("broker: reclaimed %d stale envelope(s) from %s", n, key)
	}
	return n, nil
}

// QueueDepth reports how many envelopes are waiting on queue, for the
// backpressure checks in spec §5 (inference high/low water marks, the
// analytics sink's sampling gate).
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: queue depth of %s: %w", queue, err)
	}
	return n, nil
}

// PublishReply publishes payload on the given reply channel (spec §4.4
// step 5: "the worker publishes ... on the reply channel").
func (b *Broker) PublishReply(ctx context.Context, replyChannel string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal reply: %w", err)
	}
	return b.client.Publish(ctx, replyChannel, raw).Err()
}

// SubscribeReply subscribes to one reply channel; the caller (the
// orchestrator, for connections it owns locally) reads *redis.Message off
// the returned PubSub's Channel() (spec §4.2: "process-local ... each
// backend instance subscribe[s] to reply channels scoped to its own
// connections").
func (b *Broker) SubscribeReply(ctx context.Context, replyChannel string) *redis.PubSub {
	return b.client.Subscribe(ctx, replyChannel)
}
