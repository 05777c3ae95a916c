package broker

import "encoding/json"

// ReplyKind discriminates what a worker published on a reply channel
// (spec §4.4 step 5, §4.5 steps 4-5).
type ReplyKind string

const (
	ReplyModelResult       ReplyKind = "model-result"
	ReplyInferenceComplete ReplyKind = "inference-complete"
	ReplyChatPartial       ReplyKind = "chat-partial"
	ReplyChatComplete      ReplyKind = "chat-complete"
	ReplyValidationError   ReplyKind = "validation-error"
)

// ReplyEnvelope is what inference/chat workers publish on a connection's
// reply channel; the orchestrator's reply listener decodes the Kind
// first, then the type-specific Payload.
type ReplyEnvelope struct {
	Kind      ReplyKind       `json:"kind"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// ModelResultPayload is the per-model reply body (spec §4.4 step 5).
type ModelResultPayload struct {
	ModelID      int32     `json:"model_id"`
	Completion   string    `json:"completion"`
	Confidence   float64   `json:"confidence"`
	LogProbs     []float64 `json:"logprobs"`
	GenerationMS int64     `json:"generation_time_ms"`
	Errored      bool      `json:"errored"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// InferenceCompletePayload is the synchronization-barrier envelope (spec
// §4.5 step 5).
type InferenceCompletePayload struct {
	ModelIDs []int32 `json:"model_ids"` // every model the worker attempted
}

// ValidationErrorPayload is the single error reply a worker publishes in
// place of model invocation when a claimed task's session/auth/project
// scope is no longer live (spec §4.5 step 1).
type ValidationErrorPayload struct {
	Reason string `json:"reason"`
}
