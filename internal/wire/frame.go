// Package wire defines the client-facing message envelopes (spec.md §6)
// carried over a Connection's duplex socket, and the error taxonomy
// surfaced to clients (spec.md §7).
package wire

import "encoding/json"

// FrameType enumerates the self-describing envelope's `type` field.
type FrameType string

const (
	TypeCompletionRequest FrameType = "completion.request"
	TypeCompletionPartial FrameType = "completion.partial"
	TypeCompletionFinal   FrameType = "completion.final"
	TypeCompletionFeedback FrameType = "completion.feedback"
	TypeChatRequest FrameType = "chat.request"
	TypeChatPartial FrameType = "chat.partial"
	TypeChatFinal   FrameType = "chat.final"
	TypeContextUpdate    FrameType = "context.update"
	TypeContextBroadcast FrameType = "context.broadcast"
	TypeError FrameType = "error"
	TypePing  FrameType = "ping"
	TypePong  FrameType = "pong"
)

// Frame is the self-describing envelope. Payload is left as raw JSON and
// decoded into the type-specific struct once Type is known, mirroring how
// the teacher's go-zero handlers decode into `types.XxxRequest` after
// dispatch.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CodeContext is the prefix/suffix/file-name/selection carried by both
// completion and chat requests.
type CodeContext struct {
	Prefix       string  `json:"prefix"`
	Suffix       string  `json:"suffix"`
	FileName     string  `json:"file_name,omitempty"`
	SelectedText *string `json:"selected_text,omitempty"`
}

// ContextualTelemetry is the per-request contextual envelope (spec §6).
type ContextualTelemetry struct {
	VersionID                string   `json:"version_id"`
	TriggerTypeID             string   `json:"trigger_type_id"`
	LanguageID                string   `json:"language_id"`
	FilePath                  *string  `json:"file_path,omitempty"`
	CaretLine                 *int32   `json:"caret_line,omitempty"`
	DocumentCharLength        *int32   `json:"document_char_length,omitempty"`
	RelativeDocumentPosition  *float64 `json:"relative_document_position,omitempty"`
}

// BehavioralTelemetry is the per-request behavioral envelope (spec §6).
type BehavioralTelemetry struct {
	TimeSinceLastShown    *int64   `json:"time_since_last_shown,omitempty"`
	TimeSinceLastAccepted *int64   `json:"time_since_last_accepted,omitempty"`
	TypingSpeed           *float64 `json:"typing_speed,omitempty"`
}

// CompletionRequestPayload is the decoded `completion.request` payload.
type CompletionRequestPayload struct {
	ModelIDs            []int32             `json:"model_ids"`
	Context             CodeContext         `json:"context"`
	ContextualTelemetry  ContextualTelemetry `json:"contextual_telemetry"`
	BehavioralTelemetry  BehavioralTelemetry `json:"behavioral_telemetry"`
	ChangeIndices        []int64             `json:"change_indices,omitempty"`
}

// ChatRequestPayload is the decoded `chat.request` payload.
type ChatRequestPayload struct {
	ChatID              string              `json:"chat_id"`
	ModelID             int32               `json:"model_id"`
	History             []string            `json:"history"`
	Context             CodeContext         `json:"context"`
	ContextualTelemetry  ContextualTelemetry `json:"contextual_telemetry"`
	BehavioralTelemetry  BehavioralTelemetry `json:"behavioral_telemetry"`
}

// ModelReplyPayload is the per-model reply (spec §6).
type ModelReplyPayload struct {
	ModelID        int32    `json:"model_id"`
	Completion     string   `json:"completion,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	LogProbs       []float64 `json:"logprobs,omitempty"`
	GenerationMS   int64    `json:"generation_time_ms,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// CompletionFinalPayload closes out a request (spec §7, "user-visible
// behavior"): completed models plus a timed-out set for the rest.
type CompletionFinalPayload struct {
	Completed []ModelReplyPayload `json:"completed"`
	TimedOut  []int32             `json:"timed_out"`
}

// FeedbackPayload is the decoded `completion.feedback` payload.
type FeedbackPayload struct {
	RequestID   string  `json:"request_id"`
	ModelID     int32   `json:"model_id"`
	Accepted    bool    `json:"accepted"`
	ShownAtUnix int64   `json:"shown_at"`
	GroundTruth *string `json:"ground_truth,omitempty"`
}

// ContextUpdatePayload is the decoded `context.update` payload.
type ContextUpdatePayload struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// ContextBroadcastPayload is what other connections in the project
// receive when one of them updates context (spec §4.4).
type ContextBroadcastPayload struct {
	ProjectToken string `json:"project_token"`
	ChangeIndex  int64  `json:"change_index"`
	FilePath     string `json:"file_path"`
	Digest       string `json:"digest"`
}

// ErrKind is the closed set of client-visible error kinds (spec §7).
type ErrKind string

const (
	ErrUnauthenticated ErrKind = "unauthenticated"
	ErrForbidden       ErrKind = "forbidden"
	ErrRateLimited     ErrKind = "rate-limited"
	ErrInvalidRequest  ErrKind = "invalid-request"
	ErrBusy            ErrKind = "busy"
	ErrTimeout         ErrKind = "timeout"
	ErrInternal        ErrKind = "internal"
)

// ErrorPayload is carried on a `type: "error"` frame. No stack traces
// cross the boundary (spec §7).
type ErrorPayload struct {
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`
}

// NewErrorFrame builds an error frame for the given request-id (empty for
// connection-level errors not tied to one request).
func NewErrorFrame(requestID string, kind ErrKind, message string) Frame {
	payload, _ := json.Marshal(ErrorPayload{Kind: kind, Message: message})
	return Frame{Type: TypeError, RequestID: requestID, Payload: payload}
}
