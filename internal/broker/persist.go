package broker

import "time"

// PersistQueryPayload is the self-describing record a persist task
// carries for a sealed completion/chat PendingRequest (spec §4.4 step 6,
// §4.6). Ordering within a task is fixed by the persist worker: query,
// then generations, then telemetry, then ground-truth.
type PersistQueryPayload struct {
	RequestID    string               `json:"request_id"`
	Kind         string               `json:"kind"` // "completion" | "chat"
	UserID       string               `json:"user_id"`
	ProjectID    string               `json:"project_id"`
	Prefix       string               `json:"prefix,omitempty"`
	Suffix       string               `json:"suffix,omitempty"`
	FileName     string               `json:"file_name,omitempty"`
	SelectedText *string              `json:"selected_text,omitempty"`
	ChatID       *string              `json:"chat_id,omitempty"`
	History      []string             `json:"history,omitempty"`
	Generations  []GenerationRecord   `json:"generations"`
	Contextual   ContextualTelemetryRecord `json:"contextual_telemetry"`
	Behavioral   BehavioralTelemetryRecord `json:"behavioral_telemetry"`
	Orphaned     bool                 `json:"orphaned"`
	TimedOut     bool                 `json:"timed_out"`
}

// GenerationRecord is one model's result inside a PersistQueryPayload.
type GenerationRecord struct {
	ModelID      int32     `json:"model_id"`
	Completion   string    `json:"completion"`
	Confidence   float64   `json:"confidence"`
	LogProbs     []float64 `json:"logprobs"`
	GenerationMS int64     `json:"generation_time_ms"`
	Errored      bool      `json:"errored"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ContextualTelemetryRecord mirrors wire.ContextualTelemetry for the
// persist-task payload, keeping this package independent of internal/wire.
type ContextualTelemetryRecord struct {
	VersionID                string   `json:"version_id"`
	TriggerTypeID             string   `json:"trigger_type_id"`
	LanguageID                string   `json:"language_id"`
	FilePath                  *string  `json:"file_path,omitempty"`
	CaretLine                 *int32   `json:"caret_line,omitempty"`
	DocumentCharLength        *int32   `json:"document_char_length,omitempty"`
	RelativeDocumentPosition  *float64 `json:"relative_document_position,omitempty"`
}

// BehavioralTelemetryRecord mirrors wire.BehavioralTelemetry.
type BehavioralTelemetryRecord struct {
	TimeSinceLastShown    *int64   `json:"time_since_last_shown,omitempty"`
	TimeSinceLastAccepted *int64   `json:"time_since_last_accepted,omitempty"`
	TypingSpeed           *float64 `json:"typing_speed,omitempty"`
}

// FeedbackUpdatePayload carries a completion.feedback frame's content
// into the persist queue (spec §4.4, "Feedback path").
type FeedbackUpdatePayload struct {
	RequestID   string    `json:"request_id"`
	ModelID     int32     `json:"model_id"`
	Accepted    bool      `json:"accepted"`
	ShownAt     time.Time `json:"shown_at"`
	GroundTruth *string   `json:"ground_truth,omitempty"`
}
