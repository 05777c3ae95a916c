// Package models holds the durable-store-shaped records the core treats as
// opaque payloads through the Persistence Gateway (spec.md §3).
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BaseModel carries the fields every durable row shares.
type BaseModel struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// User is the account the core authorizes requests against. Signup,
// verification and password reset live outside the core (spec.md §1).
type User struct {
	BaseModel
	Username string `db:"username" json:"username"`
	Email    string `db:"email" json:"email"`
}

// Project is the durable counterpart of a ProjectToken.
type Project struct {
	BaseModel
	OwnerUserID uuid.UUID `db:"owner_user_id" json:"owner_user_id"`
	Name        string    `db:"name" json:"name"`
}

// Session is the durable counterpart of a SessionToken. No gateway verb
// writes or reads it; an ended session's preferences are not persisted.
type Session struct {
	BaseModel
	UserID      uuid.UUID   `db:"user_id" json:"user_id"`
	Preferences StringMap   `db:"preferences" json:"preferences"`
	EndedAt     *time.Time  `db:"ended_at" json:"ended_at"`
}

// QueryKind discriminates the MetaQuery table-inheritance variants (spec
// §9, "Polymorphic query records").
type QueryKind string

const (
	QueryKindCompletion QueryKind = "completion"
	QueryKindChat       QueryKind = "chat"
)

// MetaQuery is the tagged variant the gateway dispatches on. Completion
// and Chat each carry the fields specific to their variant; the common
// fields live on the embedded BaseModel plus Kind/RequestID/UserID.
type MetaQuery struct {
	BaseModel
	Kind      QueryKind `db:"kind" json:"kind"`
	RequestID uuid.UUID `db:"request_id" json:"request_id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`

	// Completion-only fields (zero value when Kind == chat).
	Prefix       string  `db:"prefix" json:"prefix,omitempty"`
	Suffix       string  `db:"suffix" json:"suffix,omitempty"`
	FileName     string  `db:"file_name" json:"file_name,omitempty"`
	SelectedText *string `db:"selected_text" json:"selected_text,omitempty"`

	// Chat-only fields (zero value when Kind == completion).
	ChatID  *uuid.UUID  `db:"chat_id" json:"chat_id,omitempty"`
	History StringArray `db:"history" json:"history,omitempty"`

	// Orphaned is set by the orchestrator when the request's
	// PendingRequest was sealed with no originating connection left to
	// deliver to (S3); TimedOut when at least one model had not replied by
	// the seal. The persist worker copies both from the persist task.
	Orphaned    bool `db:"orphaned" json:"orphaned"`
	TimedOut    bool `db:"timed_out" json:"timed_out"`
}

// Generation is one model's answer to one MetaQuery. Row identity is
// (request-id, model-id) per spec §4.7, enforced by the gateway's upsert.
type Generation struct {
	BaseModel
	RequestID       uuid.UUID `db:"request_id" json:"request_id"`
	ModelID         int32     `db:"model_id" json:"model_id"`
	Completion      string    `db:"completion" json:"completion"`
	Confidence      float64   `db:"confidence" json:"confidence"`
	LogProbs        Float64Array `db:"logprobs" json:"logprobs"`
	GenerationMS    int64     `db:"generation_time_ms" json:"generation_time_ms"`
	Errored         bool      `db:"errored" json:"errored"`
	ErrorMessage    string    `db:"error_message" json:"error_message,omitempty"`
}

// GroundTruth is an append-only record per completion query (spec §3).
type GroundTruth struct {
	BaseModel
	RequestID    uuid.UUID `db:"request_id" json:"request_id"`
	ModelID      int32     `db:"model_id" json:"model_id"`
	Accepted     bool      `db:"accepted" json:"accepted"`
	ShownAt      time.Time `db:"shown_at" json:"shown_at"`
	Text         *string   `db:"text" json:"text,omitempty"`
}

// ContextSnapshot is the durable flush of a ProjectToken's multi-file
// context map and change-log once the last parent session dies (spec
// §4.1, "Cascade rules").
type ContextSnapshot struct {
	BaseModel
	ProjectID   uuid.UUID `db:"project_id" json:"project_id"`
	ChangeIndex int64     `db:"change_index" json:"change_index"`
	FilePath    string    `db:"file_path" json:"file_path"`
	Content     string    `db:"content" json:"content"`
	Digest      string    `db:"digest" json:"digest"`
}

// ContextualTelemetry mirrors the envelope carried on a completion/chat
// request (spec §6).
type ContextualTelemetry struct {
	BaseModel
	RequestID               uuid.UUID `db:"request_id" json:"request_id"`
	VersionID                string    `db:"version_id" json:"version_id"`
	TriggerTypeID            string    `db:"trigger_type_id" json:"trigger_type_id"`
	LanguageID               string    `db:"language_id" json:"language_id"`
	FilePath                 *string   `db:"file_path" json:"file_path,omitempty"`
	CaretLine                *int32    `db:"caret_line" json:"caret_line,omitempty"`
	DocumentCharLength       *int32    `db:"document_char_length" json:"document_char_length,omitempty"`
	RelativeDocumentPosition *float64  `db:"relative_document_position" json:"relative_document_position,omitempty"`
}

// BehavioralTelemetry mirrors the other half of the telemetry envelope.
type BehavioralTelemetry struct {
	BaseModel
	RequestID          uuid.UUID `db:"request_id" json:"request_id"`
	TimeSinceLastShown    *int64  `db:"time_since_last_shown" json:"time_since_last_shown,omitempty"`
	TimeSinceLastAccepted *int64  `db:"time_since_last_accepted" json:"time_since_last_accepted,omitempty"`
	TypingSpeed           *float64 `db:"typing_speed" json:"typing_speed,omitempty"`
}

// Config is the durable, admin-editable configuration row (spec §2.1). No
// gateway verb loads it; the read-through cache holds user lookups only.
type Config struct {
	BaseModel
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}

// StringArray stores a Postgres text[]-shaped column as JSON, the same
// approach the teacher uses for Article.Tags / Profile.Interests.
type StringArray []string

func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return a.scanBytes(v)
	case string:
		return a.scanBytes([]byte(v))
	default:
		*a = StringArray{}
		return nil
	}
}

func (a *StringArray) scanBytes(src []byte) error {
	var arr []string
	if len(src) > 0 {
		if err := json.Unmarshal(src, &arr); err != nil {
			*a = StringArray{}
			return err
		}
	}
	*a = StringArray(arr)
	return nil
}

func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	return json.Marshal([]string(a))
}

// Float64Array stores a generation's logprobs.
type Float64Array []float64

func (a *Float64Array) Scan(value interface{}) error {
	if value == nil {
		*a = Float64Array{}
		return nil
	}
	var src []byte
	switch v := value.(type) {
	case []byte:
		src = v
	case string:
		src = []byte(v)
	default:
		*a = Float64Array{}
		return nil
	}
	var arr []float64
	if len(src) > 0 {
		if err := json.Unmarshal(src, &arr); err != nil {
			*a = Float64Array{}
			return err
		}
	}
	*a = Float64Array(arr)
	return nil
}

func (a Float64Array) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	return json.Marshal([]float64(a))
}

// StringMap stores a session's preference snapshot.
type StringMap map[string]string

func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	var src []byte
	switch v := value.(type) {
	case []byte:
		src = v
	case string:
		src = []byte(v)
	default:
		*m = StringMap{}
		return nil
	}
	out := StringMap{}
	if len(src) > 0 {
		if err := json.Unmarshal(src, &out); err != nil {
			*m = StringMap{}
			return err
		}
	}
	*m = out
	return nil
}

func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(map[string]string(m))
}
