// Package tokencache implements the four-level token hierarchy and its
// cascading expiration protocol (spec.md §3, §4.1) on top of Redis,
// grounded on the teacher's pkg/gourdiantoken-master/gourdiantoken.repository.redis.imp.go
// (TTL-keyed records, pipelined writes, SETNX-style claims) adapted from a
// revocation-only store into the primary record store for the hierarchy.
package tokencache

import "time"

// AuthToken is the root identity credential (spec §3).
type AuthToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionToken is a browser/plugin session bound to one AuthToken.
type SessionToken struct {
	Token       string            `json:"token"`
	AuthToken   string            `json:"auth_token"`
	UserID      string            `json:"user_id"`
	Preferences map[string]string `json:"preferences"`
	IssuedAt    time.Time         `json:"issued_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// ProjectToken is a project scope, possibly shared across several live
// sessions of the same user (spec §9, shared-ownership decision).
type ProjectToken struct {
	Token     string    `json:"token"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// ContextChange is one append-only change-log entry (spec §3, I6).
type ContextChange struct {
	Index     int64     `json:"index"`
	FilePath  string    `json:"file_path"`
	Content   string    `json:"content"`
	Digest    string    `json:"digest"`
	AppliedAt time.Time `json:"applied_at"`
}

// VerificationToken / ResetToken are single-purpose, short-TTL, one-shot
// tokens (spec §3). Both share the same shape; only their key namespace
// (`verification:` or `reset:`) distinguishes them.
type SingleUseToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CloseReason enumerates why a Connection was closed by a cascade, passed
// through to the CascadeSink (spec §4.1 "Cascade rules").
type CloseReason string

const (
	ReasonSessionExpired CloseReason = "session-expired"
	ReasonProjectEnded   CloseReason = "project-ended"
)

// CascadeSink is implemented by cmd/gatewayapi's cascadeSink so tokencache can
// drive connection closes and durable flushes without importing
// connregistry/gateway directly (those packages would otherwise import
// tokencache back, see SPEC_FULL.md §D).
type CascadeSink interface {
	CloseConnectionsForSession(sessionToken string, reason CloseReason)
	CloseConnectionsForProject(projectToken string, reason CloseReason)
	FlushProjectContext(projectID string, base map[string]string, log []ContextChange) error
}

// ErrNotFound is returned by Validate/lookup helpers when a token is
// absent or expired. A lost expiration notification degrades to this on
// the next Validate call (spec §4.1, "Failure semantics") rather than a
// distinct error.
type ErrNotFound struct{ Kind, Token string }

func (e *ErrNotFound) Error() string {
	return "tokencache: " + e.Kind + " token not found or expired"
}
