// Package authsession is the Auth/Session Manager of spec.md §4.3: the
// higher-level verbs the request path uses, built directly on top of
// internal/tokencache the way the teacher's auth rpc `Logic` structs
// (services/microservices/auth/rpc/internal/logic/*.go) wrap a
// lower-level repository with request-shaped verbs.
package authsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/suleymanmyradov/completion-server/internal/tokencache"
)

// RejectReason distinguishes why authenticate_session failed (spec §4.3:
// "Rejects with a distinguished reason for each failure: missing /
// unknown / expired / mismatched-parent").
type RejectReason string

const (
	RejectMissing          RejectReason = "missing"
	RejectUnknown          RejectReason = "unknown"
	RejectExpired          RejectReason = "expired"
	RejectMismatchedParent RejectReason = "mismatched-parent"
)

// RejectError carries the distinguished reason back to the caller (the
// gateway's connection-upgrade handler).
type RejectError struct{ Reason RejectReason }

func (e *RejectError) Error() string {
	return fmt.Sprintf("authsession: rejected (%s)", e.Reason)
}

// Authz is what a successful authenticate_session call returns (spec
// §4.3).
type Authz struct {
	UserID            string
	SessionToken       string
	LiveProjectTokens []string
	Preferences       map[string]string
}

// Manager wraps a *tokencache.Cache with the Auth/Session Manager's verbs.
type Manager struct {
	cache *tokencache.Cache
	sink  tokencache.CascadeSink
}

func New(cache *tokencache.Cache, sink tokencache.CascadeSink) *Manager {
	return &Manager{cache: cache, sink: sink}
}

// AuthenticateSession implements spec §4.3's `authenticate_session`. It
// takes already-extracted session and auth tokens (the caller is
// responsible for reading them out of whatever cookie/header transport
// carries them) rather than raw cookies, keeping this package
// transport-agnostic.
func (m *Manager) AuthenticateSession(ctx context.Context, sessionToken, authToken string) (Authz, error) {
	if sessionToken == "" {
		return Authz{}, &RejectError{Reason: RejectMissing}
	}

	st, err := m.cache.ValidateSession(ctx, sessionToken)
	if err != nil {
		var nf *tokencache.ErrNotFound
		if errors.As(err, &nf) {
			return Authz{}, &RejectError{Reason: RejectUnknown}
		}
		return Authz{}, fmt.Errorf("authsession: validate session: %w", err)
	}

	if authToken != st.AuthToken {
		// The claimed parent doesn't match the session's actual parent
		// (spec §4.3's fourth rejection reason).
		return Authz{}, &RejectError{Reason: RejectMismatchedParent}
	}

	if _, err := m.cache.ValidateAuth(ctx, st.AuthToken); err != nil {
		var nf *tokencache.ErrNotFound
		if errors.As(err, &nf) {
			// The parent AuthToken is gone but the SessionToken record
			// briefly lingers (lost-notification window): spec §4.1
			// treats this the same as the session itself being expired.
			return Authz{}, &RejectError{Reason: RejectExpired}
		}
		return Authz{}, fmt.Errorf("authsession: validate auth: %w", err)
	}

	projects, err := m.cache.ProjectsForSession(ctx, sessionToken)
	if err != nil {
		return Authz{}, err
	}

	return Authz{
		UserID:            st.UserID,
		SessionToken:       sessionToken,
		LiveProjectTokens: projects,
		Preferences:       st.Preferences,
	}, nil
}

// AcquireSession implements spec §4.3's `acquire_session`: given the auth
// cookie's AuthToken, mints a new SessionToken. Rejects with
// RejectMissing for an empty authToken and RejectUnknown if it does not
// resolve (IssueSession does the validation).
func (m *Manager) AcquireSession(ctx context.Context, authToken string, preferences map[string]string) (tokencache.SessionToken, error) {
	if authToken == "" {
		return tokencache.SessionToken{}, &RejectError{Reason: RejectMissing}
	}
	st, err := m.cache.IssueSession(ctx, authToken, preferences)
	if err != nil {
		var nf *tokencache.ErrNotFound
		if errors.As(err, &nf) {
			return tokencache.SessionToken{}, &RejectError{Reason: RejectUnknown}
		}
		return tokencache.SessionToken{}, err
	}
	return st, nil
}

// ActivateProject wraps attach_project; idempotent for repeated calls
// with the same (session-token, project-id) pair (spec §4.3).
func (m *Manager) ActivateProject(ctx context.Context, sessionToken, projectID string) (tokencache.ProjectToken, error) {
	return m.cache.AttachProject(ctx, sessionToken, projectID)
}

// DeactivateSession is explicit logout; drives the same cascade the
// expiration reaper drives (spec §4.3, §4.1).
func (m *Manager) DeactivateSession(ctx context.Context, sessionToken string) error {
	return m.cache.DetachSession(ctx, m.sink, sessionToken)
}

// IssueLogin starts a brand-new AuthToken for userID (the login-success
// path upstream of this package per spec §1: login/OAuth happens in an
// external collaborator HTTP surface, which then calls this to mint the
// core's root credential).
func (m *Manager) IssueLogin(ctx context.Context, userID string) (tokencache.AuthToken, error) {
	return m.cache.IssueAuth(ctx, userID)
}
