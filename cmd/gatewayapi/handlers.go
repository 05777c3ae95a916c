package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest/httpx"

	"github.com/suleymanmyradov/completion-server/internal/authsession"
	"github.com/suleymanmyradov/completion-server/internal/connregistry"
	"github.com/suleymanmyradov/completion-server/internal/orchestrator"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
	"github.com/suleymanmyradov/completion-server/internal/wire"
)

// server bundles the dependencies the gateway's HTTP/WS surface needs,
// the way the teacher's `svc.ServiceContext` bundles a handler package's
// dependencies, collapsed into one struct since this process has no
// goctl-generated logic/handler split to preserve.
type server struct {
	auth       *authsession.Manager
	cache      *tokencache.Cache
	registry   *connregistry.Registry
	orch       *orchestrator.Orchestrator
	upgrader   websocket.Upgrader
	cookieSecure bool
}

const (
	cookieAuthToken    = "auth_token"
	cookieSessionToken = "session_token"
	cookieProjectToken = "project_token"
)

func (s *server) setCookie(w http.ResponseWriter, name, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// acquireSessionResponse mirrors spec §4.3's `acquire_session`: an
// idempotent GET that, given a valid auth_token cookie, mints a new
// session-token on every call.
type acquireSessionResponse struct {
	SessionToken string `json:"session_token"`
}

// acquireSession implements `GET /v1/session` (spec §6, "Token
// acquisition uses idempotent GET").
func (s *server) acquireSession(w http.ResponseWriter, r *http.Request) {
	authCookie, err := r.Cookie(cookieAuthToken)
	if err != nil {
		httpx.ErrorCtx(r.Context(), w, &authsession.RejectError{Reason: authsession.RejectMissing})
		return
	}

	st, err := s.auth.AcquireSession(r.Context(), authCookie.Value, parsePreferences(r))
	if err != nil {
		httpx.ErrorCtx(r.Context(), w, err)
		return
	}

	s.setCookie(w, cookieSessionToken, st.Token, st.ExpiresAt)
	httpx.OkJsonCtx(r.Context(), w, acquireSessionResponse{SessionToken: st.Token})
}

func parsePreferences(r *http.Request) map[string]string {
	q := r.URL.Query()
	prefs := make(map[string]string)
	for k, v := range q {
		if len(v) > 0 {
			prefs[k] = v[0]
		}
	}
	if len(prefs) == 0 {
		return nil
	}
	return prefs
}

type activateProjectResponse struct {
	ProjectToken string `json:"project_token"`
}

// activateProject implements `GET /v1/session/project` (attach_project,
// spec §4.1/§4.3), idempotent for a repeated (session, project-id) pair.
func (s *server) activateProject(w http.ResponseWriter, r *http.Request) {
	sessionCookie, err := r.Cookie(cookieSessionToken)
	if err != nil {
		httpx.ErrorCtx(r.Context(), w, &authsession.RejectError{Reason: authsession.RejectMissing})
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		httpx.ErrorCtx(r.Context(), w, errors.New("project_id is required"))
		return
	}

	pt, err := s.auth.ActivateProject(r.Context(), sessionCookie.Value, projectID)
	if err != nil {
		httpx.ErrorCtx(r.Context(), w, err)
		return
	}

	s.setCookie(w, cookieProjectToken, pt.Token, time.Now().Add(30*24*time.Hour))
	httpx.OkJsonCtx(r.Context(), w, activateProjectResponse{ProjectToken: pt.Token})
}

// deactivateSession implements `PUT /v1/session` (spec §6, "deactivation
// uses PUT"): explicit logout, driving the same cascade the reaper would
// drive on natural expiry.
func (s *server) deactivateSession(w http.ResponseWriter, r *http.Request) {
	sessionCookie, err := r.Cookie(cookieSessionToken)
	if err != nil {
		httpx.ErrorCtx(r.Context(), w, &authsession.RejectError{Reason: authsession.RejectMissing})
		return
	}
	if err := s.auth.DeactivateSession(r.Context(), sessionCookie.Value); err != nil {
		httpx.ErrorCtx(r.Context(), w, err)
		return
	}
	s.setCookie(w, cookieSessionToken, "", time.Unix(0, 0))
	s.setCookie(w, cookieProjectToken, "", time.Unix(0, 0))
	httpx.OkJsonCtx(r.Context(), w, struct{}{})
}

// serveWS implements spec §4.2/§4.3's connection-establishment sequence:
// authenticate_session from the request's cookies, validate the
// project-token scope named by the project_token cookie belongs to that
// same user, upgrade, register with the Connection Registry, and start
// the orchestrator's reply-channel listener before entering the read
// loop (spec §4.4, "control flow").
func (s *server) serveWS(w http.ResponseWriter, r *http.Request) {
	authCookie, err := r.Cookie(cookieAuthToken)
	if err != nil {
		http.Error(w, "missing auth_token", http.StatusUnauthorized)
		return
	}
	sessionCookie, err := r.Cookie(cookieSessionToken)
	if err != nil {
		http.Error(w, "missing session_token", http.StatusUnauthorized)
		return
	}
	projectCookie, err := r.Cookie(cookieProjectToken)
	if err != nil {
		http.Error(w, "missing project_token", http.StatusUnauthorized)
		return
	}

	authz, err := s.auth.AuthenticateSession(r.Context(), sessionCookie.Value, authCookie.Value)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	proj, err := s.cache.ValidateProject(r.Context(), projectCookie.Value)
	if err != nil || proj.UserID != authz.UserID {
		http.Error(w, "project scope is not live for this session", http.StatusForbidden)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Errorf("gatewayapi: websocket upgrade failed: %v", err)
		return
	}

	connID := newConnectionID()
	conn := s.registry.Register(connID, wsConn, sessionCookie.Value, projectCookie.Value)

	connCtx := r.Context()
	s.orch.OwnConnection(connCtx, connID)

	s.readLoop(connCtx, wsConn, conn)
}

// readLoop drains inbound frames off the raw socket used to register
// conn, until the client disconnects or the socket errors, handing each
// decoded frame to the orchestrator (spec §4.4 step 1). Grounded on
// evalgo-org-eve/coordinator/coordinator.go's readLoop, adapted from a
// single outbound client connection reading control messages into many
// inbound server connections reading client request frames. Reads go
// directly against the socket rather than through the Connection
// Registry, which owns only the outbound direction (spec §4.2).
func (s *server) readLoop(ctx context.Context, wsConn *websocket.Conn, conn *connregistry.Connection) {
	defer s.registry.Unregister(conn.ID, connregistry.DropUnregistered)

	for {
		var frame wire.Frame
		if err := wsConn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logx.Errorf("gatewayapi: connection %s read error: %v", conn.ID, err)
			}
			return
		}
		s.orch.HandleFrame(ctx, conn, frame)
	}
}

func newConnectionID() string {
	return uuid.New().String()
}
