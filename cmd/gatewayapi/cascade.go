package main

import (
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/completion-server/internal/connregistry"
	"github.com/suleymanmyradov/completion-server/internal/contextindex"
	"github.com/suleymanmyradov/completion-server/internal/gateway"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
)

// cascadeSink is the composite tokencache.CascadeSink anticipated by
// connregistry's own doc comment: the reaper needs both connection
// teardown (connregistry) and a durable flush (gateway), and neither of
// those packages is allowed to import the other or tokencache's
// concrete reaper wiring (SPEC_FULL.md §D keeps the dependency graph a
// DAG rooted at cmd/gatewayapi).
type cascadeSink struct {
	registry *connregistry.Registry
	gw       *gateway.Gateway
	// idx is nil when the context-index feature is disabled.
	idx *contextindex.Index
}

func (s cascadeSink) CloseConnectionsForSession(token string, reason tokencache.CloseReason) {
	s.registry.CloseConnectionsForSession(token, reason)
}

func (s cascadeSink) CloseConnectionsForProject(token string, reason tokencache.CloseReason) {
	s.registry.CloseConnectionsForProject(token, reason)
}

func (s cascadeSink) FlushProjectContext(projectID string, base map[string]string, log []tokencache.ContextChange) error {
	if s.idx != nil {
		// Best-effort: the supplemental relevance index should never
		// outlive the project it serves, but its absence is not fatal
		// to the durable flush the spec actually requires.
		if err := s.idx.DropProjectIndex(projectID); err != nil {
			logx.Errorf("cascade: drop context index for project %s: %v", projectID, err)
		}
	}
	return s.gw.FlushProjectContext(projectID, base, log)
}
