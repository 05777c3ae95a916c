package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
)

// Config mirrors internal/config.TokenTTLs; kept as its own small struct
// here so this package has no import-time dependency on internal/config.
type Config struct {
	AuthTokenTTL           time.Duration
	SessionTokenTTL        time.Duration
	VerificationTokenTTL   time.Duration
	ResetTokenTTL          time.Duration
	ExpirationSafetyMargin time.Duration
	// ChangeLogBound is N from spec §4.1: the change-log is bounded at N
	// entries; older entries are compacted into the base context map.
	ChangeLogBound int
}

func (c Config) withDefaults() Config {
	if c.AuthTokenTTL == 0 {
		c.AuthTokenTTL = 24 * time.Hour
	}
	if c.SessionTokenTTL == 0 {
		c.SessionTokenTTL = 8 * time.Hour
	}
	if c.VerificationTokenTTL == 0 {
		c.VerificationTokenTTL = 15 * time.Minute
	}
	if c.ResetTokenTTL == 0 {
		c.ResetTokenTTL = 15 * time.Minute
	}
	if c.ExpirationSafetyMargin <= 0 {
		c.ExpirationSafetyMargin = 2 * time.Second
	}
	if c.ChangeLogBound <= 0 {
		c.ChangeLogBound = 200
	}
	return c
}

// Cache is the Session Cache of spec.md §4.1. It wraps a *redis.Client the
// same way the teacher's RedisTokenRepository wraps one, but stores the
// primary token-hierarchy records instead of only revocation markers.
type Cache struct {
	client *redis.Client
	cfg    Config
}

// New mirrors gourdiantoken.NewRedisTokenRepository's connectivity check.
func New(client *redis.Client, cfg Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("tokencache: redis client cannot be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("tokencache: redis connection failed: %w", err)
	}
	return &Cache{client: client, cfg: cfg.withDefaults()}, nil
}

func newToken() string {
	return uuid.New().String()
}

// key namespace helpers.
func authKey(tok string) string          { return "auth:" + tok }
func authHookKey(tok string) string      { return "auth:" + tok + ":hook" }
func authSessionsKey(tok string) string  { return "auth:" + tok + ":sessions" }
func sessionKey(tok string) string       { return "session:" + tok }
func sessionHookKey(tok string) string   { return "session:" + tok + ":hook" }
func sessionProjectsKey(tok string) string { return "session:" + tok + ":projects" }
func projectKey(tok string) string       { return "project:" + tok }
func projectSessionsKey(tok string) string { return "project:" + tok + ":sessions" }
func projectContextKey(tok string) string  { return "project:" + tok + ":context" }
func projectLogKey(tok string) string      { return "project:" + tok + ":changelog" }
func projectIndexCounterKey(tok string) string { return "project:" + tok + ":changeindex" }
func projectReuseKey(userID, projectID string) string {
	return "projectindex:" + userID + ":" + projectID
}
func verificationKey(tok string) string { return "verification:" + tok }
func resetKey(tok string) string        { return "reset:" + tok }

func clampMargin(ttl, margin time.Duration) time.Duration {
	if margin >= ttl {
		if ttl > 100*time.Millisecond {
			return ttl - 100*time.Millisecond
		}
		return ttl / 2
	}
	return ttl - margin
}

// IssueAuth allocates a random identifier and stores {user-id, issued-at}
// with absolute TTL T_auth (spec §4.1).
func (c *Cache) IssueAuth(ctx context.Context, userID string) (AuthToken, error) {
	tok := newToken()
	now := time.Now()
	at := AuthToken{Token: tok, UserID: userID, IssuedAt: now, ExpiresAt: now.Add(c.cfg.AuthTokenTTL)}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, authKey(tok), map[string]interface{}{
		"user_id":    userID,
		"issued_at":  now.Format(time.RFC3339Nano),
		"expires_at": at.ExpiresAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, authKey(tok), c.cfg.AuthTokenTTL)
	pipe.Set(ctx, authHookKey(tok), "1", clampMargin(c.cfg.AuthTokenTTL, c.cfg.ExpirationSafetyMargin))
	if _, err := pipe.Exec(ctx); err != nil {
		return AuthToken{}, fmt.Errorf("tokencache: issue_auth: %w", err)
	}
	return at, nil
}

// IssueSession stores a record whose parent is authToken and whose child
// set is empty. TTL = min(remaining auth TTL, T_session) (spec §4.1).
func (c *Cache) IssueSession(ctx context.Context, authToken string, preferences map[string]string) (SessionToken, error) {
	at, err := c.ValidateAuth(ctx, authToken)
	if err != nil {
		return SessionToken{}, err
	}

	remaining := time.Until(at.ExpiresAt)
	ttl := c.cfg.SessionTokenTTL
	if remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return SessionToken{}, &ErrNotFound{Kind: "auth", Token: authToken}
	}

	tok := newToken()
	now := time.Now()
	prefsJSON, _ := json.Marshal(preferences)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(tok), map[string]interface{}{
		"auth_token":  authToken,
		"user_id":     at.UserID,
		"preferences": string(prefsJSON),
		"issued_at":   now.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, sessionKey(tok), ttl)
	pipe.Set(ctx, sessionHookKey(tok), "1", clampMargin(ttl, c.cfg.ExpirationSafetyMargin))
	pipe.SAdd(ctx, authSessionsKey(authToken), tok)
	pipe.Expire(ctx, authSessionsKey(authToken), remaining)
	if _, err := pipe.Exec(ctx); err != nil {
		return SessionToken{}, fmt.Errorf("tokencache: issue_session: %w", err)
	}

	return SessionToken{
		Token: tok, AuthToken: authToken, UserID: at.UserID,
		Preferences: preferences, IssuedAt: now, ExpiresAt: now.Add(ttl),
	}, nil
}

// AttachProject reuses an existing ProjectToken for (project-id) under any
// live session of the same user, or creates a new one (spec §4.1). The
// parent-session membership set is mutated under an optimistic
// compare-and-set, matching spec §5's "Shared resources" note.
func (c *Cache) AttachProject(ctx context.Context, sessionToken, projectID string) (ProjectToken, error) {
	st, err := c.ValidateSession(ctx, sessionToken)
	if err != nil {
		return ProjectToken{}, err
	}

	reuseKey := projectReuseKey(st.UserID, projectID)
	var projTok string
	var created bool

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txErr := c.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, err := tx.Get(ctx, reuseKey).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil && existing != "" {
				// Confirm it is still a live project record, not a stale
				// index entry left behind by a destroyed ProjectToken.
				exists, err := tx.Exists(ctx, projectKey(existing)).Result()
				if err != nil {
					return err
				}
				if exists == 1 {
					projTok = existing
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.SAdd(ctx, projectSessionsKey(existing), sessionToken)
						pipe.SAdd(ctx, sessionProjectsKey(sessionToken), existing)
						return nil
					})
					return err
				}
			}

			// Nothing live to reuse: create a new ProjectToken.
			created = true
			projTok = newToken()
			now := time.Now()
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, projectKey(projTok), map[string]interface{}{
					"project_id": projectID,
					"user_id":    st.UserID,
					"issued_at":  now.Format(time.RFC3339Nano),
				})
				pipe.SAdd(ctx, projectSessionsKey(projTok), sessionToken)
				pipe.SAdd(ctx, sessionProjectsKey(sessionToken), projTok)
				pipe.Set(ctx, reuseKey, projTok, 0)
				return nil
			})
			return err
		}, reuseKey)

		if txErr == nil {
			break
		}
		if txErr == redis.TxFailedErr {
			continue // optimistic lock conflict: retry
		}
		return ProjectToken{}, fmt.Errorf("tokencache: attach_project: %w", txErr)
	}
	if projTok == "" {
		return ProjectToken{}, fmt.Errorf("tokencache: attach_project: exhausted retries")
	}

	_ = created
	return ProjectToken{Token: projTok, ProjectID: projectID, UserID: st.UserID, IssuedAt: time.Now()}, nil
}

// DetachSession removes sessionToken from every child ProjectToken's
// parent set, destroys any ProjectToken whose parent set becomes empty,
// and removes the SessionToken itself (spec §4.1).
func (c *Cache) DetachSession(ctx context.Context, sink CascadeSink, sessionToken string) error {
	projects, err := c.client.SMembers(ctx, sessionProjectsKey(sessionToken)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("tokencache: detach_session: %w", err)
	}

	for _, proj := range projects {
		if err := c.detachSessionFromProject(ctx, sink, sessionToken, proj); err != nil {
			logx.Errorf("tokencache: detach_session: project %s cleanup failed: %v", proj, err)
		}
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionToken))
	pipe.Del(ctx, sessionProjectsKey(sessionToken))
	pipe.Del(ctx, sessionHookKey(sessionToken))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tokencache: detach_session: %w", err)
	}

	if sink != nil {
		sink.CloseConnectionsForSession(sessionToken, ReasonSessionExpired)
	}
	return nil
}

// ProjectsForSession lists the ProjectTokens currently attached to
// sessionToken, used by authsession.AuthenticateSession to populate
// Authz.LiveProjectTokens (spec §4.3).
func (c *Cache) ProjectsForSession(ctx context.Context, sessionToken string) ([]string, error) {
	projects, err := c.client.SMembers(ctx, sessionProjectsKey(sessionToken)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("tokencache: projects_for_session: %w", err)
	}
	return projects, nil
}

// detachSessionFromProject removes sessionToken from one ProjectToken's
// parent set; if that empties the set, the project is destroyed (I2) and
// flushed to durable storage before removal (spec §4.1 cascade rules).
func (c *Cache) detachSessionFromProject(ctx context.Context, sink CascadeSink, sessionToken, projTok string) error {
	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		remaining, err := tx.SMembers(ctx, projectSessionsKey(projTok)).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		stillParent := false
		for _, s := range remaining {
			if s != sessionToken {
				stillParent = true
				break
			}
		}

		if stillParent {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SRem(ctx, projectSessionsKey(projTok), sessionToken)
				return nil
			})
			return err
		}

		// Last parent leaving: flush context to durable storage, then
		// destroy the ProjectToken (spec §4.1 cascade rules).
		fields, err := tx.HGetAll(ctx, projectKey(projTok)).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		base, log, err := c.snapshotContextLocked(ctx, projTok)
		if err != nil {
			return err
		}
		if sink != nil {
			if err := sink.FlushProjectContext(fields["project_id"], base, log); err != nil {
				return fmt.Errorf("flush failed, will retry: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, projectKey(projTok))
			pipe.Del(ctx, projectSessionsKey(projTok))
			pipe.Del(ctx, projectContextKey(projTok))
			pipe.Del(ctx, projectLogKey(projTok))
			pipe.Del(ctx, projectIndexCounterKey(projTok))
			if userID, projectID := fields["user_id"], fields["project_id"]; userID != "" && projectID != "" {
				pipe.Del(ctx, projectReuseKey(userID, projectID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if sink != nil {
			sink.CloseConnectionsForProject(projTok, ReasonProjectEnded)
		}
		return nil
	}, projectSessionsKey(projTok))
}

func (c *Cache) snapshotContextLocked(ctx context.Context, projTok string) (map[string]string, []ContextChange, error) {
	base, err := c.client.HGetAll(ctx, projectContextKey(projTok)).Result()
	if err != nil && err != redis.Nil {
		return nil, nil, err
	}
	raw, err := c.client.LRange(ctx, projectLogKey(projTok), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, nil, err
	}
	log := make([]ContextChange, 0, len(raw))
	for _, item := range raw {
		var change ContextChange
		if err := json.Unmarshal([]byte(item), &change); err == nil {
			log = append(log, change)
		}
	}
	return base, log, nil
}

// ValidateAuth performs the constant-time, TTL-refresh-forbidden lookup
// of §4.1's `validate` operation for an AuthToken. It is an O(1) hash
// lookup keyed on the full random token value, so its latency does not
// depend on which bytes of an invalid token a caller supplies.
func (c *Cache) ValidateAuth(ctx context.Context, token string) (AuthToken, error) {
	fields, err := c.client.HGetAll(ctx, authKey(token)).Result()
	if err != nil {
		return AuthToken{}, fmt.Errorf("tokencache: validate auth: %w", err)
	}
	if len(fields) == 0 {
		return AuthToken{}, &ErrNotFound{Kind: "auth", Token: token}
	}
	issuedAt, _ := time.Parse(time.RFC3339Nano, fields["issued_at"])
	expiresAt, _ := time.Parse(time.RFC3339Nano, fields["expires_at"])
	return AuthToken{Token: token, UserID: fields["user_id"], IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// ValidateSession is §4.1's `validate` for a SessionToken.
func (c *Cache) ValidateSession(ctx context.Context, token string) (SessionToken, error) {
	fields, err := c.client.HGetAll(ctx, sessionKey(token)).Result()
	if err != nil {
		return SessionToken{}, fmt.Errorf("tokencache: validate session: %w", err)
	}
	if len(fields) == 0 {
		return SessionToken{}, &ErrNotFound{Kind: "session", Token: token}
	}
	var prefs map[string]string
	_ = json.Unmarshal([]byte(fields["preferences"]), &prefs)
	issuedAt, _ := time.Parse(time.RFC3339Nano, fields["issued_at"])
	return SessionToken{
		Token: token, AuthToken: fields["auth_token"], UserID: fields["user_id"],
		Preferences: prefs, IssuedAt: issuedAt,
	}, nil
}

// ValidateProject is §4.1's `validate` for a ProjectToken.
func (c *Cache) ValidateProject(ctx context.Context, token string) (ProjectToken, error) {
	fields, err := c.client.HGetAll(ctx, projectKey(token)).Result()
	if err != nil {
		return ProjectToken{}, fmt.Errorf("tokencache: validate project: %w", err)
	}
	if len(fields) == 0 {
		return ProjectToken{}, &ErrNotFound{Kind: "project", Token: token}
	}
	issuedAt, _ := time.Parse(time.RFC3339Nano, fields["issued_at"])
	return ProjectToken{Token: token, ProjectID: fields["project_id"], UserID: fields["user_id"], IssuedAt: issuedAt}, nil
}

// UpdateContext appends to the change-log, overwrites the addressed file
// in the context map, and returns a monotonic per-project index (spec
// §4.1, I6). The log is bounded at ChangeLogBound entries; older entries
// are compacted into the base map rather than discarded.
func (c *Cache) UpdateContext(ctx context.Context, projectToken, filePath, content string) (int64, error) {
	if _, err := c.ValidateProject(ctx, projectToken); err != nil {
		return 0, err
	}

	idx, err := c.client.Incr(ctx, projectIndexCounterKey(projectToken)).Result()
	if err != nil {
		return 0, fmt.Errorf("tokencache: update_context: %w", err)
	}

	digest := sha256.Sum256([]byte(content))
	change := ContextChange{
		Index: idx, FilePath: filePath, Content: content,
		Digest: hex.EncodeToString(digest[:]), AppliedAt: time.Now(),
	}
	encoded, _ := json.Marshal(change)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, projectContextKey(projectToken), filePath, content)
	pipe.RPush(ctx, projectLogKey(projectToken), encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("tokencache: update_context: %w", err)
	}

	if err := c.compactIfOverBound(ctx, projectToken); err != nil {
		logx.Errorf("tokencache: update_context: compaction failed for %s: %v", projectToken, err)
	}

	return idx, nil
}

// compactIfOverBound folds the oldest change-log entries into the base
// context map once the log exceeds ChangeLogBound (spec §4.1). Since
// those files are already reflected in the base map by virtue of every
// UpdateContext call writing through to it, compaction here is just
// trimming the log; the base map never lags behind.
func (c *Cache) compactIfOverBound(ctx context.Context, projectToken string) error {
	n, err := c.client.LLen(ctx, projectLogKey(projectToken)).Result()
	if err != nil {
		return err
	}
	if n <= int64(c.cfg.ChangeLogBound) {
		return nil
	}
	overflow := n - int64(c.cfg.ChangeLogBound)
	return c.client.LTrim(ctx, projectLogKey(projectToken), overflow, -1).Err()
}

// ContextSnapshot returns the project's current base context map, which
// reflects every change applied so far. It takes no change-indices: a
// request's change_indices are not consulted, and no earlier state of the
// map is returned.
func (c *Cache) ContextSnapshot(ctx context.Context, projectToken string) (map[string]string, error) {
	m, err := c.client.HGetAll(ctx, projectContextKey(projectToken)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("tokencache: context_snapshot: %w", err)
	}
	return m, nil
}

// IssueVerification / IssueReset mint single-purpose, short TTL,
// one-shot tokens (spec §3).
func (c *Cache) IssueVerification(ctx context.Context, userID string) (SingleUseToken, error) {
	return c.issueSingleUse(ctx, verificationKey, userID, c.cfg.VerificationTokenTTL)
}

func (c *Cache) IssueReset(ctx context.Context, userID string) (SingleUseToken, error) {
	return c.issueSingleUse(ctx, resetKey, userID, c.cfg.ResetTokenTTL)
}

func (c *Cache) issueSingleUse(ctx context.Context, keyFn func(string) string, userID string, ttl time.Duration) (SingleUseToken, error) {
	tok := newToken()
	now := time.Now()
	if err := c.client.Set(ctx, keyFn(tok), userID, ttl).Err(); err != nil {
		return SingleUseToken{}, fmt.Errorf("tokencache: issue single-use token: %w", err)
	}
	return SingleUseToken{Token: tok, UserID: userID, IssuedAt: now, ExpiresAt: now.Add(ttl)}, nil
}

// ConsumeVerification / ConsumeReset atomically read-and-delete a
// single-use token, so a replayed attempt is a no-op (spec §3, S6-style
// replay guarantee extended to these tokens).
func (c *Cache) ConsumeVerification(ctx context.Context, token string) (string, error) {
	return c.consumeSingleUse(ctx, verificationKey(token), "verification", token)
}

func (c *Cache) ConsumeReset(ctx context.Context, token string) (string, error) {
	return c.consumeSingleUse(ctx, resetKey(token), "reset", token)
}

func (c *Cache) consumeSingleUse(ctx context.Context, key, kind, token string) (string, error) {
	userID, err := c.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", &ErrNotFound{Kind: kind, Token: token}
	}
	if err != nil {
		return "", fmt.Errorf("tokencache: consume %s token: %w", kind, err)
	}
	return userID, nil
}
