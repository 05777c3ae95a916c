package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	closedSessions []string
	closedProjects []string
	flushed        map[string]map[string]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{flushed: map[string]map[string]string{}}
}

func (f *fakeSink) CloseConnectionsForSession(sessionToken string, reason CloseReason) {
	f.closedSessions = append(f.closedSessions, sessionToken)
}

func (f *fakeSink) CloseConnectionsForProject(projectToken string, reason CloseReason) {
	f.closedProjects = append(f.closedProjects, projectToken)
}

func (f *fakeSink) FlushProjectContext(projectID string, base map[string]string, log []ContextChange) error {
	f.flushed[projectID] = base
	return nil
}

func newTestCache(t *testing.T) (*Cache, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := New(client, Config{
		AuthTokenTTL:           time.Hour,
		SessionTokenTTL:        30 * time.Minute,
		VerificationTokenTTL:   5 * time.Minute,
		ResetTokenTTL:          5 * time.Minute,
		ExpirationSafetyMargin: time.Second,
		ChangeLogBound:         3,
	})
	require.NoError(t, err)
	return c, client, mr
}

func TestIssueAuthAndValidate(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	at, err := c.IssueAuth(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, at.Token)

	got, err := c.ValidateAuth(ctx, at.Token)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
}

func TestValidateAuthMissingReturnsNotFound(t *testing.T) {
	c, _, _ := newTestCache(t)
	_, err := c.ValidateAuth(context.Background(), "does-not-exist")
	require.Error(t, err)
	var nf *ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestIssueSessionInheritsAuthAndBoundedTTL(t *testing.T) {
	c, client, mr := newTestCache(t)
	ctx := context.Background()

	at, err := c.IssueAuth(ctx, "user-1")
	require.NoError(t, err)

	st, err := c.IssueSession(ctx, at.Token, map[string]string{"theme": "dark"})
	require.NoError(t, err)
	require.Equal(t, "user-1", st.UserID)
	require.Equal(t, at.Token, st.AuthToken)

	// Session TTL is capped by the session config TTL (30m), which is
	// shorter than the 1h auth TTL here.
	ttl := client.TTL(ctx, sessionKey(st.Token)).Val()
	require.True(t, ttl <= 30*time.Minute && ttl > 0)

	members, err := client.SMembers(ctx, authSessionsKey(at.Token)).Result()
	require.NoError(t, err)
	require.Contains(t, members, st.Token)

	_ = mr
}

func TestAttachProjectReusesForSameUser(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	at, _ := c.IssueAuth(ctx, "user-1")
	st1, _ := c.IssueSession(ctx, at.Token, nil)
	st2, _ := c.IssueSession(ctx, at.Token, nil)

	p1, err := c.AttachProject(ctx, st1.Token, "proj-abc")
	require.NoError(t, err)

	p2, err := c.AttachProject(ctx, st2.Token, "proj-abc")
	require.NoError(t, err)

	require.Equal(t, p1.Token, p2.Token, "second session of same user should reuse the live ProjectToken")
}

func TestDetachSessionDestroysProjectWhenLastParentLeaves(t *testing.T) {
	c, client, _ := newTestCache(t)
	ctx := context.Background()
	sink := newFakeSink()

	at, _ := c.IssueAuth(ctx, "user-1")
	st, _ := c.IssueSession(ctx, at.Token, nil)
	proj, err := c.AttachProject(ctx, st.Token, "proj-xyz")
	require.NoError(t, err)

	_, err = c.UpdateContext(ctx, proj.Token, "main.go", "package main")
	require.NoError(t, err)

	err = c.DetachSession(ctx, sink, st.Token)
	require.NoError(t, err)

	exists, err := client.Exists(ctx, projectKey(proj.Token)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists, "ProjectToken should be destroyed once its only parent session detaches")

	require.Contains(t, sink.closedSessions, st.Token)
	require.Contains(t, sink.closedProjects, proj.Token)
	require.Equal(t, "package main", sink.flushed["proj-xyz"]["main.go"], "flush should be keyed by the durable project id, not the opaque ProjectToken")
}

func TestDetachSessionKeepsProjectAliveForOtherParent(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	sink := newFakeSink()

	at, _ := c.IssueAuth(ctx, "user-1")
	st1, _ := c.IssueSession(ctx, at.Token, nil)
	st2, _ := c.IssueSession(ctx, at.Token, nil)

	proj1, err := c.AttachProject(ctx, st1.Token, "proj-shared")
	require.NoError(t, err)
	proj2, err := c.AttachProject(ctx, st2.Token, "proj-shared")
	require.NoError(t, err)
	require.Equal(t, proj1.Token, proj2.Token)

	require.NoError(t, c.DetachSession(ctx, sink, st1.Token))

	_, err = c.ValidateProject(ctx, proj1.Token)
	require.NoError(t, err, "project should survive while st2 is still attached")
	require.NotContains(t, sink.closedProjects, proj1.Token)
}

func TestUpdateContextMonotonicIndexAndCompaction(t *testing.T) {
	c, client, _ := newTestCache(t)
	ctx := context.Background()

	at, _ := c.IssueAuth(ctx, "user-1")
	st, _ := c.IssueSession(ctx, at.Token, nil)
	proj, _ := c.AttachProject(ctx, st.Token, "proj-log")

	var lastIdx int64
	for i := 0; i < 5; i++ {
		idx, err := c.UpdateContext(ctx, proj.Token, "f.go", "v")
		require.NoError(t, err)
		require.Greater(t, idx, lastIdx)
		lastIdx = idx
	}

	n, err := client.LLen(ctx, projectLogKey(proj.Token)).Result()
	require.NoError(t, err)
	require.LessOrEqual(t, n, int64(3), "change-log should be compacted to ChangeLogBound entries")

	snap, err := c.ContextSnapshot(ctx, proj.Token)
	require.NoError(t, err)
	require.Equal(t, "v", snap["f.go"])
}

func TestVerificationTokenOneShot(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	vt, err := c.IssueVerification(ctx, "user-1")
	require.NoError(t, err)

	userID, err := c.ConsumeVerification(ctx, vt.Token)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	_, err = c.ConsumeVerification(ctx, vt.Token)
	require.Error(t, err, "a replayed verification token must fail")
}

func TestResetTokenOneShot(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	rt, err := c.IssueReset(ctx, "user-2")
	require.NoError(t, err)

	userID, err := c.ConsumeReset(ctx, rt.Token)
	require.NoError(t, err)
	require.Equal(t, "user-2", userID)

	_, err = c.ConsumeReset(ctx, rt.Token)
	require.Error(t, err)
}

func TestReaperCascadesSessionHookExpiry(t *testing.T) {
	c, client, mr := newTestCache(t)
	ctx := context.Background()
	sink := newFakeSink()

	at, _ := c.IssueAuth(ctx, "user-1")
	st, _ := c.IssueSession(ctx, at.Token, nil)
	proj, err := c.AttachProject(ctx, st.Token, "proj-reap")
	require.NoError(t, err)

	reaper := NewReaper(client, c, sink, 0)

	mr.FastForward(0) // ensure miniredis clock primed
	// Directly drive the cascade as the hook key would once it expires;
	// miniredis supports TTL fast-forward but not keyspace-event pubsub,
	// so the notification plumbing itself is exercised by Run's
	// subscribe/parse logic in isolation (tested via handleExpired).
	reaper.handleExpired(ctx, sessionHookKey(st.Token))

	_, err = c.ValidateSession(ctx, st.Token)
	require.Error(t, err, "session should be gone after cascade")

	exists, err := client.Exists(ctx, projectKey(proj.Token)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), exists)
	require.Contains(t, sink.closedSessions, st.Token)
}

func TestHandleExpiredKeyParsing(t *testing.T) {
	r := &Reaper{}
	// Exercise the key-name parsing path does not panic on an unrelated key.
	r.handleExpired(context.Background(), "some:unrelated:key")
}
