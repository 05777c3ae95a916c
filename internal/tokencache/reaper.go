package tokencache

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

// Reaper subscribes to Redis keyspace notifications and runs the cascade
// rules of spec.md §4.1 against the paired hook key's expiry, ahead of
// the main record's own expiry by ExpirationSafetyMargin. It is the
// active half of the cache; Cache itself only ever performs synchronous,
// caller-driven mutations.
type Reaper struct {
	client *redis.Client
	cache  *Cache
	sink   CascadeSink
	db     int
}

// NewReaper wires a Reaper against db (the Redis logical database index
// keyspace notifications are published under, e.g. `__keyevent@0__`).
func NewReaper(client *redis.Client, cache *Cache, sink CascadeSink, db int) *Reaper {
	return &Reaper{client: client, cache: cache, sink: sink, db: db}
}

// Run blocks, processing expiry notifications until ctx is cancelled. The
// caller is expected to launch it with threading.GoSafe the way the
// teacher launches its background consumers (see services/inference
// worker loops), so a panic in one notification doesn't take the process
// down silently.
func (r *Reaper) Run(ctx context.Context) {
	pattern := "__keyevent@" + itoa(r.db) + "__:expired"
	pubsub := r.client.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			key := msg.Payload
			threading.GoSafe(func() {
				r.handleExpired(ctx, key)
			})
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// handleExpired dispatches on the expiring key's namespace. Only hook
// keys (and, as a fallback per spec §4.1 failure semantics, the main
// keys themselves) trigger cascades; every other expiry is ignored.
func (r *Reaper) handleExpired(ctx context.Context, key string) {
	switch {
	case strings.HasPrefix(key, "auth:") && strings.HasSuffix(key, ":hook"):
		tok := strings.TrimSuffix(strings.TrimPrefix(key, "auth:"), ":hook")
		r.cascadeAuth(ctx, tok)
		return
	case strings.HasPrefix(key, "session:") && strings.HasSuffix(key, ":hook"):
		tok := strings.TrimSuffix(strings.TrimPrefix(key, "session:"), ":hook")
		r.cascadeSession(ctx, tok)
		return
	}

	// Fallback per spec §4.1: "If cleanup fails, it is retried until the
	// main key itself expires; thereafter best-effort reconstruction from
	// the durable store is accepted." We also treat the main key's own
	// expiry as a cascade trigger so a missed/failed hook-key cascade
	// still gets a second chance while child data (sessions/projects
	// sets) might still be present.
	if strings.HasPrefix(key, "auth:") && !strings.HasSuffix(key, ":hook") && !strings.HasSuffix(key, ":sessions") {
		tok := strings.TrimPrefix(key, "auth:")
		r.cascadeAuth(ctx, tok)
	}
	if strings.HasPrefix(key, "session:") && !strings.HasSuffix(key, ":hook") && !strings.HasSuffix(key, ":projects") {
		tok := strings.TrimPrefix(key, "session:")
		r.cascadeSession(ctx, tok)
	}
}

// cascadeAuth fans an expiring AuthToken out to every child SessionToken
// (spec §4.1: "auth expiring ⇒ close connections, detach every child
// session (cascading further into project cleanup)").
func (r *Reaper) cascadeAuth(ctx context.Context, authToken string) {
	sessions, err := r.client.SMembers(ctx, authSessionsKey(authToken)).Result()
	if err != nil && err != redis.Nil {
		logx.Errorf("tokencache: reaper: cascade auth %s: %v", authToken, err)
		return
	}
	for _, sess := range sessions {
		r.cascadeSession(ctx, sess)
	}
	r.client.Del(ctx, authSessionsKey(authToken))
}

// cascadeSession runs DetachSession's cleanup for one expiring/expired
// SessionToken (spec §4.1: "session expiring ⇒ close its connections,
// detach from every project it is attached to").
func (r *Reaper) cascadeSession(ctx context.Context, sessionToken string) {
	exists, err := r.client.Exists(ctx, sessionKey(sessionToken)).Result()
	if err != nil {
		logx.Errorf("tokencache: reaper: cascade session %s: %v", sessionToken, err)
		return
	}
	if exists == 0 {
		// Main record already gone (normal case: hook fired first, we
		// already ran the cascade, or a previous fallback pass already
		// handled it). Nothing left to clean.
		return
	}
	if err := r.cache.DetachSession(ctx, r.sink, sessionToken); err != nil {
		logx.Errorf("tokencache: reaper: detach session %s: %v", sessionToken, err)
	}
}

// EnableKeyspaceNotifications best-effort configures the connected Redis
// instance to emit the "Ex" class of events (keyevent notifications for
// expired keys) that Run's `__keyevent@<db>__:expired` pattern subscribes to.
// Call once at startup; a managed Redis deployment may already have this
// set (and may reject CONFIG SET), so a failure here is logged, not
// fatal.
func EnableKeyspaceNotifications(ctx context.Context, client *redis.Client) {
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		logx.Errorf("tokencache: could not set notify-keyspace-events (may already be configured): %v", err)
	}
}
