// Code in the style of the teacher's goctl-scaffolded config.go files
// (see backend/services/gateway/internal/config/config.go), extended with
// the §6 "Configuration" options from spec.md.
package config

import (
	"time"

	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/rest"
)

// TokenTTLs groups the durations governing the token hierarchy (spec §3,
// §4.1) and the single-purpose verification/reset tokens.
type TokenTTLs struct {
	AuthTokenTTL         time.Duration `json:",default=24h"`
	SessionTokenTTL      time.Duration `json:",default=8h"`
	VerificationTokenTTL time.Duration `json:",default=15m"`
	ResetTokenTTL        time.Duration `json:",default=15m"`
	// ExpirationSafetyMargin is ε from spec §4.1: how far ahead of the
	// main record's TTL the paired hook key is set to expire.
	ExpirationSafetyMargin time.Duration `json:",default=2s"`
}

// Dispatch groups the request-orchestration timing knobs.
type Dispatch struct {
	RequestDeadline time.Duration `json:",default=10s"`
	PerModelTimeout time.Duration `json:",default=8s"`
}

// Inference groups the inference-queue backpressure knobs (spec §5).
type Inference struct {
	QueueHighWater int `json:",default=500"`
	QueueLowWater  int `json:",default=200"`
	// PerWorkerConcurrency bounds in-flight model invocations per worker,
	// across all the tasks that worker is processing (spec §4.5); each
	// worker loop of a pool has its own cap.
	PerWorkerConcurrency int  `json:",default=8"`
	PreloadModels        bool `json:",default=false"`
	DefaultModelIDs       []int32 `json:",optional"`
}

// Persistence groups the persistence-worker batching/retry knobs.
type Persistence struct {
	BatchSize               int           `json:",default=50"`
	MaxRetries              int           `json:",default=5"`
	RetryBaseDelay          time.Duration `json:",default=500ms"`
	StoreContextDurably     bool          `json:",default=true"`
	// QueueHardCap gates when the analytics sink starts sampling rather
	// than enqueuing every envelope (spec §5, "Backpressure").
	QueueHardCap int `json:",default=20000"`
}

// RateLimit maps one endpoint pattern to a per-IP per-hour cap.
type RateLimit struct {
	Pattern       string
	PerIPPerHour  int
}

// Postgres is the Persistence Gateway's Postgres DSN plus pool sizing,
// matching the teacher's `sqlx.Connect("postgres", c.DataSource)` call.
type Postgres struct {
	DataSource      string
	MaxOpenConns    int `json:",default=20"`
	MaxIdleConns    int `json:",default=5"`
}

// ContextIndex configures the supplemental Meilisearch relevance index
// (SPEC_FULL.md §C.1). Disabled by default so a deployment without a
// Meilisearch instance still works end to end.
type ContextIndex struct {
	Enabled   bool `json:",default=false"`
	Host      string `json:",optional"`
	MasterKey string `json:",optional"`
	TopK      int    `json:",default=5"`
}

// ServiceToken configures internal broker-envelope signing (SPEC_FULL.md
// §C.2, internal/svctoken).
type ServiceToken struct {
	Secret string
	TTL    time.Duration `json:",default=30s"`
}

// RedisStore is the single go-redis/v9 connection shared by tokencache,
// connregistry's reaper wiring, and the broker's queues/reply channels
// (every in-process Redis consumer dials through the same *redis.Client,
// see SPEC_FULL.md §D). Kept separate from cache.CacheConf below, which
// configures only the gateway's go-zero read-through cache and speaks a
// different node-list shape.
type RedisStore struct {
	Addr     string
	Password string        `json:",optional"`
	DB       int           `json:",default=0"`
	DialTimeout time.Duration `json:",default=5s"`
}

// GatewayConfig is loaded by the gateway (REST+WS) process.
type GatewayConfig struct {
	rest.RestConf
	RedisStore   RedisStore
	Redis        cache.CacheConf
	Postgres     Postgres
	ContextIndex ContextIndex
	ServiceToken ServiceToken
	TokenTTLs    TokenTTLs
	Dispatch     Dispatch
	Inference    Inference
	Persistence  Persistence
	RateLimits   []RateLimit `json:",optional"`
}

// WorkerConfig is loaded by the inferenceworker/persistworker processes.
// It shares the same storage/dispatch knobs but has no REST listener.
type WorkerConfig struct {
	RedisStore   RedisStore
	Redis        cache.CacheConf
	Postgres     Postgres
	ContextIndex ContextIndex
	ServiceToken ServiceToken
	TokenTTLs    TokenTTLs
	Dispatch     Dispatch
	Inference    Inference
	Persistence  Persistence
	// ModelEndpoint is the gRPC address of the external, opaque
	// inference-serving process (spec §1; internal/inferenceworker/callable).
	ModelEndpoint string `json:",optional"`
	// PoolSize is how many independent worker loops this process runs
	// (spec §4.5/§4.6, "Worker pools are sized independently"), grounded
	// on the teacher's rest of pack evalgo-org-eve/worker/pool.go's
	// per-queue worker-count knob.
	PoolSize int `json:",default=4"`
}
