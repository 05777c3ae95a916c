// Package gateway is the Persistence Gateway of spec.md §4.7: a narrow,
// idempotent set of verbs over Postgres, grounded on the teacher's
// backend/services/gateway/internal/repository/user_repository.go
// (jmoiron/sqlx, `db.Get`/`db.QueryRow`, logx-wrapped errors) and
// services/microservices/auth/rpc/internal/repository/users.go (verb
// layer in front of generated query objects). Hot-path reads go through
// a go-zero core/stores/cache.Cache read-through cache, giving the
// teacher's previously-unused `cache.CacheConf` config field an actual
// consumer (SPEC_FULL.md §B).
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/cache"
	"github.com/zeromicro/go-zero/core/syncx"

	"github.com/suleymanmyradov/completion-server/internal/config"
	"github.com/suleymanmyradov/completion-server/internal/models"
	"github.com/suleymanmyradov/completion-server/internal/tokencache"
)

// Gateway is the sole component in the core that touches durable storage
// directly (spec §1: "everything else treats durable storage as opaque
// through the gateway").
type Gateway struct {
	db    *sqlx.DB
	cache cache.Cache
}

// New opens the Postgres pool and wires the read-through cache exactly
// the way the teacher constructs its own pools, plus the cache layer its
// config declared but never instantiated.
func New(pg config.Postgres, cacheConf cache.CacheConf) (*Gateway, error) {
	db, err := sqlx.Connect("postgres", pg.DataSource)
	if err != nil {
		return nil, fmt.Errorf("gateway: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(pg.MaxOpenConns)
	db.SetMaxIdleConns(pg.MaxIdleConns)

	c := cache.New(cacheConf, syncx.NewSingleFlight(), cache.NewStat("completion-gateway"), sql.ErrNoRows)

	return &Gateway{db: db, cache: c}, nil
}

func userCacheKey(id uuid.UUID) string { return "cache:user:" + id.String() }

// UpsertUser implements the `upsert_user` verb (spec §4.7). Idempotent on
// email.
func (g *Gateway) UpsertUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now()
	const q = `
		INSERT INTO users (id, username, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (email) DO UPDATE SET username = EXCLUDED.username, updated_at = $4
		RETURNING id, created_at, updated_at`
	if err := g.db.QueryRowContext(ctx, q, u.ID, u.Username, u.Email, now).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return fmt.Errorf("gateway: upsert_user: %w", err)
	}
	_ = g.cache.Del(userCacheKey(u.ID))
	return nil
}

// GetUserByID is a read-through cached user lookup (spec §2.1's
// configuration-reload rationale extends naturally to this lookup).
func (g *Gateway) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := g.cache.Take(&u, userCacheKey(id), func(v interface{}) error {
		dest := v.(*models.User)
		const q = `SELECT id, username, email, created_at, updated_at FROM users WHERE id = $1`
		if err := g.db.GetContext(ctx, dest, q, id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if g.cache.IsNotFound(err) || err == sql.ErrNoRows {
			return nil, fmt.Errorf("gateway: get_user_by_id: %w", sql.ErrNoRows)
		}
		return nil, fmt.Errorf("gateway: get_user_by_id: %w", err)
	}
	return &u, nil
}

// CreateMetaQuery implements `create_meta_query`, the tagged-variant
// insert mentioned in spec §9 ("the gateway dispatches to the right
// table set"). Both Completion and Chat rows live in one table
// discriminated by Kind; idempotent on request_id.
func (g *Gateway) CreateMetaQuery(ctx context.Context, q *models.MetaQuery) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	now := time.Now()
	const stmt = `
		INSERT INTO meta_queries (
			id, kind, request_id, user_id, project_id, prefix, suffix, file_name,
			selected_text, chat_id, history, orphaned, timed_out, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id, created_at, updated_at`
	err := g.db.QueryRowContext(ctx, stmt,
		q.ID, q.Kind, q.RequestID, q.UserID, q.ProjectID, q.Prefix, q.Suffix, q.FileName,
		q.SelectedText, q.ChatID, q.History, q.Orphaned, q.TimedOut, now,
	).Scan(&q.ID, &q.CreatedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil // already persisted by a prior retry (spec I5-style dedup)
	}
	if err != nil {
		return fmt.Errorf("gateway: create_meta_query: %w", err)
	}
	return nil
}

// CreateGeneration implements `create_generation`. Row identity is
// (request-id, model-id) per spec §4.7/I5: at most one Generation
// persists per pair even under worker retry.
func (g *Gateway) CreateGeneration(ctx context.Context, gen *models.Generation) error {
	if gen.ID == uuid.Nil {
		gen.ID = uuid.New()
	}
	now := time.Now()
	const stmt = `
		INSERT INTO generations (
			id, request_id, model_id, completion, confidence, logprobs,
			generation_time_ms, errored, error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (request_id, model_id) DO UPDATE SET
			completion = EXCLUDED.completion,
			confidence = EXCLUDED.confidence,
			logprobs = EXCLUDED.logprobs,
			generation_time_ms = EXCLUDED.generation_time_ms,
			errored = EXCLUDED.errored,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`
	if err := g.db.QueryRowContext(ctx, stmt,
		gen.ID, gen.RequestID, gen.ModelID, gen.Completion, gen.Confidence, gen.LogProbs,
		gen.GenerationMS, gen.Errored, gen.ErrorMessage, now,
	).Scan(&gen.ID, &gen.CreatedAt, &gen.UpdatedAt); err != nil {
		return fmt.Errorf("gateway: create_generation: %w", err)
	}
	return nil
}

// AppendGroundTruth implements `append_ground_truth`: append-only, one
// row per feedback event, idempotent on (request-id, model-id,
// truth-timestamp) per spec §6's row-identity contract so a replayed
// feedback submission (S6) is a no-op rather than a duplicate row.
func (g *Gateway) AppendGroundTruth(ctx context.Context, gt *models.GroundTruth) error {
	if gt.ID == uuid.Nil {
		gt.ID = uuid.New()
	}
	now := time.Now()
	const stmt = `
		INSERT INTO ground_truths (id, request_id, model_id, accepted, shown_at, text, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (request_id, model_id, shown_at) DO NOTHING
		RETURNING id, created_at, updated_at`
	err := g.db.QueryRowContext(ctx, stmt,
		gt.ID, gt.RequestID, gt.ModelID, gt.Accepted, gt.ShownAt, gt.Text, now,
	).Scan(&gt.ID, &gt.CreatedAt, &gt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil // identical feedback already recorded (spec §8, S6)
	}
	if err != nil {
		return fmt.Errorf("gateway: append_ground_truth: %w", err)
	}
	return nil
}

// UpsertTelemetry implements `upsert_telemetry`, writing both telemetry
// envelopes for one request-id idempotently.
func (g *Gateway) UpsertTelemetry(ctx context.Context, ct *models.ContextualTelemetry, bt *models.BehavioralTelemetry) error {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gateway: upsert_telemetry: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if ct != nil {
		if ct.ID == uuid.Nil {
			ct.ID = uuid.New()
		}
		const q = `
			INSERT INTO contextual_telemetry (
				id, request_id, version_id, trigger_type_id, language_id, file_path,
				caret_line, document_char_length, relative_document_position, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
			ON CONFLICT (request_id) DO UPDATE SET
				version_id = EXCLUDED.version_id, trigger_type_id = EXCLUDED.trigger_type_id,
				language_id = EXCLUDED.language_id, file_path = EXCLUDED.file_path,
				caret_line = EXCLUDED.caret_line, document_char_length = EXCLUDED.document_char_length,
				relative_document_position = EXCLUDED.relative_document_position, updated_at = EXCLUDED.updated_at`
		if _, err := tx.ExecContext(ctx, q,
			ct.ID, ct.RequestID, ct.VersionID, ct.TriggerTypeID, ct.LanguageID, ct.FilePath,
			ct.CaretLine, ct.DocumentCharLength, ct.RelativeDocumentPosition, now,
		); err != nil {
			return fmt.Errorf("gateway: upsert_telemetry: contextual: %w", err)
		}
	}
	if bt != nil {
		if bt.ID == uuid.Nil {
			bt.ID = uuid.New()
		}
		const q = `
			INSERT INTO behavioral_telemetry (
				id, request_id, time_since_last_shown, time_since_last_accepted, typing_speed, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$6)
			ON CONFLICT (request_id) DO UPDATE SET
				time_since_last_shown = EXCLUDED.time_since_last_shown,
				time_since_last_accepted = EXCLUDED.time_since_last_accepted,
				typing_speed = EXCLUDED.typing_speed, updated_at = EXCLUDED.updated_at`
		if _, err := tx.ExecContext(ctx, q,
			bt.ID, bt.RequestID, bt.TimeSinceLastShown, bt.TimeSinceLastAccepted, bt.TypingSpeed, now,
		); err != nil {
			return fmt.Errorf("gateway: upsert_telemetry: behavioral: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gateway: upsert_telemetry: commit: %w", err)
	}
	return nil
}

// FlushProjectContext implements `flush_project_context` and doubles as
// tokencache.CascadeSink's durable-flush half (spec §4.1 cascade rules):
// idempotent per (project-id, change-index) pair.
func (g *Gateway) FlushProjectContext(projectID string, base map[string]string, log []tokencache.ContextChange) error {
	ctx := context.Background()
	pid, err := uuid.Parse(projectID)
	if err != nil {
		return fmt.Errorf("gateway: flush_project_context: invalid project id %q: %w", projectID, err)
	}

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gateway: flush_project_context: begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO context_snapshots (id, project_id, change_index, file_path, content, digest, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (project_id, change_index) DO NOTHING`
	now := time.Now()
	for _, change := range log {
		if _, err := tx.ExecContext(ctx, q,
			uuid.New(), pid, change.Index, change.FilePath, change.Content, change.Digest, now,
		); err != nil {
			return fmt.Errorf("gateway: flush_project_context: log entry: %w", err)
		}
	}
	// The base map is the authoritative final state for files whose
	// individual change entries were already compacted away
	// (internal/tokencache.Cache.compactIfOverBound); persist it at a
	// synthetic index of 0 so no file is lost even if its history isn't.
	baseJSON, _ := json.Marshal(base)
	const baseQ = `
		INSERT INTO context_snapshots (id, project_id, change_index, file_path, content, digest, created_at, updated_at)
		VALUES ($1,$2,0,'__base__',$3,'',$4,$4)
		ON CONFLICT (project_id, change_index) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`
	if _, err := tx.ExecContext(ctx, baseQ, uuid.New(), pid, string(baseJSON), now); err != nil {
		return fmt.Errorf("gateway: flush_project_context: base snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gateway: flush_project_context: commit: %w", err)
	}
	logx.Infof("gateway: flushed project %s context (%d log entries)", projectID, len(log))
	return nil
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}
