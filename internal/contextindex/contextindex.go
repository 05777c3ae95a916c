// Package contextindex is the supplemental context relevance index
// (SPEC_FULL.md §C.1): a per-project Meilisearch index over the
// multi-file-context map, grounded on the teacher's
// third_party/search/meilisearch.go helper methods (CreateIndex,
// AddDocuments, Search) adapted from per-entity-type indices
// (ArticlesIndex, ConversationsIndex) into one index per project.
package contextindex

import (
	"context"
	"fmt"

	"github.com/meilisearch/meilisearch-go"
	"github.com/zeromicro/go-zero/core/logx"
)

// Config mirrors the teacher's MeiliSearchConfig, extended with the
// feature gate and result-count knob this index adds.
type Config struct {
	Enabled   bool
	Host      string
	MasterKey string
	TopK      int
}

// Index wraps one Meilisearch connection shared across every project's
// index (UID `ctx-<project-id>`, primary key `file_path`).
type Index struct {
	client meilisearch.ServiceManager
	topK   int
}

// New dials Meilisearch the way the teacher's NewMeiliSearchConnection
// does (health check before returning), or returns (nil, nil) when the
// feature is disabled so callers can treat a nil *Index as "skip".
func New(cfg Config) (*Index, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := meilisearch.New(cfg.Host, meilisearch.WithAPIKey(cfg.MasterKey))
	if _, err := client.Health(); err != nil {
		logx.Errorf("contextindex: failed to connect to Meilisearch: %v", err)
		return nil, fmt.Errorf("contextindex: connect: %w", err)
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	logx.Info("contextindex: connected to Meilisearch")
	return &Index{client: client, topK: topK}, nil
}

func indexUID(projectID string) string { return "ctx-" + projectID }

type fileDocument struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// EnsureProjectIndex creates the per-project index on first use; a
// repeat call against an existing UID is a harmless no-op failure the
// caller ignores (Meilisearch returns a conflict, not swallowed
// silently, but not fatal to the caller either since the index already
// serves its purpose).
func (idx *Index) EnsureProjectIndex(projectID string) error {
	if _, err := idx.client.CreateIndex(&meilisearch.IndexConfig{
		Uid: indexUID(projectID), PrimaryKey: "file_path",
	}); err != nil {
		return fmt.Errorf("contextindex: create index for project %s: %w", projectID, err)
	}
	return nil
}

// Upsert indexes one changed file's current content (spec §C.1: "every
// update_context call also upserts the changed file").
func (idx *Index) Upsert(ctx context.Context, projectID, filePath, content string) error {
	_, err := idx.client.Index(indexUID(projectID)).AddDocuments([]fileDocument{
		{FilePath: filePath, Content: content},
	}, nil)
	if err != nil {
		return fmt.Errorf("contextindex: upsert %s/%s: %w", projectID, filePath, err)
	}
	return nil
}

// RelatedFiles returns up to TopK (file path -> content) pairs whose
// content fuzzy-matches query (typically the current prefix/suffix), for
// the orchestrator's payload builder to fold into a completion/chat
// task's context snapshot alongside the plain change-index map.
func (idx *Index) RelatedFiles(ctx context.Context, projectID, query string) (map[string]string, error) {
	result, err := idx.client.Index(indexUID(projectID)).Search(query, &meilisearch.SearchRequest{
		Limit: int64(idx.topK),
	})
	if err != nil {
		return nil, fmt.Errorf("contextindex: search project %s: %w", projectID, err)
	}

	files := make(map[string]string, len(result.Hits))
	for _, hit := range result.Hits {
		var doc fileDocument
		if err := hit.DecodeInto(&doc); err != nil {
			continue
		}
		if doc.FilePath == "" {
			continue
		}
		files[doc.FilePath] = doc.Content
	}
	return files, nil
}

// DropProjectIndex removes a project's index once its ProjectToken is
// destroyed (spec §4.1 cascade rules extended to this supplemental
// store): nothing in contextindex should outlive the project it serves.
func (idx *Index) DropProjectIndex(projectID string) error {
	_, err := idx.client.DeleteIndex(indexUID(projectID))
	if err != nil {
		return fmt.Errorf("contextindex: drop index for project %s: %w", projectID, err)
	}
	return nil
}
