// Package checkpoint provides keyed (task, epic, story) progress markers
// that let a story resume mid-stage after a process restart. FileStore is
// the single-process, filesystem-backed implementation; the pgx-backed
// PostgresStore in postgres.go serves multi-process deployments.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/storyforge/pipeline/internal/fileutil"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// FileStore persists one JSON file per story under
// <baseDir>/<taskID>/<epicID>/<storyID>/progress.json.
type FileStore struct {
	baseDir string
}

// NewFileStore roots a FileStore at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir checkpoint store %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) storyDir(key pipectx.CheckpointKey) string {
	return filepath.Join(s.baseDir, key.TaskID, key.EpicID, key.StoryID)
}

func (s *FileStore) progressPath(key pipectx.CheckpointKey) string {
	return filepath.Join(s.storyDir(key), "progress.json")
}

// Save writes the checkpoint for key, advancing its stage. extra, when
// non-nil, overlays additional fields (commit hash, cost, verdict, ...)
// onto the existing record rather than replacing it wholesale, so a
// caller recording only a stage transition does not clobber fields an
// earlier stage already set.
func (s *FileStore) Save(ctx context.Context, key pipectx.CheckpointKey, stage string, extra *model.StoryProgress) error {
	existing, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = &model.StoryProgress{TaskID: key.TaskID, EpicID: key.EpicID, StoryID: key.StoryID}
	}

	if existing.Stage != "" && !model.StageAdvanced(existing.Stage, stage) {
		return fmt.Errorf("checkpoint %s/%s/%s: stage %q does not advance from %q",
			key.TaskID, key.EpicID, key.StoryID, stage, existing.Stage)
	}
	existing.Stage = stage

	if extra != nil {
		if extra.CommitHash != "" {
			existing.CommitHash = extra.CommitHash
		}
		if extra.SDKSessionID != "" {
			existing.SDKSessionID = extra.SDKSessionID
		}
		if len(extra.FilesModified) > 0 {
			existing.FilesModified = extra.FilesModified
		}
		if len(extra.FilesCreated) > 0 {
			existing.FilesCreated = extra.FilesCreated
		}
		if len(extra.ToolsUsed) > 0 {
			existing.ToolsUsed = extra.ToolsUsed
		}
		if extra.CostUSD != 0 {
			existing.CostUSD += extra.CostUSD
		}
		if extra.Verdict != "" {
			existing.Verdict = extra.Verdict
		}
		if extra.PRURL != "" {
			existing.PRURL = extra.PRURL
		}
		for k, v := range extra.Extra {
			if existing.Extra == nil {
				existing.Extra = make(map[string]string)
			}
			existing.Extra[k] = v
		}
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(s.storyDir(key), 0o755); err != nil {
		return fmt.Errorf("mkdir story checkpoint dir: %w", err)
	}
	return fileutil.WriteJSON(s.progressPath(key), existing)
}

// Load returns the checkpoint for key, or nil if none has been saved yet.
func (s *FileStore) Load(ctx context.Context, key pipectx.CheckpointKey) (*model.StoryProgress, error) {
	var p model.StoryProgress
	if err := fileutil.ReadJSON(s.progressPath(key), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s/%s/%s: %w", key.TaskID, key.EpicID, key.StoryID, err)
	}
	return &p, nil
}

// MarkCompleted is a convenience wrapper recording the merge-stage
// outcome (final verdict, merged branch, and any PR url) in one call.
func (s *FileStore) MarkCompleted(ctx context.Context, key pipectx.CheckpointKey, verdict, branch, prURL string) error {
	extra := &model.StoryProgress{Verdict: verdict, PRURL: prURL}
	if branch != "" {
		extra.Extra = map[string]string{"merged_branch": branch}
	}
	return s.Save(ctx, key, model.StatusCompleted, extra)
}

var _ pipectx.CheckpointStore = (*FileStore)(nil)
