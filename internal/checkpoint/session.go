package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/storyforge/pipeline/internal/fileutil"
	"github.com/storyforge/pipeline/internal/model"
	"github.com/storyforge/pipeline/internal/pipectx"
)

// SessionFileStore persists SDK session-resume checkpoints, one file
// per (task, agent role, story), alongside the FileStore's layout.
type SessionFileStore struct {
	baseDir string
}

// NewSessionFileStore roots a SessionFileStore at baseDir.
func NewSessionFileStore(baseDir string) (*SessionFileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir session checkpoint store %s: %w", baseDir, err)
	}
	return &SessionFileStore{baseDir: baseDir}, nil
}

func (s *SessionFileStore) path(taskID, agentRole, storyID string) string {
	return filepath.Join(s.baseDir, taskID, agentRole, storyID+".json")
}

// SaveSession writes c, overwriting any prior session for the same key.
func (s *SessionFileStore) SaveSession(ctx context.Context, c model.SessionCheckpoint) error {
	return fileutil.WriteJSON(s.path(c.TaskID, c.AgentRole, c.StoryID), c)
}

// LoadSession returns the last saved session for the key, or nil if none
// was ever recorded.
func (s *SessionFileStore) LoadSession(ctx context.Context, taskID, agentRole, storyID string) (*model.SessionCheckpoint, error) {
	var c model.SessionCheckpoint
	if err := fileutil.ReadJSON(s.path(taskID, agentRole, storyID), &c); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session checkpoint %s/%s/%s: %w", taskID, agentRole, storyID, err)
	}
	return &c, nil
}

var _ pipectx.SessionCheckpointStore = (*SessionFileStore)(nil)
