package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace owns per-environment build contexts under a common root.
type Workspace struct {
	root string
}

// NewWorkspace ensures the workspace root exists and is accessible.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: root}, nil
}

// Prepare creates a fresh build context for the environment containing its Dockerfile.
func (w *Workspace) Prepare(environmentID, dockerfile string) (string, error) {
	if environmentID == "" || strings.ContainsAny(environmentID, `/\`) || environmentID == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", environmentID)
	}
	dir := filepath.Join(w.root, environmentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return "", fmt.Errorf("write dockerfile: %w", err)
	}
	return dir, nil
}

// Cleanup removes a build context created by Prepare.
func (w *Workspace) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
