package agent

import (
	"fmt"
	"os"
	"path/filepath"
)

// materializeImages copies each source image path into a scratch temp dir
// and returns the copies' paths alongside a cleanup func that must run
// regardless of how the invocation ends (success, error, or partial), per
// spec.md §4.B. Copying (rather than passing the source paths straight to
// the CLI) guarantees the agent subprocess sees a stable file even if the
// caller's original path is relative to a cwd the subprocess doesn't share,
// and gives every invocation a single guaranteed-cleaned-up temp dir.
func materializeImages(images []string) (paths []string, cleanup func(), err error) {
	if len(images) == 0 {
		return nil, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "agentloop-images-")
	if err != nil {
		return nil, nil, fmt.Errorf("create image temp dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	for i, src := range images {
		data, readErr := os.ReadFile(src)
		if readErr != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("read image %d (%s): %w", i, src, readErr)
		}
		path := filepath.Join(dir, fmt.Sprintf("image-%d%s", i, filepath.Ext(src)))
		if writeErr := os.WriteFile(path, data, 0o600); writeErr != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("write image %d: %w", i, writeErr)
		}
		paths = append(paths, path)
	}
	return paths, cleanup, nil
}
