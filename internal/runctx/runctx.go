package runctx

import (
	"fmt"
	"os"
	"path/filepath"
)

// RunCtx manages a per-run temporary directory. Both the staging instance
// root and the archive extraction area live under one of these, so a single
// Cleanup call is enough to honor the never-left-behind guarantee.
type RunCtx struct {
	Dir        string
	keepOnExit bool
}

// New creates a directory under the system temp dir with the given prefix.
func New(prefix string, keep bool) (*RunCtx, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, err
	}
	return &RunCtx{Dir: dir, keepOnExit: keep}, nil
}

// Cleanup removes the directory unless keepOnExit=true.
func (r *RunCtx) Cleanup() error {
	if r.keepOnExit {
		return nil
	}
	return os.RemoveAll(r.Dir)
}

// Path joins the run dir with subpath elements.
func (r *RunCtx) Path(elem ...string) string {
	parts := append([]string{r.Dir}, elem...)
	return filepath.Join(parts...)
}

func (r *RunCtx) String() string { return fmt.Sprintf("RunCtx(%s)", r.Dir) }
