package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock wraps gofrs/flock keyed on the archive path, so that two
// invocations cannot read/write the same archive concurrently.
type FileLock struct {
	fl   *flock.Flock
	path string
}

// New returns a lock at /tmp/couchpack_<hash>.lock derived from archivePath.
func New(archivePath string) *FileLock {
	abs := filepath.Clean(archivePath)
	sum := sha256.Sum256([]byte(abs))
	name := fmt.Sprintf("/tmp/couchpack_%s.lock", hex.EncodeToString(sum[:8]))
	return &FileLock{fl: flock.New(name), path: name}
}

// TryLock attempts a non-blocking lock.
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

// Unlock releases.
func (l *FileLock) Unlock() error {
	// Release the OS-level lock first.
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	// Best-effort cleanup: remove the lock file so it does not linger in /tmp.
	// Ignore any error (e.g. if another process already removed it).
	_ = os.Remove(l.path)
	return nil
}
