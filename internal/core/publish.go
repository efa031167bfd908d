package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// StagingDir creates an empty hidden directory next to target. Work staged in
// it becomes visible only through PublishDir; callers remove it on failure.
func StagingDir(target string) (string, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("creating parent of %q: %w", target, err)
	}
	dir, err := os.MkdirTemp(parent, "."+filepath.Base(target)+".staging-")
	if err != nil {
		return "", fmt.Errorf("creating staging dir for %q: %w", target, err)
	}
	return dir, nil
}

// PublishDir replaces target with the fully written staging directory.
//
// An existing target is first moved aside to a hidden backup sibling; if the
// second rename fails the backup is moved back. Readers observe either the
// previous tree or the new one, never a mix. The backup is removed on success.
func PublishDir(staging, target string) error {
	info, err := os.Lstat(target)
	switch {
	case os.IsNotExist(err):
		if err := os.Rename(staging, target); err != nil {
			return fmt.Errorf("publishing %q: %w", target, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat %q: %w", target, err)
	case !info.IsDir():
		// A plain file in the way is replaced outright.
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("removing %q: %w", target, err)
		}
		if err := os.Rename(staging, target); err != nil {
			return fmt.Errorf("publishing %q: %w", target, err)
		}
		return nil
	}

	backup, err := os.MkdirTemp(filepath.Dir(target), "."+filepath.Base(target)+".previous-")
	if err != nil {
		return fmt.Errorf("reserving backup for %q: %w", target, err)
	}
	// MkdirTemp reserves a unique name; rename needs it to be absent.
	if err := os.Remove(backup); err != nil {
		return fmt.Errorf("reserving backup for %q: %w", target, err)
	}
	if err := os.Rename(target, backup); err != nil {
		return fmt.Errorf("moving %q aside: %w", target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		if rerr := os.Rename(backup, target); rerr != nil {
			return fmt.Errorf("publishing %q: %w (restoring previous tree: %v)", target, err, rerr)
		}
		return fmt.Errorf("publishing %q: %w", target, err)
	}
	_ = os.RemoveAll(backup)
	return nil
}

// WriteFileAtomic writes data to a temp file in the same directory and renames
// it over path, creating parent directories as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
