package diskcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/meigma/netstore/core"
)

// ensureEntryFile checks that path is a regular file and not a symlink.
// A missing file is reported as core.ErrNotFound.
func ensureEntryFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}
		return fmt.Errorf("%w: stat %s: %w", core.ErrIO, path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: entry file is symlink: %s", core.ErrFormatInvalid, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: entry file is not a regular file: %s", core.ErrFormatInvalid, path)
	}
	return nil
}

// ensureEntryFileIfExists is ensureEntryFile that treats a missing file as fine.
func ensureEntryFileIfExists(path string) (bool, error) {
	err := ensureEntryFile(path)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// removeIfExists deletes path, ignoring a missing file.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
