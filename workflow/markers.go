package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Completion markers are zero-length files named <step>.done inside the
// phase directory. Presence means the step completed; absence means it must
// run (or run again) on the next invocation.

func markerPath(dir, step string) string {
	return filepath.Join(dir, step+".done")
}

func markerDone(dir, step string) bool {
	_, err := os.Stat(markerPath(dir, step))
	return err == nil
}

func writeMarker(dir, step string) error {
	if err := os.WriteFile(markerPath(dir, step), nil, 0o644); err != nil {
		return fmt.Errorf("write completion marker for %s: %w", step, err)
	}
	return nil
}

func clearMarker(dir, step string) error {
	err := os.Remove(markerPath(dir, step))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear completion marker for %s: %w", step, err)
	}
	return nil
}
