package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deesoft/console/errors"
)

// LogFile returns the per-day log path: <root>/scheduler/YYYY/MM/DD.log.
func LogFile(root string, t time.Time) string {
	return filepath.Join(root, "scheduler", t.Format("2006"), t.Format("01"), t.Format("02")+".log")
}

// openLog creates missing directories and opens the day's log for appending.
// Children inherit the descriptor, so O_APPEND is what keeps their writes
// from overlapping.
func openLog(root string, t time.Time) (*os.File, error) {
	path := LogFile(root, t)
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, errors.InfraError(fmt.Errorf("scheduler: create log directory: %w", err)).
			WithCode("LOG_DIR").
			WithMetadata("path", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("scheduler: open log: %w", err)).
			WithCode("LOG_OPEN").
			WithMetadata("path", path)
	}
	return f, nil
}
