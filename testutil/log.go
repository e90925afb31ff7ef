package testutil

import (
	"path/filepath"
	"testing"

	"github.com/subvision/events-tracker/eventlog"
)

// OpenTempLog opens a fresh event log in a per-test temp directory and
// returns it together with its path (for reopen-after-restart tests).
func OpenTempLog(t *testing.T) (*eventlog.Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.txt")
	l, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("open temp event log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}
