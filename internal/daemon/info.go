package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/undercity-dev/undercity/internal/store"
)

// InfoFileName is the daemon lockfile inside the state directory. Its
// absence means no daemon is running.
const InfoFileName = "daemon.json"

// Info advertises a live daemon to the CLI.
type Info struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// ReadInfo loads the lockfile and reports whether the daemon it names
// is still alive. A stale lockfile returns alive=false.
func ReadInfo(stateDir string) (*Info, bool) {
	var info Info
	if err := store.LoadJSON(filepath.Join(stateDir, InfoFileName), &info); err != nil {
		return nil, false
	}
	return &info, processAlive(info.PID)
}

func writeInfo(stateDir string, info Info) error {
	return store.SaveJSON(filepath.Join(stateDir, InfoFileName), info)
}

func removeInfo(stateDir string) {
	os.Remove(filepath.Join(stateDir, InfoFileName))
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
