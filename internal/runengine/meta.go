// Package runengine implements the Managed Run Engine (spec.md §4.4, C6):
// it composes and launches the four task kinds (DEV/START/BUILD/INSTALL)
// as shell scripts executed inside the user's container, tracks them via an
// on-disk pid-file mutex, and writes durable run metadata and per-task logs.
//
// Grounded on the teacher's internal/docker/runner.go createConfigFiles /
// shell-script-building style (writing a generated script to a known path
// and exec'ing it) and internal/runner/docker_volume.go's WriteFile
// shell-escaping idiom, generalized from Freqtrade config layering to an
// npm script lifecycle.
package runengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgepad/nodeagent/internal/agenterr"
	"github.com/forgepad/nodeagent/internal/enum"
)

// RunMeta mirrors the durable Run Meta JSON (spec.md §6).
type RunMeta struct {
	AppID      string       `json:"appId"`
	Type       enum.RunType `json:"type"`
	PID        *int         `json:"pid"`
	StartedAt  int64        `json:"startedAt"`
	FinishedAt *int64       `json:"finishedAt"`
	ExitCode   *int         `json:"exitCode"`
	LogPath    string       `json:"logPath"`
}

// MetaFileName is the run meta file's name under root/<userId>/run/.
const MetaFileName = "current.json"

// PidFileName is the pid-file mutex's name under root/<userId>/run/.
const PidFileName = "dev.pid"

func runDir(root, userID string) string {
	return filepath.Join(root, userID, "run")
}

func metaPath(root, userID string) string {
	return filepath.Join(runDir(root, userID), MetaFileName)
}

func pidPath(root, userID string) string {
	return filepath.Join(runDir(root, userID), PidFileName)
}

// LoadMeta reads the run meta file. Returns (nil, nil) when absent.
func LoadMeta(root, userID string) (*RunMeta, error) {
	data, err := os.ReadFile(metaPath(root, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runengine: read meta: %w", err)
	}
	var m RunMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("runengine: parse meta: %w", err)
	}
	return &m, nil
}

// lastModifiedMs returns the meta file's modification time in epoch ms, or
// nil when the file does not exist.
func lastModifiedMs(root, userID string) *int64 {
	info, err := os.Stat(metaPath(root, userID))
	if err != nil {
		return nil
	}
	ms := info.ModTime().UnixMilli()
	return &ms
}

// SaveMeta writes the run meta file atomically.
//
// Per the binding Open Question decision (spec.md §9, SPEC_FULL.md §13):
// the canonical contract is the overload that accepts forceWrite. When
// forceWrite is false and expectedLastModifiedMs is non-nil, the write is
// rejected with a StateConflict error if the on-disk file's current
// modification time doesn't match — an optimistic lock against a
// concurrent writer (e.g. the reaper stopping the run while the launcher
// updates pid).
func SaveMeta(root, userID string, m *RunMeta, expectedLastModifiedMs *int64, forceWrite bool) error {
	if !forceWrite && expectedLastModifiedMs != nil {
		if current := lastModifiedMs(root, userID); current == nil || *current != *expectedLastModifiedMs {
			return agenterr.New(agenterr.KindStateConflict, "run meta was modified concurrently")
		}
	}
	dir := runDir(root, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agenterr.Wrap(err, "mkdir run dir").WithErr(err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return agenterr.Wrap(err, "marshal run meta").WithErr(err)
	}
	tmp := metaPath(root, userID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return agenterr.Wrap(err, "write run meta").WithErr(err)
	}
	if err := os.Rename(tmp, metaPath(root, userID)); err != nil {
		return agenterr.Wrap(err, "rename run meta").WithErr(err)
	}
	return nil
}

// DeleteMeta removes the run meta and pid files together, tolerating
// absence of either (stop is idempotent per spec.md §4.4).
func DeleteMeta(root, userID string) error {
	if err := os.Remove(metaPath(root, userID)); err != nil && !os.IsNotExist(err) {
		return agenterr.Wrap(err, "remove run meta").WithErr(err)
	}
	if err := os.Remove(pidPath(root, userID)); err != nil && !os.IsNotExist(err) {
		return agenterr.Wrap(err, "remove pid file").WithErr(err)
	}
	return nil
}

// ReadPid reads the pid-file mutex's integer content, if present.
func ReadPid(root, userID string) (int, bool, error) {
	data, err := os.ReadFile(pidPath(root, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false, fmt.Errorf("runengine: malformed pid file: %w", err)
	}
	return pid, true, nil
}

// nowEpochSeconds is a small seam so callers can avoid importing time
// directly where a meta is built.
func nowEpochSeconds() int64 { return time.Now().Unix() }
