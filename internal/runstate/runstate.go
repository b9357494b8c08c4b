// Package runstate implements the Run-State Observer (spec.md §4.5, C7): a
// pure reconciliation of on-disk run metadata with container/process probe
// results into the bounded state set.
//
// Grounded on the teacher's internal/docker/runner.go state-mapping switch
// (Docker/podman inspect state strings -> BotStatus), generalized to the
// richer DEV/START/BUILD/INSTALL decision table spec.md §4.5 specifies.
package runstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/forgepad/nodeagent/internal/enum"
)

// StartTimeout bounds how long a task may sit with pid=null before the
// observer gives up and reports DEAD.
const StartTimeout = 60 * time.Second

// RunMeta mirrors the durable Run Meta JSON (spec.md §6).
type RunMeta struct {
	AppID      string
	Type       enum.RunType
	PID        *int
	StartedAt  int64 // epoch seconds
	FinishedAt *int64
	ExitCode   *int
	LogPath    string
}

// Probe answers the liveness questions the observer needs without knowing
// how they are obtained (container exec, /proc scanning, etc).
type Probe interface {
	// PidAlive reports whether pid is alive inside the container.
	PidAlive(pid int) (bool, error)
	// PortOpen reports whether containerPort accepts a TCP connection inside
	// the container.
	PortOpen(containerPort int) (bool, error)
	// OwningPGID resolves the process group id currently holding the
	// listening socket on containerPort. ok is false when it cannot be
	// determined (no listener found, or its owning process already gone).
	OwningPGID(containerPort int) (pgid int, ok bool, err error)
	// PGID reports pid's process group id.
	PGID(pid int) (int, error)
}

// Result is the observer's full output for one user.
type Result struct {
	State      enum.RunState
	Message    string
	PreviewURL string
}

// Observe implements the decision table in spec.md §4.5.
func Observe(meta *RunMeta, containerRunning bool, containerPort int, probe Probe, now time.Time, previewURL func() string) Result {
	if meta == nil {
		return Result{State: enum.StateIdle}
	}
	if !containerRunning {
		return Result{State: enum.StateDead, Message: "container is not running"}
	}

	finite := meta.Type == enum.RunTypeBuild || meta.Type == enum.RunTypeInstall

	if meta.PID == nil {
		elapsed := now.Sub(time.Unix(meta.StartedAt, 0))
		if elapsed >= StartTimeout {
			return Result{State: enum.StateDead, Message: "start timeout"}
		}
		if finite {
			if meta.ExitCode != nil {
				return finishedResult(meta)
			}
			return Result{State: buildingOrInstalling(meta.Type)}
		}
		return Result{State: enum.StateStarting}
	}

	if finite {
		alive, err := probe.PidAlive(*meta.PID)
		if err != nil {
			return Result{State: enum.StateUnknown, Message: err.Error()}
		}
		if alive {
			return Result{State: buildingOrInstalling(meta.Type)}
		}
		if meta.ExitCode != nil {
			return finishedResult(meta)
		}
		return Result{State: enum.StateUnknown, Message: "process exited but no exit code recorded"}
	}

	alive, err := probe.PidAlive(*meta.PID)
	if err != nil {
		return Result{State: enum.StateUnknown, Message: err.Error()}
	}
	if !alive {
		return Result{State: enum.StateDead}
	}
	portOpen, err := probe.PortOpen(containerPort)
	if err != nil {
		return Result{State: enum.StateStarting, Message: err.Error()}
	}
	if portOpen {
		url := ""
		if previewURL != nil {
			url = previewURL()
		}
		return Result{State: enum.StateRunning, Message: staleProcessHint(*meta.PID, containerPort, probe), PreviewURL: url}
	}
	return Result{State: enum.StateStarting}
}

// staleProcessHint flags a RUNNING task whose listening socket is actually
// held by a process outside the recorded run's process group - e.g. the
// tracked pid died and something else (a leftover child, a reused pid) took
// the port over underneath it. Resolution failures are silent: this is a
// diagnostic hint, not a correctness signal, so a probe error just means no
// hint is offered rather than a state change.
func staleProcessHint(recordedPID, containerPort int, probe Probe) string {
	ownerPGID, ok, err := probe.OwningPGID(containerPort)
	if err != nil || !ok {
		return ""
	}
	recordedPGID, err := probe.PGID(recordedPID)
	if err != nil {
		return ""
	}
	if ownerPGID != recordedPGID {
		return "listening socket is held by a process outside the recorded run's process group; the tracked process may be stale or orphaned"
	}
	return ""
}

func buildingOrInstalling(t enum.RunType) enum.RunState {
	if t == enum.RunTypeInstall {
		return enum.StateInstalling
	}
	return enum.StateBuilding
}

func finishedResult(meta *RunMeta) Result {
	if *meta.ExitCode == 0 {
		return Result{State: enum.StateSuccess}
	}
	return Result{State: enum.StateFailed, Message: fmt.Sprintf("exit code %d", *meta.ExitCode)}
}

// PreviewURL composes the externally routable preview URL (spec.md §4.5),
// sanitizing trailing slashes on the base and prefix.
func PreviewURL(baseURL, pathPrefix, userID string) string {
	base := strings.TrimRight(baseURL, "/")
	prefix := strings.Trim(pathPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/", base, userID)
	}
	return fmt.Sprintf("%s/%s/%s/", base, prefix, userID)
}
