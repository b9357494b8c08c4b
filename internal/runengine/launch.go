package runengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgepad/nodeagent/internal/agenterr"
	"github.com/forgepad/nodeagent/internal/config"
	"github.com/forgepad/nodeagent/internal/engine"
	"github.com/forgepad/nodeagent/internal/enum"
)

// LaunchOutcome is returned by Launch.
type LaunchOutcome struct {
	AlreadyRunning bool
	InitialState   enum.RunState
	LogPath        string
}

// Engine launches, tracks, and tears down per-user managed tasks.
type Engine struct {
	hostRoot      string // host filesystem root, e.g. /data/workspaces
	mountTarget   string // in-container mount target, e.g. /workspace
	adapter       *engine.Adapter
	npmCache      config.NpmCacheStrategy
	npmCacheMaxMB int
	logKeepPer    int
}

// New creates a managed run Engine.
func New(hostRoot, mountTarget string, adapter *engine.Adapter, npmCache config.NpmCacheStrategy, npmCacheMaxMB, logKeepPer int) *Engine {
	return &Engine{
		hostRoot:      hostRoot,
		mountTarget:   mountTarget,
		adapter:       adapter,
		npmCache:      npmCache,
		npmCacheMaxMB: npmCacheMaxMB,
		logKeepPer:    logKeepPer,
	}
}

func (e *Engine) containerAppDir(appID string) string {
	return e.mountTarget + "/apps/" + appID
}

func (e *Engine) containerRunDir() string {
	return e.mountTarget + "/run"
}

func (e *Engine) hostAppDir(userID, appID string) string {
	return filepath.Join(e.hostRoot, userID, "apps", appID)
}

func (e *Engine) hostRunDir(userID string) string {
	return filepath.Join(e.hostRoot, userID, "run")
}

// Launch builds and executes a task per spec.md §4.4.
func (e *Engine) Launch(ctx context.Context, containerName, userID, appID string, runType enum.RunType, containerPort int, basePath string) (*LaunchOutcome, error) {
	hostAppDir := e.hostAppDir(userID, appID)
	pkgPath, err := FindPackageJSON(hostAppDir)
	if err != nil {
		return nil, err
	}
	pkg, err := LoadPackageJSON(pkgPath)
	if err != nil {
		return nil, err
	}

	spec := LaunchSpec{
		UserID:        userID,
		AppID:         appID,
		RunType:       runType,
		AppDir:        e.containerAppDir(appID),
		RunDir:        e.containerRunDir(),
		ContainerPort: containerPort,
		BasePath:      basePath,
		NpmCache:      e.npmCache,
		NpmCacheMaxMB: e.npmCacheMaxMB,
	}

	switch runType {
	case enum.RunTypeDev:
		cmd := pkg.Scripts["dev"]
		spec.ScriptIsVite = IsViteScript(cmd)
	case enum.RunTypeStart:
		name, serr := SelectStartScript(pkg)
		if serr != nil {
			return nil, serr
		}
		cmd := pkg.Scripts[name]
		spec.ScriptName = name
		spec.ScriptIsVite = IsViteScript(cmd)
		spec.IsConcurrent = IsConcurrentlyScript(cmd)
		spec.ServerClass = IsServerClassScript(name, cmd)
		if spec.IsConcurrent {
			if childName, siblingName, ok := FindConcurrentChild(pkg); ok {
				spec.ConcurrentChildScript = childName
				spec.ConcurrentSiblingScript = siblingName
			}
		}
		if spec.ServerClass {
			spec.BasePath = "/"
		}
	}

	now := time.Now().Unix()
	logName := fmt.Sprintf("run-%s-%s-%d.log", runType.LogKind(), appID, time.Now().UnixMilli())
	spec.LogPath = e.containerRunDir() + "/" + logName

	innerPath := e.containerRunDir() + "/managed-start.sh"
	outerScript := BuildOuterScript(spec, innerPath, now)
	innerScript := BuildInnerScript(spec)

	writeInner := fmt.Sprintf("mkdir -p %s && cat > %s <<'EOF'\n%s\nEOF\nchmod +x %s",
		shellQuote(e.containerRunDir()), shellQuote(innerPath), innerScript, shellQuote(innerPath))
	if _, err := e.adapter.Exec(ctx, containerName, writeInner, 10*time.Second); err != nil {
		return nil, agenterr.Wrap(err, "write inner launch script").WithErr(err)
	}

	res, err := e.adapter.Exec(ctx, containerName, outerScript, 30*time.Second)
	if err != nil {
		return nil, agenterr.Wrap(err, "exec launcher script").WithErr(err)
	}
	if res.ExitCode == 42 {
		return &LaunchOutcome{AlreadyRunning: true}, nil
	}
	if res.ExitCode != 0 {
		return nil, agenterr.Newf(agenterr.KindSubprocessFailure, "launch failed").WithOutput(string(res.Output))
	}

	if err := e.pruneLogs(userID, runType); err != nil {
		return nil, err
	}

	return &LaunchOutcome{InitialState: spec.initialState(), LogPath: spec.LogPath}, nil
}

// Stop executes stopRun inside the container: TERM then KILL on the pgid,
// then deletes the pid and meta files (spec.md §4.4, "Stop"). Idempotent.
func (e *Engine) Stop(ctx context.Context, containerName, userID string) error {
	pid, ok, err := ReadPid(e.hostRoot, userID)
	if err != nil {
		return agenterr.Wrap(err, "read pid file").WithErr(err)
	}
	if ok {
		script := fmt.Sprintf("kill -TERM -- -%d 2>/dev/null; sleep 1; kill -KILL -- -%d 2>/dev/null; true", pid, pid)
		if _, err := e.adapter.Exec(ctx, containerName, script, 10*time.Second); err != nil {
			return agenterr.Wrap(err, "stop run").WithErr(err)
		}
	}
	return DeleteMeta(e.hostRoot, userID)
}

// StopRunForIdle kills the managed run's process group without ensuring
// the container is up first, and reports whether a kill was actually
// issued. This is the binding answer to the Open Question on
// stopRunForIdle's return contract (spec.md §9, SPEC_FULL.md §13): the
// source left it ambiguous between void and boolean; this implementation
// returns true exactly when a pid file was present and a kill was sent,
// satisfying the reaper's RunStopper interface.
func (e *Engine) StopRunForIdle(ctx context.Context, containerName, userID string) (bool, error) {
	pid, ok, err := ReadPid(e.hostRoot, userID)
	if err != nil {
		return false, agenterr.Wrap(err, "read pid file").WithErr(err)
	}
	if !ok {
		return false, nil
	}
	script := fmt.Sprintf("kill -TERM -- -%d 2>/dev/null; sleep 1; kill -KILL -- -%d 2>/dev/null; true", pid, pid)
	if _, err := e.adapter.Exec(ctx, containerName, script, 10*time.Second); err != nil {
		return false, agenterr.Wrap(err, "stop run for idle").WithErr(err)
	}
	if err := DeleteMeta(e.hostRoot, userID); err != nil {
		return true, err
	}
	return true, nil
}

// pruneLogs keeps the newest logKeepPer log files per user/type, deleting
// the rest by modification time (spec.md §3 Log File, §4.4 "Log rotation").
func (e *Engine) pruneLogs(userID string, runType enum.RunType) error {
	if e.logKeepPer <= 0 {
		return nil
	}
	dir := e.hostRunDir(userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return agenterr.Wrap(err, "list run dir").WithErr(err)
	}
	prefix := "run-" + runType.LogKind() + "-"
	type fileInfo struct {
		name    string
		modTime time.Time
	}
	var matches []fileInfo
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasPrefix(ent.Name(), prefix) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		matches = append(matches, fileInfo{name: ent.Name(), modTime: info.ModTime()})
	}
	if len(matches) <= e.logKeepPer {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].modTime.After(matches[j].modTime) })
	for _, stale := range matches[e.logKeepPer:] {
		_ = os.Remove(filepath.Join(dir, stale.name))
	}
	return nil
}

// ExtractAppIDFromLogName parses the app id out of a log file name
// (run-<type>-<appId>-<ms>.log), used by the orphan GC.
func ExtractAppIDFromLogName(name string) (string, bool) {
	parts := strings.Split(strings.TrimSuffix(name, ".log"), "-")
	if len(parts) < 4 || parts[0] != "run" {
		return "", false
	}
	return parts[len(parts)-2], true
}
