// Package engine implements the Container Engine Adapter (spec.md §4.2): a
// thin, command-building wrapper over the host container CLI (docker, or
// podman wrapped to emulate the docker CLI).
//
// The teacher (volaticloud-volaticloud, internal/docker/runner.go) talks to
// a Docker daemon through the Go SDK. This adapter instead shells out via
// internal/procrun, because the spec requires detecting CLI stdout noise
// ("Emulate Docker CLI using podman…") and stderr fingerprints ("conmon",
// "libpod", "exit file", "already in use") that only exist at the CLI
// boundary — the SDK's HTTP transport never produces them. The lifecycle
// method shape (create/start/stop/remove/inspect, deterministic naming,
// "managed" labeling) is kept from the teacher; the transport is adapted.
package engine

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/forgepad/nodeagent/internal/agenterr"
	"github.com/forgepad/nodeagent/internal/procrun"
)

// DefaultTimeout is used for engine calls that don't specify one
// (spec.md §5: "default ≈ 30s for container-engine calls").
const DefaultTimeout = 30 * time.Second

// Mount describes a bind mount reported by an inspect call.
type Mount struct {
	Source      string
	Destination string
}

// VolumeBind is a host-path:container-path bind mount requested when
// running a container.
type VolumeBind struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// PortBind maps a host port to a container port.
type PortBind struct {
	HostPort      int
	ContainerPort int
}

// RunSpec is the canonical specification for a `run` invocation.
type RunSpec struct {
	Name          string
	Image         string
	RestartPolicy string // e.g. "unless-stopped"
	Network       string
	Ports         []PortBind
	Volumes       []VolumeBind
	Env           []string
	Labels        map[string]string
	Cmd           []string // bootstrap command, e.g. endless sleep loop
	MemoryLimit   string   // e.g. "512m", empty for unlimited
	CPULimit      string   // e.g. "1.5", empty for unlimited
}

// Adapter wraps the host container CLI binary ("docker" or "podman").
type Adapter struct {
	Binary  string
	runner  *procrun.Runner
	Timeout time.Duration
}

// New creates an Adapter for the given CLI binary.
func New(binary string, runner *procrun.Runner) *Adapter {
	if runner == nil {
		runner = procrun.New()
	}
	return &Adapter{Binary: binary, runner: runner, Timeout: DefaultTimeout}
}

var (
	nameInUsePattern = regexp.MustCompile(`(?i)already in use`)
	brokenPattern    = regexp.MustCompile(`(?i)conmon|libpod|exit file`)
)

// IsNameInUse reports whether output is the engine's "container name is
// already in use" failure for the given container name.
func IsNameInUse(output, name string) bool {
	return nameInUsePattern.MatchString(output) && strings.Contains(output, name)
}

// IsBrokenContainer reports whether exitCode/output matches the
// engine-specific broken-container fingerprint (spec.md §4.2, Glossary).
func IsBrokenContainer(exitCode int, output string) bool {
	return exitCode == -1 || brokenPattern.MatchString(output)
}

// normalizeScalar returns the last non-empty line of output, which strips
// noise lines some engines (podman-as-docker) emit to stdout ahead of the
// actual inspect value, e.g. "Emulate Docker CLI using podman. Create...".
func normalizeScalar(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}

func (a *Adapter) run(ctx context.Context, timeout time.Duration, args ...string) (*procrun.Result, error) {
	if timeout <= 0 {
		timeout = a.Timeout
	}
	argv := append([]string{a.Binary}, args...)
	return a.runner.Run(ctx, argv, nil, timeout)
}

// Status inspects a container and returns one of NOT_CREATED, RUNNING, an
// engine-specific upper-case state, or UNKNOWN.
func (a *Adapter) Status(ctx context.Context, name string) (string, error) {
	res, err := a.run(ctx, 0, "inspect", "--format", "{{.State.Status}}", name)
	if err != nil {
		return "", agenterr.Wrap(err, "inspect status failed").WithErr(err)
	}
	out := string(res.Output)
	if res.ExitCode != 0 {
		if strings.Contains(out, "No such") || strings.Contains(out, "no such") {
			return "NOT_CREATED", nil
		}
		if IsBrokenContainer(res.ExitCode, out) {
			return "UNKNOWN", nil
		}
		return "UNKNOWN", nil
	}
	state := normalizeScalar(res.Output)
	if state == "" {
		return "UNKNOWN", nil
	}
	if strings.EqualFold(state, "running") {
		return "RUNNING", nil
	}
	return strings.ToUpper(state), nil
}

// Image returns the image reference the container was created with.
func (a *Adapter) Image(ctx context.Context, name string) (string, error) {
	res, err := a.run(ctx, 0, "inspect", "--format", "{{.Config.Image}}", name)
	if err != nil {
		return "", agenterr.Wrap(err, "inspect image failed")
	}
	if res.ExitCode != 0 {
		return "", agenterr.Newf(agenterr.KindSubprocessFailure, "inspect image: %s", string(res.Output)).WithOutput(string(res.Output))
	}
	return normalizeScalar(res.Output), nil
}

// Mounts returns the bind mounts configured on the container.
func (a *Adapter) Mounts(ctx context.Context, name string) ([]Mount, error) {
	res, err := a.run(ctx, 0, "inspect", "--format", "{{range .Mounts}}{{.Source}}=>{{.Destination}}\n{{end}}", name)
	if err != nil {
		return nil, agenterr.Wrap(err, "inspect mounts failed")
	}
	if res.ExitCode != 0 {
		return nil, agenterr.Newf(agenterr.KindSubprocessFailure, "inspect mounts: %s", string(res.Output)).WithOutput(string(res.Output))
	}
	var mounts []Mount
	for _, line := range strings.Split(strings.TrimSpace(string(res.Output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=>", 2)
		if len(parts) != 2 {
			continue
		}
		mounts = append(mounts, Mount{Source: parts[0], Destination: parts[1]})
	}
	return mounts, nil
}

// Start starts a created-but-stopped container.
func (a *Adapter) Start(ctx context.Context, name string) error {
	res, err := a.run(ctx, 0, "start", name)
	if err != nil {
		return agenterr.Wrap(err, "start failed")
	}
	if res.ExitCode != 0 {
		return agenterr.Newf(agenterr.KindSubprocessFailure, "start %s failed", name).WithOutput(string(res.Output))
	}
	return nil
}

// Stop stops a running container.
func (a *Adapter) Stop(ctx context.Context, name string) error {
	res, err := a.run(ctx, 0, "stop", name)
	if err != nil {
		return agenterr.Wrap(err, "stop failed")
	}
	if res.ExitCode != 0 {
		return agenterr.Newf(agenterr.KindSubprocessFailure, "stop %s failed", name).WithOutput(string(res.Output))
	}
	return nil
}

// Remove removes a container, applying an engine-specific broken-container
// cleanup fallback when the plain remove fails with the broken fingerprint
// (spec.md §4.2: "attempts an engine-specific cleanup before giving up").
func (a *Adapter) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	res, err := a.run(ctx, 0, args...)
	if err != nil {
		return agenterr.Wrap(err, "remove failed")
	}
	if res.ExitCode == 0 {
		return nil
	}
	out := string(res.Output)
	if IsBrokenContainer(res.ExitCode, out) {
		if cleanupErr := a.cleanupBroken(ctx, name); cleanupErr == nil {
			return nil
		}
	}
	return agenterr.Newf(agenterr.KindSubprocessFailure, "remove %s failed", name).WithOutput(out)
}

// cleanupBroken runs the engine-specific fallback for a container stuck in a
// broken state (conmon death, missing exit file): podman's own cleanup verb
// followed by a force remove with zero grace.
func (a *Adapter) cleanupBroken(ctx context.Context, name string) error {
	if a.Binary == "podman" {
		_, _ = a.run(ctx, 0, "container", "cleanup", name)
	}
	res, err := a.run(ctx, 0, "rm", "-f", "--time", "0", name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("cleanup remove failed: %s", string(res.Output))
	}
	return nil
}

// Run builds and executes a `run` invocation from spec, retrying once after
// a remove on a name-in-use failure (spec.md §4.3 step 7, §9).
func (a *Adapter) Run(ctx context.Context, spec RunSpec) error {
	res, err := a.run(ctx, 0, a.buildRunArgs(spec)...)
	if err != nil {
		return agenterr.Wrap(err, "run failed")
	}
	if res.ExitCode == 0 {
		return nil
	}
	out := string(res.Output)
	if IsNameInUse(out, spec.Name) {
		if rmErr := a.Remove(ctx, spec.Name, true); rmErr == nil {
			res2, err2 := a.run(ctx, 0, a.buildRunArgs(spec)...)
			if err2 == nil && res2.ExitCode == 0 {
				return nil
			}
			if res2 != nil {
				out = string(res2.Output)
			}
		}
	}
	return agenterr.Newf(agenterr.KindSubprocessFailure, "run %s failed", spec.Name).WithOutput(out)
}

func (a *Adapter) buildRunArgs(spec RunSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name}
	if spec.RestartPolicy != "" {
		args = append(args, "--restart", spec.RestartPolicy)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort))
	}
	for _, v := range spec.Volumes {
		bind := fmt.Sprintf("%s:%s", v.Source, v.Destination)
		if v.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	if spec.CPULimit != "" {
		args = append(args, "--cpus", spec.CPULimit)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return args
}

// Exec runs a shell script inside the container and returns the full
// command result (caller interprets exit codes, e.g. 42 for
// ALREADY_RUNNING).
func (a *Adapter) Exec(ctx context.Context, name, script string, timeout time.Duration) (*procrun.Result, error) {
	if timeout <= 0 {
		timeout = a.Timeout
	}
	argv := []string{a.Binary, "exec", "-i", name, "bash", "-c", script}
	return a.runner.Run(ctx, argv, nil, timeout)
}

// StreamExec runs argv inside the container with stdin and stdout connected
// live to the caller's pipes, instead of the batch capture-then-return
// Exec uses - the WebSocket terminal's interactive shell (spec.md §4.6)
// needs to read the shell's prompt and echo back keystrokes as they
// happen, not after the process exits. It blocks until the process exits
// or ctx is cancelled.
func (a *Adapter) StreamExec(ctx context.Context, name string, argv []string, stdin io.Reader, stdout io.Writer) error {
	full := append([]string{a.Binary, "exec", "-i", name}, argv...)
	return a.runner.RunStreaming(ctx, full, stdin, stdout)
}

// NetworkEnsure creates the network if it doesn't already exist.
func (a *Adapter) NetworkEnsure(ctx context.Context, network string) error {
	res, err := a.run(ctx, 0, "network", "inspect", network)
	if err != nil {
		return agenterr.Wrap(err, "network inspect failed")
	}
	if res.ExitCode == 0 {
		return nil
	}
	res2, err := a.run(ctx, 0, "network", "create", network)
	if err != nil {
		return agenterr.Wrap(err, "network create failed")
	}
	if res2.ExitCode != 0 && !strings.Contains(string(res2.Output), "already exists") {
		return agenterr.Newf(agenterr.KindSubprocessFailure, "network create %s failed", network).WithOutput(string(res2.Output))
	}
	return nil
}

// NetworkConnect attaches a container to a network, tolerating "already
// connected".
func (a *Adapter) NetworkConnect(ctx context.Context, network, name string) error {
	res, err := a.run(ctx, 0, "network", "connect", network, name)
	if err != nil {
		return agenterr.Wrap(err, "network connect failed")
	}
	if res.ExitCode != 0 && !strings.Contains(strings.ToLower(string(res.Output)), "already") {
		return agenterr.Newf(agenterr.KindSubprocessFailure, "network connect %s/%s failed", network, name).WithOutput(string(res.Output))
	}
	return nil
}

// RegistryLogin performs a best-effort registry login via stdin.
func (a *Adapter) RegistryLogin(ctx context.Context, registry, user, password string) error {
	if user == "" || password == "" {
		return nil
	}
	argv := []string{a.Binary, "login", "--username", user, "--password-stdin"}
	if registry != "" {
		argv = append(argv, registry)
	}
	res, err := a.runner.Run(ctx, argv, []byte(password), a.Timeout)
	if err != nil {
		return agenterr.Newf(agenterr.KindTransient, "registry login failed: %v", err)
	}
	if res.ExitCode != 0 {
		return agenterr.Newf(agenterr.KindTransient, "registry login failed").WithOutput(string(res.Output))
	}
	return nil
}
