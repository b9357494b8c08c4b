// Package supervisor implements the Container Supervisor (spec.md §4.3,
// C5): idempotently brings a per-user container to the desired state,
// allocating its host port once and persisting it.
//
// Grounded on the teacher's internal/docker/runner.go CreateBot flow
// (inspect -> drift-check -> recreate-or-reuse -> start) and
// internal/runner/factory.go's per-instance locking idea, generalized here
// to a single engine with per-user locking instead of per-runtime-type
// locking.
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgepad/nodeagent/internal/agenterr"
	"github.com/forgepad/nodeagent/internal/engine"
	"github.com/forgepad/nodeagent/internal/enum"
	"github.com/forgepad/nodeagent/internal/logger"
	"github.com/forgepad/nodeagent/internal/wsmeta"
)

// Desired describes the desired container configuration for a user; the
// supervisor reconciles live state toward this on every Ensure call.
type Desired struct {
	Image         string
	ContainerPort int
	Network       string
	NamePrefix    string
	MountTarget   string
	MemoryLimit   string
	CPULimit      string
	RegistryHost  string
	RegistryUser  string
	RegistryPass  string
	PortScanBase  int
	PortScanWin   int
}

// Supervisor owns per-user container lifecycle.
type Supervisor struct {
	root    string
	adapter *engine.Adapter
	desired Desired

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Supervisor rooted at root (the per-user filesystem tree).
func New(root string, adapter *engine.Adapter, desired Desired) *Supervisor {
	return &Supervisor{
		root:    root,
		adapter: adapter,
		desired: desired,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Supervisor) lockFor(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// ContainerName derives the deterministic container name for a user.
func (s *Supervisor) ContainerName(userID string) string {
	return s.desired.NamePrefix + userID
}

// Ensure idempotently brings the user's container to the desired state
// (spec.md §4.3, steps 1-9).
func (s *Supervisor) Ensure(ctx context.Context, userID string) (*wsmeta.Meta, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	log := logger.Get(ctx).With(zap.String("userId", userID))

	// 1. directories
	userRoot := filepath.Join(s.root, userID)
	if err := os.MkdirAll(filepath.Join(userRoot, "apps"), 0o755); err != nil {
		return nil, agenterr.Wrap(err, "create apps dir").WithErr(err)
	}
	if err := os.MkdirAll(filepath.Join(userRoot, "run"), 0o755); err != nil {
		return nil, agenterr.Wrap(err, "create run dir").WithErr(err)
	}

	// 3. load or initialize meta
	meta, err := wsmeta.Load(s.root, userID)
	if err != nil {
		return nil, agenterr.Wrap(err, "load workspace meta").WithErr(err)
	}
	name := s.ContainerName(userID)
	imageChanged := false
	if meta == nil {
		offset, _ := strconv.Atoi(userID)
		port, perr := wsmeta.AllocatePort(s.desired.PortScanBase, s.desired.PortScanWin, offset)
		if perr != nil {
			return nil, agenterr.Newf(agenterr.KindFatal, "allocate host port: %v", perr)
		}
		meta = &wsmeta.Meta{
			HostPort:      port,
			ContainerPort: s.desired.ContainerPort,
			Image:         s.desired.Image,
			ContainerName: name,
			CreatedAt:     time.Now().UnixMilli(),
		}
		imageChanged = true
	} else if meta.Image != s.desired.Image {
		meta.Image = s.desired.Image
		imageChanged = true
	}

	// 4. best-effort registry login. registryHostOf can't derive a host from
	// an image string like "myorg/myimage" (no dot/colon in the first
	// segment) - s.desired.RegistryHost lets an operator name the private
	// registry explicitly for exactly that case.
	host := registryHostOf(s.desired.Image)
	if host == "" {
		host = s.desired.RegistryHost
	}
	if host != "" && s.desired.RegistryUser != "" {
		if err := s.adapter.RegistryLogin(ctx, host, s.desired.RegistryUser, s.desired.RegistryPass); err != nil {
			log.Warn("registry login failed, continuing", zap.Error(err))
		}
	}

	// 5. inspect + drift detect
	status, err := s.adapter.Status(ctx, name)
	if err != nil {
		return nil, err
	}

	if status == string(enum.EngineRunning) {
		drift, derr := s.hasDrift(ctx, name)
		if derr != nil {
			log.Warn("drift check failed, assuming drift", zap.Error(derr))
			drift = true
		}
		if drift || imageChanged {
			if err := s.adapter.Remove(ctx, name, true); err != nil {
				return nil, err
			}
			status = "NOT_CREATED"
		}
	}

	switch status {
	case string(enum.EngineRunning):
		// already good
	case "NOT_CREATED":
		if err := s.run(ctx, name, userRoot, meta); err != nil {
			return nil, err
		}
	default:
		// created but stopped
		if err := s.adapter.Start(ctx, name); err != nil {
			log.Warn("start failed, removing and recreating", zap.Error(err))
			_ = s.adapter.Remove(ctx, name, true)
			if err := s.run(ctx, name, userRoot, meta); err != nil {
				return nil, err
			}
		}
	}

	// 8. network ensure + connect
	if s.desired.Network != "" {
		if err := s.adapter.NetworkEnsure(ctx, s.desired.Network); err != nil {
			return nil, err
		}
		if err := s.adapter.NetworkConnect(ctx, s.desired.Network, name); err != nil {
			return nil, err
		}
	}

	if err := wsmeta.Save(s.root, userID, meta); err != nil {
		return nil, agenterr.Wrap(err, "save workspace meta").WithErr(err)
	}

	return meta, nil
}

func (s *Supervisor) run(ctx context.Context, name, userRoot string, meta *wsmeta.Meta) error {
	spec := engine.RunSpec{
		Name:          name,
		Image:         s.desired.Image,
		RestartPolicy: "unless-stopped",
		Network:       s.desired.Network,
		Volumes: []engine.VolumeBind{
			{Source: userRoot, Destination: s.desired.MountTarget},
		},
		Labels:      map[string]string{"managed-by": "nodeagent"},
		Cmd:         []string{"sh", "-c", "while true; do sleep 3600; done"},
		MemoryLimit: s.desired.MemoryLimit,
		CPULimit:    s.desired.CPULimit,
	}
	return s.adapter.Run(ctx, spec)
}

// hasDrift reports whether the live container's image or mounts no longer
// match desired configuration.
func (s *Supervisor) hasDrift(ctx context.Context, name string) (bool, error) {
	image, err := s.adapter.Image(ctx, name)
	if err != nil {
		return false, err
	}
	if image != s.desired.Image {
		return true, nil
	}
	mounts, err := s.adapter.Mounts(ctx, name)
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		if m.Destination == s.desired.MountTarget {
			return false, nil
		}
	}
	return true, nil
}

// Remove force-removes a user's container, applying the engine's
// broken-container cleanup fallback automatically (spec.md §4.3,
// "Broken-state cleanup").
func (s *Supervisor) Remove(ctx context.Context, userID string) error {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.adapter.Remove(ctx, s.ContainerName(userID), true)
}

// StopContainerForIdle stops a user's container only if it is currently
// RUNNING, returning whether a stop was actually issued (spec.md §4.7:
// "only stops a container that is already RUNNING"). It satisfies the idle
// reaper's ContainerStopper interface.
func (s *Supervisor) StopContainerForIdle(ctx context.Context, userID string) (bool, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	name := s.ContainerName(userID)
	status, err := s.adapter.Status(ctx, name)
	if err != nil {
		return false, err
	}
	if status != string(enum.EngineRunning) {
		return false, nil
	}
	if err := s.adapter.Stop(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

func registryHostOf(image string) string {
	parts := strings.SplitN(image, "/", 2)
	if len(parts) < 2 {
		return ""
	}
	first := parts[0]
	if strings.Contains(first, ".") || strings.Contains(first, ":") {
		return first
	}
	return ""
}
