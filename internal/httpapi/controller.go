// Package httpapi wires the Auth Gate, the container supervisor, the
// managed run engine, the run-state observer and the realtime channel
// behind a chi router (spec.md §6, SPEC_FULL.md §12).
//
// Router shape (middleware stack, route registration style) is grounded on
// the teacher's cmd/server/main.go chi wiring; the domain endpoints
// themselves are new, since the teacher's controller talks to ent/GraphQL
// instead of a per-user container supervisor.
package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgepad/nodeagent/internal/activity"
	"github.com/forgepad/nodeagent/internal/agenterr"
	"github.com/forgepad/nodeagent/internal/engine"
	"github.com/forgepad/nodeagent/internal/enum"
	"github.com/forgepad/nodeagent/internal/logger"
	"github.com/forgepad/nodeagent/internal/pubsub"
	"github.com/forgepad/nodeagent/internal/realtime"
	"github.com/forgepad/nodeagent/internal/runengine"
	"github.com/forgepad/nodeagent/internal/runstate"
	"github.com/forgepad/nodeagent/internal/supervisor"
	"github.com/forgepad/nodeagent/internal/wsmeta"
)

// Controller composes the core components into the request-handling
// operations the router exposes.
type Controller struct {
	root              string
	adapter           *engine.Adapter
	supervisor        *supervisor.Supervisor
	runs              *runengine.Engine
	tracker           *activity.Tracker
	previewBaseURL    string
	previewPathPrefix string
	events            pubsub.PubSub
}

// NewController creates a Controller. events may be nil, in which case the
// early-wake publish (SPEC_FULL.md §12) is skipped and the SSE handler falls
// back to its fixed-delay poll only.
func NewController(root string, adapter *engine.Adapter, sup *supervisor.Supervisor, runs *runengine.Engine, tracker *activity.Tracker, previewBaseURL, previewPathPrefix string, events pubsub.PubSub) *Controller {
	return &Controller{
		root:              root,
		adapter:           adapter,
		supervisor:        sup,
		runs:              runs,
		tracker:           tracker,
		previewBaseURL:    previewBaseURL,
		previewPathPrefix: previewPathPrefix,
		events:            events,
	}
}

// publishRunEvent wakes any subscriber of the user's SSE stream immediately
// instead of making it wait out the next fixed-delay tick (spec.md §4.6,
// SPEC_FULL.md §12). Best-effort: a publish failure only costs the early
// wake, never the underlying operation, so it's logged and swallowed.
func (c *Controller) publishRunEvent(ctx context.Context, userID, appID string, state enum.RunState, message string) {
	if c.events == nil {
		return
	}
	evt := pubsub.RunEvent{UserID: userID, AppID: appID, State: string(state), Message: message}
	if err := c.events.Publish(ctx, pubsub.RunTopic(userID), evt); err != nil {
		logger.Get(ctx).Warn("httpapi: run event publish failed", zap.String("userId", userID), zap.Error(err))
	}
}

// EnsureWorkspace brings the user's container to the desired state and
// touches the activity tracker (spec.md §4.3).
func (c *Controller) EnsureWorkspace(ctx context.Context, userID string) (*wsmeta.Meta, error) {
	c.tracker.Touch(userID)
	return c.supervisor.Ensure(ctx, userID)
}

// LaunchRun ensures the workspace then launches a managed task (spec.md
// §4.4). basePath is forwarded to the launched script for Vite/server-class
// base-path injection.
func (c *Controller) LaunchRun(ctx context.Context, userID, appID string, runType enum.RunType) (*runengine.LaunchOutcome, error) {
	meta, err := c.EnsureWorkspace(ctx, userID)
	if err != nil {
		return nil, err
	}
	containerName := c.supervisor.ContainerName(userID)
	basePath := runstate.PreviewURL("", c.previewPathPrefix, userID)
	outcome, err := c.runs.Launch(ctx, containerName, userID, appID, runType, meta.ContainerPort, basePath)
	if err != nil {
		return nil, err
	}
	if !outcome.AlreadyRunning {
		c.publishRunEvent(ctx, userID, appID, outcome.InitialState, "")
	}
	return outcome, nil
}

// ContainerName returns the user's deterministic container name.
func (c *Controller) ContainerName(userID string) string {
	return c.supervisor.ContainerName(userID)
}

// StopRun stops the user's current managed run (spec.md §4.4).
func (c *Controller) StopRun(ctx context.Context, userID string) error {
	c.tracker.Touch(userID)
	appID := ""
	if runMeta, err := runengine.LoadMeta(c.root, userID); err == nil && runMeta != nil {
		appID = runMeta.AppID
	}
	containerName := c.supervisor.ContainerName(userID)
	if err := c.runs.Stop(ctx, containerName, userID); err != nil {
		return err
	}
	c.publishRunEvent(ctx, userID, appID, enum.StateIdle, "stopped by user")
	return nil
}

// HostPort returns the user's allocated host port, touching the activity
// tracker (spec.md §6, port-lookup endpoint: "preview traffic keep-alive").
func (c *Controller) HostPort(ctx context.Context, userID string) (int, error) {
	c.tracker.Touch(userID)
	meta, err := wsmeta.Load(c.root, userID)
	if err != nil {
		return 0, agenterr.Wrap(err, "load workspace meta").WithErr(err)
	}
	if meta == nil {
		return 0, agenterr.New(agenterr.KindPreconditionMissing, "no workspace provisioned for user")
	}
	return meta.HostPort, nil
}

// FetchStatus implements realtime.StatusFetcher: it reconciles run meta with
// live container/process probes into the bounded state set (spec.md §4.5).
func (c *Controller) FetchStatus(ctx context.Context, userID string) (realtime.StatusSnapshot, error) {
	log := logger.Get(ctx).With(zap.String("userId", userID))
	containerName := c.supervisor.ContainerName(userID)

	status, err := c.adapter.Status(ctx, containerName)
	if err != nil {
		log.Warn("httpapi: container status probe failed", zap.Error(err))
		return realtime.StatusSnapshot{}, err
	}
	containerRunning := status == string(enum.EngineRunning)

	runMeta, err := runengine.LoadMeta(c.root, userID)
	if err != nil {
		return realtime.StatusSnapshot{}, err
	}

	meta, wsErr := wsmeta.Load(c.root, userID)
	if wsErr != nil {
		return realtime.StatusSnapshot{}, wsErr
	}

	var observerMeta *runstate.RunMeta
	if runMeta != nil {
		observerMeta = &runstate.RunMeta{
			AppID:      runMeta.AppID,
			Type:       runMeta.Type,
			PID:        runMeta.PID,
			StartedAt:  runMeta.StartedAt,
			FinishedAt: runMeta.FinishedAt,
			ExitCode:   runMeta.ExitCode,
			LogPath:    runMeta.LogPath,
		}
	}

	containerPort := 0
	if meta != nil {
		containerPort = meta.ContainerPort
	}

	probe := &containerProbe{adapter: c.adapter, containerName: containerName}
	previewFn := func() string { return runstate.PreviewURL(c.previewBaseURL, c.previewPathPrefix, userID) }

	result := runstate.Observe(observerMeta, containerRunning, containerPort, probe, time.Now(), previewFn)

	snapshot := realtime.StatusSnapshot{
		State:      string(result.State),
		Message:    result.Message,
		PreviewURL: result.PreviewURL,
	}
	if runMeta != nil {
		snapshot.AppID = runMeta.AppID
		snapshot.Type = string(runMeta.Type)
		snapshot.PID = runMeta.PID
		snapshot.LogPath = runMeta.LogPath
	}
	return snapshot, nil
}

// RemoveIfBroken implements orphangc.ContainerChecker: best-effort removes
// a user's container if it looks broken (spec.md §4.8, per-app cleanup hook).
func (c *Controller) RemoveIfBroken(ctx context.Context, userID string) error {
	containerName := c.supervisor.ContainerName(userID)
	status, err := c.adapter.Status(ctx, containerName)
	if err != nil {
		return err
	}
	if status == "UNKNOWN" {
		return c.adapter.Remove(ctx, containerName, true)
	}
	return nil
}

// StopContainerForIdle implements reaper.ContainerStopper by delegating to
// the supervisor.
func (c *Controller) StopContainerForIdle(ctx context.Context, userID string) (bool, error) {
	return c.supervisor.StopContainerForIdle(ctx, userID)
}

// StopRunForIdle implements reaper.RunStopper by resolving the user's
// deterministic container name and delegating to the run engine (spec.md
// §9 Open Question: returns true iff a kill was actually issued).
func (c *Controller) StopRunForIdle(ctx context.Context, userID string) (bool, error) {
	containerName := c.supervisor.ContainerName(userID)
	return c.runs.StopRunForIdle(ctx, containerName, userID)
}

// ActivitySnapshot exposes the activity map for the debug endpoint
// (SPEC_FULL.md §12), expressed as idle duration per user at the moment of
// the call.
func (c *Controller) ActivitySnapshot() map[string]string {
	now := time.Now()
	out := make(map[string]string)
	for userID, lastTouch := range c.tracker.Snapshot() {
		out[userID] = now.Sub(lastTouch).String()
	}
	return out
}
