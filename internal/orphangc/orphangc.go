// Package orphangc implements the Orphan Garbage Collector (spec.md §4.8,
// C9): a scheduled sweep reconciling on-disk app directories, run logs, and
// per-app databases against an authoritative app-id set supplied by the
// control plane.
//
// Scheduling is grounded on github.com/robfig/cron/v3 (adopted from
// kubetask-io-kubetask, replacing a hand-rolled "sleep until 02:00" loop);
// the "attempt everything, aggregate failures" sweep shape is grounded on
// the teacher's use of github.com/hashicorp/go-multierror for the same
// purpose.
package orphangc

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/forgepad/nodeagent/internal/logger"
	"github.com/forgepad/nodeagent/internal/runengine"
)

// AppIDSource supplies the authoritative set of application ids that still
// exist upstream, per sweep.
type AppIDSource interface {
	ExistingAppIDs(ctx context.Context) (map[string]bool, error)
}

// DatabaseDropper drops a per-app database if it is orphaned.
type DatabaseDropper interface {
	DropDatabase(ctx context.Context, appID string) error
	ListDatabases(ctx context.Context) ([]string, error)
}

// ContainerChecker best-effort-removes a user's container if it looks
// broken, used by the per-app cleanup hook.
type ContainerChecker interface {
	RemoveIfBroken(ctx context.Context, userID string) error
}

var numericAppDir = regexp.MustCompile(`^[0-9]+$`)
var quarantinePattern = regexp.MustCompile(`\.deleted-\d+$`)
var dbNamePattern = regexp.MustCompile(`^db_(\d+)$`)

// Collector runs the orphan sweep and per-app cleanup hook.
type Collector struct {
	root   string
	apps   AppIDSource
	dbs    DatabaseDropper
	cron   *cron.Cron
	cronID cron.EntryID
}

// New creates a Collector rooted at root (the agent's workspace root).
func New(root string, apps AppIDSource, dbs DatabaseDropper) *Collector {
	return &Collector{root: root, apps: apps, dbs: dbs, cron: cron.New()}
}

// Start schedules the daily sweep per cronSpec (spec.md §4.8, "Daily (e.g.
// 02:00)") and returns once scheduling succeeds.
func (c *Collector) Start(ctx context.Context, cronSpec string) error {
	id, err := c.cron.AddFunc(cronSpec, func() { c.Sweep(ctx) })
	if err != nil {
		return err
	}
	c.cronID = id
	c.cron.Start()
	return nil
}

// Stop halts the scheduler.
func (c *Collector) Stop() {
	c.cron.Stop()
}

// Sweep reconciles every on-disk user directory against the authoritative
// app-id set, aggregating failures rather than aborting on the first
// (spec.md §4.8).
func (c *Collector) Sweep(ctx context.Context) {
	log := logger.Get(ctx)
	var errs *multierror.Error

	existing, err := c.apps.ExistingAppIDs(ctx)
	if err != nil {
		log.Warn("orphan gc: fetch existing app ids failed, skipping sweep", zap.Error(err))
		return
	}

	userDirs, err := os.ReadDir(c.root)
	if err != nil {
		log.Warn("orphan gc: read workspace root failed", zap.Error(err))
		return
	}

	for _, userDir := range userDirs {
		if !userDir.IsDir() {
			continue
		}
		userID := userDir.Name()
		if err := c.sweepUser(ctx, userID, existing); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if c.dbs != nil {
		if err := c.sweepDatabases(ctx, existing); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if errs != nil {
		log.Warn("orphan gc: sweep completed with errors", zap.Error(errs.ErrorOrNil()))
	}
}

func (c *Collector) sweepUser(ctx context.Context, userID string, existing map[string]bool) error {
	var errs *multierror.Error

	appsDir := filepath.Join(c.root, userID, "apps")
	entries, err := os.ReadDir(appsDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() || quarantinePattern.MatchString(e.Name()) {
				continue
			}
			if !numericAppDir.MatchString(e.Name()) {
				continue
			}
			if !existing[e.Name()] {
				if err := os.RemoveAll(filepath.Join(appsDir, e.Name())); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
	} else if !os.IsNotExist(err) {
		errs = multierror.Append(errs, err)
	}

	runDir := filepath.Join(c.root, userID, "run")
	logEntries, err := os.ReadDir(runDir)
	if err == nil {
		for _, e := range logEntries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "run-") || !strings.HasSuffix(e.Name(), ".log") {
				continue
			}
			appID, ok := runengine.ExtractAppIDFromLogName(e.Name())
			if !ok || !numericAppDir.MatchString(appID) {
				continue
			}
			if !existing[appID] {
				if err := os.Remove(filepath.Join(runDir, e.Name())); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
	} else if !os.IsNotExist(err) {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

func (c *Collector) sweepDatabases(ctx context.Context, existing map[string]bool) error {
	names, err := c.dbs.ListDatabases(ctx)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, name := range names {
		m := dbNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if !existing[m[1]] {
			if err := c.dbs.DropDatabase(ctx, m[1]); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// CleanupOnAppDeleted is the per-app cleanup hook triggered by the control
// plane on application deletion (spec.md §4.8): stop the run if it's the
// deleted app, remove apps/<appId> with retries, falling back to
// quarantine, remove matching logs, and best-effort remove a broken
// container.
func CleanupOnAppDeleted(ctx context.Context, root, userID, appID, containerName string, runs *runengine.Engine, containers ContainerChecker) error {
	if meta, err := runengine.LoadMeta(root, userID); err == nil && meta != nil && meta.AppID == appID {
		if err := runs.Stop(ctx, containerName, userID); err != nil {
			logger.Get(ctx).Warn("orphan gc: stop run before app deletion failed",
				zap.String("userId", userID), zap.String("appId", appID), zap.Error(err))
		}
	}

	appDir := filepath.Join(root, userID, "apps", appID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := os.RemoveAll(appDir); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}
	if lastErr != nil {
		quarantined := appDir + ".deleted-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := os.Rename(appDir, quarantined); err != nil {
			return err
		}
		// One more attempt at the quarantined path; if it still can't be
		// removed, the quarantine itself is the accepted terminal state
		// (testable property: apps/a is gone, or apps/a.deleted-<ts> exists).
		if err := os.RemoveAll(quarantined); err != nil {
			logger.Get(ctx).Warn("orphan gc: app directory left quarantined",
				zap.String("path", quarantined), zap.Error(err))
		}
	}

	runDir := filepath.Join(root, userID, "run")
	entries, err := os.ReadDir(runDir)
	if err == nil {
		for _, e := range entries {
			if strings.Contains(e.Name(), "-"+appID+"-") && strings.HasSuffix(e.Name(), ".log") {
				_ = os.Remove(filepath.Join(runDir, e.Name()))
			}
		}
	}

	if containers != nil {
		_ = containers.RemoveIfBroken(ctx, userID)
	}
	return nil
}
