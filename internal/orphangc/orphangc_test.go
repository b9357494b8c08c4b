package orphangc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgepad/nodeagent/internal/engine"
	"github.com/forgepad/nodeagent/internal/runengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAppIDSource struct {
	ids map[string]bool
}

func (f fakeAppIDSource) ExistingAppIDs(context.Context) (map[string]bool, error) {
	return f.ids, nil
}

func TestSweep_RemovesOrphanedAppDirAndKeepsKnown(t *testing.T) {
	root := t.TempDir()
	appsDir := filepath.Join(root, "42", "apps")
	require.NoError(t, os.MkdirAll(filepath.Join(appsDir, "7"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(appsDir, "9"), 0o755))

	c := New(root, fakeAppIDSource{ids: map[string]bool{"7": true}}, nil)
	c.Sweep(context.Background())

	_, err := os.Stat(filepath.Join(appsDir, "7"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(appsDir, "9"))
	assert.True(t, os.IsNotExist(err))
}

func TestSweep_SkipsQuarantinedDirs(t *testing.T) {
	root := t.TempDir()
	appsDir := filepath.Join(root, "42", "apps")
	quarantined := filepath.Join(appsDir, "9.deleted-123456")
	require.NoError(t, os.MkdirAll(quarantined, 0o755))

	c := New(root, fakeAppIDSource{ids: map[string]bool{}}, nil)
	c.Sweep(context.Background())

	_, err := os.Stat(quarantined)
	assert.NoError(t, err)
}

func TestSweep_RemovesOrphanedLogs(t *testing.T) {
	root := t.TempDir()
	runDir := filepath.Join(root, "42", "run")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "run-dev-9-1000.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "run-dev-7-1000.log"), []byte("x"), 0o644))

	c := New(root, fakeAppIDSource{ids: map[string]bool{"7": true}}, nil)
	c.Sweep(context.Background())

	_, err := os.Stat(filepath.Join(runDir, "run-dev-9-1000.log"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(runDir, "run-dev-7-1000.log"))
	assert.NoError(t, err)
}

func TestCleanupOnAppDeleted_RemovesAppDir(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "42", "apps", "7")
	require.NoError(t, os.MkdirAll(appDir, 0o755))

	re := runengine.New(root, "/workspace", engine.New("docker", nil), "APP", 512, 5)
	err := CleanupOnAppDeleted(context.Background(), root, "42", "7", "nodeagent-ws-42", re, nil)
	require.NoError(t, err)

	_, statErr := os.Stat(appDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanupOnAppDeleted_RemovesMatchingLogs(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "42", "apps", "7")
	runDir := filepath.Join(root, "42", "run")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "run-dev-7-1000.log"), []byte("x"), 0o644))

	re := runengine.New(root, "/workspace", engine.New("docker", nil), "APP", 512, 5)
	err := CleanupOnAppDeleted(context.Background(), root, "42", "7", "nodeagent-ws-42", re, nil)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(runDir, "run-dev-7-1000.log"))
	assert.True(t, os.IsNotExist(statErr))
}
