package runengine

import (
	"strings"
	"testing"

	"github.com/forgepad/nodeagent/internal/config"
	"github.com/forgepad/nodeagent/internal/enum"
	"github.com/stretchr/testify/assert"
)

func baseSpec() LaunchSpec {
	return LaunchSpec{
		UserID:        "42",
		AppID:         "7",
		RunType:       enum.RunTypeDev,
		AppDir:        "/workspace/apps/7",
		RunDir:        "/workspace/run",
		ContainerPort: 5173,
		BasePath:      "/ws/42/",
		LogPath:       "/workspace/run/run-dev-7-1000.log",
		NpmCache:      config.NpmCacheApp,
		NpmCacheMaxMB: 512,
	}
}

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	assert.Equal(t, `'it'\''s a test'`, got)
}

func TestBuildOuterScript_ContainsMutexAndLaunchMarker(t *testing.T) {
	s := baseSpec()
	script := BuildOuterScript(s, "/workspace/run/managed-start.sh", 1000)
	assert.Contains(t, script, "exit 42")
	assert.Contains(t, script, "LAUNCHED:STARTING")
	assert.Contains(t, script, `"appId":"7"`)
}

func TestBuildOuterScript_InitialStateForBuild(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeBuild
	script := BuildOuterScript(s, "/workspace/run/managed-start.sh", 1000)
	assert.Contains(t, script, "LAUNCHED:BUILDING")
}

func TestBuildInnerScript_DevIncludesPortTakeover(t *testing.T) {
	s := baseSpec()
	script := BuildInnerScript(s)
	assert.Contains(t, script, "take_over_port")
}

func TestBuildInnerScript_BuildSkipsPortTakeover(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeBuild
	script := BuildInnerScript(s)
	assert.NotContains(t, script, "take_over_port")
}

func TestBuildInnerScript_ConcurrentIncludesPsShim(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeStart
	s.IsConcurrent = true
	script := BuildInnerScript(s)
	assert.Contains(t, script, "ps")
	assert.True(t, strings.Contains(script, "PPid"))
}

func TestNpmCacheSnippet_Strategies(t *testing.T) {
	s := baseSpec()
	s.NpmCache = config.NpmCacheApp
	assert.Contains(t, npmCacheSnippet(s), ".npm-cache")

	s.NpmCache = config.NpmCacheDisabled
	assert.Contains(t, npmCacheSnippet(s), "/tmp/npm-cache")

	s.NpmCache = config.NpmCacheContainer
	assert.Equal(t, "", npmCacheSnippet(s))
}

func TestTaskCommand_Build(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeBuild
	assert.Contains(t, taskCommand(s), "npm run build")
}

func TestTaskCommand_Install(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeInstall
	assert.Contains(t, taskCommand(s), "--legacy-peer-deps")
}

func TestTaskCommand_DevVite(t *testing.T) {
	s := baseSpec()
	s.ScriptIsVite = true
	cmd := taskCommand(s)
	assert.Contains(t, cmd, "--base")
	assert.Contains(t, cmd, "5173")
}

func TestTaskCommand_ConcurrentWithResolvedChildSpawnsBothInParallel(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeStart
	s.ScriptName = "start"
	s.IsConcurrent = true
	s.ConcurrentChildScript = "dev:client"
	s.ConcurrentSiblingScript = "dev:server"
	cmd := taskCommand(s)
	assert.Contains(t, cmd, "npm run 'dev:client' -- --base")
	assert.Contains(t, cmd, "npm run 'dev:server'")
	assert.Contains(t, cmd, "5173")
	assert.NotContains(t, cmd, "npm run 'start'")
}

func TestTaskCommand_ConcurrentWithoutResolvedChildRunsVerbatim(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeStart
	s.ScriptName = "start"
	s.IsConcurrent = true
	cmd := taskCommand(s)
	assert.Equal(t, "npm run 'start'", cmd)
}

func TestEnvSnippet_ServerClassForcesRootBasePath(t *testing.T) {
	s := baseSpec()
	s.RunType = enum.RunTypeStart
	s.ServerClass = true
	snippet := envSnippet(s)
	assert.Contains(t, snippet, "BASE_PATH=/\n")
	assert.Contains(t, snippet, "NODE_ENV=production")
}
