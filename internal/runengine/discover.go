package runengine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgepad/nodeagent/internal/agenterr"
)

// ignoredDiscoveryDirs are skipped while scanning for package.json, to
// avoid descending into vendored/heavy trees (spec.md §4.4, "ignoring known
// heavy directories").
var ignoredDiscoveryDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
}

// PackageJSON is the subset of package.json fields the engine needs.
type PackageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// FindPackageJSON scans appDir up to depth 2 for a package.json, skipping
// ignoredDiscoveryDirs. It never creates appDir (spec.md §4.4,
// "Pre-run validation").
func FindPackageJSON(appDir string) (string, error) {
	if _, err := os.Stat(appDir); err != nil {
		return "", agenterr.New(agenterr.KindPreconditionMissing,
			"app directory does not exist; call the import/create controller first").WithErr(err)
	}
	direct := filepath.Join(appDir, "package.json")
	if fileExists(direct) {
		return direct, nil
	}
	entries, err := os.ReadDir(appDir)
	if err != nil {
		return "", agenterr.Wrap(err, "read app directory").WithErr(err)
	}
	for _, e := range entries {
		if !e.IsDir() || ignoredDiscoveryDirs[e.Name()] {
			continue
		}
		nested := filepath.Join(appDir, e.Name(), "package.json")
		if fileExists(nested) {
			return nested, nil
		}
	}
	return "", agenterr.New(agenterr.KindPreconditionMissing,
		"package.json not found under app directory; import or create the project first")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadPackageJSON reads and parses a package.json file.
func LoadPackageJSON(path string) (*PackageJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, agenterr.Wrap(err, "read package.json").WithErr(err)
	}
	var pkg PackageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, agenterr.New(agenterr.KindInputInvalid, "malformed package.json").WithErr(err)
	}
	return &pkg, nil
}

// startScriptCandidates is the selection strategy for the START task
// (spec.md §4.4): first present script, in order, wins.
var startScriptCandidates = []string{"start", "preview", "dev", "server"}

// SelectStartScript returns the first matching script name per the
// start->preview->dev->server strategy.
func SelectStartScript(pkg *PackageJSON) (string, error) {
	for _, name := range startScriptCandidates {
		if _, ok := pkg.Scripts[name]; ok {
			return name, nil
		}
	}
	return "", agenterr.New(agenterr.KindPreconditionMissing,
		"no start/preview/dev/server script found in package.json")
}

// IsViteScript reports whether a script's command invokes Vite, used to
// decide whether to inject a base-path flag.
func IsViteScript(command string) bool {
	return strings.Contains(command, "vite")
}

// IsServerClassScript reports whether a START script launches a real
// server process (as opposed to a pure frontend dev/preview server), used
// to decide BASE_PATH/PORT/HOST/NODE_ENV injection (spec.md §4.4).
func IsServerClassScript(scriptName, command string) bool {
	if scriptName == "start" || scriptName == "server" {
		return !IsViteScript(command)
	}
	return false
}

// IsConcurrentlyScript reports whether a script invokes concurrently.
func IsConcurrentlyScript(command string) bool {
	return strings.Contains(command, "concurrently")
}

// ConcurrentlyChildCandidates names the script keys the engine looks for
// when extracting the Vite-bearing child from a concurrently invocation.
var ConcurrentlyChildCandidates = []string{"dev:client", "client"}

// concurrentSiblingByChild maps a recognized Vite-bearing child script name
// to its conventional backend sibling in the same concurrently invocation
// (spec.md §4.4: "spawns it in parallel with its sibling server").
var concurrentSiblingByChild = map[string]string{
	"dev:client": "dev:server",
	"client":     "server",
}

// FindConcurrentChild locates the Vite-bearing child script of a
// concurrently-based START script, and its conventional server sibling, by
// checking ConcurrentlyChildCandidates against the project's own
// package.json scripts (spec.md §4.4). ok is false when no candidate is
// both present and Vite-bearing, or its sibling script is missing - the
// caller then falls back to running the concurrently script verbatim.
func FindConcurrentChild(pkg *PackageJSON) (childName, siblingName string, ok bool) {
	for _, candidate := range ConcurrentlyChildCandidates {
		cmd, present := pkg.Scripts[candidate]
		if !present || !IsViteScript(cmd) {
			continue
		}
		sibling := concurrentSiblingByChild[candidate]
		if _, siblingPresent := pkg.Scripts[sibling]; !siblingPresent {
			continue
		}
		return candidate, sibling, true
	}
	return "", "", false
}
