package runengine

import (
	"fmt"
	"strings"

	"github.com/forgepad/nodeagent/internal/config"
	"github.com/forgepad/nodeagent/internal/enum"
)

// shellQuote single-quotes s for safe interpolation into a generated shell
// script, following the teacher's docker_volume.go escaping idiom
// (replace each embedded quote with the close-quote/escaped-quote/open-quote
// sequence).
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// LaunchSpec carries everything the script generator needs to build one
// task's outer and inner scripts.
type LaunchSpec struct {
	UserID        string
	AppID         string
	RunType       enum.RunType
	AppDir        string // in-container path, e.g. /workspace/apps/<appId>
	RunDir        string // in-container path, e.g. /workspace/run
	ContainerPort int
	BasePath      string // "/" or "/ws/<userId>/"
	ScriptName    string // npm script to run (START only; DEV/BUILD/INSTALL are fixed)
	ScriptIsVite  bool
	IsConcurrent  bool
	ServerClass   bool
	// ConcurrentChildScript/ConcurrentSiblingScript are set when IsConcurrent
	// and FindConcurrentChild locates a Vite-bearing child and its server
	// sibling; when set, taskCommand spawns the two directly in parallel
	// instead of running the concurrently wrapper verbatim (spec.md §4.4).
	ConcurrentChildScript   string
	ConcurrentSiblingScript string
	LogPath                 string // in-container path
	NpmCache                config.NpmCacheStrategy
	NpmCacheMaxMB           int
}

// initialState returns the state the observer should report immediately
// after LAUNCHED (spec.md §4.4).
func (s LaunchSpec) initialState() enum.RunState {
	switch s.RunType {
	case enum.RunTypeBuild:
		return enum.StateBuilding
	case enum.RunTypeInstall:
		return enum.StateInstalling
	default:
		return enum.StateStarting
	}
}

// BuildOuterScript returns the launcher script executed synchronously via
// `container.Exec`: it enforces the single-writer pid-file mutex, writes the
// initial run meta, and forks the inner script into the background
// (spec.md §4.4, "Mutex").
func BuildOuterScript(s LaunchSpec, innerScriptPath string, startedAt int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/bash\nset -u\n")
	fmt.Fprintf(&b, "PIDFILE=%s\n", shellQuote(s.RunDir+"/dev.pid"))
	fmt.Fprintf(&b, "METAFILE=%s\n", shellQuote(s.RunDir+"/current.json"))
	b.WriteString("if [ -f \"$PIDFILE\" ]; then\n")
	b.WriteString("  OLDPID=$(cat \"$PIDFILE\" 2>/dev/null)\n")
	b.WriteString("  if [ -n \"$OLDPID\" ] && kill -0 \"$OLDPID\" 2>/dev/null; then\n")
	b.WriteString("    exit 42\n")
	b.WriteString("  fi\n")
	b.WriteString("fi\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(s.RunDir))
	fmt.Fprintf(&b, "cat > \"$METAFILE\" <<'EOF'\n%s\nEOF\n", initialMetaJSON(s, startedAt))
	fmt.Fprintf(&b, "setsid nohup bash %s >> %s 2>&1 < /dev/null &\n", shellQuote(innerScriptPath), shellQuote(s.LogPath))
	b.WriteString("INNER_PID=$!\n")
	b.WriteString("echo \"$INNER_PID\" > \"$PIDFILE\"\n")
	fmt.Fprintf(&b, "echo \"LAUNCHED:%s\"\n", s.initialState())
	return b.String()
}

func initialMetaJSON(s LaunchSpec, startedAt int64) string {
	return fmt.Sprintf(`{"appId":%q,"type":%q,"pid":null,"startedAt":%d,"finishedAt":null,"exitCode":null,"logPath":%q}`,
		s.AppID, s.RunType, startedAt, s.LogPath)
}

// BuildInnerScript returns the detached child script: it takes over the
// target port (DEV/START), installs the ps shim if needed, applies the npm
// cache strategy, sets environment, and finally runs the task command,
// rewriting current.json with the real pid and (for finite tasks) the exit
// code (spec.md §4.4, "Port takeover", "ps shim", "npm cache strategy").
func BuildInnerScript(s LaunchSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -u\n")
	fmt.Fprintf(&b, "METAFILE=%s\n", shellQuote(s.RunDir+"/current.json"))
	fmt.Fprintf(&b, "cd %s || exit 2\n", shellQuote(s.AppDir))

	if s.RunType.IsLongRunning() {
		b.WriteString(portTakeoverSnippet(s.ContainerPort))
	}
	if s.IsConcurrent {
		b.WriteString(psShimSnippet())
	}
	b.WriteString(npmCacheSnippet(s))
	b.WriteString(envSnippet(s))

	cmd := taskCommand(s)
	b.WriteString("(\n")
	fmt.Fprintf(&b, "  %s &\n", cmd)
	b.WriteString("  CHILD=$!\n")
	b.WriteString("  echo \"$CHILD\" > \"$METAFILE.pid\"\n")
	fmt.Fprintf(&b, "  node -e %s \"$METAFILE\" \"$CHILD\" 2>/dev/null || true\n", shellQuote(rewritePidHelper()))
	b.WriteString("  wait \"$CHILD\"\n")
	b.WriteString("  EXIT=$?\n")
	if !s.RunType.IsLongRunning() {
		fmt.Fprintf(&b, "  FINISHED=$(date +%%s)\n")
		fmt.Fprintf(&b, "  node -e %s \"$METAFILE\" \"$EXIT\" \"$FINISHED\" 2>/dev/null || true\n", shellQuote(rewriteFinishedHelper()))
	}
	b.WriteString(")\n")
	return b.String()
}

// portTakeoverSnippet resolves the inode of any existing listener on the
// target port by scanning /proc/net/tcp[6], then walks /proc/*/fd to find
// and kill the holder, TERM then KILL (spec.md §4.4).
func portTakeoverSnippet(port int) string {
	return fmt.Sprintf(`
take_over_port() {
  local port_hex
  port_hex=$(printf '%%04X' %d)
  local inode=""
  for procfile in /proc/net/tcp /proc/net/tcp6; do
    [ -r "$procfile" ] || continue
    inode=$(awk -v p="$port_hex" '$2 ~ (":" p "$") {print $10; exit}' "$procfile")
    [ -n "$inode" ] && break
  done
  [ -z "$inode" ] && return 0
  for fd in /proc/[0-9]*/fd/*; do
    [ -e "$fd" ] || continue
    link=$(readlink "$fd" 2>/dev/null) || continue
    case "$link" in
      "socket:[$inode]")
        pid=$(echo "$fd" | cut -d/ -f3)
        kill -TERM "$pid" 2>/dev/null
        sleep 0.2
        kill -KILL "$pid" 2>/dev/null
        ;;
    esac
  done
}
take_over_port
`, port)
}

// psShimSnippet installs a minimal `ps` replacement for minimal images that
// lack one, supporting the one invocation concurrently needs:
// `ps -o pid --no-headers --ppid <PPID>` (spec.md §4.4, "ps shim").
func psShimSnippet() string {
	return `
if ! command -v ps >/dev/null 2>&1; then
  mkdir -p "$PWD/../run/bin"
  cat > "$PWD/../run/bin/ps" <<'PSEOF'
#!/bin/bash
ppid_filter=""
for ((i=1; i<=$#; i++)); do
  if [ "${!i}" = "--ppid" ]; then
    j=$((i+1))
    ppid_filter="${!j}"
  fi
done
for stat in /proc/[0-9]*/status; do
  pid=$(basename "$(dirname "$stat")")
  ppid=$(awk '/^PPid:/{print $2}' "$stat")
  if [ "$ppid" = "$ppid_filter" ]; then
    echo "$pid"
  fi
done
PSEOF
  chmod +x "$PWD/../run/bin/ps"
  export PATH="$PWD/../run/bin:$PATH"
fi
`
}

// npmCacheSnippet sets NPM_CONFIG_CACHE per the configured strategy and
// prunes it when it exceeds the configured cap (spec.md §4.4, "npm cache
// strategy").
func npmCacheSnippet(s LaunchSpec) string {
	switch s.NpmCache {
	case config.NpmCacheApp:
		return fmt.Sprintf("export NPM_CONFIG_CACHE=%s\nmkdir -p \"$NPM_CONFIG_CACHE\"\n"+
			"cache_size_mb=$(du -sm \"$NPM_CONFIG_CACHE\" 2>/dev/null | cut -f1)\n"+
			"if [ -n \"$cache_size_mb\" ] && [ \"$cache_size_mb\" -gt %d ]; then rm -rf \"$NPM_CONFIG_CACHE\"/_cacache; fi\n",
			shellQuote(s.AppDir+"/.npm-cache"), s.NpmCacheMaxMB)
	case config.NpmCacheDisabled:
		return "export NPM_CONFIG_CACHE=/tmp/npm-cache-$$\ntrap 'rm -rf \"$NPM_CONFIG_CACHE\"' EXIT\n"
	default: // CONTAINER
		return ""
	}
}

// envSnippet exports PORT/HOST/NODE_ENV/BASE_PATH per spec.md §4.4.
func envSnippet(s LaunchSpec) string {
	var b strings.Builder
	if s.RunType == enum.RunTypeStart && s.ServerClass {
		fmt.Fprintf(&b, "export PORT=%d\n", s.ContainerPort)
		b.WriteString("export HOST=0.0.0.0\n")
		b.WriteString("export NODE_ENV=production\n")
		b.WriteString("export BASE_PATH=/\n")
	} else {
		fmt.Fprintf(&b, "export BASE_PATH=%s\n", shellQuote(s.BasePath))
	}
	return b.String()
}

// taskCommand builds the npm invocation for the task kind.
func taskCommand(s LaunchSpec) string {
	switch s.RunType {
	case enum.RunTypeDev:
		if s.ScriptIsVite {
			return fmt.Sprintf("npm run dev -- --base %s --host 0.0.0.0 --port %d", shellQuote(s.BasePath), s.ContainerPort)
		}
		return "npm run dev"
	case enum.RunTypeStart:
		if s.IsConcurrent && s.ConcurrentChildScript != "" && s.ConcurrentSiblingScript != "" {
			return fmt.Sprintf("(npm run %s -- --base %s --host 0.0.0.0 --port %d & npm run %s & wait)",
				shellQuote(s.ConcurrentChildScript), shellQuote(s.BasePath), s.ContainerPort, shellQuote(s.ConcurrentSiblingScript))
		}
		if s.IsConcurrent {
			return fmt.Sprintf("npm run %s", shellQuote(s.ScriptName))
		}
		if s.ScriptIsVite {
			return fmt.Sprintf("npm run %s -- --base %s --host 0.0.0.0 --port %d", shellQuote(s.ScriptName), shellQuote(s.BasePath), s.ContainerPort)
		}
		return fmt.Sprintf("npm run %s", shellQuote(s.ScriptName))
	case enum.RunTypeBuild:
		return "npm ci --include=dev 2>/dev/null || npm install --include=dev; npm run build"
	case enum.RunTypeInstall:
		return "npm install --include=dev || npm install --include=dev --legacy-peer-deps"
	default:
		return "true"
	}
}

// rewritePidHelper is a tiny embedded Node snippet (node ships with the
// container's node:20 image, unlike python) that rewrites current.json's
// pid field once the real child pid is known, preserving every other field
// (spec.md §3, "updated by the inner launch script when the long-lived
// child is known").
func rewritePidHelper() string {
	return `const fs=require("fs");const[,,path,pid]=process.argv;` +
		`const m=JSON.parse(fs.readFileSync(path,"utf8"));m.pid=parseInt(pid,10);` +
		`fs.writeFileSync(path,JSON.stringify(m));`
}

// rewriteFinishedHelper rewrites current.json's exitCode/finishedAt for
// finite tasks (BUILD/INSTALL) once the child has exited.
func rewriteFinishedHelper() string {
	return `const fs=require("fs");const[,,path,exitCode,finished]=process.argv;` +
		`const m=JSON.parse(fs.readFileSync(path,"utf8"));` +
		`m.exitCode=parseInt(exitCode,10);m.finishedAt=parseInt(finished,10);` +
		`fs.writeFileSync(path,JSON.stringify(m));`
}
