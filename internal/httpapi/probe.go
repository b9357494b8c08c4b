package httpapi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forgepad/nodeagent/internal/engine"
)

// probeTimeout bounds the exec calls the observer's container probe makes.
const probeTimeout = 5 * time.Second

// containerProbe implements runstate.Probe by exec'ing tiny shell checks
// inside the user's container, grounded on the /proc-scanning idiom
// internal/runengine/script.go uses for its port-takeover snippet.
type containerProbe struct {
	adapter       *engine.Adapter
	containerName string
}

// PidAlive reports whether pid is alive inside the container.
func (p *containerProbe) PidAlive(pid int) (bool, error) {
	script := fmt.Sprintf("[ -d /proc/%d ]", pid)
	res, err := p.adapter.Exec(context.Background(), p.containerName, script, probeTimeout)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// PortOpen reports whether containerPort is bound inside the container, by
// scanning /proc/net/tcp{,6} the same way the inner launch script's
// take_over_port helper does.
func (p *containerProbe) PortOpen(containerPort int) (bool, error) {
	script := fmt.Sprintf(`
port_hex=$(printf '%%04X' %d)
for f in /proc/net/tcp /proc/net/tcp6; do
  [ -r "$f" ] || continue
  awk -v p="$port_hex" '$2 ~ (":" p "$") {found=1} END {exit !found}' "$f" && exit 0
done
exit 1
`, containerPort)
	res, err := p.adapter.Exec(context.Background(), p.containerName, script, probeTimeout)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// OwningPGID resolves the process group id of whatever process currently
// owns the listening socket on containerPort (spec.md §4.5's stale-process
// diagnostic): it maps the port to its socket inode via /proc/net/tcp{,6}
// (the same idiom PortOpen uses), walks /proc/*/fd looking for an fd symlink
// to that inode, and reads the owning pid's process group from
// /proc/<pid>/stat field 5. ok is false when no listening socket or no
// matching fd owner could be found.
func (p *containerProbe) OwningPGID(containerPort int) (pgid int, ok bool, err error) {
	script := fmt.Sprintf(`
port_hex=$(printf '%%04X' %d)
inode=""
for f in /proc/net/tcp /proc/net/tcp6; do
  [ -r "$f" ] || continue
  inode=$(awk -v p="$port_hex" '$2 ~ (":" p "$") && $4 == "0A" {print $10; exit}' "$f")
  [ -n "$inode" ] && break
done
[ -n "$inode" ] || exit 1
for fd in /proc/[0-9]*/fd/*; do
  link=$(readlink "$fd" 2>/dev/null) || continue
  [ "$link" = "socket:[$inode]" ] || continue
  pid=$(echo "$fd" | cut -d/ -f3)
  stat=$(cat "/proc/$pid/stat" 2>/dev/null) || continue
  rest=${stat#*) }
  set -- $rest
  echo "$3"
  exit 0
done
exit 1
`, containerPort)
	res, err := p.adapter.Exec(context.Background(), p.containerName, script, probeTimeout)
	if err != nil {
		return 0, false, err
	}
	if res.ExitCode != 0 {
		return 0, false, nil
	}
	pgid, perr := strconv.Atoi(strings.TrimSpace(string(res.Output)))
	if perr != nil {
		return 0, false, nil
	}
	return pgid, true, nil
}

// PGID reports pid's process group id, read from /proc/<pid>/stat field 5.
func (p *containerProbe) PGID(pid int) (int, error) {
	script := fmt.Sprintf(`
stat=$(cat "/proc/%d/stat" 2>/dev/null) || exit 1
rest=${stat#*) }
set -- $rest
echo "$3"
`, pid)
	res, err := p.adapter.Exec(context.Background(), p.containerName, script, probeTimeout)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("pgid probe: pid %d not found", pid)
	}
	pgid, perr := strconv.Atoi(strings.TrimSpace(string(res.Output)))
	if perr != nil {
		return 0, fmt.Errorf("pgid probe: malformed stat output: %w", perr)
	}
	return pgid, nil
}
