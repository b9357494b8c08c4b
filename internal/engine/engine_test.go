package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeScalar_StripsNoiseLines(t *testing.T) {
	out := normalizeScalar([]byte("Emulate Docker CLI using podman. Create /etc/containers/nodocker\nrunning\n"))
	assert.Equal(t, "running", out)
}

func TestNormalizeScalar_Empty(t *testing.T) {
	assert.Equal(t, "", normalizeScalar([]byte("\n\n  \n")))
}

func TestIsNameInUse(t *testing.T) {
	assert.True(t, IsNameInUse(`Error: The container name "/nodeagent-ws-42" is already in use`, "nodeagent-ws-42"))
	assert.False(t, IsNameInUse("some other error", "nodeagent-ws-42"))
	assert.False(t, IsNameInUse("already in use", "nodeagent-ws-42"))
}

func TestIsBrokenContainer(t *testing.T) {
	assert.True(t, IsBrokenContainer(-1, ""))
	assert.True(t, IsBrokenContainer(1, "conmon: exit file not found for container"))
	assert.True(t, IsBrokenContainer(1, "error in libpod runtime"))
	assert.False(t, IsBrokenContainer(1, "no space left on device"))
}

func TestBuildRunArgs(t *testing.T) {
	a := New("docker", nil)
	spec := RunSpec{
		Name:          "nodeagent-ws-42",
		Image:         "node:20-bookworm",
		RestartPolicy: "unless-stopped",
		Network:       "nodeagent-network",
		Ports:         []PortBind{{HostPort: 20001, ContainerPort: 5173}},
		Volumes:       []VolumeBind{{Source: "/data/workspaces/42", Destination: "/workspace"}},
		Env:           []string{"FOO=bar"},
		Labels:        map[string]string{"managed-by": "nodeagent"},
		Cmd:           []string{"sleep", "infinity"},
	}
	args := a.buildRunArgs(spec)

	assert.Contains(t, args, "--name")
	assert.Contains(t, args, "nodeagent-ws-42")
	assert.Contains(t, args, "--restart")
	assert.Contains(t, args, "unless-stopped")
	assert.Contains(t, args, "-p")
	assert.Contains(t, args, "20001:5173")
	assert.Contains(t, args, "-v")
	assert.Contains(t, args, "/data/workspaces/42:/workspace")
	assert.Contains(t, args, "node:20-bookworm")
	assert.Equal(t, "sleep", args[len(args)-2])
	assert.Equal(t, "infinity", args[len(args)-1])
}

func TestBuildRunArgs_ReadOnlyVolume(t *testing.T) {
	a := New("docker", nil)
	spec := RunSpec{
		Name:    "x",
		Image:   "node:20",
		Volumes: []VolumeBind{{Source: "/a", Destination: "/b", ReadOnly: true}},
	}
	args := a.buildRunArgs(spec)
	assert.Contains(t, args, "/a:/b:ro")
}
