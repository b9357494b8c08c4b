package supervisor

import (
	"testing"

	"github.com/forgepad/nodeagent/internal/engine"
	"github.com/stretchr/testify/assert"
)

func TestContainerName_Deterministic(t *testing.T) {
	s := New("/data", engine.New("docker", nil), Desired{NamePrefix: "nodeagent-ws-"})
	assert.Equal(t, "nodeagent-ws-42", s.ContainerName("42"))
	assert.Equal(t, "nodeagent-ws-42", s.ContainerName("42"))
}

func TestRegistryHostOf(t *testing.T) {
	assert.Equal(t, "registry.example.com", registryHostOf("registry.example.com/org/image:tag"))
	assert.Equal(t, "localhost:5000", registryHostOf("localhost:5000/image"))
	assert.Equal(t, "", registryHostOf("node:20-bookworm"))
	assert.Equal(t, "", registryHostOf("library/node"))
}

func TestLockFor_ReturnsSameMutexPerUser(t *testing.T) {
	s := New("/data", engine.New("docker", nil), Desired{})
	l1 := s.lockFor("42")
	l2 := s.lockFor("42")
	l3 := s.lockFor("43")
	assert.Same(t, l1, l2)
	assert.NotSame(t, l1, l3)
}
