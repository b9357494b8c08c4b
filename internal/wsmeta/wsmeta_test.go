package wsmeta

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	root := t.TempDir()
	m := &Meta{HostPort: 20001, ContainerPort: 5173, Image: "node:20", ContainerName: "nodeagent-ws-42", CreatedAt: 1000}
	require.NoError(t, Save(root, "42", m))

	got, err := Load(root, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *m, *got)
}

func TestLoad_MissingReturnsNilNil(t *testing.T) {
	root := t.TempDir()
	got, err := Load(root, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAllocatePort_SkipsOccupied(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	occupied := ln.Addr().(*net.TCPAddr).Port

	port, err := AllocatePort(occupied, 1, 0)
	assert.Error(t, err)
	assert.Zero(t, port)
}

func TestAllocatePort_WithinWindow(t *testing.T) {
	port, err := AllocatePort(20000, 2000, 42)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 20000)
	assert.Less(t, port, 22000)
}

func TestAllocatePort_NegativeOffsetNormalized(t *testing.T) {
	_, err := AllocatePort(20000, 2000, -5)
	require.NoError(t, err)
}
