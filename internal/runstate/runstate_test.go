package runstate

import (
	"testing"
	"time"

	"github.com/forgepad/nodeagent/internal/enum"
	"github.com/stretchr/testify/assert"
)

type fakeProbe struct {
	pidAlive bool
	pidErr   error
	portOpen bool
	portErr  error

	ownerPGID  int
	ownerOK    bool
	ownerErr   error
	recordPGID int
	pgidErr    error
}

func (f fakeProbe) PidAlive(int) (bool, error) { return f.pidAlive, f.pidErr }
func (f fakeProbe) PortOpen(int) (bool, error) { return f.portOpen, f.portErr }
func (f fakeProbe) OwningPGID(int) (int, bool, error) {
	return f.ownerPGID, f.ownerOK, f.ownerErr
}
func (f fakeProbe) PGID(int) (int, error) { return f.recordPGID, f.pgidErr }

func intPtr(i int) *int { return &i }

func TestObserve_NoMeta(t *testing.T) {
	r := Observe(nil, true, 5173, fakeProbe{}, time.Now(), nil)
	assert.Equal(t, enum.StateIdle, r.State)
}

func TestObserve_ContainerNotRunning(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, PID: intPtr(1)}
	r := Observe(meta, false, 5173, fakeProbe{}, time.Now(), nil)
	assert.Equal(t, enum.StateDead, r.State)
}

func TestObserve_StartTimeout(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, StartedAt: time.Now().Add(-2 * time.Minute).Unix()}
	r := Observe(meta, true, 5173, fakeProbe{}, time.Now(), nil)
	assert.Equal(t, enum.StateDead, r.State)
}

func TestObserve_BuildingNoExitCode(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeBuild, StartedAt: time.Now().Unix()}
	r := Observe(meta, true, 5173, fakeProbe{}, time.Now(), nil)
	assert.Equal(t, enum.StateBuilding, r.State)
}

func TestObserve_InstallingWithPidAliveInContainer(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeInstall, PID: intPtr(100), StartedAt: time.Now().Unix()}
	r := Observe(meta, true, 5173, fakeProbe{pidAlive: true}, time.Now(), nil)
	assert.Equal(t, enum.StateInstalling, r.State)
}

func TestObserve_BuildSuccess(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeBuild, PID: intPtr(100), ExitCode: intPtr(0), StartedAt: time.Now().Unix()}
	r := Observe(meta, true, 5173, fakeProbe{pidAlive: false}, time.Now(), nil)
	assert.Equal(t, enum.StateSuccess, r.State)
}

func TestObserve_BuildFailed(t *testing.T) {
	code := 2
	meta := &RunMeta{Type: enum.RunTypeBuild, PID: intPtr(100), ExitCode: &code, StartedAt: time.Now().Unix()}
	r := Observe(meta, true, 5173, fakeProbe{pidAlive: false}, time.Now(), nil)
	assert.Equal(t, enum.StateFailed, r.State)
	assert.Contains(t, r.Message, "2")
}

func TestObserve_DevRunningWithPreviewURL(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, PID: intPtr(100), StartedAt: time.Now().Unix()}
	r := Observe(meta, true, 5173, fakeProbe{pidAlive: true, portOpen: true}, time.Now(), func() string {
		return "https://host/ws/42/"
	})
	assert.Equal(t, enum.StateRunning, r.State)
	assert.Equal(t, "https://host/ws/42/", r.PreviewURL)
}

func TestObserve_DevStartingPortClosed(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, PID: intPtr(100), StartedAt: time.Now().Unix()}
	r := Observe(meta, true, 5173, fakeProbe{pidAlive: true, portOpen: false}, time.Now(), nil)
	assert.Equal(t, enum.StateStarting, r.State)
}

func TestObserve_DevDead(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, PID: intPtr(100), StartedAt: time.Now().Unix()}
	r := Observe(meta, true, 5173, fakeProbe{pidAlive: false}, time.Now(), nil)
	assert.Equal(t, enum.StateDead, r.State)
}

func TestObserve_DevRunningStaleProcessGroupMismatch(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, PID: intPtr(100), StartedAt: time.Now().Unix()}
	probe := fakeProbe{pidAlive: true, portOpen: true, ownerPGID: 999, ownerOK: true, recordPGID: 100}
	r := Observe(meta, true, 5173, probe, time.Now(), nil)
	assert.Equal(t, enum.StateRunning, r.State)
	assert.Contains(t, r.Message, "stale")
}

func TestObserve_DevRunningSameProcessGroupNoHint(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, PID: intPtr(100), StartedAt: time.Now().Unix()}
	probe := fakeProbe{pidAlive: true, portOpen: true, ownerPGID: 100, ownerOK: true, recordPGID: 100}
	r := Observe(meta, true, 5173, probe, time.Now(), nil)
	assert.Equal(t, enum.StateRunning, r.State)
	assert.Equal(t, "", r.Message)
}

func TestObserve_DevRunningOwnerUnresolvedNoHint(t *testing.T) {
	meta := &RunMeta{Type: enum.RunTypeDev, PID: intPtr(100), StartedAt: time.Now().Unix()}
	probe := fakeProbe{pidAlive: true, portOpen: true, ownerOK: false}
	r := Observe(meta, true, 5173, probe, time.Now(), nil)
	assert.Equal(t, enum.StateRunning, r.State)
	assert.Equal(t, "", r.Message)
}

func TestPreviewURL_Sanitizes(t *testing.T) {
	assert.Equal(t, "https://host/ws/42/", PreviewURL("https://host/", "/ws/", "42"))
	assert.Equal(t, "https://host/42/", PreviewURL("https://host", "", "42"))
}
