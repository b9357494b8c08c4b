package realtime

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepad/nodeagent/internal/activity"
)

func TestStatusSnapshot_HashChangesWithState(t *testing.T) {
	a := StatusSnapshot{State: "IDLE"}
	b := StatusSnapshot{State: "RUNNING"}
	assert.NotEqual(t, a.hash(), b.hash())
}

func TestStatusSnapshot_HashStableForSameContent(t *testing.T) {
	a := StatusSnapshot{State: "RUNNING", AppID: "7"}
	b := StatusSnapshot{State: "RUNNING", AppID: "7"}
	assert.Equal(t, a.hash(), b.hash())
}

func TestEscapeSSEData_StripsNewlines(t *testing.T) {
	assert.Equal(t, "a b c", escapeSSEData("a\nb\nc"))
}

type fixedFetcher struct {
	snapshot StatusSnapshot
}

func (f fixedFetcher) FetchStatus(ctx context.Context, userID string) (StatusSnapshot, error) {
	return f.snapshot, nil
}

func TestSSEHandler_ServeUser_EmitsStatusThenStopsOnDisconnect(t *testing.T) {
	tracker := activity.New()
	h := NewSSEHandler(fixedFetcher{snapshot: StatusSnapshot{State: "RUNNING"}}, tracker, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", "/internal/apps/42/status", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeUser(rec, req, "42")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeUser did not return after context cancellation")
	}

	require.Contains(t, rec.Body.String(), "event: status")
	assert.Contains(t, rec.Body.String(), `"state":"RUNNING"`)
}

func TestSSEHandler_ServeUser_RejectsMissingUserID(t *testing.T) {
	tracker := activity.New()
	h := NewSSEHandler(fixedFetcher{}, tracker, nil)

	req := httptest.NewRequest("GET", "/internal/apps//status", nil)
	rec := httptest.NewRecorder()
	h.ServeUser(rec, req, "")

	assert.Equal(t, 400, rec.Code)
}
