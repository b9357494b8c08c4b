package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgepad/nodeagent/internal/agenterr"
)

func TestPortLookupAllowed_Loopback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal/port", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	assert.True(t, portLookupAllowed(req, "secret-token"))
}

func TestPortLookupAllowed_ValidTokenHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal/port", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Internal-Token", "secret-token")
	assert.True(t, portLookupAllowed(req, "secret-token"))
}

func TestPortLookupAllowed_ValidTokenQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal/port?token=secret-token", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.True(t, portLookupAllowed(req, "secret-token"))
}

func TestPortLookupAllowed_RejectsWrongTokenAndNonLoopback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal/port", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Internal-Token", "wrong")
	assert.False(t, portLookupAllowed(req, "secret-token"))
}

func TestPortLookupAllowed_NoTokenConfiguredRejectsNonLoopback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal/port", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.False(t, portLookupAllowed(req, ""))
}

func TestWriteError_MapsKindsToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{agenterr.New(agenterr.KindInputInvalid, "bad"), http.StatusBadRequest},
		{agenterr.New(agenterr.KindStateConflict, "conflict"), http.StatusConflict},
		{agenterr.New(agenterr.KindPreconditionMissing, "missing"), http.StatusPreconditionFailed},
		{agenterr.New(agenterr.KindTransient, "retry"), http.StatusServiceUnavailable},
		{agenterr.New(agenterr.KindSubprocessFailure, "boom"), http.StatusBadGateway},
		{errors.New("unknown"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, c.err)
		assert.Equal(t, c.status, rec.Code)
	}
}
