package orphangc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAppIDSource_ExistingAppIDs_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["app-1","app-2"]`))
	}))
	defer srv.Close()

	src := NewHTTPAppIDSource(srv.URL, "s3cret")
	ids, err := src.ExistingAppIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"app-1": true, "app-2": true}, ids)
}

func TestHTTPAppIDSource_ExistingAppIDs_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPAppIDSource(srv.URL, "")
	_, err := src.ExistingAppIDs(context.Background())
	assert.Error(t, err)
}

func TestHTTPAppIDSource_ExistingAppIDs_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	src := NewHTTPAppIDSource(srv.URL, "")
	_, err := src.ExistingAppIDs(context.Background())
	assert.Error(t, err)
}

func TestHTTPAppIDSource_ExistingAppIDs_EmptyArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	src := NewHTTPAppIDSource(srv.URL, "")
	ids, err := src.ExistingAppIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
