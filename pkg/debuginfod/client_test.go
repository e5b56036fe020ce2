package debuginfod

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchByBuildIDSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/buildid/deadbeef/debuginfo", r.URL.Path)
		w.Write([]byte("elf-bytes"))
	}))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL})
	rc, err := c.FetchByBuildID(context.Background(), "deadbeef", KindDebugInfo)
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "elf-bytes", string(body))
}

func TestFetchByBuildIDFallsBackToSecondServer(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("found"))
	}))
	defer good.Close()

	c := NewHTTPClient([]string{bad.URL, good.URL})
	rc, err := c.FetchByBuildID(context.Background(), "cafef00d", KindExecutable)
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "found", string(body))
}

func TestFetchByBuildIDAllServersFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL})
	_, err := c.FetchByBuildID(context.Background(), "nope", KindDebugInfo)
	assert.Error(t, err)
}

func TestFetchByBuildIDNoServersConfigured(t *testing.T) {
	c := NewHTTPClient(nil)
	_, err := c.FetchByBuildID(context.Background(), "x", KindDebugInfo)
	assert.Error(t, err)
}
