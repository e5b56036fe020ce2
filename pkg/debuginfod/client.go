// Package debuginfod is nnd's debuginfod collaborator: a narrow interface
// for fetching separate debug files, executables, and source files by
// build-id from a debuginfod server, plus a minimal net/http-backed
// implementation. Per the spec, debuginfod is an external collaborator —
// this package specifies the client interface nnd's symbol engine calls,
// not a server.
package debuginfod

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ArtifactKind selects which of a build-id's associated artifacts to
// fetch, matching the three URL kinds the debuginfod HTTP protocol
// defines.
type ArtifactKind string

const (
	KindDebugInfo ArtifactKind = "debuginfo"
	KindExecutable ArtifactKind = "executable"
	KindSource    ArtifactKind = "source"
)

// Client fetches artifacts by build-id. FetchByBuildID returns the
// artifact's bytes as a stream the caller must Close; a non-nil error
// (including a 404) means the artifact is unavailable, which pkg/symtab
// treats as a recoverable "missing symbols for this unit" condition, not a
// fatal one.
type Client interface {
	FetchByBuildID(ctx context.Context, buildID string, kind ArtifactKind) (io.ReadCloser, error)
}

// HTTPClient implements Client against one or more debuginfod servers,
// queried in order until one answers with 200, mirroring the
// DEBUGINFOD_URLS environment variable's documented colon-separated
// server-list semantics.
type HTTPClient struct {
	Servers []string
	HTTP    *http.Client
}

// NewHTTPClient builds an HTTPClient against servers, defaulting the
// underlying transport's timeout so a wedged debuginfod server degrades a
// symbol load rather than hanging it indefinitely.
func NewHTTPClient(servers []string) *HTTPClient {
	return &HTTPClient{
		Servers: servers,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchByBuildID tries each configured server in order, returning the
// first 200 response body. Path shape follows the debuginfod protocol:
// "<server>/buildid/<id>/<kind>" for debuginfo/executable, and
// "<server>/buildid/<id>/source/<path>" for source — callers fetching
// source pass the file's repo-relative path as part of buildID via a "/"
// join, since the protocol has no separate parameter for it.
func (c *HTTPClient) FetchByBuildID(ctx context.Context, buildID string, kind ArtifactKind) (io.ReadCloser, error) {
	if len(c.Servers) == 0 {
		return nil, fmt.Errorf("debuginfod: no servers configured")
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var lastErr error
	for _, server := range c.Servers {
		base := strings.TrimRight(server, "/")
		url := fmt.Sprintf("%s/buildid/%s/%s", base, buildID, kind)
		if kind == KindSource {
			if id, path, ok := strings.Cut(buildID, "/"); ok {
				url = fmt.Sprintf("%s/buildid/%s/source/%s", base, id, path)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("debuginfod: %s: %s", url, resp.Status)
			continue
		}
		return resp.Body, nil
	}
	return nil, fmt.Errorf("debuginfod: all servers failed for build-id %s: %w", buildID, lastErr)
}
