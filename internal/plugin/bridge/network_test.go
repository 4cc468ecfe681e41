// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/capability"
)

func networkBridge(t *testing.T, hosts ...string) *Bridge {
	t.Helper()
	allow, err := capability.NewAllowlist(capability.AllowlistConfig{Hosts: hosts})
	require.NoError(t, err)
	f := NewFactory(Deps{
		Allowlist:      allow,
		StorageDir:     t.TempDir(),
		NetworkRetries: 2,
		RetryBase:      time.Millisecond,
	})
	b, err := f.New(&plugin.Manifest{ID: "net", Name: "net", Version: "1.0.0", Permissions: []plugin.Permission{plugin.PermNetworkRequest}})
	require.NoError(t, err)
	t.Cleanup(b.Dispose)
	return b
}

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func TestNetwork_FetchDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"items":[1,2]}`))
	}))
	defer srv.Close()
	b := networkBridge(t, hostOf(t, srv.URL))

	resp, err := b.Network().Fetch(context.Background(), srv.URL+"/api", FetchOptions{Headers: map[string]string{"Authorization": "token"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"ok": true, "items": []any{float64(1), float64(2)}}, resp.Data)
	assert.Equal(t, "application/json", resp.Headers["content-type"])
}

func TestNetwork_FetchReturnsTextBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()
	b := networkBridge(t, hostOf(t, srv.URL))

	resp, err := b.Network().Fetch(context.Background(), srv.URL, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "plain text", resp.Data)
}

func TestNetwork_RetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`"done"`))
	}))
	defer srv.Close()
	b := networkBridge(t, hostOf(t, srv.URL))

	resp, err := b.Network().Fetch(context.Background(), srv.URL, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Data)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNetwork_DoesNotRetryPost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	b := networkBridge(t, hostOf(t, srv.URL))

	resp, err := b.Network().Fetch(context.Background(), srv.URL, FetchOptions{Method: "post", Body: "{}"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNetwork_RedirectsAreRechecked(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("leaked"))
	}))
	defer target.Close()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer origin.Close()
	b := networkBridge(t, hostOf(t, origin.URL))

	_, err := b.Network().Fetch(context.Background(), origin.URL, FetchOptions{})
	assert.ErrorIs(t, err, plugin.ErrHostNotAllowed)
}

func TestNetwork_RejectsNonHTTPAndUnknownHosts(t *testing.T) {
	b := networkBridge(t, "api.github.com")
	for _, raw := range []string{
		"file:///etc/passwd",
		"ftp://api.github.com/",
		"https://user:pw@api.github.com/",
		"https://api.github.com.evil.io/",
		"http://127.0.0.1:8080/",
	} {
		_, err := b.Network().Fetch(context.Background(), raw, FetchOptions{})
		assert.ErrorIs(t, err, plugin.ErrHostNotAllowed, raw)
	}
}
