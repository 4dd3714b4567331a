package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bazel-contrib/imgmover/internal/imgcfg"
	"github.com/bazel-contrib/imgmover/internal/imgerr"
	"github.com/bazel-contrib/imgmover/internal/obslog"
)

func TestParseChallenge(t *testing.T) {
	header := `Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/nginx:pull,push"`
	c, err := parseChallenge(header)
	require.NoError(t, err)
	require.Equal(t, "https://auth.example.com/token", c.Realm)
	require.Equal(t, "registry.example.com", c.Service)
	require.Equal(t, "repository:library/nginx:pull,push", c.Scope)
}

func TestParseChallenge_MissingRealm(t *testing.T) {
	_, err := parseChallenge(`Bearer service="x"`)
	require.Error(t, err)
}

func newTestServer(t *testing.T, wantScope string) (*httptest.Server, *httptest.Server) {
	var tokenServer *httptest.Server
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good-token" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="registry",scope="%s"`, tokenServer.URL, wantScope))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	tokenServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"good-token"}`)
	}))
	return registry, tokenServer
}

func TestEngine_ExecuteWithRetry_SucceedsAfterChallenge(t *testing.T) {
	scope := PullScope("library/nginx")
	registry, tokenServer := newTestServer(t, string(scope))
	defer registry.Close()
	defer tokenServer.Close()

	e := New(registry.Client(), map[string]imgcfg.Credentials{}, obslog.Discard())

	resp, err := e.ExecuteWithRetry(registry.URL, scope, func(token string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, registry.URL+"/v2/library/nginx/manifests/latest", nil)
		if err != nil {
			return nil, err
		}
		AuthorizeRequest(req, token)
		return req, nil
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEngine_ExecuteWithRetry_TerminalOnSecond401(t *testing.T) {
	// The token endpoint hands out a token that the registry still rejects,
	// so the retried request gets a second 401.
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"rejected-token"}`)
	}))
	defer tokenServer.Close()
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="registry",scope="repository:x:pull"`, tokenServer.URL))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registry.Close()

	e := New(registry.Client(), map[string]imgcfg.Credentials{}, obslog.Discard())
	scope := PullScope("x")

	_, err := e.ExecuteWithRetry(registry.URL, scope, func(token string) (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, registry.URL+"/v2/x/manifests/latest", nil)
		if err != nil {
			return nil, err
		}
		AuthorizeRequest(req, token)
		return req, nil
	})
	require.Error(t, err)
	require.True(t, imgerr.As(err, imgerr.KindAuthFatal))
}
