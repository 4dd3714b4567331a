// Package auth implements the Registry v2 Bearer challenge/refresh flow.
// The teacher delegates this entirely to go-containerregistry's authn
// package (see pull_tool/pkg/auth/registry/registry.go's
// authn.NewMultiKeychain), which does not expose the raw challenge wire
// format this module needs to own, so the flow is hand-written here against
// the WWW-Authenticate contract directly.
package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bazel-contrib/imgmover/internal/imgcfg"
	"github.com/bazel-contrib/imgmover/internal/imgerr"
	"github.com/bazel-contrib/imgmover/internal/obslog"
)

// Scope is a normalized "repository:<name>:<actions>" scope string, used as
// the token cache key.
type Scope string

// PullScope returns the scope for a read-only pull of repository.
func PullScope(repository string) Scope {
	return Scope(fmt.Sprintf("repository:%s:pull", repository))
}

// PushScope returns the scope for a push (which also implies pull) of
// repository.
func PushScope(repository string) Scope {
	return Scope(fmt.Sprintf("repository:%s:pull,push", repository))
}

// Token is the Bearer Token of spec.md §3: a cached value keyed by scope,
// with no expiry tracked beyond the single 401-triggered staleness flag
// Engine maintains — this matches spec.md's "marked stale on any 401
// response from that scope" rule rather than parsing expires_in.
type Token struct {
	Scope Scope
	Value string
	Stale bool
}

// challenge is a parsed WWW-Authenticate: Bearer header.
type challenge struct {
	Realm   string
	Service string
	Scope   string
}

// parseChallenge parses a header value of the form
// `Bearer realm="URL",service="S",scope="repository:R:pull,push"`.
func parseChallenge(header string) (challenge, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return challenge{}, fmt.Errorf("unsupported WWW-Authenticate scheme: %q", header)
	}
	rest := strings.TrimPrefix(header, prefix)

	var c challenge
	for _, part := range splitChallengeParams(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.Realm = val
		case "service":
			c.Service = val
		case "scope":
			c.Scope = val
		}
	}
	if c.Realm == "" {
		return challenge{}, fmt.Errorf("WWW-Authenticate header missing realm: %q", header)
	}
	return c, nil
}

// splitChallengeParams splits "a=\"x\",b=\"y,z\"" on commas that are not
// inside quotes, since a scope value can itself contain commas
// ("pull,push").
func splitChallengeParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// tokenResponse is the JSON body of a successful token request; servers
// vary between "token" and the older "access_token" key, so both are
// accepted, preferring "token" per spec.md §4.3.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t tokenResponse) value() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// Engine obtains and refreshes Bearer tokens and wraps arbitrary requests
// with the retry-with-refresh discipline spec.md §4.3 requires.
type Engine struct {
	client *http.Client
	creds  map[string]imgcfg.Credentials
	log    obslog.Logger

	mu     sync.Mutex
	tokens map[Scope]*Token
}

// New returns an Engine using client for both challenge and wrapped
// requests, and creds (keyed by registry host) for HTTP Basic when a
// challenge is answered.
func New(client *http.Client, creds map[string]imgcfg.Credentials, log obslog.Logger) *Engine {
	return &Engine{
		client: client,
		creds:  creds,
		log:    log,
		tokens: make(map[Scope]*Token),
	}
}

// challengeFor issues req once without a token to discover whether the
// registry requires authorization, returning the parsed challenge if it
// does, or nil if the request succeeded unauthenticated.
func (e *Engine) challengeFor(req *http.Request, host string) (*challenge, error) {
	probe := req.Clone(req.Context())
	resp, err := e.client.Do(probe)
	if err != nil {
		return nil, imgerr.New(imgerr.KindNetwork, host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, nil
	}
	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil, imgerr.New(imgerr.KindAuthFatal, host, fmt.Errorf("401 response carried no WWW-Authenticate header"))
	}
	c, err := parseChallenge(header)
	if err != nil {
		return nil, imgerr.New(imgerr.KindAuthFatal, host, err)
	}
	return &c, nil
}

// fetchToken performs the challenge's token request, using Basic auth if
// creds has an entry for host.
func (e *Engine) fetchToken(c challenge, host string) (string, error) {
	u, err := url.Parse(c.Realm)
	if err != nil {
		return "", imgerr.New(imgerr.KindAuthFatal, host, fmt.Errorf("invalid realm %q: %w", c.Realm, err))
	}
	q := u.Query()
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}

	var creds imgcfg.Credentials
	if e.creds != nil {
		creds = e.creds[host]
	}
	if creds.Username != "" {
		q.Set("account", creds.Username)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return "", imgerr.New(imgerr.KindAuthFatal, host, err)
	}
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", imgerr.New(imgerr.KindNetwork, host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", imgerr.New(imgerr.KindNetwork, host, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", imgerr.New(imgerr.KindAuthFatal, host, fmt.Errorf("token request returned %d: %s", resp.StatusCode, body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", imgerr.New(imgerr.KindAuthFatal, host, fmt.Errorf("parsing token response: %w", err))
	}
	if tr.value() == "" {
		return "", imgerr.New(imgerr.KindAuthFatal, host, fmt.Errorf("token response carried no token or access_token field"))
	}
	return tr.value(), nil
}

// Token returns a cached, non-stale token for scope if one exists.
func (e *Engine) Token(scope Scope) (Token, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tokens[scope]
	if !ok || t.Stale {
		return Token{}, false
	}
	return *t, true
}

func (e *Engine) store(scope Scope, value string) Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &Token{Scope: scope, Value: value}
	e.tokens[scope] = t
	return *t
}

func (e *Engine) markStale(scope Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tokens[scope]; ok {
		t.Stale = true
	}
}

// Authenticate runs the challenge flow against host/scope using probeReq (a
// lightweight request, typically a manifest or blob HEAD) to discover
// whether a challenge is required, returning a usable Token — possibly with
// an empty Value when the registry needs no authorization at all.
func (e *Engine) Authenticate(probeReq *http.Request, host string, scope Scope) (Token, error) {
	if t, ok := e.Token(scope); ok {
		return t, nil
	}

	c, err := e.challengeFor(probeReq, host)
	if err != nil {
		return Token{}, err
	}
	if c == nil {
		return e.store(scope, ""), nil
	}

	value, err := e.fetchToken(*c, host)
	if err != nil {
		return Token{}, err
	}
	return e.store(scope, value), nil
}

// ExecuteWithRetry attaches the current token for scope (if any) via build,
// executes the request, and on a 401 marks the token stale, re-runs the
// challenge flow exactly once, and retries. A second 401 is terminal, per
// spec.md §4.3.
func (e *Engine) ExecuteWithRetry(host string, scope Scope, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, _ := e.Token(scope)

	req, err := build(token.Value)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, imgerr.New(imgerr.KindNetwork, host, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	e.markStale(scope)
	if e.log != nil {
		e.log.WithField("scope", string(scope)).Debug("token rejected, refreshing")
	}
	probe, err := build("")
	if err != nil {
		return nil, err
	}
	refreshed, err := e.Authenticate(probe, host, scope)
	if err != nil {
		return nil, err
	}

	retryReq, err := build(refreshed.Value)
	if err != nil {
		return nil, err
	}
	resp2, err := e.client.Do(retryReq)
	if err != nil {
		return nil, imgerr.New(imgerr.KindNetwork, host, err)
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		resp2.Body.Close()
		return nil, imgerr.New(imgerr.KindAuthFatal, host, fmt.Errorf("authorization failed after token refresh"))
	}
	return resp2, nil
}

// AuthorizeRequest attaches "Authorization: Bearer <token>" to req when
// token is non-empty, and leaves req unchanged otherwise. It never attaches
// HTTP Basic credentials; those are only sent to the token endpoint.
func AuthorizeRequest(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
