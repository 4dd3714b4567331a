package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bazel-contrib/imgmover/internal/auth"
	"github.com/bazel-contrib/imgmover/internal/cache"
	"github.com/bazel-contrib/imgmover/internal/digest"
	"github.com/bazel-contrib/imgmover/internal/imgcfg"
	"github.com/bazel-contrib/imgmover/internal/obslog"
)

// rewireTestTransport points both the orchestrator's shared http client and
// its auth engine at srv, mirroring how New wires the two together in
// production (ExecuteWithRetry executes requests through the engine's own
// client, so it must match the registry client's transport).
func rewireTestTransport(o *Orchestrator, srv *httptest.Server) {
	httpClient := &http.Client{Transport: rewriteToHTTP{srv.URL, nil}}
	o.httpClient = httpClient
	o.auth = auth.New(httpClient, map[string]imgcfg.Credentials{}, obslog.Discard())
}

type fakeRegistry struct {
	blobs     map[string][]byte
	manifests map[string][]byte
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{blobs: map[string][]byte{}, manifests: map[string][]byte{}}
}

func (f *fakeRegistry) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/manifests/") && r.Method == http.MethodGet:
			ref := lastSegment(r.URL.Path)
			body, ok := f.manifests[ref]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
			w.Write(body)
		case strings.Contains(r.URL.Path, "/manifests/") && r.Method == http.MethodPut:
			ref := lastSegment(r.URL.Path)
			body, _ := readAll(r.Body)
			f.manifests[ref] = body
			w.WriteHeader(http.StatusCreated)
		case strings.Contains(r.URL.Path, "/blobs/") && r.Method == http.MethodHead:
			d := lastSegment(r.URL.Path)
			if _, ok := f.blobs[d]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case strings.Contains(r.URL.Path, "/blobs/") && r.Method == http.MethodGet:
			d := lastSegment(r.URL.Path)
			body, ok := f.blobs[d]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(body)
		case strings.HasSuffix(r.URL.Path, "/blobs/uploads/") && r.Method == http.MethodPost:
			w.Header().Set("Location", r.URL.String()+"session1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			d := r.URL.Query().Get("digest")
			body, _ := readAll(r.Body)
			f.blobs[d] = body
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func readAll(r io.Reader) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}

func lastSegment(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}

func testDigest(data []byte) digest.Digest {
	return digest.FromBytes(data)
}

func buildManifest(t *testing.T, configDigest, layerDigest digest.Digest, configSize, layerSize int) []byte {
	m := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config": map[string]any{
			"mediaType": "application/vnd.oci.image.config.v1+json",
			"digest":    configDigest.String(),
			"size":      configSize,
		},
		"layers": []map[string]any{
			{
				"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
				"digest":    layerDigest.String(),
				"size":      layerSize,
			},
		},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestOrchestrator_PullAndCache(t *testing.T) {
	configData := []byte(`{"config":true}`)
	layerData := []byte("layer contents")
	configDigest := testDigest(configData)
	layerDigest := testDigest(layerData)

	reg := newFakeRegistry()
	reg.blobs[configDigest.String()] = configData
	reg.blobs[layerDigest.String()] = layerData
	reg.manifests["v1"] = buildManifest(t, configDigest, layerDigest, len(configData), len(layerData))

	srv := httptest.NewServer(reg.handler())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	cfg := imgcfg.Default()
	cfg.CacheDir = t.TempDir()
	cfg.SkipExisting = true
	o := New(cfg, obslog.Discard())
	rewireTestTransport(o, srv)
	require.NoError(t, o.Init())

	report, err := o.PullAndCache(context.Background(), "app/web", "v1", []string{host})
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Equal(t, 3, report.Succeeded) // manifest + config + layer

	got, err := o.Cache().GetBlob(layerDigest)
	require.NoError(t, err)
	defer got.Close()
	gotData, _ := readAll(got)
	require.Equal(t, layerData, gotData)
}

func TestOrchestrator_PushFromCache(t *testing.T) {
	configData := []byte(`{"config":true}`)
	layerData := []byte("layer contents")
	configDigest := testDigest(configData)
	layerDigest := testDigest(layerData)
	manifestRaw := buildManifest(t, configDigest, layerDigest, len(configData), len(layerData))

	reg := newFakeRegistry()
	srv := httptest.NewServer(reg.handler())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	cfg := imgcfg.Default()
	cfg.CacheDir = t.TempDir()
	o := New(cfg, obslog.Discard())
	rewireTestTransport(o, srv)
	require.NoError(t, o.Init())

	c := o.Cache()
	_, err := c.PutBlob(configDigest, bytes.NewReader(configData))
	require.NoError(t, err)
	_, err = c.PutBlob(layerDigest, bytes.NewReader(layerData))
	require.NoError(t, err)
	_, err = c.PutManifest("app/web", "v1", manifestRaw, "application/vnd.oci.image.manifest.v1+json", cache.SourceRegistry)
	require.NoError(t, err)

	report, err := o.PushFromCache(context.Background(), host, "app/web", "v1", nil)
	require.NoError(t, err)
	require.Empty(t, report.Failed)

	require.Equal(t, configData, reg.blobs[configDigest.String()])
	require.Equal(t, layerData, reg.blobs[layerDigest.String()])
	require.Equal(t, manifestRaw, reg.manifests["v1"])
}

func TestOrchestrator_ExtractAndCache(t *testing.T) {
	cfg := imgcfg.Default()
	cfg.CacheDir = t.TempDir()
	o := New(cfg, obslog.Discard())
	require.NoError(t, o.Init())

	_, err := o.ExtractAndCache(context.Background(), bytes.NewReader(nil), "app/web", "v1")
	require.Error(t, err) // empty reader is not a valid tar stream
}

func TestOrchestrator_PullAndCache_FallsThroughOnFailure(t *testing.T) {
	reg := newFakeRegistry()
	srv := httptest.NewServer(reg.handler())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	cfg := imgcfg.Default()
	cfg.CacheDir = t.TempDir()
	o := New(cfg, obslog.Discard())
	rewireTestTransport(o, srv)
	require.NoError(t, o.Init())

	_, err := o.PullAndCache(context.Background(), "app/web", "missing", []string{"127.0.0.1:1", host})
	require.Error(t, err)
}

type rewriteToHTTP struct {
	base string
	rt   http.RoundTripper
}

func (r rewriteToHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(r.base, "http://")
	rt := r.rt
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

