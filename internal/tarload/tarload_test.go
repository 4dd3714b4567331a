package tarload

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bazel-contrib/imgmover/internal/cache"
)

func buildArchive(t *testing.T, configBytes []byte, layers map[string][]byte, manifest []ManifestItem) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeEntry := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(data)),
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}

	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	writeEntry("manifest.json", manifestBytes)
	writeEntry("config.json", configBytes)
	for name, data := range layers {
		writeEntry(name, data)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// buildArchiveManifestLast writes the per-layer directories before
// manifest.json, matching how docker save actually orders its archive: it
// walks each image layer writing `<sha>/VERSION`, `<sha>/json`, and
// `<sha>/layer.tar` as it builds them, and appends manifest.json only once
// every layer is known.
func buildArchiveManifestLast(t *testing.T, configBytes []byte, layers map[string][]byte, manifest []ManifestItem) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeEntry := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(data)),
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}

	for name, data := range layers {
		writeEntry(name, data)
	}
	writeEntry("config.json", configBytes)
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)
	writeEntry("manifest.json", manifestBytes)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestIngest_SingleLayerImage(t *testing.T) {
	config := []byte(`{"architecture":"amd64"}`)
	layer := []byte("layer tarball bytes")

	archive := buildArchive(t, config, map[string][]byte{"layer1/layer.tar": layer}, []ManifestItem{
		{Config: "config.json", RepoTags: []string{"app:v1"}, Layers: []string{"layer1/layer.tar"}},
	})

	c := cache.New(t.TempDir())
	require.NoError(t, c.Init())

	result, err := Ingest(bytes.NewReader(archive), c, "app", "v1")
	require.NoError(t, err)
	require.Equal(t, "app", result.Repository)
	require.Equal(t, "v1", result.Reference)
	require.NotEmpty(t, result.ManifestDigest)

	raw, err := c.GetManifest("app", "v1")
	require.NoError(t, err)
	require.Contains(t, string(raw), "schemaVersion")
}

func TestIngest_MissingManifestJSON(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	data := []byte("orphan layer")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "layer1/layer.tar", Size: int64(len(data))}))
	_, err := tw.Write(data)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	c := cache.New(t.TempDir())
	require.NoError(t, c.Init())

	_, err = Ingest(bytes.NewReader(buf.Bytes()), c, "app", "v1")
	require.Error(t, err)
}

func TestIngest_MultiLayerImage(t *testing.T) {
	config := []byte(`{"architecture":"arm64"}`)
	layers := map[string][]byte{
		"layer1/layer.tar": []byte("first layer"),
		"layer2/layer.tar": []byte("second layer"),
	}
	archive := buildArchive(t, config, layers, []ManifestItem{
		{Config: "config.json", Layers: []string{"layer1/layer.tar", "layer2/layer.tar"}},
	})

	c := cache.New(t.TempDir())
	require.NoError(t, c.Init())

	_, err := Ingest(bytes.NewReader(archive), c, "multi", "latest")
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.BlobCount) // config + 2 layers
}

func TestIngest_DetectsGzipLayerMediaType(t *testing.T) {
	config := []byte(`{"architecture":"amd64"}`)
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err := w.Write([]byte("plain layer content"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	archive := buildArchive(t, config, map[string][]byte{"layer1/layer.tar": gz.Bytes()}, []ManifestItem{
		{Config: "config.json", Layers: []string{"layer1/layer.tar"}},
	})

	c := cache.New(t.TempDir())
	require.NoError(t, c.Init())

	_, err = Ingest(bytes.NewReader(archive), c, "app", "v1")
	require.NoError(t, err)

	raw, err := c.GetManifest("app", "v1")
	require.NoError(t, err)
	require.Contains(t, string(raw), specs.MediaTypeImageLayerGzip)
}

func TestIngest_ManifestJSONAfterLayers(t *testing.T) {
	config := []byte(`{"architecture":"amd64"}`)
	layers := map[string][]byte{
		"layer1/layer.tar": []byte("first layer"),
		"layer2/layer.tar": []byte("second layer"),
	}
	archive := buildArchiveManifestLast(t, config, layers, []ManifestItem{
		{Config: "config.json", Layers: []string{"layer1/layer.tar", "layer2/layer.tar"}},
	})

	c := cache.New(t.TempDir())
	require.NoError(t, c.Init())

	result, err := Ingest(bytes.NewReader(archive), c, "app", "v1")
	require.NoError(t, err)
	require.NotEmpty(t, result.ManifestDigest)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.BlobCount) // config + 2 layers

	raw, err := c.GetManifest("app", "v1")
	require.NoError(t, err)
	require.Contains(t, string(raw), "schemaVersion")
}

func TestIngest_ManifestJSONBetweenLayers(t *testing.T) {
	config := []byte(`{"architecture":"amd64"}`)
	layer1 := []byte("first layer")
	layer2 := []byte("second layer")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	writeEntry("layer1/layer.tar", layer1)
	writeEntry("config.json", config)
	manifestBytes, err := json.Marshal([]ManifestItem{
		{Config: "config.json", Layers: []string{"layer1/layer.tar", "layer2/layer.tar"}},
	})
	require.NoError(t, err)
	writeEntry("manifest.json", manifestBytes)
	writeEntry("layer2/layer.tar", layer2)
	require.NoError(t, tw.Close())

	c := cache.New(t.TempDir())
	require.NoError(t, c.Init())

	_, err = Ingest(bytes.NewReader(buf.Bytes()), c, "app", "v1")
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, stats.BlobCount)
}

func TestIngest_CorruptGzipLayerFails(t *testing.T) {
	config := []byte(`{"architecture":"amd64"}`)
	// A valid gzip header followed by truncated/garbage body.
	corrupt := []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x01, 0x02, 0x03}

	archive := buildArchive(t, config, map[string][]byte{"layer1/layer.tar": corrupt}, []ManifestItem{
		{Config: "config.json", Layers: []string{"layer1/layer.tar"}},
	})

	c := cache.New(t.TempDir())
	require.NoError(t, c.Init())

	_, err := Ingest(bytes.NewReader(archive), c, "app", "v1")
	require.Error(t, err)
}
