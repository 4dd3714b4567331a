package cache

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bazel-contrib/imgmover/internal/digest"
)

func mustDigest(t *testing.T, data []byte) digest.Digest {
	t.Helper()
	sum := sha256.Sum256(data)
	d, err := digest.Parse(fmt.Sprintf("sha256:%x", sum))
	require.NoError(t, err)
	return d
}

func TestCache_PutGetBlob(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Init())

	data := []byte("layer bytes")
	d := mustDigest(t, data)

	res, err := c.PutBlob(d, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, PutOK, res)
	require.True(t, c.Exists(d))

	r, err := c.GetBlob(d)
	require.NoError(t, err)
	defer r.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	require.Equal(t, data, buf.Bytes())
}

func TestCache_PutBlob_Idempotent(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Init())

	data := []byte("repeat me")
	d := mustDigest(t, data)

	res1, err := c.PutBlob(d, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, PutOK, res1)

	res2, err := c.PutBlob(d, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, PutOK, res2)
}

func TestCache_PutBlob_DigestMismatch(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Init())

	data := []byte("actual content")
	wrong := digest.Digest("sha256:0000000000000000000000000000000000000000000000000000000000000000")

	res, err := c.PutBlob(wrong, bytes.NewReader(data))
	require.Error(t, err)
	require.Equal(t, PutMismatch, res)
	require.False(t, c.Exists(wrong))
}

func TestCache_PutBlob_Concurrent(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Init())

	data := []byte("shared blob")
	d := mustDigest(t, data)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.PutBlob(d, bytes.NewReader(data))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.True(t, c.Exists(d))
}

func TestCache_PutManifestAndIndex(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Init())

	raw := []byte(`{"schemaVersion":2,"config":{"digest":"sha256:aa"},"layers":[]}`)
	entry, err := c.PutManifest("library/nginx", "latest", raw, "application/vnd.oci.image.manifest.v1+json", SourceRegistry)
	require.NoError(t, err)
	require.Equal(t, "library/nginx", entry.Repository)
	require.Equal(t, "latest", entry.Reference)

	got, err := c.GetManifest("library/nginx", "latest")
	require.NoError(t, err)
	require.Equal(t, raw, got)

	images, err := c.ListImages()
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, entry.ManifestDigest, images[0].ManifestDigest)
}

func TestCache_PutManifest_UpsertsSameKey(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Init())

	raw1 := []byte(`{"schemaVersion":2}`)
	_, err := c.PutManifest("app/web", "v1", raw1, "application/vnd.oci.image.manifest.v1+json", SourceRegistry)
	require.NoError(t, err)

	raw2 := []byte(`{"schemaVersion":2,"extra":true}`)
	_, err = c.PutManifest("app/web", "v1", raw2, "application/vnd.oci.image.manifest.v1+json", SourceTar)
	require.NoError(t, err)

	images, err := c.ListImages()
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, SourceTar, images[0].Source)

	got, err := c.GetManifest("app/web", "v1")
	require.NoError(t, err)
	require.Equal(t, raw2, got)
}

func TestCache_Stats(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Init())

	data := []byte("blob one")
	d := mustDigest(t, data)
	_, err := c.PutBlob(d, bytes.NewReader(data))
	require.NoError(t, err)

	raw := []byte(`{"schemaVersion":2}`)
	_, err = c.PutManifest("app/web", "v1", raw, "application/vnd.oci.image.manifest.v1+json", SourceRegistry)
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.ManifestCount)
	require.Equal(t, 1, stats.BlobCount)
	require.Equal(t, int64(len(data)), stats.TotalBytes)
}

func TestCache_Path(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	d := digest.Digest("sha256:abcd1234567890abcd1234567890abcd1234567890abcd1234567890abcd1234")
	want := filepath.Join(dir, "blobs", "sha256", "abcd1234567890abcd1234567890abcd1234567890abcd1234567890abcd1234")
	require.Equal(t, want, c.Path(d))
}
