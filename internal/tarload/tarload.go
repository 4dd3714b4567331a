// Package tarload ingests a docker-save tar archive directly into the
// content-addressed cache, streaming each layer/config member through a
// digest verifier without ever buffering a whole layer in memory. The
// per-entry shape (ManifestItem with Config/Layers fields) is grounded on
// the tarfile.Source reference implementation; unlike that implementation we
// cannot seek back into the archive, so entries seen before manifest.json is
// read are digested and stored speculatively and only resolved against it
// afterward — see Ingest's doc comment.
package tarload

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/klauspost/compress/gzip"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bazel-contrib/imgmover/internal/cache"
	"github.com/bazel-contrib/imgmover/internal/digest"
	"github.com/bazel-contrib/imgmover/internal/imgref"
)

// ManifestItem is one entry of a docker-save manifest.json: the legacy
// per-image descriptor naming a config file and an ordered list of layer
// tarball paths within the same archive.
type ManifestItem struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Result is what Ingest returns: the digest of the synthesized manifest now
// sitting in the cache, plus the repository/reference it was stored under.
type Result struct {
	ManifestDigest digest.Digest
	Repository     string
	Reference      string
}

// candidateBlob is what Ingest records for a tar entry it has stored before
// knowing whether manifest.json will end up naming it as the config, a
// layer, or nothing at all.
type candidateBlob struct {
	mediaType string
	digest    digest.Digest
	size      int64
}

// Ingest streams tarReader — a docker-save archive — into c, storing the
// config and every layer as cache blobs addressed by their own computed
// digest, then synthesizing and storing an OCI image manifest referencing
// them by digest/size/mediaType.
//
// The archive is read exactly once, forward-only: no tar entry's body is
// buffered in memory, and the archive is never re-opened or sought. Real
// docker-save archives do not reliably put manifest.json ahead of the layer
// directories it references — the tar writer visits `<sha>/` directories as
// it builds them and appends manifest.json last. So until manifest.json has
// been read, Ingest cannot tell whether a given entry is the config, a
// layer, or an unrelated sidecar (each layer directory also holds a VERSION
// file and a legacy per-layer json); it digests and stores every such entry
// speculatively — once, never re-reading its body — and only resolves which
// of those stored blobs are the config and layers after manifest.json turns
// up, wherever in the stream that happens to be. Once manifest.json has been
// read, later entries are matched against it directly and anything it
// doesn't name is skipped without being stored at all.
func Ingest(tarReader io.Reader, c *cache.Cache, repository, reference string) (Result, error) {
	tr := tar.NewReader(tarReader)

	var item *ManifestItem
	var configDigest digest.Digest
	var configSize int64
	layerDigests := make(map[string]digest.Digest) // tar path -> computed digest
	layerSizes := make(map[string]int64)
	layerMediaTypes := make(map[string]string)
	candidates := make(map[string]candidateBlob) // tar path -> blob stored before item was known

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("reading tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)

		switch {
		case name == "manifest.json":
			items, err := parseManifestJSON(tr)
			if err != nil {
				return Result{}, err
			}
			if len(items) == 0 {
				return Result{}, fmt.Errorf("manifest.json contains no image entries")
			}
			chosen := items[0]
			item = &chosen

		case item != nil && name == path.Clean(item.Config):
			d, size, err := digestAndStore(c, tr)
			if err != nil {
				return Result{}, fmt.Errorf("storing config %q: %w", name, err)
			}
			configDigest, configSize = d, size

		case item != nil && isLayerPath(item, name):
			mediaType, d, size, err := digestAndStoreLayer(c, tr)
			if err != nil {
				return Result{}, fmt.Errorf("storing layer %q: %w", name, err)
			}
			layerDigests[name] = d
			layerSizes[name] = size
			layerMediaTypes[name] = mediaType

		case item == nil:
			// manifest.json hasn't been seen yet, so name's role is unknown.
			// digestAndStoreLayer handles plain and gzip content alike, so it
			// works whether this entry turns out to be the config (plain
			// JSON, never gzip) or a layer; the guessed mediaType is only
			// used if it's later resolved as a layer.
			mediaType, d, size, err := digestAndStoreLayer(c, tr)
			if err != nil {
				return Result{}, fmt.Errorf("storing %q: %w", name, err)
			}
			candidates[name] = candidateBlob{mediaType: mediaType, digest: d, size: size}

		default:
			// item is known and name matches neither its config nor any of
			// its layers — an unrelated sidecar or another image's entry.
			// Skip without buffering.
		}
	}

	if item == nil {
		return Result{}, fmt.Errorf("archive has no manifest.json")
	}

	if configDigest.Empty() {
		if cand, ok := candidates[path.Clean(item.Config)]; ok {
			configDigest, configSize = cand.digest, cand.size
		}
	}
	if configDigest.Empty() {
		return Result{}, fmt.Errorf("config %q referenced by manifest.json was never found in archive", item.Config)
	}

	layers := make([]imgref.Descriptor, 0, len(item.Layers))
	for _, layerPath := range item.Layers {
		name := path.Clean(layerPath)
		d, ok := layerDigests[name]
		mediaType := layerMediaTypes[name]
		size := layerSizes[name]
		if !ok {
			cand, candOK := candidates[name]
			if !candOK {
				return Result{}, fmt.Errorf("layer %q referenced by manifest.json was never found in archive", layerPath)
			}
			d, mediaType, size = cand.digest, cand.mediaType, cand.size
		}
		layers = append(layers, imgref.Descriptor{
			MediaType: mediaType,
			Digest:    d,
			Size:      size,
		})
	}

	manifest := struct {
		SchemaVersion int                 `json:"schemaVersion"`
		MediaType     string              `json:"mediaType"`
		Config        imgref.Descriptor   `json:"config"`
		Layers        []imgref.Descriptor `json:"layers"`
	}{
		SchemaVersion: 2,
		MediaType:     specs.MediaTypeImageManifest,
		Config: imgref.Descriptor{
			MediaType: specs.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      configSize,
		},
		Layers: layers,
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return Result{}, fmt.Errorf("synthesizing manifest: %w", err)
	}

	entry, err := c.PutManifest(repository, reference, raw, specs.MediaTypeImageManifest, cache.SourceTar)
	if err != nil {
		return Result{}, fmt.Errorf("storing synthesized manifest: %w", err)
	}

	return Result{ManifestDigest: entry.ManifestDigest, Repository: repository, Reference: reference}, nil
}

func parseManifestJSON(r io.Reader) ([]ManifestItem, error) {
	var items []ManifestItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("parsing manifest.json: %w", err)
	}
	return items, nil
}

func isLayerPath(item *ManifestItem, name string) bool {
	for _, l := range item.Layers {
		if path.Clean(l) == name {
			return true
		}
	}
	return false
}

// countingReader tracks bytes read so digestAndStore can report the stored
// blob's size without a second pass.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// digestAndStore streams r straight into the cache under a digest computed
// from its own content, returning that digest and the byte count.
func digestAndStore(c *cache.Cache, r io.Reader) (digest.Digest, int64, error) {
	counted := &countingReader{r: r}
	d, err := c.PutBlobSelfAddressed(counted)
	if err != nil {
		return "", 0, err
	}
	return d, counted.n, nil
}

const gzipMagic0, gzipMagic1 = 0x1f, 0x8b

// digestAndStoreLayer is digestAndStore specialized for layer entries:
// docker-save does not guarantee layers are gzip-compressed (the legacy
// format writes plain layer.tar for uncompressed images), so the correct
// OCI media type depends on sniffing the stream rather than assuming gzip.
// When the layer is gzip-compressed, its compressed bytes are stored
// unmodified (the registry digest must match what was received) while a
// concurrent klauspost/compress/gzip reader validates the stream decodes
// cleanly; a truncated or corrupt layer makes this return an error. The
// validation result is only known after the blob has been stored, so a
// rejected layer's bytes stay in the cache as an unreferenced blob.
func digestAndStoreLayer(c *cache.Cache, r io.Reader) (mediaType string, d digest.Digest, size int64, err error) {
	br := bufio.NewReaderSize(r, 2)
	magic, peekErr := br.Peek(2)
	isGzip := peekErr == nil && len(magic) == 2 && magic[0] == gzipMagic0 && magic[1] == gzipMagic1

	if !isGzip {
		d, size, err = digestAndStore(c, br)
		return specs.MediaTypeImageLayer, d, size, err
	}

	pr, pw := io.Pipe()
	validated := make(chan error, 1)
	go func() {
		gz, err := gzip.NewReader(pr)
		if err != nil {
			validated <- fmt.Errorf("invalid gzip layer: %w", err)
			io.Copy(io.Discard, pr)
			return
		}
		_, err = io.Copy(io.Discard, gz)
		io.Copy(io.Discard, pr)
		validated <- err
	}()

	d, size, err = digestAndStore(c, io.TeeReader(br, pw))
	pw.Close()
	if verr := <-validated; err == nil && verr != nil {
		err = fmt.Errorf("layer failed gzip integrity check: %w", verr)
	}
	return specs.MediaTypeImageLayerGzip, d, size, err
}
