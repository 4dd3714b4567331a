// Package imgref defines the manifest and image-reference types shared by
// the cache, tar ingestor, and registry client. Manifests are always kept
// and forwarded as raw bytes — see Manifest.Raw — so they are never
// re-serialized and therefore never change digest.
package imgref

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bazel-contrib/imgmover/internal/digest"
)

// Docker media types, which image-spec does not declare since it only
// covers the OCI set. The registry client must accept and echo both
// families (spec.md §4.4/§6).
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// AcceptedManifestMediaTypes is the Accept header list the registry client
// sends on every manifest GET, per spec.md §6.
var AcceptedManifestMediaTypes = []string{
	specs.MediaTypeImageManifest,
	specs.MediaTypeImageIndex,
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
}

// Descriptor is a slimmed-down OCI content descriptor: digest, size,
// mediaType. Reused for both config and layer entries.
type Descriptor struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
}

// Manifest is a parsed view over a manifest's config/layers, kept alongside
// the original bytes so the bytes — not this struct — are what ever gets
// forwarded to a registry or written to the cache.
type Manifest struct {
	// Raw is the exact bytes as received. Never re-marshal this struct in
	// place of Raw; the two can disagree on field order/whitespace even
	// when semantically identical, which would change the digest.
	Raw []byte

	MediaType string
	Config    Descriptor
	Layers    []Descriptor

	// IsIndex is true when Raw is a manifest list / image index rather
	// than a single-platform manifest; Manifests holds its entries.
	IsIndex   bool
	Manifests []IndexEntry
}

// IndexEntry is one platform-specific manifest reference inside an index.
type IndexEntry struct {
	Descriptor
	Platform *specs.Platform `json:"platform,omitempty"`
}

type manifestShape struct {
	MediaType string       `json:"mediaType"`
	Config    Descriptor   `json:"config"`
	Layers    []Descriptor `json:"layers"`
}

type indexShape struct {
	MediaType string       `json:"mediaType"`
	Manifests []IndexEntry `json:"manifests"`
}

// ParseManifest sniffs raw as either a single manifest or an index/manifest
// list and returns the parsed view. The mediaType hint (from a Content-Type
// header or a docker-save manifest.json entry) disambiguates when the JSON
// body omits its own "mediaType" field, which Docker v2 schema2 manifests
// sometimes do.
func ParseManifest(raw []byte, mediaTypeHint string) (*Manifest, error) {
	var probe struct {
		MediaType string `json:"mediaType"`
		Manifests json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parsing manifest json: %w", err)
	}

	mt := probe.MediaType
	if mt == "" {
		mt = mediaTypeHint
	}

	if probe.Manifests != nil || mt == specs.MediaTypeImageIndex || mt == MediaTypeDockerManifestList {
		var idx indexShape
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("parsing manifest index: %w", err)
		}
		if idx.MediaType != "" {
			mt = idx.MediaType
		}
		return &Manifest{Raw: raw, MediaType: mt, IsIndex: true, Manifests: idx.Manifests}, nil
	}

	var m manifestShape
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.MediaType != "" {
		mt = m.MediaType
	}
	return &Manifest{Raw: raw, MediaType: mt, Config: m.Config, Layers: m.Layers}, nil
}

// BlobDigests returns every digest a single-platform manifest references
// (config plus all layers), in the order they should be uploaded.
func (m *Manifest) BlobDigests() []digest.Digest {
	if m.IsIndex {
		return nil
	}
	out := make([]digest.Digest, 0, len(m.Layers)+1)
	if !m.Config.Digest.Empty() {
		out = append(out, m.Config.Digest)
	}
	for _, l := range m.Layers {
		out = append(out, l.Digest)
	}
	return out
}

// Reference is the (repository, reference) pair spec.md §3 defines, where
// reference is a tag or a digest. Parsing is delegated to
// go-containerregistry/pkg/name; the wire protocol built from the result is
// hand-written in internal/registry.
type Reference struct {
	Registry   string
	Repository string
	// Identifier is the tag string or "sha256:<hex>" digest string.
	Identifier string
	// IsDigest is true when Identifier is a digest rather than a tag.
	IsDigest bool
}

// Parse parses s (e.g. "ghcr.io/org/app:v1" or "ghcr.io/org/app@sha256:...")
// into a Reference using name.ParseReference, the same helper
// pull_tool/cmd/internal/pull/pull.go uses.
func Parse(s string) (Reference, error) {
	ref, err := name.ParseReference(s, name.WeakValidation)
	if err != nil {
		return Reference{}, fmt.Errorf("parsing image reference %q: %w", s, err)
	}
	out := Reference{
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
	}
	switch r := ref.(type) {
	case name.Tag:
		out.Identifier = r.TagStr()
	case name.Digest:
		out.Identifier = r.DigestStr()
		out.IsDigest = true
	default:
		out.Identifier = ref.Identifier()
		_, parseErr := digest.Parse(out.Identifier)
		out.IsDigest = parseErr == nil
	}
	return out, nil
}

// String renders the reference back to its canonical form.
func (r Reference) String() string {
	sep := ":"
	if r.IsDigest {
		sep = "@"
	}
	return fmt.Sprintf("%s/%s%s%s", r.Registry, r.Repository, sep, r.Identifier)
}
