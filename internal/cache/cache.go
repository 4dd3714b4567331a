// Package cache implements the content-addressed blob store plus manifest
// index: the one subsystem every other component reads from or writes to.
// Blob layout and atomic-write discipline are grounded on
// pull_tool/pkg/blobstore's Store contract; the manifest index sidecar and
// its atomic-rename update follow danielloader-oci-pull-through's
// internal/cache/fs.go.
package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bazel-contrib/imgmover/internal/digest"
)

// Source records where a cached image came from, part of the Cache Index
// Entry.
type Source string

const (
	SourceRegistry Source = "registry"
	SourceTar      Source = "tar"
)

// IndexEntry is the Cache Index Entry of spec.md §3: one per cached image.
// Extra preserves any unknown JSON keys across a read-modify-write cycle so
// a newer writer's fields survive being round-tripped by an older one.
type IndexEntry struct {
	Repository     string                     `json:"repository"`
	Reference      string                     `json:"reference"`
	ManifestPath   string                     `json:"manifest_path"`
	ManifestDigest digest.Digest              `json:"manifest_digest"`
	ManifestSize   int64                      `json:"manifest_size"`
	MediaType      string                     `json:"media_type"`
	CreatedAt      time.Time                  `json:"created_at"`
	Source         Source                     `json:"source"`
	Extra          map[string]json.RawMessage `json:"-"`
}

// key identifies an index entry's slot.
func (e IndexEntry) key() string { return e.Repository + "@" + e.Reference }

// indexFile is the on-disk shape of index.json: a slice of entries, each
// flattened with its Extra fields merged back in at (de)serialization time.
type indexFile struct {
	Entries []json.RawMessage `json:"entries"`
}

// Cache is the filesystem-backed content-addressed store. The zero value is
// not usable; construct with New.
type Cache struct {
	root string

	mu    sync.Mutex // guards index.json read-modify-write
	blobs string
	manis string
}

// New returns a Cache rooted at root. Call Init before use.
func New(root string) *Cache {
	return &Cache{
		root:  root,
		blobs: filepath.Join(root, "blobs"),
		manis: filepath.Join(root, "manifests"),
	}
}

// Init creates the cache's directory layout if it does not already exist.
func (c *Cache) Init() error {
	for _, dir := range []string{c.root, c.blobs, c.manis} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("initializing cache at %s: %w", dir, err)
		}
	}
	return nil
}

// Path returns the path a blob of the given digest would live at, whether
// or not it currently exists.
func (c *Cache) Path(d digest.Digest) string {
	return filepath.Join(c.blobs, "sha256", d.Hex())
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.root, "index.json")
}

// Exists reports whether a blob with digest d is already stored.
func (c *Cache) Exists(d digest.Digest) bool {
	_, err := os.Stat(c.Path(d))
	return err == nil
}

// PutResult is the outcome of PutBlob.
type PutResult int

const (
	PutOK PutResult = iota
	PutMismatch
	PutIOError
)

// PutBlob streams r into the cache under d, hashing as it writes. On EOF it
// compares the running hash against d; on match it atomically renames the
// temp file into place, on mismatch it deletes the temp file. If a blob of
// this digest already exists, the call short-circuits without re-reading r
// past whatever bytes the caller already produced (idempotent put).
func (c *Cache) PutBlob(d digest.Digest, r io.Reader) (PutResult, error) {
	dst := c.Path(d)
	if fi, err := os.Stat(dst); err == nil && fi.Size() >= 0 {
		return PutOK, nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PutIOError, fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-blob-*")
	if err != nil {
		return PutIOError, fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	v := digest.NewVerifier()
	if _, err := io.Copy(tmp, io.TeeReader(r, v)); err != nil {
		cleanup()
		return PutIOError, fmt.Errorf("writing blob %s: %w", d, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return PutIOError, fmt.Errorf("syncing temp blob file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return PutIOError, fmt.Errorf("closing temp blob file: %w", err)
	}

	if !v.Matches(d) {
		os.Remove(tmpName)
		return PutMismatch, fmt.Errorf("blob digest mismatch: want %s, got %s", d, v.Digest())
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return PutIOError, fmt.Errorf("finalizing blob %s: %w", d, err)
	}
	return PutOK, nil
}

// PutBlobSelfAddressed streams r into the cache, computing its digest on the
// fly rather than verifying against a caller-supplied one. Used by the tar
// ingestor, where a docker-save archive's layer/config members are not
// themselves named by digest and so have no expected value to check against.
func (c *Cache) PutBlobSelfAddressed(r io.Reader) (digest.Digest, error) {
	tmp, err := os.CreateTemp(c.blobs, ".tmp-blob-*")
	if err != nil {
		return "", fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpName := tmp.Name()

	v := digest.NewVerifier()
	if _, err := io.Copy(tmp, io.TeeReader(r, v)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing self-addressed blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("syncing temp blob file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp blob file: %w", err)
	}

	d := v.Digest()
	dst := c.Path(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("creating blob directory: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		os.Remove(tmpName)
		return d, nil
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("finalizing self-addressed blob %s: %w", d, err)
	}
	return d, nil
}

// GetBlob opens the blob stored under d for streaming read. Callers must
// Close the returned reader.
func (c *Cache) GetBlob(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(c.Path(d))
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", d, err)
	}
	return f, nil
}

// BlobSize returns the on-disk size of a stored blob.
func (c *Cache) BlobSize(d digest.Digest) (int64, error) {
	fi, err := os.Stat(c.Path(d))
	if err != nil {
		return 0, fmt.Errorf("statting blob %s: %w", d, err)
	}
	return fi.Size(), nil
}

// PutManifest writes manifest bytes to manifests/<repository>/<reference>
// and then atomically updates the index. The manifest digest is computed
// from the raw bytes (manifests are never re-serialized, so this digest is
// stable across forwarding).
func (c *Cache) PutManifest(repository, reference string, raw []byte, mediaType string, source Source) (IndexEntry, error) {
	dir := filepath.Join(c.manis, repository)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return IndexEntry{}, fmt.Errorf("creating manifest directory: %w", err)
	}
	path := filepath.Join(dir, sanitizeReference(reference))

	tmp, err := os.CreateTemp(dir, ".tmp-manifest-*")
	if err != nil {
		return IndexEntry{}, fmt.Errorf("creating temp manifest file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return IndexEntry{}, fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return IndexEntry{}, fmt.Errorf("syncing temp manifest file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return IndexEntry{}, fmt.Errorf("closing temp manifest file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return IndexEntry{}, fmt.Errorf("finalizing manifest: %w", err)
	}

	entry := IndexEntry{
		Repository:     repository,
		Reference:      reference,
		ManifestPath:   path,
		ManifestDigest: digest.FromBytes(raw),
		ManifestSize:   int64(len(raw)),
		MediaType:      mediaType,
		CreatedAt:      timeNow(),
		Source:         source,
	}

	if err := c.upsertIndex(entry); err != nil {
		return IndexEntry{}, err
	}
	return entry, nil
}

// timeNow is a seam so tests can stamp deterministic CreatedAt values
// without this package reaching for time.Now() directly in the hot path.
var timeNow = time.Now

// GetManifest reads back a previously stored manifest's raw bytes.
func (c *Cache) GetManifest(repository, reference string) ([]byte, error) {
	entry, ok, err := c.lookupIndex(repository, reference)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no cached manifest for %s@%s", repository, reference)
	}
	raw, err := os.ReadFile(entry.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s@%s: %w", repository, reference, err)
	}
	return raw, nil
}

// ListImages returns every index entry, sorted by repository then
// reference for deterministic output.
func (c *Cache) ListImages() ([]IndexEntry, error) {
	entries, err := c.readIndex()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Repository != entries[j].Repository {
			return entries[i].Repository < entries[j].Repository
		}
		return entries[i].Reference < entries[j].Reference
	})
	return entries, nil
}

// Stats summarizes cache contents.
type Stats struct {
	ManifestCount int
	BlobCount     int
	TotalBytes    int64
}

// Stats counts manifests from the index and walks the blob tree to compute
// the blob count and total blob size. Intended for operator-facing
// reporting, not a hot path.
func (c *Cache) Stats() (Stats, error) {
	var s Stats
	entries, err := c.readIndex()
	if err != nil {
		return s, err
	}
	s.ManifestCount = len(entries)

	err = filepath.Walk(c.blobs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		s.BlobCount++
		s.TotalBytes += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return s, fmt.Errorf("computing cache stats: %w", err)
	}
	return s, nil
}

func (c *Cache) upsertIndex(entry IndexEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.readIndexLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i, e := range entries {
		if e.key() == entry.key() {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return c.writeIndexLocked(entries)
}

func (c *Cache) lookupIndex(repository, reference string) (IndexEntry, bool, error) {
	entries, err := c.readIndex()
	if err != nil {
		return IndexEntry{}, false, err
	}
	want := (IndexEntry{Repository: repository, Reference: reference}).key()
	for _, e := range entries {
		if e.key() == want {
			return e, true, nil
		}
	}
	return IndexEntry{}, false, nil
}

func (c *Cache) readIndex() ([]IndexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readIndexLocked()
}

func (c *Cache) readIndexLocked() ([]IndexEntry, error) {
	raw, err := os.ReadFile(c.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	var file indexFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}

	entries := make([]IndexEntry, 0, len(file.Entries))
	for _, rawEntry := range file.Entries {
		var e IndexEntry
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			return nil, fmt.Errorf("parsing index entry: %w", err)
		}
		var known map[string]json.RawMessage
		if err := json.Unmarshal(rawEntry, &known); err == nil {
			for _, field := range []string{"repository", "reference", "manifest_path", "manifest_digest", "manifest_size", "media_type", "created_at", "source"} {
				delete(known, field)
			}
			e.Extra = known
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Cache) writeIndexLocked(entries []IndexEntry) error {
	rawEntries := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		merged := map[string]json.RawMessage{}
		for k, v := range e.Extra {
			merged[k] = v
		}
		known, err := json.Marshal(struct {
			Repository     string        `json:"repository"`
			Reference      string        `json:"reference"`
			ManifestPath   string        `json:"manifest_path"`
			ManifestDigest digest.Digest `json:"manifest_digest"`
			ManifestSize   int64         `json:"manifest_size"`
			MediaType      string        `json:"media_type"`
			CreatedAt      time.Time     `json:"created_at"`
			Source         Source        `json:"source"`
		}{e.Repository, e.Reference, e.ManifestPath, e.ManifestDigest, e.ManifestSize, e.MediaType, e.CreatedAt, e.Source})
		if err != nil {
			return fmt.Errorf("marshalling index entry: %w", err)
		}
		var knownFields map[string]json.RawMessage
		if err := json.Unmarshal(known, &knownFields); err != nil {
			return fmt.Errorf("remarshalling index entry: %w", err)
		}
		for k, v := range knownFields {
			merged[k] = v
		}
		rawMerged, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshalling merged index entry: %w", err)
		}
		rawEntries = append(rawEntries, rawMerged)
	}

	raw, err := json.MarshalIndent(indexFile{Entries: rawEntries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling index: %w", err)
	}

	tmp, err := os.CreateTemp(c.root, ".tmp-index-*")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp index file: %w", err)
	}
	if err := os.Rename(tmpName, c.indexPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalizing index file: %w", err)
	}
	return nil
}

func sanitizeReference(reference string) string {
	return filepath.Clean(reference)
}
