// Package orchestrator composes the cache, tar ingestor, auth engine,
// registry client, and scheduler into the three user-facing operations
// spec.md §4.7/§9 names: PullAndCache, ExtractAndCache, PushFromCache.
// Grounded on img_tool/cmd/deploy/deploy.go's builder-pattern dispatcher
// (push.NewBuilder(vfs).With...().Build(), errgroup fanning out push/load)
// and img_tool/cmd/img/img.go's verb dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bazel-contrib/imgmover/internal/auth"
	"github.com/bazel-contrib/imgmover/internal/cache"
	"github.com/bazel-contrib/imgmover/internal/digest"
	"github.com/bazel-contrib/imgmover/internal/imgcfg"
	"github.com/bazel-contrib/imgmover/internal/imgerr"
	"github.com/bazel-contrib/imgmover/internal/imgref"
	"github.com/bazel-contrib/imgmover/internal/obslog"
	"github.com/bazel-contrib/imgmover/internal/progress"
	"github.com/bazel-contrib/imgmover/internal/registry"
	"github.com/bazel-contrib/imgmover/internal/scheduler"
	"github.com/bazel-contrib/imgmover/internal/tarload"
)

// FailedBlob records one task's structured failure for the final Report,
// grounded on original_source/src/registry/stats.rs's succeeded/skipped/
// failed counters.
type FailedBlob struct {
	Digest digest.Digest
	Kind   imgerr.Kind
	Err    error
}

// Report summarizes one operation's outcome.
type Report struct {
	Succeeded int
	Skipped   int
	Failed    []FailedBlob
}

// Orchestrator wires the cache to a pool of per-host registry clients,
// an auth engine shared across hosts, and a scheduler built fresh per
// operation (a scheduler's queue is single-use, per its state machine).
type Orchestrator struct {
	cache    *cache.Cache
	cfg      imgcfg.Config
	log      obslog.Logger
	auth     *auth.Engine
	reporter progress.Reporter

	// httpClient is shared by the auth engine and every per-host registry
	// client: auth.Engine.ExecuteWithRetry executes requests itself, so it
	// and the registry.Client issuing them must agree on transport/timeout
	// or a token fetched under one client's settings gets used by another.
	httpClient *http.Client
}

// WithReporter attaches r as the destination for every scheduler this
// Orchestrator builds to report its task-level progress Events to.
func (o *Orchestrator) WithReporter(r progress.Reporter) *Orchestrator {
	o.reporter = r
	return o
}

// New returns an Orchestrator rooted at cfg.CacheDir. Callers must call
// cache.Init (via Orchestrator.Init) before the first operation.
func New(cfg imgcfg.Config, log obslog.Logger) *Orchestrator {
	c := cache.New(cfg.CacheDir)
	creds := make(map[string]imgcfg.Credentials, len(cfg.Credentials))
	for k, v := range cfg.Credentials {
		creds[k] = v
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &Orchestrator{
		cache:      c,
		cfg:        cfg,
		log:        log,
		auth:       auth.New(httpClient, creds, log),
		reporter:   progress.Discard,
		httpClient: httpClient,
	}
}

// Init creates the cache's on-disk layout.
func (o *Orchestrator) Init() error {
	return o.cache.Init()
}

// Cache exposes the underlying cache for read-only reporting callers
// (e.g. a CLI "list" verb).
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

func (o *Orchestrator) clientFor(host string) *registry.Client {
	opts := []registry.Option{
		registry.WithChunkSize(o.cfg.ChunkSize),
		registry.WithMonolithicThreshold(o.cfg.MonolithicThreshold),
	}
	if o.cfg.RetryAttempts > 0 {
		b := registry.DefaultBackoff
		b.Steps = o.cfg.RetryAttempts
		opts = append(opts, registry.WithBackoff(b))
	}
	if o.cfg.Airgapped {
		opts = append(opts, registry.WithAirgapped(true))
	}
	return registry.New(host, o.httpClient, o.auth, o.log, opts...)
}

func (o *Orchestrator) schedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.NMax = o.cfg.Concurrency
	cfg.NMin = o.cfg.MinConcurrency
	cfg.MemoryBudgetBytes = o.cfg.MemoryBudgetBytes
	cfg.ChunkSize = o.cfg.ChunkSize
	cfg.LargeBlobThreshold = o.cfg.LargeBlobThreshold
	return cfg
}

// PullAndCache pulls repository:reference from the first candidate
// registry host that answers, caching the manifest and every referenced
// blob. Candidate hosts are tried in order per SPEC_FULL.md's multi-
// registry fallback supplement; each failure is logged before falling
// through to the next host.
func (o *Orchestrator) PullAndCache(ctx context.Context, repository, reference string, hosts []string) (Report, error) {
	if len(hosts) == 0 {
		hosts = o.cfg.Registries
	}

	// opID ties together every per-host attempt's log lines for this one
	// pull, since a multi-registry fallback can otherwise interleave with
	// concurrent pulls in the same process.
	opID := uuid.New().String()

	var lastErr error
	for _, host := range hosts {
		report, err := o.pullFrom(ctx, host, repository, reference)
		if err == nil {
			return report, nil
		}
		lastErr = err
		if o.log != nil {
			o.log.WithFields(obslog.Fields{"operation_id": opID, "registry": host}).WithError(err).Warn("pull failed, trying next candidate registry")
		}
	}
	return Report{}, fmt.Errorf("pull %s:%s failed against all %d candidate registries: %w", repository, reference, len(hosts), lastErr)
}

func (o *Orchestrator) pullFrom(ctx context.Context, host, repository, reference string) (Report, error) {
	client := o.clientFor(host)

	manifest, err := client.GetManifest(repository, reference)
	if err != nil {
		return Report{}, err
	}

	if _, putErr := o.cache.PutManifest(repository, reference, manifest.Raw, manifest.MediaType, cache.SourceRegistry); putErr != nil {
		return Report{}, putErr
	}

	if manifest.IsIndex {
		return o.pullIndexEntries(ctx, client, repository, manifest.Manifests)
	}

	return o.pullBlobs(ctx, client, repository, manifest)
}

// pullIndexEntries fetches every platform-specific manifest an index
// references concurrently, grounded on img_tool/cmd/deploy/deploy.go's
// errgroup.Group fan-out of concurrent push/load operations.
func (o *Orchestrator) pullIndexEntries(ctx context.Context, client *registry.Client, repository string, entries []imgref.IndexEntry) (Report, error) {
	report := Report{Succeeded: 1}
	var mu reportAccumMutex
	g, gctx := errgroup.WithContext(ctx)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			sub, err := o.pullManifestByDigest(gctx, client, repository, entry.Digest)
			mu.merge(&report, sub, entry.Digest, err)
			return nil // a single platform's failure doesn't abort the others
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (o *Orchestrator) pullManifestByDigest(ctx context.Context, client *registry.Client, repository string, d digest.Digest) (Report, error) {
	manifest, err := client.GetManifest(repository, d.String())
	if err != nil {
		return Report{}, err
	}
	if _, err := o.cache.PutManifest(repository, d.String(), manifest.Raw, manifest.MediaType, cache.SourceRegistry); err != nil {
		return Report{}, err
	}
	return o.pullBlobs(ctx, client, repository, manifest)
}

func (o *Orchestrator) pullBlobs(ctx context.Context, client *registry.Client, repository string, manifest *imgref.Manifest) (Report, error) {
	descriptors := dedupDescriptors(manifest.Config, manifest.Layers)

	s := scheduler.New(o.schedulerConfig(), o.log).WithReporter(o.reporter)
	report := Report{Succeeded: 1} // the manifest itself

	var mu reportMutex
	for _, desc := range descriptors {
		d := desc.Digest
		size := desc.Size
		if o.cache.Exists(d) && o.cfg.SkipExisting {
			mu.skip(&report)
			continue
		}
		task := &scheduler.Task{
			ID:        d.String(),
			SizeBytes: size,
			Run: func(ctx context.Context) error {
				body, err := client.GetBlob(repository, d)
				if err != nil {
					mu.fail(&report, d, err)
					return err
				}
				defer body.Close()
				result, err := o.cache.PutBlob(d, body)
				if err != nil {
					mu.fail(&report, d, err)
					return err
				}
				if result != cache.PutOK {
					mu.fail(&report, d, fmt.Errorf("digest mismatch on pulled blob"))
					return fmt.Errorf("blob %s: cache rejected with result %v", d, result)
				}
				mu.succeed(&report)
				return nil
			},
		}
		s.Submit(task)
	}

	if err := s.Run(ctx); err != nil && len(report.Failed) == 0 {
		return report, err
	}
	return report, nil
}

// ExtractAndCache ingests a docker-save tar stream into the cache under
// (repository, reference), single-pass per internal/tarload's contract.
func (o *Orchestrator) ExtractAndCache(ctx context.Context, r io.Reader, repository, reference string) (Report, error) {
	if _, err := tarload.Ingest(r, o.cache, repository, reference); err != nil {
		return Report{}, err
	}
	return Report{Succeeded: 1}, nil
}

// PushFromCache pushes a cached image to host. If entry is non-nil, its
// Repository/Reference replace repository/reference (the tar-origin push path:
// SPEC_FULL.md's Open Question resolution collapsing
// PushFromCacheByManifest/PushFromCacheByTarRef into this single method,
// since both converge on the same cache-backed push once the manifest
// bytes are in hand).
func (o *Orchestrator) PushFromCache(ctx context.Context, host string, repository, reference string, entry *cache.IndexEntry) (Report, error) {
	if entry != nil {
		repository, reference = entry.Repository, entry.Reference
	}

	raw, err := o.cache.GetManifest(repository, reference)
	if err != nil {
		return Report{}, err
	}
	manifest, err := imgref.ParseManifest(raw, "")
	if err != nil {
		return Report{}, err
	}

	client := o.clientFor(host)
	digests := dedupDigests(manifest.BlobDigests())

	s := scheduler.New(o.schedulerConfig(), o.log).WithReporter(o.reporter)
	report := Report{}
	var mu reportMutex

	// The manifest PUT depends on every blob PUT completing first.
	blobTaskIDs := make([]string, 0, len(digests))
	for _, d := range digests {
		d := d
		exists, err := client.HasBlob(repository, d)
		if err == nil && exists && o.cfg.SkipExisting {
			mu.skip(&report)
			continue
		}
		blobTaskIDs = append(blobTaskIDs, d.String())
		size, _ := o.cache.BlobSize(d)
		s.Submit(&scheduler.Task{
			ID:        d.String(),
			SizeBytes: size,
			Run: func(ctx context.Context) error {
				body, err := o.cache.GetBlob(d)
				if err != nil {
					mu.fail(&report, d, err)
					return err
				}
				defer body.Close()
				if err := client.PutBlob(repository, d, size, body); err != nil {
					mu.fail(&report, d, err)
					return err
				}
				mu.succeed(&report)
				return nil
			},
		})
	}

	s.Submit(&scheduler.Task{
		ID:        "manifest:" + reference,
		SizeBytes: int64(len(raw)),
		DependsOn: blobTaskIDs,
		Run: func(ctx context.Context) error {
			if err := client.PutManifest(repository, reference, raw, manifest.MediaType); err != nil {
				mu.fail(&report, digest.Digest(""), err)
				return err
			}
			mu.succeed(&report)
			return nil
		},
	})

	if err := s.Run(ctx); err != nil && len(report.Failed) == 0 {
		return report, err
	}
	return report, nil
}

// ListCachedImages returns every cached image, newest first.
func (o *Orchestrator) ListCachedImages() ([]cache.IndexEntry, error) {
	entries, err := o.cache.ListImages()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	return entries, nil
}

// dedupDigests removes duplicate digests while preserving first-seen order,
// grounded on remote-write.go's uploaded map[v1.Hash]bool dedup set (the
// Digest-addressed dedup across manifests supplement).
func dedupDigests(in []digest.Digest) []digest.Digest {
	seen := make(map[digest.Digest]bool, len(in))
	out := make([]digest.Digest, 0, len(in))
	for _, d := range in {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// dedupDescriptors is dedupDigests' counterpart for pull, where the
// manifest's own descriptors already carry each blob's size and a HEAD
// round-trip to discover it would be wasted work.
func dedupDescriptors(config imgref.Descriptor, layers []imgref.Descriptor) []imgref.Descriptor {
	all := make([]imgref.Descriptor, 0, len(layers)+1)
	if !config.Digest.Empty() {
		all = append(all, config)
	}
	all = append(all, layers...)

	seen := make(map[digest.Digest]bool, len(all))
	out := make([]imgref.Descriptor, 0, len(all))
	for _, d := range all {
		if seen[d.Digest] {
			continue
		}
		seen[d.Digest] = true
		out = append(out, d)
	}
	return out
}

// reportAccumMutex serializes merging per-platform sub-reports from
// pullIndexEntries's concurrent errgroup goroutines into the parent Report.
type reportAccumMutex struct {
	mu sync.Mutex
}

func (m *reportAccumMutex) merge(into *Report, sub Report, d digest.Digest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		into.Failed = append(into.Failed, FailedBlob{Digest: d, Kind: classifyFailure(err), Err: err})
		return
	}
	into.Succeeded += sub.Succeeded
	into.Skipped += sub.Skipped
	into.Failed = append(into.Failed, sub.Failed...)
}

// reportMutex serializes Report mutation from concurrent task goroutines.
// A dedicated type rather than a bare sync.Mutex field keeps the
// succeed/fail/skip bookkeeping in one place instead of scattered locks at
// every call site.
type reportMutex struct {
	mu sync.Mutex
}

func (m *reportMutex) succeed(r *Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Succeeded++
}

func (m *reportMutex) skip(r *Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Skipped++
}

func (m *reportMutex) fail(r *Report, d digest.Digest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Failed = append(r.Failed, FailedBlob{Digest: d, Kind: classifyFailure(err), Err: err})
}

// classifyFailure extracts the imgerr.Kind from err for the failure report,
// falling back to KindUnknown for errors that never passed through imgerr
// (e.g. context.Canceled).
func classifyFailure(err error) imgerr.Kind {
	for _, k := range []imgerr.Kind{
		imgerr.KindNetwork, imgerr.KindAuthChallenge, imgerr.KindAuthFatal,
		imgerr.KindNotFound, imgerr.KindValidation, imgerr.KindIntegrity,
		imgerr.KindServer, imgerr.KindLocalIO, imgerr.KindCancelled,
	} {
		if imgerr.As(err, k) {
			return k
		}
	}
	return imgerr.KindUnknown
}
