// Package imgcfg assembles the configuration struct every component is
// handed at construction time: credentials, cache directory, timeouts, and
// concurrency ceilings. It is deliberately dumb — reading flags/env is the
// CLI's job (out of scope per spec.md §1); this package only defines the
// shape and a small env-default helper in the teacher's style.
package imgcfg

import (
	"os"
	"strconv"
	"time"
)

// Credentials holds Basic auth for one registry host. Zero value means
// anonymous.
type Credentials struct {
	Username string
	Password string
}

// Config is the environment/flag-derived configuration threaded through the
// orchestrator into every component it builds.
type Config struct {
	// CacheDir is the root of the content-addressed cache (see
	// internal/cache for its on-disk layout).
	CacheDir string

	// Registries is an ordered list of candidate hosts tried in turn on
	// pull (see SPEC_FULL.md's multi-registry fallback supplement).
	Registries []string

	// Credentials is keyed by registry host; a missing entry means
	// anonymous access to that host.
	Credentials map[string]Credentials

	// Concurrency is the scheduler's initial/maximum parallelism (N_max).
	Concurrency int
	// MinConcurrency is the scheduler's N_min.
	MinConcurrency int

	// MemoryBudgetBytes bounds the scheduler's admitted in-flight memory.
	MemoryBudgetBytes int64

	// ChunkSize bounds a single PATCH request body during chunked upload.
	ChunkSize int64

	// MonolithicThreshold is the blob size at or below which the whole blob
	// is sent in a single PUT (after the session-opening POST) instead of
	// chunked PATCH requests.
	MonolithicThreshold int64

	// LargeBlobThreshold forces local parallelism of 1 for blobs at or
	// above this size, regardless of the scheduler's current N.
	LargeBlobThreshold int64

	// RetryAttempts bounds retries for network/server errors.
	RetryAttempts int

	// RequestTimeout is the per-request timeout of the orchestrator's HTTP
	// client, applied to every request including blob transfers.
	// BlobTimeout is carried in the struct but not applied by the
	// orchestrator; blob transfers get no longer timeout than RequestTimeout.
	RequestTimeout time.Duration
	BlobTimeout    time.Duration

	// SkipExisting, when true, counts a blob as skipped instead of
	// transferring it when it is already present (HEAD 200 at the push
	// destination, or already in the cache on pull). When false such blobs
	// are transferred again.
	SkipExisting bool

	// InsecureSkipTLSVerify disables TLS certificate verification (for
	// talking to local test registries); configuring the transport itself
	// is an external collaborator's job per spec.md §1, this flag just
	// records the user's intent for that collaborator to honor.
	InsecureSkipTLSVerify bool

	// Airgapped disables all network access in the registry client: every
	// registry operation fails instead of dialing out, and nothing is served
	// from the local cache in its place (see SPEC_FULL.md supplement 2).
	Airgapped bool
}

// Default returns a Config with the same defaults the reference CLI ships:
// concurrency 1..8, a 5 MiB chunk size, a 10 MiB monolithic threshold, a
// 1 GiB large-blob threshold, 3 retry attempts, and a 300s/3600s timeout
// pair, matching spec.md §4.4/§4.5/§5.
func Default() Config {
	return Config{
		CacheDir:            "./.imgmover-cache",
		Registries:          []string{"registry-1.docker.io"},
		Credentials:         map[string]Credentials{},
		Concurrency:         8,
		MinConcurrency:      1,
		MemoryBudgetBytes:   512 << 20,
		ChunkSize:           5 << 20,
		MonolithicThreshold: 10 << 20,
		LargeBlobThreshold:  1 << 30,
		RetryAttempts:       3,
		RequestTimeout:      300 * time.Second,
		BlobTimeout:         3600 * time.Second,
		SkipExisting:        true,
	}
}

// EnvOr returns the value of the named environment variable, or fallback if
// unset or empty. Kept as a small helper so cmd/imgmover's flag defaults can
// be overridden by environment the way danielloader-oci-pull-through's
// config loader does.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrInt is EnvOr for integer-valued environment variables.
func EnvOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
