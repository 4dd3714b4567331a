// Package digest provides the canonical content-identity type used
// throughout the cache, registry client, and tar ingestor: a validated
// "sha256:<64 lowercase hex>" string, plus streaming and constant-time
// comparison helpers built on top of opencontainers/go-digest.
package digest

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"hash"
	"io"

	ocidigest "github.com/opencontainers/go-digest"
)

// Digest is a validated "sha256:<hex>" content identifier. The zero value is
// not a valid digest.
type Digest string

// Parse validates s and returns it as a Digest, or an error if s is not a
// well-formed "sha256:<64 hex>" string.
func Parse(s string) (Digest, error) {
	d := ocidigest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("parsing digest %q: %w", s, err)
	}
	if d.Algorithm() != ocidigest.SHA256 {
		return "", fmt.Errorf("parsing digest %q: unsupported algorithm %q", s, d.Algorithm())
	}
	return Digest(d.String()), nil
}

// String returns the digest in canonical "sha256:<hex>" form.
func (d Digest) String() string { return string(d) }

// Hex returns just the hex portion of the digest, suitable as a filename.
func (d Digest) Hex() string {
	return string(ocidigest.Digest(d).Encoded())
}

// Empty reports whether d is the zero value.
func (d Digest) Empty() bool { return d == "" }

// Equal does a constant-time comparison of two digest strings, so that
// digest comparisons driven by remote input are not subject to timing
// side-channels.
func Equal(a, b Digest) bool {
	ab, bb := []byte(a), []byte(b)
	if len(ab) != len(bb) {
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}

// Verifier wraps a hash.Hash that produces a Digest, used while streaming a
// blob through put_blob/tar-ingest so content is hashed exactly once as it
// is written.
type Verifier struct {
	h hash.Hash
}

// NewVerifier returns a Verifier ready to accept writes.
func NewVerifier() *Verifier {
	return &Verifier{h: sha256.New()}
}

// Write implements io.Writer.
func (v *Verifier) Write(p []byte) (int, error) { return v.h.Write(p) }

// Digest returns the digest of everything written so far.
func (v *Verifier) Digest() Digest {
	return Digest(fmt.Sprintf("sha256:%x", v.h.Sum(nil)))
}

// Matches reports whether the running hash equals want, using a
// constant-time comparison.
func (v *Verifier) Matches(want Digest) bool {
	return Equal(v.Digest(), want)
}

// FromReader computes the digest of the entire contents of r, consuming it.
func FromReader(r io.Reader) (Digest, error) {
	v := NewVerifier()
	if _, err := io.Copy(v, r); err != nil {
		return "", err
	}
	return v.Digest(), nil
}

// FromBytes computes the digest of b.
func FromBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest(fmt.Sprintf("sha256:%x", sum))
}
