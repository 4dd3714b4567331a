// Retry/backoff for network and server errors, grounded on the
// retry.Backoff{Duration, Factor, Jitter, Steps} shape the reference
// go-containerregistry writer uses around uploadOne — reimplemented locally
// since that package's retry helper is internal to its own module.
package registry

import (
	"math/rand"
	"time"

	"github.com/bazel-contrib/imgmover/internal/imgerr"
)

// Backoff describes an exponential backoff schedule with jitter.
type Backoff struct {
	Duration time.Duration
	Factor   float64
	Jitter   float64
	Steps    int
}

// DefaultBackoff matches spec.md §4.4's "default 3-5" attempts.
var DefaultBackoff = Backoff{
	Duration: time.Second,
	Factor:   3.0,
	Jitter:   0.1,
	Steps:    4,
}

// retryWithBackoff runs fn up to b.Steps times, sleeping an exponentially
// growing, jittered duration between attempts, but only while the error is
// network or server (imgerr.Kind.Retryable()); any other error, including a
// nil-Kind plain error, returns immediately.
func retryWithBackoff(b Backoff, fn func() error) error {
	var lastErr error
	d := b.Duration
	for attempt := 0; attempt < b.Steps; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := imgerr.As(err, imgerr.KindNetwork) || imgerr.As(err, imgerr.KindServer)
		if !retryable || attempt == b.Steps-1 {
			return err
		}

		jitter := 1.0 + (rand.Float64()*2-1)*b.Jitter
		time.Sleep(time.Duration(float64(d) * jitter))
		d = time.Duration(float64(d) * b.Factor)
	}
	return lastErr
}
