// SPDX-License-Identifier: MIT

package transcode

import (
	"sync"
	"time"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
)

// failureRetention is how long a build failure stays visible to
// waiting callers so they can report a concrete error instead of a
// generic timeout.
const failureRetention = 2 * time.Minute

// BuildFailure describes the most recent failed build for a key. Err
// keeps the original error value so callers can match ErrBuildFailed
// with errors.Is.
type BuildFailure struct {
	Key    dcache.Key
	Err    error
	Stderr string // truncated transcoder diagnostics
	At     time.Time
}

type failureLog struct {
	mu       sync.Mutex
	failures map[dcache.Key]BuildFailure
}

func newFailureLog() *failureLog {
	return &failureLog{failures: make(map[dcache.Key]BuildFailure)}
}

func (f *failureLog) record(key dcache.Key, err error, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = BuildFailure{
		Key:    key,
		Err:    err,
		Stderr: stderr,
		At:     time.Now(),
	}
}

func (f *failureLog) clear(key dcache.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, key)
}

// get returns the failure for key while it is within retention.
func (f *failureLog) get(key dcache.Key) (BuildFailure, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	failure, ok := f.failures[key]
	if !ok {
		return BuildFailure{}, false
	}
	if time.Since(failure.At) > failureRetention {
		delete(f.failures, key)
		return BuildFailure{}, false
	}
	return failure, true
}
