// Package tracing keeps a rolling runtime trace of the replication loops so a
// slow batch can be inspected after the fact with `go tool trace`.
package tracing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// DefaultMinAge is how much history a snapshot covers at least.
const DefaultMinAge = 30 * time.Second

// ErrNotEnabled is returned by Snapshot when the recorder is not running.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a runtime FlightRecorder. A nil or stopped Recorder is
// valid and reports ErrNotEnabled.
type Recorder struct {
	mu       sync.Mutex
	recorder *trace.FlightRecorder
}

// Start starts a flight recorder with a ring buffer of bufferSize bytes.
// Only one flight recorder may run per process.
func Start(bufferSize int) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   DefaultMinAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{recorder: fr}, nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder != nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder == nil {
		return ErrNotEnabled
	}
	_, err := r.recorder.WriteTo(w)
	return err
}

// Stop stops the recorder. It is safe to call Stop more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder != nil {
		r.recorder.Stop()
		r.recorder = nil
	}
}

// Handler serves snapshots as a downloadable trace file.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !r.Enabled() {
			http.Error(w, "tracing not enabled (set tracing.enabled in the config)", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment; filename=regionsync-trace.out")
		if err := r.Snapshot(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// Region marks a span of work in the trace. The returned func ends it.
func Region(ctx context.Context, name string) func() {
	if !trace.IsEnabled() {
		return func() {}
	}
	return trace.StartRegion(ctx, name).End
}
