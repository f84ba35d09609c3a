// Package progress provides byte-counting streams and the monotonic percentage
// tracker used to report transfer progress.
package progress

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ChunkSize is the unit in which streams are copied.
const ChunkSize = 256 * 1024

// EstimateCap is the highest percentage a heartbeat estimate may report.
const EstimateCap = 95

// Func receives the bytes transferred so far and the expected total, which is
// -1 when unknown.
type Func func(done, total int64)

// Reader counts the bytes read through it and stops once ctx is done.
type Reader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	done  atomic.Int64
	fn    Func
}

// NewReader wraps r. fn may be nil.
func NewReader(ctx context.Context, r io.Reader, total int64, fn Func) *Reader {
	return &Reader{ctx: ctx, r: r, total: total, fn: fn}
}

func (r *Reader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.r.Read(p)
	if n > 0 {
		done := r.done.Add(int64(n))
		if r.fn != nil {
			r.fn(done, r.total)
		}
	}
	return n, err
}

// N returns the number of bytes read so far.
func (r *Reader) N() int64 {
	return r.done.Load()
}

// Copy copies src to dst in ChunkSize chunks, checking ctx between chunks and
// reporting progress after each one.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, fn Func) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, writeErr := dst.Write(buf[:n])
			written += int64(w)
			if writeErr != nil {
				return written, writeErr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			if fn != nil {
				fn(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// Scale maps done/total onto the percentage band [from, to]. Unknown or zero
// totals map to from.
func Scale(done, total int64, from, to int) int {
	if total <= 0 || done <= 0 {
		return from
	}
	if done >= total {
		return to
	}
	return from + int(int64(to-from)*done/total)
}

// Tracker holds a percentage that never decreases.
type Tracker struct {
	mu       sync.Mutex
	percent  int
	exact    bool
	onChange func(percent int, exact bool)
}

// NewTracker creates a tracker starting at 0. onChange is called with every
// increase and may be nil.
func NewTracker(onChange func(percent int, exact bool)) *Tracker {
	return &Tracker{exact: true, onChange: onChange}
}

// Set raises the percentage to p, clamped to [0, 100]. Lower values are ignored.
func (t *Tracker) Set(p int) {
	t.set(p, false)
}

// Estimate raises the percentage to p from a heartbeat estimate, marking the
// value as inexact. Estimates never exceed EstimateCap.
func (t *Tracker) Estimate(p int) {
	if p > EstimateCap {
		p = EstimateCap
	}
	t.set(p, true)
}

func (t *Tracker) set(p int, estimated bool) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	t.mu.Lock()
	if estimated {
		t.exact = false
	}
	if p <= t.percent {
		t.mu.Unlock()
		return
	}
	t.percent = p
	exact, fn := t.exact, t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(p, exact)
	}
}

// Percent returns the current percentage.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// Exact reports whether no estimate has been used.
func (t *Tracker) Exact() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exact
}

// Heartbeat advances t on every interval when true byte progress is not
// available. Each tick closes a tenth of the remaining gap to EstimateCap, so
// the estimate slows down and never reaches it. The returned function stops
// the heartbeat and waits for it to exit.
func Heartbeat(ctx context.Context, t *Tracker, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				current := t.Percent()
				step := (EstimateCap - current) / 10
				if step < 1 {
					step = 1
				}
				t.Estimate(current + step)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
