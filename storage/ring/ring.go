// Package ring implements the engine's asynchronous I/O completion ring: a
// bounded pool of submission slots whose completions are dispatched by tag.
// It generalizes the teacher's FileManager async-write channel
// (storage/file_manager.go's writeChan/processWrites/AsyncWriteResp) from a
// single fixed-purpose write queue into the engine-wide submission/
// completion loop spec §4.1 and §5 describe: callers never block on I/O,
// they submit a tagged request and are later notified on Completions().
package ring

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Kind selects the I/O verb a Request performs.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindFsync
)

// Request is one submission entry (SQE analogue).
type Request struct {
	Tag    uint64
	Kind   Kind
	File   *os.File
	Offset int64
	Buf    []byte
}

// Completion is one completion entry (CQE analogue), dispatched by Tag.
type Completion struct {
	Tag uint64
	N   int
	Err error
}

// Ring bounds the number of submissions in flight at once; TrySubmit returns
// false (the caller should park the op with WAIT_SQE, per §4.6) when the
// ring has no free slots.
type Ring struct {
	capacity int
	inFlight atomic.Int64

	submitCh chan Request
	doneCh   chan Completion

	wg       sync.WaitGroup
	workers  int
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a ring with the given submission capacity and worker count.
// workers models the number of outstanding device operations the ring
// services concurrently; the engine's own event loop remains single
// threaded — only the I/O itself happens off-loop, mirroring the teacher's
// single processWrites goroutine generalized to N workers for read fan-out.
func New(capacity, workers int) *Ring {
	if workers <= 0 {
		workers = 1
	}
	r := &Ring{
		capacity: capacity,
		submitCh: make(chan Request, capacity),
		doneCh:   make(chan Completion, capacity),
		workers:  workers,
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Ring) worker() {
	defer r.wg.Done()
	for {
		select {
		case req, ok := <-r.submitCh:
			if !ok {
				return
			}
			r.execute(req)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Ring) execute(req Request) {
	var n int
	var err error
	switch req.Kind {
	case KindRead:
		n, err = req.File.ReadAt(req.Buf, req.Offset)
	case KindWrite:
		n, err = req.File.WriteAt(req.Buf, req.Offset)
	case KindFsync:
		// fdatasync, not fsync: the ring's callers only need the data
		// (and the metadata needed to retrieve it) durable, never the
		// file's own mtime/atime bookkeeping.
		err = unix.Fdatasync(int(req.File.Fd()))
	}
	r.inFlight.Add(-1)
	r.doneCh <- Completion{Tag: req.Tag, N: n, Err: err}
}

// TrySubmit attempts to enqueue req without blocking. It returns false if
// every submission slot is in use, the concrete WAIT_SQE condition of §4.6.
func (r *Ring) TrySubmit(req Request) bool {
	if int(r.inFlight.Load()) >= r.capacity {
		return false
	}
	select {
	case r.submitCh <- req:
		r.inFlight.Add(1)
		return true
	default:
		return false
	}
}

// FreeSlots reports how many submission slots are currently available.
func (r *Ring) FreeSlots() int {
	n := r.capacity - int(r.inFlight.Load())
	if n < 0 {
		return 0
	}
	return n
}

// Completions exposes the channel the event loop drains completions from.
func (r *Ring) Completions() <-chan Completion {
	return r.doneCh
}

// Close stops accepting new work and waits for in-flight I/O to finish.
func (r *Ring) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
