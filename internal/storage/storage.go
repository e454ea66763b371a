// Package storage defines the asynchronous block I/O interface the page
// cache reads and writes through, and the pieces its backends share.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/flashxio/safs/internal/mapper"
	"github.com/flashxio/safs/pkg/errors"
)

// Op is the direction of a request.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Request is one block transfer against a part file. Buf is filled by a
// read and written out by a write; its length is the transfer size.
type Request struct {
	Op Op
	// File is the logical file the block belongs to.
	File string
	// Part is the physical part file, as returned by the file's mapper.
	Part mapper.PartFile
	// Offset is the byte offset inside the part file.
	Offset int64
	Buf    []byte

	// Done is called once the request completes, from a backend
	// goroutine. It may be nil.
	Done func(req *Request, err error)
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s[%d]@%d+%d", r.Op, r.File, r.Part.DiskID, r.Offset, len(r.Buf))
}

// Complete invokes Done, if set.
func (r *Request) Complete(err error) {
	if r.Done != nil {
		r.Done(r, err)
	}
}

// Backend performs block I/O asynchronously. Submit queues requests and
// returns; each request's Done fires when it finishes.
type Backend interface {
	Submit(ctx context.Context, reqs []*Request) error
	// WaitForCompletion blocks until every submitted request has
	// completed or ctx is done.
	WaitForCompletion(ctx context.Context) error
	Close() error
}

// Preallocator is implemented by backends that can size part files ahead
// of the first write.
type Preallocator interface {
	Preallocate(part mapper.PartFile, size int64) error
}

// Wrapper is implemented by backends that decorate another backend.
type Wrapper interface {
	Unwrap() Backend
}

// Find walks the chain of wrapped backends starting at b and returns the
// first one that implements T.
func Find[T any](b Backend) (T, bool) {
	for b != nil {
		if t, ok := b.(T); ok {
			return t, true
		}
		w, ok := b.(Wrapper)
		if !ok {
			break
		}
		b = w.Unwrap()
	}
	var zero T
	return zero, false
}

// IOError wraps a backend failure for req in a STORAGE_READ or
// STORAGE_WRITE error.
func IOError(req *Request, cause error, component string) *errors.SAFSError {
	code := errors.ErrCodeStorageRead
	if req.Op == OpWrite {
		code = errors.ErrCodeStorageWrite
	}
	return errors.Wrap(cause, code, req.Op.String()+" failed").
		WithComponent(component).
		WithContext("file", req.File).
		WithContext("part", req.Part.Path).
		WithDetail("disk", req.Part.DiskID).
		WithDetail("offset", req.Offset).
		WithDetail("size", len(req.Buf))
}

// Inflight counts submitted requests that have not completed.
type Inflight struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

// Add registers n new requests.
func (f *Inflight) Add(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 && n > 0 {
		f.zero = make(chan struct{})
	}
	f.n += n
	if f.n <= 0 {
		f.n = 0
		f.release()
	}
}

// Done marks one request completed.
func (f *Inflight) Done() { f.Add(-1) }

func (f *Inflight) release() {
	if f.zero != nil {
		close(f.zero)
		f.zero = nil
	}
}

// Len returns the number of outstanding requests.
func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// Wait blocks until no request is outstanding or ctx is done.
func (f *Inflight) Wait(ctx context.Context) error {
	f.mu.Lock()
	zero := f.zero
	f.mu.Unlock()
	if zero == nil {
		return nil
	}
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "wait for I/O completion").
			WithComponent("storage")
	}
}
