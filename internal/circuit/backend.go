package circuit

import (
	"context"

	"go.uber.org/multierr"

	"github.com/flashxio/safs/internal/storage"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/utils"
)

// Observer is told the outcome of every request, keyed by disk name.
type Observer interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
}

// Backend guards a storage backend with one breaker per disk. Requests for
// a disk whose breaker is open complete with a CIRCUIT_OPEN error without
// reaching the wrapped backend.
type Backend struct {
	storage.Backend
	breakers *Manager
	observer Observer
	logger   *utils.StructuredLogger
	rejected storage.Inflight
}

// BackendOption customizes NewBackend.
type BackendOption func(*Backend)

// WithObserver reports request outcomes to o.
func WithObserver(o Observer) BackendOption {
	return func(b *Backend) { b.observer = o }
}

// WithLogger logs breaker state changes to logger.
func WithLogger(logger *utils.StructuredLogger) BackendOption {
	return func(b *Backend) { b.logger = logger }
}

// NewBackend wraps inner.
func NewBackend(inner storage.Backend, config Config, opts ...BackendOption) *Backend {
	b := &Backend{Backend: inner, logger: utils.NewNopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("circuit")

	onChange := config.OnStateChange
	config.OnStateChange = func(name string, from, to State) {
		fields := map[string]interface{}{"disk": name, "from": from.String(), "to": to.String()}
		if to == StateOpen {
			b.logger.Warn("disk breaker opened", fields)
		} else {
			b.logger.Info("disk breaker state changed", fields)
		}
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	b.breakers = NewManager(config)
	return b
}

// Submit hands admitted requests to the wrapped backend one at a time and
// fails the rest asynchronously.
func (b *Backend) Submit(ctx context.Context, reqs []*storage.Request) error {
	var errs error
	for _, req := range reqs {
		name := DiskName(req.Part.DiskID)
		cb := b.breakers.GetBreaker(name)
		if err := cb.beforeRequest(); err != nil {
			b.reject(req, err)
			continue
		}

		done := req.Done
		req.Done = func(r *storage.Request, err error) {
			cb.afterRequest(err)
			b.observe(name, err)
			if done != nil {
				done(r, err)
			}
		}
		if err := b.Backend.Submit(ctx, []*storage.Request{req}); err != nil {
			// never queued, so Done will not fire
			req.Done = done
			cb.afterRequest(err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (b *Backend) reject(req *storage.Request, cause error) {
	err := errors.Newf(errors.ErrCodeCircuitOpen, "disk %d unavailable", req.Part.DiskID).
		WithComponent("circuit").
		WithContext("file", req.File).
		WithDetail("offset", req.Offset).
		WithCause(cause)
	b.rejected.Add(1)
	go func() {
		defer b.rejected.Done()
		req.Complete(err)
	}()
}

func (b *Backend) observe(name string, err error) {
	if b.observer == nil {
		return
	}
	if err == nil {
		b.observer.RecordSuccess(name)
	} else if errors.CodeOf(err) != errors.ErrCodeOperationCanceled {
		b.observer.RecordError(name, err)
	}
}

// WaitForCompletion waits for the wrapped backend and for rejected
// requests still being completed.
func (b *Backend) WaitForCompletion(ctx context.Context) error {
	if err := b.Backend.WaitForCompletion(ctx); err != nil {
		return err
	}
	return b.rejected.Wait(ctx)
}

// Breakers returns the per-disk breakers.
func (b *Backend) Breakers() *Manager { return b.breakers }

func (b *Backend) Unwrap() storage.Backend { return b.Backend }

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Wrapper = (*Backend)(nil)
)
