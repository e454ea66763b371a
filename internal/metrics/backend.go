package metrics

import (
	"context"
	"time"

	"github.com/flashxio/safs/internal/storage"
)

// InstrumentedBackend records every request of the wrapped backend in a
// Collector.
type InstrumentedBackend struct {
	storage.Backend
	collector *Collector
}

// InstrumentBackend wraps b so that each completed request is recorded as
// a "read" or "write" operation.
func InstrumentBackend(b storage.Backend, c *Collector) *InstrumentedBackend {
	return &InstrumentedBackend{Backend: b, collector: c}
}

// Submit wraps the completion callback of every request before handing
// the requests on.
func (ib *InstrumentedBackend) Submit(ctx context.Context, reqs []*storage.Request) error {
	start := time.Now()
	for _, req := range reqs {
		done := req.Done
		req.Done = func(r *storage.Request, err error) {
			op := r.Op.String()
			ib.collector.RecordOperation(op, time.Since(start), int64(len(r.Buf)), err == nil)
			if err != nil {
				ib.collector.RecordError(op, err)
			}
			if done != nil {
				done(r, err)
			}
		}
	}
	return ib.Backend.Submit(ctx, reqs)
}

func (ib *InstrumentedBackend) Unwrap() storage.Backend { return ib.Backend }

var (
	_ storage.Backend = (*InstrumentedBackend)(nil)
	_ storage.Wrapper = (*InstrumentedBackend)(nil)
)
