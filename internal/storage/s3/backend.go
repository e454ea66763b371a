package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sourcegraph/conc/pool"

	"github.com/flashxio/safs/internal/storage"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/utils"
)

const component = "s3-backend"

// Backend stores every physical block as one object. Blocks never written
// read as zeros.
type Backend struct {
	api    API
	config Config
	logger *utils.StructuredLogger

	mu      sync.RWMutex
	closed  bool
	workers *pool.Pool

	inflight storage.Inflight
	metrics  *storage.MetricsCollector
}

// NewBackend connects to the configured bucket and checks that it is
// reachable.
func NewBackend(ctx context.Context, cfg *Config, logger *utils.StructuredLogger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b, err := NewBackendWithAPI(client, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// NewBackendWithAPI creates a backend on an existing client.
func NewBackendWithAPI(api API, cfg *Config, logger *utils.StructuredLogger) (*Backend, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	b := &Backend{
		api:     api,
		config:  *cfg,
		logger:  logger.WithComponent(component).WithField("bucket", cfg.Bucket),
		workers: pool.New().WithMaxGoroutines(cfg.Concurrency),
		metrics: storage.NewMetricsCollector(),
	}
	b.logger.Info("S3 block backend configured", map[string]interface{}{
		"prefix":        cfg.Prefix,
		"concurrency":   cfg.Concurrency,
		"storage_class": cfg.StorageClass,
	})
	return b, nil
}

// Key returns the object key of the block req addresses.
func (b *Backend) Key(req *storage.Request) string {
	return path.Join(b.config.Prefix,
		strconv.Itoa(req.Part.DiskID),
		req.File,
		strconv.FormatInt(req.Offset, 10))
}

// Submit hands reqs to the worker pool. It blocks while every worker is
// busy.
func (b *Backend) Submit(ctx context.Context, reqs []*storage.Request) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.ErrShutdown
	}
	for _, req := range reqs {
		b.inflight.Add(1)
		b.workers.Go(func() { b.run(ctx, req) })
	}
	return nil
}

func (b *Backend) run(ctx context.Context, req *storage.Request) {
	defer b.inflight.Done()
	if b.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	if req.Op == storage.OpWrite {
		err = b.put(ctx, req)
	} else {
		err = b.get(ctx, req)
	}
	b.metrics.Record(req, time.Since(start), err)
	if err != nil {
		b.logger.Warn("block I/O failed", map[string]interface{}{
			"key":   b.Key(req),
			"error": err.Error(),
		})
	}
	req.Complete(err)
}

func (b *Backend) get(ctx context.Context, req *storage.Request) error {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.Key(req)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			clear(req.Buf)
			return nil
		}
		return b.translateError(err, req)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, req.Buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return b.translateError(err, req)
	}
	clear(req.Buf[n:])
	return nil
}

func (b *Backend) put(ctx context.Context, req *storage.Request) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(b.Key(req)),
		Body:          bytes.NewReader(req.Buf),
		ContentLength: aws.Int64(int64(len(req.Buf))),
		ContentType:   aws.String("application/octet-stream"),
	}
	if b.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(b.config.StorageClass)
	}
	if _, err := b.api.PutObject(ctx, input); err != nil {
		return b.translateError(err, req)
	}
	return nil
}

func (b *Backend) translateError(err error, req *storage.Request) error {
	serr := storage.IOError(req, err, component).WithContext("key", b.Key(req))
	if isErrorType[*s3types.NoSuchBucket](err) {
		serr = serr.WithContext("bucket", b.config.Bucket)
		serr.Message = "bucket not found"
	}
	return serr
}

// HealthCheck verifies that the bucket is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.config.Bucket)})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeNotInitialized, "S3 health check failed").
			WithComponent(component).
			WithContext("bucket", b.config.Bucket)
	}
	return nil
}

// WaitForCompletion waits for every submitted request.
func (b *Backend) WaitForCompletion(ctx context.Context) error {
	return b.inflight.Wait(ctx)
}

// GetMetrics returns backend metrics.
func (b *Backend) GetMetrics() storage.BackendMetrics {
	return b.metrics.GetMetrics()
}

// Close waits for running requests and stops the workers.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.workers.Wait()
	return nil
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}

var (
	_ storage.Backend         = (*Backend)(nil)
	_ storage.MetricsProvider = (*Backend)(nil)
)
