package memmon

import (
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"

	"go.uber.org/multierr"

	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/utils"
)

// Profiler writes pprof profiles into a directory.
type Profiler struct {
	outputDir string
	logger    *utils.StructuredLogger
}

// NewProfiler creates the output directory if needed.
func NewProfiler(outputDir string, logger *utils.StructuredLogger) (*Profiler, error) {
	if err := os.MkdirAll(outputDir, 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create profile directory").
			WithComponent(component).WithContext("path", outputDir)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Profiler{outputDir: outputDir, logger: logger}, nil
}

// WriteHeapProfile forces a GC and writes a heap profile named filename.
// It returns the path written.
func (p *Profiler) WriteHeapProfile(filename string) (string, error) {
	runtime.GC()
	return p.write("heap", filename)
}

// WriteGoroutineProfile writes the stacks of all goroutines.
func (p *Profiler) WriteGoroutineProfile(filename string) (string, error) {
	return p.write("goroutine", filename)
}

func (p *Profiler) write(kind, filename string) (path string, err error) {
	profile := pprof.Lookup(kind)
	if profile == nil {
		return "", errors.Newf(errors.ErrCodeInternalError, "%s profile not found", kind).
			WithComponent(component)
	}

	path = filepath.Join(p.outputDir, filename)
	f, err := os.Create(path) // #nosec G304 - path is under the configured directory
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to create profile").
			WithComponent(component).WithContext("path", path)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	debugLevel := 0
	if kind == "goroutine" {
		debugLevel = 2
	}
	if err := profile.WriteTo(f, debugLevel); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeOperationFailed, "failed to write profile").
			WithComponent(component).WithContext("path", path)
	}

	p.logger.Info("profile written", map[string]interface{}{
		"kind": kind,
		"path": path,
	})
	return path, nil
}
