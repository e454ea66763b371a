package mapper

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashxio/safs/pkg/errors"
)

// Factory builds mappers and owns the state they share: the file id
// generator and the per-run rotated starting disk. Independent factories
// give independent, reproducible mapper sets.
type Factory struct {
	nextFileID atomic.Int64

	mu         sync.Mutex
	rng        *rand.Rand
	fixedStart *int
	randStarts map[randStartKey]int
}

type randStartKey struct {
	kind     Kind
	numFiles int
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithSeed seeds the generator used for rotated starting disks.
func WithSeed(seed int64) FactoryOption {
	return func(f *Factory) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// WithFixedRandStart disables rotation and starts every stripe at disk
// start (taken modulo the number of files).
func WithFixedRandStart(start int) FactoryOption {
	return func(f *Factory) {
		f.fixedStart = &start
	}
}

// NewFactory creates a mapper factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		randStarts: make(map[randStartKey]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RandStart returns the starting disk for kind over numFiles part files.
// The value is drawn once and then reused, so all files of one run that
// share a disk count also share the rotation.
func (f *Factory) RandStart(kind Kind, numFiles int) int {
	if numFiles <= 0 {
		return 0
	}
	if f.fixedStart != nil {
		s := *f.fixedStart % numFiles
		if s < 0 {
			s += numFiles
		}
		return s
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := randStartKey{kind: kind, numFiles: numFiles}
	if s, ok := f.randStarts[key]; ok {
		return s
	}
	s := f.rng.Intn(numFiles)
	f.randStarts[key] = s
	return s
}

// Create builds a mapper of the given kind for a logical file striped over
// files with blocks of blockSize units.
func (f *Factory) Create(kind Kind, name string, files []PartFile, blockSize int64) (Mapper, error) {
	id := int(f.nextFileID.Add(1))
	switch kind {
	case RAID0:
		base, err := newFileMapper(id, name, files, blockSize, f.RandStart(kind, len(files)))
		if err != nil {
			return nil, err
		}
		return &RAID0Mapper{fileMapper: base}, nil
	case RAID5:
		base, err := newFileMapper(id, name, files, blockSize, f.RandStart(kind, len(files)))
		if err != nil {
			return nil, err
		}
		return &RAID5Mapper{fileMapper: base}, nil
	case Hash:
		// the permutation already scatters blocks, no rotation needed
		base, err := newFileMapper(id, name, files, blockSize, 0)
		if err != nil {
			return nil, err
		}
		return &HashMapper{fileMapper: base, pModN: HashConstP % len(files)}, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unsupported mapping kind %d", int(kind)).
			WithComponent("mapper")
	}
}

// Clone returns a mapper with the same layout and file id as m.
func Clone(m Mapper) Mapper {
	switch v := m.(type) {
	case *RAID0Mapper:
		c := *v
		c.files = v.Files()
		return &c
	case *RAID5Mapper:
		c := *v
		c.files = v.Files()
		return &c
	case *HashMapper:
		c := *v
		c.files = v.Files()
		return &c
	}
	return m
}
