// Package raid describes which disks back a striped SAFS file and builds the
// mapper that places its blocks on them.
package raid

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/flashxio/safs/internal/mapper"
	"github.com/flashxio/safs/pkg/errors"
)

// DefaultBlockSize is the stripe block size in pages used when none is
// configured.
const DefaultBlockSize = 16

// Disk is one physical disk: a root directory on a NUMA node.
type Disk struct {
	Path   string `yaml:"path"`
	NodeID int    `yaml:"node_id"`
	DiskID int    `yaml:"disk_id"`
}

// Config selects the disks of a RAID array and how blocks are placed.
type Config struct {
	Mapping   mapper.Kind
	BlockSize int64
	Disks     []Disk

	factory *mapper.Factory
}

// New creates a RAID configuration. factory may be nil, in which case the
// configuration gets a private one.
func New(kind mapper.Kind, blockSize int64, disks []Disk, factory *mapper.Factory) (*Config, error) {
	if factory == nil {
		factory = mapper.NewFactory()
	}
	c := &Config{
		Mapping:   kind,
		BlockSize: blockSize,
		Disks:     append([]Disk(nil), disks...),
		factory:   factory,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromDiskList creates a configuration from a disk list file.
func FromDiskList(path, mapping string, blockSize int64, factory *mapper.Factory) (*Config, error) {
	kind, err := mapper.ParseKind(mapping)
	if err != nil {
		return nil, err
	}
	disks, err := LoadDiskList(path)
	if err != nil {
		return nil, err
	}
	return New(kind, blockSize, disks, factory)
}

// LoadDiskList reads a disk list file: one "node_id:path" entry per line.
// Blank lines and lines starting with '#' are ignored. Disk ids follow the
// order of the entries.
func LoadDiskList(path string) ([]Disk, error) {
	f, err := os.Open(path) // #nosec G304 - operator supplied disk list
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to open disk list").
			WithComponent("raid").WithContext("path", path)
	}
	defer func() { _ = f.Close() }()

	disks, err := ParseDiskList(f)
	if err != nil {
		if se, ok := err.(*errors.SAFSError); ok {
			return nil, se.WithContext("path", path)
		}
		return nil, err
	}
	return disks, nil
}

// ParseDiskList parses disk list entries from r.
func ParseDiskList(r io.Reader) ([]Disk, error) {
	var disks []Disk
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		node, dir, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "line %d: expected node_id:path", lineNo).
				WithComponent("raid")
		}
		nodeID, err := strconv.Atoi(strings.TrimSpace(node))
		if err != nil || nodeID < 0 {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "line %d: bad node id %q", lineNo, node).
				WithComponent("raid")
		}
		dir = strings.TrimSpace(dir)
		if dir == "" {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "line %d: empty path", lineNo).
				WithComponent("raid")
		}
		disks = append(disks, Disk{Path: dir, NodeID: nodeID, DiskID: len(disks)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read disk list").
			WithComponent("raid")
	}
	if len(disks) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "disk list is empty").
			WithComponent("raid")
	}
	return disks, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Disks) == 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "RAID config has no disks").
			WithComponent("raid")
	}
	if c.BlockSize <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "RAID block size must be positive, got %d", c.BlockSize).
			WithComponent("raid")
	}
	switch c.Mapping {
	case mapper.RAID0, mapper.RAID5, mapper.Hash:
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unsupported mapping %s", c.Mapping).
			WithComponent("raid")
	}
	seen := make(map[string]bool, len(c.Disks))
	for _, d := range c.Disks {
		if d.Path == "" {
			return errors.Newf(errors.ErrCodeInvalidConfig, "disk %d has no path", d.DiskID).
				WithComponent("raid")
		}
		if seen[d.Path] {
			return errors.Newf(errors.ErrCodeInvalidConfig, "disk path %s listed twice", d.Path).
				WithComponent("raid")
		}
		seen[d.Path] = true
	}
	return nil
}

// NumDisks returns the number of disks in the array.
func (c *Config) NumDisks() int { return len(c.Disks) }

// Factory returns the mapper factory used by this configuration.
func (c *Config) Factory() *mapper.Factory { return c.factory }

// NodeIDs returns the distinct NUMA nodes that host disks, ascending.
func (c *Config) NodeIDs() []int {
	set := make(map[int]struct{})
	for _, d := range c.Disks {
		set[d.NodeID] = struct{}{}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// PartFiles returns the part files of the logical file name, one per disk.
func (c *Config) PartFiles(name string) []mapper.PartFile {
	files := make([]mapper.PartFile, len(c.Disks))
	for i, d := range c.Disks {
		files[i] = mapper.PartFile{
			Path:   filepath.Join(d.Path, name),
			NodeID: d.NodeID,
			DiskID: d.DiskID,
		}
	}
	return files
}

// CreateFileMapper builds the mapper for the logical file name.
func (c *Config) CreateFileMapper(name string) (mapper.Mapper, error) {
	if name == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "file name is empty").
			WithComponent("raid")
	}
	return c.factory.Create(c.Mapping, name, c.PartFiles(name), c.BlockSize)
}
