// Package mapper maps offsets in a logical SAFS file onto the physical part
// files that stripe it across disks.
//
// A logical file is cut into stripe blocks of BlockSize units. Each mapper
// picks, for every block, the part file that stores it and the location of
// the block inside that part file. Units are up to the caller: offsets and
// BlockSize only need to agree (bytes everywhere, or pages everywhere).
package mapper

import (
	"fmt"

	"github.com/flashxio/safs/pkg/errors"
)

// Hash mapping constants. HashConstP is prime and HashConstA is coprime to
// it, so (A*b) mod P walks every residue once per P consecutive blocks.
const (
	HashConstA = 31
	HashConstP = 191
)

// Kind selects a mapping strategy.
type Kind int

const (
	RAID0 Kind = iota
	RAID5
	Hash
)

// String returns the configuration name of the mapping.
func (k Kind) String() string {
	switch k {
	case RAID0:
		return "RAID0"
	case RAID5:
		return "RAID5"
	case Hash:
		return "HASH"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses RAID0, RAID5 or HASH.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "RAID0", "raid0":
		return RAID0, nil
	case "RAID5", "raid5":
		return RAID5, nil
	case "HASH", "hash":
		return Hash, nil
	}
	return RAID0, errors.Newf(errors.ErrCodeInvalidConfig, "unknown RAID mapping %q", s).
		WithComponent("mapper")
}

// PartFile describes one physical file of a striped logical file.
type PartFile struct {
	Path   string `yaml:"path"`
	NodeID int    `yaml:"node_id"`
	DiskID int    `yaml:"disk_id"`
}

// BlockID locates a piece of data in a stripe: the part file index and the
// offset inside that part file.
type BlockID struct {
	Idx int
	Off int64
}

// Mapper maps logical offsets onto part files. Implementations are
// immutable and safe for concurrent use.
type Mapper interface {
	FileID() int
	Name() string
	Kind() Kind
	BlockSize() int64
	NumFiles() int
	FileName(idx int) string
	FileNodeID(idx int) int
	DiskID(idx int) int

	// Map returns the part file and physical offset of off.
	Map(off int64) BlockID
	// MapToFile returns only the part file index; it always agrees with Map.
	MapToFile(off int64) int
	// SizePerDisk splits a logical size into per-part-file sizes.
	SizePerDisk(size int64) []int64
}

type fileMapper struct {
	fileID    int
	name      string
	files     []PartFile
	blockSize int64
	randStart int
}

func newFileMapper(fileID int, name string, files []PartFile, blockSize int64, randStart int) (fileMapper, error) {
	if len(files) == 0 {
		return fileMapper{}, errors.NewError(errors.ErrCodeInvalidConfig, "mapper needs at least one part file").
			WithComponent("mapper").WithContext("file", name)
	}
	if blockSize <= 0 {
		return fileMapper{}, errors.Newf(errors.ErrCodeInvalidConfig, "stripe block size must be positive, got %d", blockSize).
			WithComponent("mapper").WithContext("file", name)
	}
	if randStart < 0 || randStart >= len(files) {
		return fileMapper{}, errors.Newf(errors.ErrCodeInvalidConfig, "rand start %d out of range [0, %d)", randStart, len(files)).
			WithComponent("mapper")
	}
	cp := make([]PartFile, len(files))
	copy(cp, files)
	return fileMapper{
		fileID:    fileID,
		name:      name,
		files:     cp,
		blockSize: blockSize,
		randStart: randStart,
	}, nil
}

func (m *fileMapper) FileID() int { return m.fileID }
func (m *fileMapper) Name() string { return m.name }
func (m *fileMapper) BlockSize() int64 { return m.blockSize }
func (m *fileMapper) NumFiles() int { return len(m.files) }
func (m *fileMapper) FileName(idx int) string { return m.files[idx].Path }
func (m *fileMapper) FileNodeID(idx int) int { return m.files[idx].NodeID }
func (m *fileMapper) DiskID(idx int) int { return m.files[idx].DiskID }

// Files returns a copy of the part file list.
func (m *fileMapper) Files() []PartFile {
	cp := make([]PartFile, len(m.files))
	copy(cp, m.files)
	return cp
}

// sizePerDisk is shared by RAID0 and RAID5: every run of NumFiles
// consecutive blocks starting at a multiple of NumFiles touches each part
// file exactly once, so whole rows spread evenly and only the tail needs to
// be walked block by block.
func (m *fileMapper) sizePerDisk(size int64, mapToFile func(int64) int) []int64 {
	n := int64(len(m.files))
	sizes := make([]int64, n)
	if size <= 0 {
		return sizes
	}

	fullBlocks := size / m.blockSize
	rows := fullBlocks / n
	for i := range sizes {
		sizes[i] = rows * m.blockSize
	}
	for b := rows * n; b < fullBlocks; b++ {
		sizes[mapToFile(b*m.blockSize)] += m.blockSize
	}
	if rem := size % m.blockSize; rem > 0 {
		sizes[mapToFile(fullBlocks*m.blockSize)] += rem
	}
	return sizes
}

// RAID0Mapper stripes blocks round-robin starting at a rotated disk.
type RAID0Mapper struct {
	fileMapper
}

func (m *RAID0Mapper) Kind() Kind { return RAID0 }

func (m *RAID0Mapper) Map(off int64) BlockID {
	inBlock := off % m.blockSize
	block := off / m.blockSize
	n := int64(len(m.files))
	return BlockID{
		Idx: int((block + int64(m.randStart)) % n),
		Off: block/n*m.blockSize + inBlock,
	}
}

func (m *RAID0Mapper) MapToFile(off int64) int {
	return int((off/m.blockSize + int64(m.randStart)) % int64(len(m.files)))
}

func (m *RAID0Mapper) SizePerDisk(size int64) []int64 {
	return m.sizePerDisk(size, m.MapToFile)
}

// RAID5Mapper rotates the starting disk of every stripe row by one, the way
// RAID5 rotates parity, so short sequential scans do not favour one disk.
// No parity is stored.
type RAID5Mapper struct {
	fileMapper
}

func (m *RAID5Mapper) Kind() Kind { return RAID5 }

func (m *RAID5Mapper) Map(off int64) BlockID {
	inBlock := off % m.blockSize
	block := off / m.blockSize
	return BlockID{
		Idx: m.fileOfBlock(block),
		Off: block/int64(len(m.files))*m.blockSize + inBlock,
	}
}

func (m *RAID5Mapper) MapToFile(off int64) int {
	return m.fileOfBlock(off / m.blockSize)
}

func (m *RAID5Mapper) fileOfBlock(block int64) int {
	n := int64(len(m.files))
	shift := (block / n) % n
	return int((block%n + shift + int64(m.randStart)) % n)
}

func (m *RAID5Mapper) SizePerDisk(size int64) []int64 {
	return m.sizePerDisk(size, m.MapToFile)
}

// HashMapper scatters blocks with the permutation (A*b) mod P. Within each
// cycle of P blocks, part file i receives cycleSize(i) blocks.
type HashMapper struct {
	fileMapper
	pModN int
}

func (m *HashMapper) Kind() Kind { return Hash }

// cycleSize returns how many blocks of one P-block cycle land on part file
// idx: the first P mod N files get one extra.
func (m *HashMapper) cycleSize(idx int) int64 {
	n := len(m.files)
	if idx < m.pModN {
		return int64(HashConstP/n + 1)
	}
	return int64(HashConstP / n)
}

func (m *HashMapper) Map(off int64) BlockID {
	inBlock := off % m.blockSize
	block := off / m.blockSize
	n := int64(len(m.files))
	pIdx := (HashConstA * block) % HashConstP
	idx := int(pIdx % n)
	cycle := block / HashConstP
	// blocks of all previous cycles, then the position in the current one
	phys := cycle*m.cycleSize(idx) + pIdx/n
	return BlockID{
		Idx: idx,
		Off: phys*m.blockSize + inBlock,
	}
}

func (m *HashMapper) MapToFile(off int64) int {
	block := off / m.blockSize
	return int(((HashConstA * block) % HashConstP) % int64(len(m.files)))
}

func (m *HashMapper) SizePerDisk(size int64) []int64 {
	n := len(m.files)
	sizes := make([]int64, n)
	if size <= 0 {
		return sizes
	}

	fullBlocks := size / m.blockSize
	cycles := fullBlocks / HashConstP
	for i := range sizes {
		sizes[i] = cycles * m.cycleSize(i) * m.blockSize
	}
	for b := cycles * HashConstP; b < fullBlocks; b++ {
		sizes[m.MapToFile(b*m.blockSize)] += m.blockSize
	}
	if rem := size % m.blockSize; rem > 0 {
		sizes[m.MapToFile(fullBlocks*m.blockSize)] += rem
	}
	return sizes
}

var (
	_ Mapper = (*RAID0Mapper)(nil)
	_ Mapper = (*RAID5Mapper)(nil)
	_ Mapper = (*HashMapper)(nil)
)
