/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ext2 implements the ext2-style filesystem core (spec §4.H):
// superblock/BGDT management, inode and block allocation over bitmaps,
// single/double/triple indirect bmap, directory record add/find/delete,
// inline symlinks, and getdents. It talks to the block device and page
// cache only through the blockdev package and crosses the user boundary
// only through ucopy, matching spec §1's external-collaborator boundary.
package ext2

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/tallgrass-os/kernel/blockdev"
)

const (
	SuperMagic = 0xEF53

	superblockSize = 1024 // on-disk superblock occupies one 1 KiB region

	// Feature bits (spec §4.H.1).
	FeatureIncompatFiletype = 0x0002
	FeatureROSparseSuper    = 0x0001
	FeatureROLargeFile      = 0x0002

	requiredFeatureMask = FeatureIncompatFiletype
	roFeatureMask       = FeatureROSparseSuper | FeatureROLargeFile

	// Filesystem state (spec §4.H.1, §8 scenario 1).
	ValidFS = 1
	ErrorFS = 2

	defaultFirstNonReservedInode = 11
)

var (
	ErrBadMagic           = errors.New("bad ext2 superblock magic")
	ErrUnsupportedFeature = errors.New("unsupported required or read-only feature bit")
	ErrFSNotClean         = errors.New("filesystem state is not VALID_FS")
	ErrIO                 = errors.New("i/o error")
)

// Superblock is the in-memory snapshot of spec §6.1's on-disk fields, plus
// the bookkeeping spec §3.5 adds: dev, raw sector block number, and the
// device-sector-sized raw buffer it was read from (kept so writes can
// round-trip bytes this module doesn't interpret).
type Superblock struct {
	TotalInodes         uint32
	TotalBlocks         uint32
	ReservedBlocks       uint32
	UnallocBlocks       uint32
	UnallocInodes       uint32
	SuperblockBlock     uint32 // s_first_data_block
	Log2BlockSize       uint32
	BlocksPerGroup      uint32
	InodesPerGroup      uint32
	VersionMajor        uint32
	LastMountTime       uint32
	LastWrittenTime     uint32
	MountsSinceCheck    uint16
	Signature           uint16
	FilesystemState     uint16
	RequiredFeatures    uint32
	ReadonlyFeatures    uint32
	FirstNonReservedIno uint32
	InodeSize           uint16

	// dev/raw bookkeeping, spec §3.5.
	Dev          string
	sectorBlock  uint64
	sectorSize   uint32
	raw          []byte // the full sector-sized buffer last read, byte offsets unchanged
	superOffset  int    // offset of the 1024-byte superblock region within raw
	relocated    bool   // true when the device sector exceeds 1024B; raw itself is never relocated
}

func (s *Superblock) BlockSize() uint32 { return 1024 << s.Log2BlockSize }

func (s *Superblock) GroupCount() uint32 {
	n := (s.TotalBlocks - s.SuperblockBlock + s.BlocksPerGroup - 1) / s.BlocksPerGroup
	return n
}

// mountGeometry implements spec §4.H.1's sector-size-dependent superblock
// location: {512B: block 2 of 1024, 1024B: block 1, 2048/4096B: block 0},
// all three of which put the 1024-byte superblock region at absolute byte
// offset 1024 -- what differs is how many device sectors precede it.
func mountGeometry(sectorSize uint32) (startSector uint64, byteOffset uint32, readLen uint32) {
	switch {
	case sectorSize <= 512:
		return 2, 0, sectorSize
	case sectorSize == 1024:
		return 1, 0, sectorSize
	default: // 2048, 4096, ...
		return 0, 1024, sectorSize
	}
}

// ReadSuperblock reads and validates the superblock from dev, per spec
// §4.H.1. It rejects a bad magic, any unsupported required/RO-compat
// feature bit, or a filesystem_state other than VALID_FS.
func ReadSuperblock(dev blockdev.Strategy) (*Superblock, error) {
	sectorSize := dev.SectorSize()
	startSector, byteOff, readLen := mountGeometry(sectorSize)

	buf := make([]byte, readLen)
	if _, err := dev.Submit(blockdev.Request{
		StartingBlock:  startSector,
		BlockSizeBytes: sectorSize,
		ByteCount:      readLen,
		Buffer:         buf,
		Direction:      blockdev.Read,
	}); err != nil {
		return nil, ErrIO
	}

	if int(byteOff)+superblockSize > len(buf) {
		grown := make([]byte, int(byteOff)+superblockSize)
		copy(grown, buf)
		buf = grown
	}

	s := &Superblock{sectorBlock: startSector, sectorSize: sectorSize, raw: buf, superOffset: int(byteOff), relocated: sectorSize > 1024}
	s.unmarshal(buf[byteOff : byteOff+superblockSize])

	if s.Signature != SuperMagic {
		return nil, ErrBadMagic
	}
	if s.RequiredFeatures&^uint32(requiredFeatureMask) != 0 {
		return nil, ErrUnsupportedFeature
	}
	if s.ReadonlyFeatures&^uint32(roFeatureMask) != 0 {
		return nil, ErrUnsupportedFeature
	}
	if s.FilesystemState != ValidFS {
		return nil, ErrFSNotClean
	}
	if s.VersionMajor == 0 {
		s.FirstNonReservedIno = defaultFirstNonReservedInode
		s.InodeSize = 128
	}
	return s, nil
}

func (s *Superblock) unmarshal(b []byte) {
	le := binary.LittleEndian
	s.TotalInodes = le.Uint32(b[0:4])
	s.TotalBlocks = le.Uint32(b[4:8])
	s.ReservedBlocks = le.Uint32(b[8:12])
	s.UnallocBlocks = le.Uint32(b[12:16])
	s.UnallocInodes = le.Uint32(b[16:20])
	s.SuperblockBlock = le.Uint32(b[20:24])
	s.Log2BlockSize = le.Uint32(b[24:28])
	s.BlocksPerGroup = le.Uint32(b[32:36])
	s.InodesPerGroup = le.Uint32(b[40:44])
	s.LastMountTime = le.Uint32(b[44:48])
	s.LastWrittenTime = le.Uint32(b[48:52])
	s.MountsSinceCheck = le.Uint16(b[52:54])
	s.Signature = le.Uint16(b[56:58])
	s.FilesystemState = le.Uint16(b[58:60])
	s.VersionMajor = le.Uint32(b[76:80])
	if s.VersionMajor >= 1 {
		s.FirstNonReservedIno = le.Uint32(b[84:88])
		s.InodeSize = le.Uint16(b[88:90])
		s.RequiredFeatures = le.Uint32(b[96:100])
		s.ReadonlyFeatures = le.Uint32(b[100:104])
	}
}

func (s *Superblock) marshal() []byte {
	b := make([]byte, superblockSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:4], s.TotalInodes)
	le.PutUint32(b[4:8], s.TotalBlocks)
	le.PutUint32(b[8:12], s.ReservedBlocks)
	le.PutUint32(b[12:16], s.UnallocBlocks)
	le.PutUint32(b[16:20], s.UnallocInodes)
	le.PutUint32(b[20:24], s.SuperblockBlock)
	le.PutUint32(b[24:28], s.Log2BlockSize)
	le.PutUint32(b[32:36], s.BlocksPerGroup)
	le.PutUint32(b[40:44], s.InodesPerGroup)
	le.PutUint32(b[44:48], s.LastMountTime)
	le.PutUint32(b[48:52], s.LastWrittenTime)
	le.PutUint16(b[52:54], s.MountsSinceCheck)
	le.PutUint16(b[56:58], s.Signature)
	le.PutUint16(b[58:60], s.FilesystemState)
	le.PutUint32(b[76:80], s.VersionMajor)
	if s.VersionMajor >= 1 {
		le.PutUint32(b[84:88], s.FirstNonReservedIno)
		le.PutUint16(b[88:90], s.InodeSize)
		le.PutUint32(b[96:100], s.RequiredFeatures)
		le.PutUint32(b[100:104], s.ReadonlyFeatures)
	}
	return b
}

// WriteBack serializes s back into its resident raw buffer at the offset it
// was read from and submits it to dev. raw keeps the device's byte offsets
// as read, so no boot-block relocation is applied or undone for any sector
// size.
func (s *Superblock) WriteBack(dev blockdev.Strategy) error {
	s.LastWrittenTime = uint32(nowFn().Unix())
	copy(s.raw[s.superOffset:s.superOffset+superblockSize], s.marshal())

	readLen := uint32(len(s.raw))
	_, err := dev.Submit(blockdev.Request{
		StartingBlock:  s.sectorBlock,
		BlockSizeBytes: s.sectorSize,
		ByteCount:      readLen,
		Buffer:         s.raw,
		Direction:      blockdev.Write,
	})
	if err != nil {
		return ErrIO
	}
	return nil
}

// nowFn is indirected so tests can pin deterministic timestamps.
var nowFn = time.Now
