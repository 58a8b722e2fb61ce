package ext2

import (
	"encoding/binary"

	"github.com/tallgrass-os/kernel/blockdev"
)

// groupDescSize is the on-disk size of one block-group descriptor entry
// (spec §6.1).
const groupDescSize = 32

// GroupDesc is one block-group descriptor table entry.
type GroupDesc struct {
	BlockBitmapAddr uint32
	InodeBitmapAddr uint32
	InodeTableAddr  uint32
	UnallocBlocks   uint16
	UnallocInodes   uint16
	DirCount        uint16
}

func (g *GroupDesc) marshal(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], g.BlockBitmapAddr)
	le.PutUint32(b[4:8], g.InodeBitmapAddr)
	le.PutUint32(b[8:12], g.InodeTableAddr)
	le.PutUint16(b[12:14], g.UnallocBlocks)
	le.PutUint16(b[14:16], g.UnallocInodes)
	le.PutUint16(b[16:18], g.DirCount)
}

func (g *GroupDesc) unmarshal(b []byte) {
	le := binary.LittleEndian
	g.BlockBitmapAddr = le.Uint32(b[0:4])
	g.InodeBitmapAddr = le.Uint32(b[4:8])
	g.InodeTableAddr = le.Uint32(b[8:12])
	g.UnallocBlocks = le.Uint16(b[12:14])
	g.UnallocInodes = le.Uint16(b[14:16])
	g.DirCount = le.Uint16(b[16:18])
}

// BGDT is the resident block-group descriptor table (spec §3.5), loaded in
// full on mount and synced with SyncSuper.
type BGDT struct {
	Groups   []GroupDesc
	startBlk uint32 // block immediately following the superblock's block
}

// bgdtStartBlock is the block immediately following the superblock: block 2
// for a 1 KiB filesystem (superblock occupies block 1), block 1 otherwise
// (superblock always lives in the first block of the group for >1KiB block
// sizes, with the BGDT starting at the following block).
func bgdtStartBlock(sb *Superblock) uint32 {
	return sb.SuperblockBlock + 1
}

// LoadBGDT loads the entire block-group descriptor table into memory
// (spec §4.H.1: "load the entire BGDT into memory, contiguous virtual
// allocation").
func LoadBGDT(dev blockdev.Strategy, sb *Superblock) (*BGDT, error) {
	groups := sb.GroupCount()
	blockSize := sb.BlockSize()
	totalBytes := groups * groupDescSize
	nblocks := (totalBytes + blockSize - 1) / blockSize
	start := bgdtStartBlock(sb)

	buf := make([]byte, nblocks*blockSize)
	if _, err := dev.Submit(blockdev.Request{
		StartingBlock:  uint64(start),
		BlockSizeBytes: blockSize,
		ByteCount:      uint32(len(buf)),
		Buffer:         buf,
		Direction:      blockdev.Read,
	}); err != nil {
		return nil, ErrIO
	}

	bg := &BGDT{Groups: make([]GroupDesc, groups), startBlk: start}
	for i := uint32(0); i < groups; i++ {
		bg.Groups[i].unmarshal(buf[i*groupDescSize : (i+1)*groupDescSize])
	}
	return bg, nil
}

// SyncSuper writes the BGDT and superblock back to dev (spec §4.H.1's
// "synced on sync_super").
func (bg *BGDT) SyncSuper(dev blockdev.Strategy, sb *Superblock) error {
	blockSize := sb.BlockSize()
	totalBytes := uint32(len(bg.Groups)) * groupDescSize
	nblocks := (totalBytes + blockSize - 1) / blockSize
	buf := make([]byte, nblocks*blockSize)
	for i, g := range bg.Groups {
		g.marshal(buf[uint32(i)*groupDescSize : uint32(i+1)*groupDescSize])
	}
	if _, err := dev.Submit(blockdev.Request{
		StartingBlock:  uint64(bg.startBlk),
		BlockSizeBytes: blockSize,
		ByteCount:      uint32(len(buf)),
		Buffer:         buf,
		Direction:      blockdev.Write,
	}); err != nil {
		return ErrIO
	}
	return sb.WriteBack(dev)
}
