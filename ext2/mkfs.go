package ext2

import (
	"github.com/tallgrass-os/kernel/blockdev"
)

// MkfsParams describes a single-block-group ext2-style filesystem to format
// -- enough to drive spec §8 scenario 1 ("build a 64 KiB image with 4 KiB
// blocks, one group...") and cmd/kernsim's integration harness without a
// separate external mkfs tool.
type MkfsParams struct {
	BlockSize             uint32
	TotalBlocks           uint32
	TotalInodes           uint32
	FirstNonReservedInode uint32
}

// Mkfs formats dev as a single-group ext2-style filesystem per params and
// writes out a clean (VALID_FS) superblock so a subsequent Mount succeeds.
// Layout for blocks larger than 1 KiB: block 0 holds the superblock (at
// byte 1024) and boot block, block 1 the BGDT, block 2 the block bitmap,
// block 3 the inode bitmap, block 4 onward the inode table, and the block
// after the table the root directory's sole data block (with 1 KiB blocks
// the superblock has block 1 and everything after it moves up by one); inodes
// 1..first_nonreserved_inode-1 (conventionally including inode 2, the root
// directory) are pre-marked allocated.
func Mkfs(dev blockdev.Strategy, p MkfsParams) error {
	first := p.FirstNonReservedInode
	if first == 0 {
		first = defaultFirstNonReservedInode
	}
	reserved := first - 1

	// Block layout mirrors real ext2 convention: for a 1 KiB block size,
	// block 0 is a reserved boot block and the superblock lives in block
	// 1; for larger block sizes the superblock shares block 0 (it starts
	// at byte offset 1024 within it). The BGDT immediately follows,
	// spec §4.H.1.
	blkSuper := uint32(0)
	if p.BlockSize == 1024 {
		blkSuper = 1
	}
	blkBGDT := bgdtStartBlock(&Superblock{SuperblockBlock: blkSuper, Log2BlockSize: log2(p.BlockSize / 1024)})
	bgdtBlocks := (groupDescSize + p.BlockSize - 1) / p.BlockSize
	blkBmap := blkBGDT + bgdtBlocks
	blkImap := blkBmap + 1
	blkItbl := blkImap + 1
	inodesPerBlock := p.BlockSize / inodeOnDiskSize
	itblBlocks := (p.TotalInodes + inodesPerBlock - 1) / inodesPerBlock
	blkRoot := blkItbl + itblBlocks
	usedBlocks := blkRoot + 1

	sb := &Superblock{
		TotalInodes:         p.TotalInodes,
		TotalBlocks:         p.TotalBlocks,
		SuperblockBlock:      blkSuper,
		Log2BlockSize:       log2(p.BlockSize / 1024),
		BlocksPerGroup:      p.TotalBlocks,
		InodesPerGroup:      p.TotalInodes,
		VersionMajor:        1,
		Signature:           SuperMagic,
		FilesystemState:     ValidFS,
		RequiredFeatures:    FeatureIncompatFiletype,
		FirstNonReservedIno: first,
		InodeSize:           inodeOnDiskSize,
		UnallocInodes:       p.TotalInodes - reserved,
		UnallocBlocks:       p.TotalBlocks - usedBlocks,
		Dev:                 "mkfs",
	}

	startSector, byteOff, readLen := mountGeometry(dev.SectorSize())
	raw := make([]byte, readLen)
	if int(byteOff)+superblockSize > len(raw) {
		raw = make([]byte, int(byteOff)+superblockSize)
	}
	sb.sectorBlock = startSector
	sb.sectorSize = dev.SectorSize()
	sb.raw = raw
	sb.superOffset = int(byteOff)
	copy(raw[byteOff:int(byteOff)+superblockSize], sb.marshal())
	if _, err := dev.Submit(blockdev.Request{
		StartingBlock:  startSector,
		BlockSizeBytes: dev.SectorSize(),
		ByteCount:      uint32(len(raw)),
		Buffer:         raw,
		Direction:      blockdev.Write,
	}); err != nil {
		return err
	}

	bg := &BGDT{startBlk: blkBGDT, Groups: []GroupDesc{{
		BlockBitmapAddr: blkBmap,
		InodeBitmapAddr: blkImap,
		InodeTableAddr:  blkItbl,
		UnallocBlocks:   uint16(sb.UnallocBlocks),
		UnallocInodes:   uint16(sb.UnallocInodes),
		DirCount:        1,
	}}}
	if err := bg.SyncSuper(dev, sb); err != nil {
		return err
	}

	blockBitmap := make([]byte, p.BlockSize)
	for b := uint32(0); b < usedBlocks; b++ {
		setBit(blockBitmap, int(b))
	}
	if _, err := dev.Submit(blockdev.Request{StartingBlock: blkBmap, BlockSizeBytes: p.BlockSize, ByteCount: p.BlockSize, Buffer: blockBitmap, Direction: blockdev.Write}); err != nil {
		return err
	}

	inodeBitmap := make([]byte, p.BlockSize)
	for i := uint32(0); i < reserved; i++ {
		setBit(inodeBitmap, int(i))
	}
	if _, err := dev.Submit(blockdev.Request{StartingBlock: blkImap, BlockSizeBytes: p.BlockSize, ByteCount: p.BlockSize, Buffer: inodeBitmap, Direction: blockdev.Write}); err != nil {
		return err
	}

	// Root directory inode (conventionally inode 2): mode dir, links 2,
	// size one block, blocks[0] = the root data block.
	itbl := make([]byte, itblBlocks*p.BlockSize)
	rootOnDisk := onDiskInode{Mode: ModeDir | 0755, Links: 2, SizeLow: p.BlockSize}
	rootOnDisk.Block[0] = blkRoot
	copy(itbl[(2-1)*inodeOnDiskSize:], marshalOnDiskInode(rootOnDisk))
	if _, err := dev.Submit(blockdev.Request{StartingBlock: blkItbl, BlockSizeBytes: p.BlockSize, ByteCount: uint32(len(itbl)), Buffer: itbl, Direction: blockdev.Write}); err != nil {
		return err
	}

	rootBlock := make([]byte, p.BlockSize)
	dotSize := align4(dirEntryHeaderSize + 1)
	writeRawEntry(rootBlock, 0, 2, uint16(dotSize), ".", FTDir, true)
	writeRawEntry(rootBlock, dotSize, 2, uint16(int(p.BlockSize)-dotSize), "..", FTDir, true)
	if _, err := dev.Submit(blockdev.Request{StartingBlock: blkRoot, BlockSizeBytes: p.BlockSize, ByteCount: p.BlockSize, Buffer: rootBlock, Direction: blockdev.Write}); err != nil {
		return err
	}

	return nil
}

func log2(v uint32) uint32 {
	n := uint32(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
