package ext2

import (
	"errors"

	"github.com/tallgrass-os/kernel/blockdev"
)

var (
	ErrNoSpace       = errors.New("no space left on device")
	ErrInvalidInode  = errors.New("invalid inode number")
	ErrInvalidBlock  = errors.New("invalid block number")
)

// scanBitmapForZero scans a bitmap page for the first clear bit, skipping
// bytes that are entirely 0xff (spec §4.H.2: "reads the group's ... bitmap
// page, scans bytes (skipping 0xff), then bits"). skip(bitIndex) lets the
// caller reject a candidate (e.g. it collides with BGDT metadata, or the
// inode is currently held in-core) and continue scanning.
func scanBitmapForZero(buf []byte, limit int, skip func(bit int) bool) (int, bool) {
	for byteIdx := 0; byteIdx < len(buf) && byteIdx*8 < limit; byteIdx++ {
		if buf[byteIdx] == 0xff {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			idx := byteIdx*8 + bit
			if idx >= limit {
				break
			}
			if buf[byteIdx]&(1<<uint(bit)) != 0 {
				continue
			}
			if skip != nil && skip(idx) {
				continue
			}
			return idx, true
		}
	}
	return 0, false
}

func setBit(buf []byte, idx int) {
	buf[idx/8] |= 1 << uint(idx%8)
}

func clearBit(buf []byte, idx int) {
	buf[idx/8] &^= 1 << uint(idx%8)
}

func testBit(buf []byte, idx int) bool {
	return buf[idx/8]&(1<<uint(idx%8)) != 0
}

// AllocInode implements spec §4.H.2's alloc_inode: walks groups with
// unalloc_inodes > 0, scans the group's inode bitmap, skipping inodes held
// in-core, and returns the first free inode number (1-based). The returned
// inode's on-disk record is zeroed.
func (fs *Filesystem) AllocInode() (uint32, error) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	inodesPerGroup := fs.Super.InodesPerGroup
	first := fs.Super.FirstNonReservedIno
	if first == 0 {
		first = defaultFirstNonReservedInode
	}

	for gi := range fs.BGDT.Groups {
		g := &fs.BGDT.Groups[gi]
		if g.UnallocInodes == 0 {
			continue
		}
		page, err := fs.Cache.Get(fs.Super.Dev, uint64(g.InodeBitmapAddr), blockdev.ReadFlag)
		if err != nil {
			return 0, err
		}
		bit, ok := scanBitmapForZero(page.Buf, int(inodesPerGroup), func(bit int) bool {
			ino := uint32(gi)*inodesPerGroup + uint32(bit) + 1
			if ino < first {
				return true
			}
			return fs.inodeHeldLocked(ino)
		})
		if !ok {
			fs.Cache.Release(page)
			continue
		}
		setBit(page.Buf, bit)
		page.MarkDirty()
		fs.Cache.Release(page)

		g.UnallocInodes--
		fs.Super.UnallocInodes--

		ino := uint32(gi)*inodesPerGroup + uint32(bit) + 1
		blockNo, off := fs.inodeLocation(ino)
		ipage, err := fs.Cache.Get(fs.Super.Dev, blockNo, blockdev.ReadFlag)
		if err != nil {
			return 0, err
		}
		for i := 0; i < inodeOnDiskSize; i++ {
			ipage.Buf[int(off)+i] = 0
		}
		ipage.MarkDirty()
		fs.Cache.Release(ipage)

		return ino, nil
	}
	return 0, ErrNoSpace
}

// inodeHeldLocked is incoreHeld without re-acquiring fs.mtx (AllocInode
// already holds it).
func (fs *Filesystem) inodeHeldLocked(ino uint32) bool {
	_, ok := fs.inodes[ino]
	return ok
}

// FreeInode clears ino's bitmap bit, marks the bitmap page dirty, and bumps
// the group/super counters (spec §4.H.2).
func (fs *Filesystem) FreeInode(ino uint32) error {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	inodesPerGroup := fs.Super.InodesPerGroup
	group := (ino - 1) / inodesPerGroup
	bit := int((ino - 1) % inodesPerGroup)
	if int(group) >= len(fs.BGDT.Groups) {
		return ErrInvalidInode
	}
	g := &fs.BGDT.Groups[group]

	page, err := fs.Cache.Get(fs.Super.Dev, uint64(g.InodeBitmapAddr), blockdev.ReadFlag)
	if err != nil {
		return err
	}
	clearBit(page.Buf, bit)
	page.MarkDirty()
	fs.Cache.Release(page)

	g.UnallocInodes++
	fs.Super.UnallocInodes++
	delete(fs.inodes, ino)
	return nil
}

// blockCollidesWithMetadata reports whether candidate physical block b collides with any
// group's BGDT metadata: its inode_bitmap_addr, block_bitmap_addr, or any
// address within its inode table (spec §4.H.2's alloc_block exclusion).
func (fs *Filesystem) blockCollidesWithMetadata(b uint32) bool {
	blockSize := fs.Super.BlockSize()
	inodeSize := uint32(fs.Super.InodeSize)
	if inodeSize == 0 {
		inodeSize = inodeOnDiskSize
	}
	inodesPerBlock := blockSize / inodeSize
	tableBlocks := (fs.Super.InodesPerGroup + inodesPerBlock - 1) / inodesPerBlock
	for _, g := range fs.BGDT.Groups {
		if b == g.InodeBitmapAddr || b == g.BlockBitmapAddr {
			return true
		}
		if b >= g.InodeTableAddr && b < g.InodeTableAddr+tableBlocks {
			return true
		}
	}
	return false
}

// AllocBlock implements spec §4.H.2's alloc_block: mirrors AllocInode but
// additionally refuses any block colliding with BGDT metadata. Block
// counting starts from superblock_block.
func (fs *Filesystem) AllocBlock() (uint32, error) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	blocksPerGroup := fs.Super.BlocksPerGroup
	base := fs.Super.SuperblockBlock

	for gi := range fs.BGDT.Groups {
		g := &fs.BGDT.Groups[gi]
		if g.UnallocBlocks == 0 {
			continue
		}
		page, err := fs.Cache.Get(fs.Super.Dev, uint64(g.BlockBitmapAddr), blockdev.ReadFlag)
		if err != nil {
			return 0, err
		}
		bit, ok := scanBitmapForZero(page.Buf, int(blocksPerGroup), func(bit int) bool {
			b := base + uint32(gi)*blocksPerGroup + uint32(bit)
			return fs.blockCollidesWithMetadata(b)
		})
		if !ok {
			fs.Cache.Release(page)
			continue
		}
		setBit(page.Buf, bit)
		page.MarkDirty()
		fs.Cache.Release(page)

		g.UnallocBlocks--
		fs.Super.UnallocBlocks--

		return base + uint32(gi)*blocksPerGroup + uint32(bit), nil
	}
	return 0, ErrNoSpace
}

// FreeBlock clears b's bitmap bit, marks the bitmap dirty, invalidates any
// page-cache entry for the freed data block, and bumps group/super counters
// (spec §4.H.2).
func (fs *Filesystem) FreeBlock(b uint32) error {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	blocksPerGroup := fs.Super.BlocksPerGroup
	base := fs.Super.SuperblockBlock
	rel := b - base
	group := rel / blocksPerGroup
	bit := int(rel % blocksPerGroup)
	if int(group) >= len(fs.BGDT.Groups) {
		return ErrInvalidBlock
	}
	g := &fs.BGDT.Groups[group]

	page, err := fs.Cache.Get(fs.Super.Dev, uint64(g.BlockBitmapAddr), blockdev.ReadFlag)
	if err != nil {
		return err
	}
	clearBit(page.Buf, bit)
	page.MarkDirty()
	fs.Cache.Release(page)

	g.UnallocBlocks++
	fs.Super.UnallocBlocks++

	if dp, err := fs.Cache.Get(fs.Super.Dev, uint64(b), blockdev.CreateFlag); err == nil {
		dp.MarkStale()
		fs.Cache.Release(dp)
	}
	return nil
}
