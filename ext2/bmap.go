package ext2

import (
	"encoding/binary"

	"github.com/tallgrass-os/kernel/blockdev"
)

// BmapMode selects bmap's three modes (spec §4.H.3).
type BmapMode int

const (
	BmapMapOnly BmapMode = iota
	BmapCreate
	BmapFree
)

func (fs *Filesystem) pointersPerBlock() uint32 { return fs.Super.BlockSize() / 4 }

// MaxBlockIndex is spec §4.H.3's triple-indirect clamp: one past the last
// lblock bmap will resolve.
func (fs *Filesystem) MaxBlockIndex() uint32 {
	p := fs.pointersPerBlock()
	return 12 + p + p*p + p*p*p
}

func readPtr(buf []byte, idx uint32) uint32 {
	return binary.LittleEndian.Uint32(buf[idx*4 : idx*4+4])
}

func writePtr(buf []byte, idx uint32, v uint32) {
	binary.LittleEndian.PutUint32(buf[idx*4:idx*4+4], v)
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// zeroNewBlock allocates a fresh block via AllocBlock, writes zeros through
// the strategy (spec §4.H.3: "zero it on disk (strategy write of a page of
// zeros)"), and bumps the inode's disk_sectors/ctime/dirty flag.
func (fs *Filesystem) zeroNewBlock(ic *InCoreInode) (uint32, error) {
	b, err := fs.AllocBlock()
	if err != nil {
		return 0, err
	}
	page, err := fs.Cache.Get(fs.Super.Dev, uint64(b), blockdev.CreateFlag)
	if err != nil {
		return 0, err
	}
	for i := range page.Buf {
		page.Buf[i] = 0
	}
	page.MarkDirty()
	fs.Cache.Release(page)

	ic.mtx.Lock()
	ic.DiskSectors += fs.Super.BlockSize() / 512
	ic.Ctime = now()
	ic.mtx.Unlock()
	ic.MarkDirty()
	return b, nil
}

// Bmap translates a logical block index to a physical block (spec §4.H.3):
// map-only, create-if-absent, or free-on-shrink.
func (fs *Filesystem) Bmap(ic *InCoreInode, lblock uint32, mode BmapMode) (uint32, error) {
	if ic.IsSymlink() && ic.Size < 60 {
		return 0, nil
	}
	p := fs.pointersPerBlock()
	if lblock >= fs.MaxBlockIndex() {
		return 0, nil
	}

	switch {
	case lblock < 12:
		return fs.bmapDirect(ic, lblock, mode)
	case lblock < 12+p:
		return fs.bmapIndirectN(ic, 12, []uint32{lblock - 12}, mode)
	case lblock < 12+p+p*p:
		idx := lblock - 12 - p
		return fs.bmapIndirectN(ic, 13, []uint32{idx / p, idx % p}, mode)
	default:
		idx := lblock - 12 - p - p*p
		return fs.bmapIndirectN(ic, 14, []uint32{idx / (p * p), (idx / p) % p, idx % p}, mode)
	}
}

func (fs *Filesystem) bmapDirect(ic *InCoreInode, lblock uint32, mode BmapMode) (uint32, error) {
	ic.mtx.Lock()
	existing := ic.Blocks[lblock]
	ic.mtx.Unlock()

	switch mode {
	case BmapFree:
		if existing == 0 {
			return 0, nil
		}
		if err := fs.FreeBlock(existing); err != nil {
			return 0, err
		}
		ic.mtx.Lock()
		ic.Blocks[lblock] = 0
		ic.mtx.Unlock()
		ic.MarkDirty()
		return 0, nil
	case BmapCreate:
		if existing != 0 {
			return existing, nil
		}
		b, err := fs.zeroNewBlock(ic)
		if err != nil {
			return 0, err
		}
		ic.mtx.Lock()
		ic.Blocks[lblock] = b
		ic.mtx.Unlock()
		ic.MarkDirty()
		return b, nil
	default:
		return existing, nil
	}
}

// bmapIndirectN walks `path` through 1-3 levels of indirection rooted at
// ic.Blocks[rootSlot]. On BmapFree, after clearing the target pointer it
// walks back up freeing any indirect block that became entirely empty,
// per spec §4.H.3's shrink semantics.
func (fs *Filesystem) bmapIndirectN(ic *InCoreInode, rootSlot int, path []uint32, mode BmapMode) (uint32, error) {
	ic.mtx.Lock()
	rootBlock := ic.Blocks[rootSlot]
	ic.mtx.Unlock()

	if rootBlock == 0 {
		if mode != BmapCreate {
			return 0, nil
		}
		b, err := fs.zeroNewBlock(ic)
		if err != nil {
			return 0, err
		}
		rootBlock = b
		ic.mtx.Lock()
		ic.Blocks[rootSlot] = rootBlock
		ic.mtx.Unlock()
		ic.MarkDirty()
	}

	// blockTrail[i] is the block number of the indirect block at depth i;
	// blockTrail[0] == rootBlock.
	blockTrail := make([]uint32, len(path))
	blockTrail[0] = rootBlock

	for i := 0; i < len(path)-1; i++ {
		page, err := fs.Cache.Get(fs.Super.Dev, uint64(blockTrail[i]), blockdev.ReadFlag)
		if err != nil {
			return 0, err
		}
		child := readPtr(page.Buf, path[i])
		if child == 0 {
			if mode != BmapCreate {
				fs.Cache.Release(page)
				return 0, nil
			}
			nb, err := fs.zeroNewBlock(ic)
			if err != nil {
				fs.Cache.Release(page)
				return 0, err
			}
			child = nb
			writePtr(page.Buf, path[i], child)
			page.MarkDirty()
		}
		fs.Cache.Release(page)
		blockTrail[i+1] = child
	}

	leafIdx := path[len(path)-1]
	leafBlockNo := blockTrail[len(blockTrail)-1]
	leafPage, err := fs.Cache.Get(fs.Super.Dev, uint64(leafBlockNo), blockdev.ReadFlag)
	if err != nil {
		return 0, err
	}
	target := readPtr(leafPage.Buf, leafIdx)

	switch mode {
	case BmapMapOnly:
		fs.Cache.Release(leafPage)
		return target, nil
	case BmapCreate:
		if target != 0 {
			fs.Cache.Release(leafPage)
			return target, nil
		}
		nb, err := fs.zeroNewBlock(ic)
		if err != nil {
			fs.Cache.Release(leafPage)
			return 0, err
		}
		writePtr(leafPage.Buf, leafIdx, nb)
		leafPage.MarkDirty()
		fs.Cache.Release(leafPage)
		return nb, nil
	default: // BmapFree
		if target == 0 {
			fs.Cache.Release(leafPage)
			return 0, nil
		}
		if err := fs.FreeBlock(target); err != nil {
			fs.Cache.Release(leafPage)
			return 0, err
		}
		writePtr(leafPage.Buf, leafIdx, 0)
		leafPage.MarkDirty()
		empty := allZero(leafPage.Buf)
		fs.Cache.Release(leafPage)

		// Walk back up, freeing indirect blocks that became entirely empty
		// and clearing the parent pointer that referenced them.
		if !empty {
			return 0, nil
		}
		if err := fs.FreeBlock(leafBlockNo); err != nil {
			return 0, err
		}
		for i := len(path) - 2; i >= 0; i-- {
			parentBlockNo := blockTrail[i]
			parentPage, err := fs.Cache.Get(fs.Super.Dev, uint64(parentBlockNo), blockdev.ReadFlag)
			if err != nil {
				return 0, err
			}
			writePtr(parentPage.Buf, path[i], 0)
			parentPage.MarkDirty()
			stillEmpty := allZero(parentPage.Buf)
			fs.Cache.Release(parentPage)
			if !stillEmpty {
				return 0, nil
			}
			if err := fs.FreeBlock(parentBlockNo); err != nil {
				return 0, err
			}
		}
		// The root indirect pointer itself is now empty.
		ic.mtx.Lock()
		ic.Blocks[rootSlot] = 0
		ic.mtx.Unlock()
		ic.MarkDirty()
		return 0, nil
	}
}

// FreeSymlinkInline zeros all 15 block pointers, spec §4.H.3's "on free,
// all 15 pointers are zeroed" for an inline symlink target.
func FreeSymlinkInline(ic *InCoreInode) {
	ic.mtx.Lock()
	for i := range ic.Blocks {
		ic.Blocks[i] = 0
	}
	ic.mtx.Unlock()
	ic.MarkDirty()
}

// SetInlineSymlink stores target directly in ic.Blocks[0..15] (spec
// §4.H.3's symlink fast path, used when len(target) < 60) and sets Size.
func SetInlineSymlink(ic *InCoreInode, target string) {
	ic.mtx.Lock()
	for i := range ic.Blocks {
		ic.Blocks[i] = 0
	}
	buf := make([]byte, 60)
	copy(buf, target)
	for i := 0; i < 15; i++ {
		ic.Blocks[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	ic.Size = uint64(len(target))
	ic.mtx.Unlock()
	ic.MarkDirty()
}

// ReadInlineSymlink recovers the target string stored by SetInlineSymlink.
func ReadInlineSymlink(ic *InCoreInode) string {
	ic.mtx.Lock()
	defer ic.mtx.Unlock()
	buf := make([]byte, 60)
	for i := 0; i < 15; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], ic.Blocks[i])
	}
	return string(buf[:ic.Size])
}
