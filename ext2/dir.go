package ext2

import (
	"encoding/binary"
	"errors"

	"github.com/tallgrass-os/kernel/blockdev"
)

const dirEntryHeaderSize = 8 // inode(4) + entry_size(2) + name_len_lsb(1) + type_or_msb(1)

var (
	ErrNameTooLong  = errors.New("file name too long")
	ErrExists       = errors.New("file exists")
	ErrNoSuchEntry  = errors.New("no such file or directory")
	ErrDirNotEmpty  = errors.New("directory not empty")
	ErrNoRoomInBlock = errors.New("insufficient room in directory block")
)

func align4(n int) int { return (n + 3) &^ 3 }

func (fs *Filesystem) hasFiletype() bool {
	return fs.Super.RequiredFeatures&FeatureIncompatFiletype != 0
}

// writeRawEntry writes a directory record header+name at offset, keeping
// entrySize as the caller-chosen skip distance (spec §4.H.4).
func writeRawEntry(buf []byte, offset int, ino uint32, entrySize uint16, name string, fileType uint8, hasFT bool) {
	binary.LittleEndian.PutUint32(buf[offset:offset+4], ino)
	binary.LittleEndian.PutUint16(buf[offset+4:offset+6], entrySize)
	buf[offset+6] = uint8(len(name))
	if hasFT {
		buf[offset+7] = fileType
	} else {
		buf[offset+7] = 0 // name_len_msb; names are always < 256 bytes here
	}
	copy(buf[offset+dirEntryHeaderSize:offset+dirEntryHeaderSize+len(name)], name)
}

func readRawEntry(buf []byte, offset int) (ino uint32, entrySize uint16, nameLen uint8, typeOrMsb uint8, name string) {
	ino = binary.LittleEndian.Uint32(buf[offset : offset+4])
	entrySize = binary.LittleEndian.Uint16(buf[offset+4 : offset+6])
	nameLen = buf[offset+6]
	typeOrMsb = buf[offset+7]
	if int(nameLen) > 0 && offset+dirEntryHeaderSize+int(nameLen) <= len(buf) {
		name = string(buf[offset+dirEntryHeaderSize : offset+dirEntryHeaderSize+int(nameLen)])
	}
	return
}

// dirBlockCount is the number of logical blocks a directory inode currently
// spans.
func (fs *Filesystem) dirBlockCount(dir *InCoreInode) uint32 {
	bs := uint64(fs.Super.BlockSize())
	return uint32((dir.Size + bs - 1) / bs)
}

// withDirBlock fetches logical block lblock of dir (creating it if grow is
// set and it doesn't exist) and runs fn against its page; fn's dirty
// changes are preserved by the page cache's normal MarkDirty/Release path.
func (fs *Filesystem) withDirBlock(dir *InCoreInode, lblock uint32, grow bool, fn func(buf []byte) (changed bool, err error)) error {
	mode := BmapMapOnly
	if grow {
		mode = BmapCreate
	}
	phys, err := fs.Bmap(dir, lblock, mode)
	if err != nil {
		return err
	}
	if phys == 0 && !grow {
		return ErrIO
	}
	page, err := fs.Cache.Get(fs.Super.Dev, uint64(phys), blockdev.ReadFlag)
	if err != nil {
		return err
	}
	defer fs.Cache.Release(page)
	changed, err := fn(page.Buf)
	if changed {
		page.MarkDirty()
	}
	return err
}

// AddDir implements spec §4.H.4's addir: finds room for (name -> ino) in an
// existing block via the free-slot / split / end-of-block rules, or grows
// the directory by one block and installs the whole block as one record.
func (fs *Filesystem) AddDir(dir *InCoreInode, name string, ino uint32, fileType uint8) error {
	if len(name) == 0 || len(name) > 255 {
		return ErrNameTooLong
	}
	if _, err := fs.FindDir(dir, name); err == nil {
		return ErrExists
	}
	required := align4(dirEntryHeaderSize + len(name))
	hasFT := fs.hasFiletype()

	nblocks := fs.dirBlockCount(dir)
	for lb := uint32(0); lb < nblocks; lb++ {
		added := false
		err := fs.withDirBlock(dir, lb, false, func(buf []byte) (bool, error) {
			ok := addInBlock(buf, required, ino, name, fileType, hasFT)
			added = ok
			return ok, nil
		})
		if err != nil {
			return err
		}
		if added {
			return nil
		}
	}

	// No existing block had room: grow the directory by one block and
	// install the new entry as the block's sole (free-tail) record.
	newLBlock := nblocks
	err := fs.withDirBlock(dir, newLBlock, true, func(buf []byte) (bool, error) {
		if !addInBlock(buf, required, ino, name, fileType, hasFT) {
			return false, ErrNoRoomInBlock
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	dir.mtx.Lock()
	dir.Size += uint64(fs.Super.BlockSize())
	dir.Mtime = now()
	dir.mtx.Unlock()
	dir.MarkDirty()
	return nil
}

// addInBlock implements the three cases of spec §4.H.4 step 2 against one
// directory block buffer. Returns false if none of the three cases apply
// (the block is genuinely full).
func addInBlock(buf []byte, required int, ino uint32, name string, fileType uint8, hasFT bool) bool {
	offset := 0
	for offset+dirEntryHeaderSize <= len(buf) {
		curInode, entrySize, nameLen, curType, curName := readRawEntry(buf, offset)
		if entrySize == 0 {
			remaining := len(buf) - offset
			if remaining < required {
				return false
			}
			writeRawEntry(buf, offset, ino, uint16(remaining), name, fileType, hasFT)
			return true
		}
		if curInode == 0 && curName != "." && curName != ".." && int(entrySize) >= required {
			writeRawEntry(buf, offset, ino, entrySize, name, fileType, hasFT)
			return true
		}
		if curInode != 0 {
			actual := align4(dirEntryHeaderSize + int(nameLen))
			if int(entrySize)-actual >= required {
				writeRawEntry(buf, offset, curInode, uint16(actual), curName, fileType, hasFT)
				// writeRawEntry stamped the new entry's fileType onto the
				// shrunk record; restore the existing record's type byte.
				buf[offset+7] = curType
				writeRawEntry(buf, offset+actual, ino, uint16(int(entrySize)-actual), name, fileType, hasFT)
				return true
			}
		}
		offset += int(entrySize)
	}
	return false
}

// FindDir implements spec §4.H.4's finddir: linear scan for a live (inode
// != 0) record with a matching name.
func (fs *Filesystem) FindDir(dir *InCoreInode, name string) (uint32, error) {
	nblocks := fs.dirBlockCount(dir)
	for lb := uint32(0); lb < nblocks; lb++ {
		phys, err := fs.Bmap(dir, lb, BmapMapOnly)
		if err != nil {
			return 0, err
		}
		if phys == 0 {
			continue
		}
		page, err := fs.Cache.Get(fs.Super.Dev, uint64(phys), blockdev.ReadFlag)
		if err != nil {
			return 0, err
		}
		found := uint32(0)
		offset := 0
		for offset+dirEntryHeaderSize <= len(page.Buf) {
			ino, entrySize, _, _, curName := readRawEntry(page.Buf, offset)
			if entrySize == 0 {
				break
			}
			if ino != 0 && curName == name {
				found = ino
				break
			}
			offset += int(entrySize)
		}
		fs.Cache.Release(page)
		if found != 0 {
			return found, nil
		}
	}
	return 0, ErrNoSuchEntry
}

// DelDir implements spec §4.H.4's deldir: mark inode = 0, leaving
// entry_size as a reclaimable gap.
func (fs *Filesystem) DelDir(dir *InCoreInode, name string) error {
	nblocks := fs.dirBlockCount(dir)
	for lb := uint32(0); lb < nblocks; lb++ {
		deleted := false
		err := fs.withDirBlock(dir, lb, false, func(buf []byte) (bool, error) {
			offset := 0
			for offset+dirEntryHeaderSize <= len(buf) {
				ino, entrySize, _, _, curName := readRawEntry(buf, offset)
				if entrySize == 0 {
					break
				}
				if ino != 0 && curName == name {
					binary.LittleEndian.PutUint32(buf[offset:offset+4], 0)
					deleted = true
					return true, nil
				}
				offset += int(entrySize)
			}
			return false, nil
		})
		if err != nil {
			return err
		}
		if deleted {
			dir.mtx.Lock()
			dir.Mtime = now()
			dir.mtx.Unlock()
			dir.MarkDirty()
			return nil
		}
	}
	return ErrNoSuchEntry
}

// DirEmpty implements spec §4.H.4/§8's dir_empty: requires "." first, ".."
// second, both with correct inodes/names; any other live entry means
// non-empty.
func (fs *Filesystem) DirEmpty(dir *InCoreInode) (bool, error) {
	if fs.dirBlockCount(dir) == 0 {
		return true, nil
	}
	phys, err := fs.Bmap(dir, 0, BmapMapOnly)
	if err != nil {
		return false, err
	}
	if phys == 0 {
		return true, nil
	}
	page, err := fs.Cache.Get(fs.Super.Dev, uint64(phys), blockdev.ReadFlag)
	if err != nil {
		return false, err
	}
	defer fs.Cache.Release(page)

	offset := 0
	seenDot, seenDotDot := false, false
	for offset+dirEntryHeaderSize <= len(page.Buf) {
		ino, entrySize, _, _, name := readRawEntry(page.Buf, offset)
		if entrySize == 0 {
			break
		}
		if ino != 0 {
			switch {
			case !seenDot && name == ".":
				seenDot = true
			case seenDot && !seenDotDot && name == "..":
				seenDotDot = true
			default:
				return false, nil
			}
		}
		offset += int(entrySize)
	}
	return seenDot && seenDotDot, nil
}

// MkDir formats the new directory's first block with "." (pointing to
// newIno) and ".." (pointing to parentIno), per spec §4.H.4. Caller is
// responsible for setting newIno's mode/links; MkDir sets Links = 2.
func (fs *Filesystem) MkDir(newDir *InCoreInode, newIno, parentIno uint32) error {
	hasFT := fs.hasFiletype()
	err := fs.withDirBlock(newDir, 0, true, func(buf []byte) (bool, error) {
		dotSize := align4(dirEntryHeaderSize + 1)
		writeRawEntry(buf, 0, newIno, uint16(dotSize), ".", FTDir, hasFT)
		remaining := len(buf) - dotSize
		writeRawEntry(buf, dotSize, parentIno, uint16(remaining), "..", FTDir, hasFT)
		return true, nil
	})
	if err != nil {
		return err
	}
	newDir.mtx.Lock()
	newDir.Size = uint64(fs.Super.BlockSize())
	newDir.Links = 2
	newDir.Mtime = now()
	newDir.mtx.Unlock()
	newDir.MarkDirty()
	return nil
}
