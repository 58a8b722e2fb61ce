package ext2

import (
	"encoding/binary"

	"github.com/tallgrass-os/kernel/blockdev"
	"github.com/tallgrass-os/kernel/ucopy"
)

// DT_* file-type codes (spec §4.H.5), the host-native dirent's d_type.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
)

func ftToDT(ft uint8) uint8 {
	switch ft {
	case FTRegular:
		return DT_REG
	case FTDir:
		return DT_DIR
	case FTChar:
		return DT_CHR
	case FTBlock:
		return DT_BLK
	case FTFIFO:
		return DT_FIFO
	case FTSocket:
		return DT_SOCK
	case FTSymlink:
		return DT_LNK
	}
	return DT_UNKNOWN
}

// direntReclen implements GET_DIRENT_LEN(name_len): 8-byte aligned length
// of {ino u64, off u64, reclen u16, type u8, name + NUL}.
func direntReclen(nameLen int) int {
	return align8(8 + 8 + 2 + 1 + nameLen + 1)
}

func align8(n int) int { return (n + 7) &^ 7 }

func marshalDirent(buf []byte, ino uint64, off uint64, dtype uint8, name string) int {
	reclen := direntReclen(len(name))
	binary.LittleEndian.PutUint64(buf[0:8], ino)
	binary.LittleEndian.PutUint64(buf[8:16], off)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(reclen))
	buf[18] = dtype
	copy(buf[19:19+len(name)], name)
	buf[19+len(name)] = 0
	for i := 19 + len(name) + 1; i < reclen; i++ {
		buf[i] = 0
	}
	return reclen
}

// Getdents implements spec §4.H.5: iterate the directory's cached pages
// starting at *pos, emitting a host-native dirent per live record into
// userBuf (crossing the boundary via ucopy, as required by spec §1), 8-byte
// aligned, stopping when the next record would not fit. *pos is rewritten
// to the start offset of the record that did not fit (or to the directory
// size, at EOF). Returns the number of bytes written.
func (fs *Filesystem) Getdents(dir *InCoreInode, pos *uint64, userBuf []byte) (int, error) {
	blockSize := uint64(fs.Super.BlockSize())
	hasFT := fs.hasFiletype()

	written := 0
	cur := *pos
	for cur < dir.Size {
		blockIdx := uint32(cur / blockSize)
		offInBlock := int(cur % blockSize)

		phys, err := fs.Bmap(dir, blockIdx, BmapMapOnly)
		if err != nil {
			return written, err
		}
		if phys == 0 {
			cur = uint64(blockIdx+1) * blockSize
			continue
		}
		page, err := fs.Cache.Get(fs.Super.Dev, uint64(phys), blockdev.ReadFlag)
		if err != nil {
			return written, err
		}

		advancedBlock := false
		for offInBlock+dirEntryHeaderSize <= len(page.Buf) {
			ino, entrySize, _, typeOrMsb, name := readRawEntry(page.Buf, offInBlock)
			if entrySize == 0 {
				advancedBlock = true
				break
			}
			nextOff := uint64(blockIdx)*blockSize + uint64(offInBlock) + uint64(entrySize)
			if ino == 0 {
				offInBlock += int(entrySize)
				cur = nextOff
				continue
			}

			reclen := direntReclen(len(name))
			if written+reclen > len(userBuf) {
				fs.Cache.Release(page)
				*pos = uint64(blockIdx)*blockSize + uint64(offInBlock)
				return written, nil
			}
			dtype := uint8(DT_UNKNOWN)
			if hasFT {
				dtype = ftToDT(typeOrMsb)
			}
			tmp := make([]byte, reclen)
			marshalDirent(tmp, uint64(ino), nextOff, dtype, name)
			if _, err := ucopy.CopyToUser(userBuf, written, tmp); err != nil {
				fs.Cache.Release(page)
				return written, err
			}
			written += reclen
			offInBlock += int(entrySize)
			cur = nextOff
		}
		fs.Cache.Release(page)
		if advancedBlock {
			cur = uint64(blockIdx+1) * blockSize
		}
	}
	*pos = cur
	return written, nil
}
