package ext2

import (
	"encoding/binary"
	"sync"
)

const inodeOnDiskSize = 128 // v0 default; superblock.InodeSize overrides for v>=1

// file type bits within Mode, the conventional POSIX st_mode layout.
const (
	ModeFIFO    = 0x1000
	ModeChar    = 0x2000
	ModeDir     = 0x4000
	ModeBlock   = 0x6000
	ModeRegular = 0x8000
	ModeSymlink = 0xA000
	ModeSocket  = 0xC000
	ModeTypeMask = 0xF000
)

// Directory entry file-type indicator bytes (spec §3.5/§4.H.4), used when
// FeatureIncompatFiletype is set.
const (
	FTUnknown = 0
	FTRegular = 1
	FTDir     = 2
	FTChar    = 3
	FTBlock   = 4
	FTFIFO    = 5
	FTSocket  = 6
	FTSymlink = 7
)

func modeToFileType(mode uint16) uint8 {
	switch mode & ModeTypeMask {
	case ModeRegular:
		return FTRegular
	case ModeDir:
		return FTDir
	case ModeChar:
		return FTChar
	case ModeBlock:
		return FTBlock
	case ModeFIFO:
		return FTFIFO
	case ModeSocket:
		return FTSocket
	case ModeSymlink:
		return FTSymlink
	}
	return FTUnknown
}

// InCoreInode is spec §3.5's in-memory inode: {dev, ino, mode, uid, gid,
// size, links, mtime/atime/ctime, blocks[15], disk_sectors, flags(dirty)}.
// The blocks array holds 12 direct, 1 single-, 1 double-, 1 triple-indirect
// pointer, per spec §3.5.
type InCoreInode struct {
	mtx sync.Mutex

	Dev string
	Ino uint32

	Mode  uint16
	UID   uint16
	GID   uint16
	Size  uint64
	Links uint16

	Atime, Mtime, Ctime uint32

	Blocks      [15]uint32
	DiskSectors uint32

	dirty bool
}

func (ic *InCoreInode) IsDir() bool     { return ic.Mode&ModeTypeMask == ModeDir }
func (ic *InCoreInode) IsSymlink() bool { return ic.Mode&ModeTypeMask == ModeSymlink }

func (ic *InCoreInode) MarkDirty() {
	ic.mtx.Lock()
	ic.dirty = true
	ic.mtx.Unlock()
}

func (ic *InCoreInode) Dirty() bool {
	ic.mtx.Lock()
	defer ic.mtx.Unlock()
	return ic.dirty
}

func (ic *InCoreInode) clearDirty() {
	ic.mtx.Lock()
	ic.dirty = false
	ic.mtx.Unlock()
}

// onDiskInode mirrors spec §6.1's persisted fields for IncoreToInode /
// InodeToIncore's round-trip (testable property in spec §8).
type onDiskInode struct {
	Mode        uint16
	UID         uint16
	SizeLow     uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	GID         uint16
	Links       uint16
	DiskSectors uint32
	Flags       uint32
	Block       [15]uint32
	SizeHigh    uint32
}

func marshalOnDiskInode(o onDiskInode) []byte {
	b := make([]byte, inodeOnDiskSize)
	le := binary.LittleEndian
	le.PutUint16(b[0:2], o.Mode)
	le.PutUint16(b[2:4], o.UID)
	le.PutUint32(b[4:8], o.SizeLow)
	le.PutUint32(b[8:12], o.Atime)
	le.PutUint32(b[12:16], o.Ctime)
	le.PutUint32(b[16:20], o.Mtime)
	le.PutUint16(b[24:26], o.GID)
	le.PutUint16(b[26:28], o.Links)
	le.PutUint32(b[28:32], o.DiskSectors)
	le.PutUint32(b[32:36], o.Flags)
	for i, p := range o.Block {
		le.PutUint32(b[40+i*4:44+i*4], p)
	}
	le.PutUint32(b[108:112], o.SizeHigh)
	return b
}

func unmarshalOnDiskInode(b []byte) onDiskInode {
	le := binary.LittleEndian
	var o onDiskInode
	o.Mode = le.Uint16(b[0:2])
	o.UID = le.Uint16(b[2:4])
	o.SizeLow = le.Uint32(b[4:8])
	o.Atime = le.Uint32(b[8:12])
	o.Ctime = le.Uint32(b[12:16])
	o.Mtime = le.Uint32(b[16:20])
	o.GID = le.Uint16(b[24:26])
	o.Links = le.Uint16(b[26:28])
	o.DiskSectors = le.Uint32(b[28:32])
	o.Flags = le.Uint32(b[32:36])
	for i := range o.Block {
		o.Block[i] = le.Uint32(b[40+i*4 : 44+i*4])
	}
	o.SizeHigh = le.Uint32(b[108:112])
	return o
}

// InodeToIncore converts a raw 128-byte (or larger) on-disk inode record
// into an InCoreInode for (dev, ino).
func InodeToIncore(dev string, ino uint32, raw []byte) *InCoreInode {
	o := unmarshalOnDiskInode(raw)
	ic := &InCoreInode{
		Dev: dev, Ino: ino,
		Mode: o.Mode, UID: o.UID, GID: o.GID,
		Size:        uint64(o.SizeHigh)<<32 | uint64(o.SizeLow),
		Links:       o.Links,
		Atime:       o.Atime,
		Mtime:       o.Mtime,
		Ctime:       o.Ctime,
		Blocks:      o.Block,
		DiskSectors: o.DiskSectors,
	}
	return ic
}

// IncoreToInode serializes ic back to its 128-byte on-disk record.
func IncoreToInode(ic *InCoreInode) []byte {
	ic.mtx.Lock()
	defer ic.mtx.Unlock()
	o := onDiskInode{
		Mode: ic.Mode, UID: ic.UID, GID: ic.GID,
		SizeLow:     uint32(ic.Size),
		SizeHigh:    uint32(ic.Size >> 32),
		Links:       ic.Links,
		Atime:       ic.Atime,
		Mtime:       ic.Mtime,
		Ctime:       ic.Ctime,
		Block:       ic.Blocks,
		DiskSectors: ic.DiskSectors,
	}
	return marshalOnDiskInode(o)
}
