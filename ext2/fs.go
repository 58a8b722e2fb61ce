package ext2

import (
	"sync"

	"github.com/tallgrass-os/kernel/blockdev"
	"github.com/tallgrass-os/kernel/klog"
	"github.com/tallgrass-os/kernel/vfsstub"
)

// Filesystem is the mounted ext2-style instance: superblock, BGDT, backing
// device, page cache, and the in-core inode table spec §4.H.2 consults to
// skip bits "whose corresponding inode is currently held in-core."
type Filesystem struct {
	mtx sync.Mutex

	Dev   blockdev.Strategy
	Cache *blockdev.PageCache
	Super *Superblock
	BGDT  *BGDT

	inodes map[uint32]*InCoreInode

	log *klog.Logger
}

// Mount reads and validates the superblock, loads the BGDT, sets
// last_mount_time/mounts_since_last_check, marks the filesystem dirty
// (ERROR_FS, cleared on clean unmount), and registers the mount with the
// VFS facade (spec §4.H.1).
func Mount(devName string, dev blockdev.Strategy, mountPoint string, facade *vfsstub.Facade, log *klog.Logger) (*Filesystem, error) {
	if log == nil {
		log = klog.Default()
	}
	sb, err := ReadSuperblock(dev)
	if err != nil {
		log.Error("ext2", "mount failed", klog.KV("device", devName), klog.KVErr(err))
		return nil, err
	}
	sb.Dev = devName

	bg, err := LoadBGDT(dev, sb)
	if err != nil {
		log.Error("ext2", "bgdt load failed", klog.KV("device", devName), klog.KVErr(err))
		return nil, err
	}

	sb.LastMountTime = uint32(nowFn().Unix())
	sb.MountsSinceCheck++
	sb.FilesystemState = ErrorFS
	if err := sb.WriteBack(dev); err != nil {
		return nil, err
	}

	fs := &Filesystem{
		Dev:    dev,
		Cache:  blockdev.NewPageCache(dev, sb.BlockSize()),
		Super:  sb,
		BGDT:   bg,
		inodes: make(map[uint32]*InCoreInode),
		log:    log,
	}

	if facade != nil {
		err := facade.Mount(devName, vfsstub.MountEntry{
			Device:     devName,
			MountPoint: mountPoint,
			FSType:     "ext2",
		}, fs)
		if err != nil {
			return nil, err
		}
	}

	log.Info("ext2", "mounted", klog.KV("device", devName), klog.KV("groups", len(bg.Groups)))
	return fs, nil
}

// Sync implements vfsstub.Mountable: flush the BGDT, superblock, and every
// dirty page, and mark the filesystem clean. Called by Unmount.
func (fs *Filesystem) Sync() error {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	if err := fs.Cache.Sync(); err != nil {
		return err
	}
	fs.Super.FilesystemState = ValidFS
	if err := fs.BGDT.SyncSuper(fs.Dev, fs.Super); err != nil {
		return err
	}
	return nil
}

// Unmount flushes and detaches fs from the VFS facade.
func Unmount(fs *Filesystem, devName string, facade *vfsstub.Facade) error {
	if facade != nil {
		return facade.Unmount(devName)
	}
	return fs.Sync()
}

// incoreHeld reports whether an InCoreInode for ino is already cached, the
// allocator's "currently held in-core" check (spec §4.H.2).
func (fs *Filesystem) incoreHeld(ino uint32) bool {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	_, ok := fs.inodes[ino]
	return ok
}

// ReadInode loads inode number ino through the page cache, caching the
// in-core struct.
func (fs *Filesystem) ReadInode(ino uint32) (*InCoreInode, error) {
	fs.mtx.Lock()
	if ic, ok := fs.inodes[ino]; ok {
		fs.mtx.Unlock()
		return ic, nil
	}
	fs.mtx.Unlock()

	blockNo, off := fs.inodeLocation(ino)
	page, err := fs.Cache.Get(fs.Super.Dev, blockNo, blockdev.ReadFlag)
	if err != nil {
		return nil, err
	}
	defer fs.Cache.Release(page)

	raw := page.Buf[off : off+inodeOnDiskSize]
	ic := InodeToIncore(fs.Super.Dev, ino, raw)

	fs.mtx.Lock()
	fs.inodes[ino] = ic
	fs.mtx.Unlock()
	return ic, nil
}

// WriteInode flushes ic's dirty in-core state back to its inode-table page.
func (fs *Filesystem) WriteInode(ic *InCoreInode) error {
	if !ic.Dirty() {
		return nil
	}
	blockNo, off := fs.inodeLocation(ic.Ino)
	page, err := fs.Cache.Get(fs.Super.Dev, blockNo, blockdev.ReadFlag)
	if err != nil {
		return err
	}
	defer fs.Cache.Release(page)
	copy(page.Buf[off:off+inodeOnDiskSize], IncoreToInode(ic))
	page.MarkDirty()
	ic.clearDirty()
	return nil
}

// DropInode evicts ino from the in-core table once its last reference is
// gone (callers are expected to have already WriteInode'd it).
func (fs *Filesystem) DropInode(ino uint32) {
	fs.mtx.Lock()
	delete(fs.inodes, ino)
	fs.mtx.Unlock()
}

// inodeLocation returns the page-cache block number and byte offset within
// it for inode number ino (1-based, spec §3.5).
func (fs *Filesystem) inodeLocation(ino uint32) (blockNo uint64, off uint32) {
	inodesPerGroup := fs.Super.InodesPerGroup
	group := (ino - 1) / inodesPerGroup
	indexInGroup := (ino - 1) % inodesPerGroup
	inodeSize := uint32(fs.Super.InodeSize)
	if inodeSize == 0 {
		inodeSize = inodeOnDiskSize
	}
	blockSize := fs.Super.BlockSize()
	inodesPerBlock := blockSize / inodeSize
	blockInTable := indexInGroup / inodesPerBlock
	offInBlock := (indexInGroup % inodesPerBlock) * inodeSize

	g := fs.BGDT.Groups[group]
	return uint64(g.InodeTableAddr) + uint64(blockInTable), offInBlock
}

// now is a small convenience wrapped around nowFn for ctime/mtime stamps.
func now() uint32 { return uint32(nowFn().Unix()) }
