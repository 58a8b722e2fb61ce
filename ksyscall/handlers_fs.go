/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ksyscall

import (
	"sync"

	"github.com/tallgrass-os/kernel/blockdev"
	"github.com/tallgrass-os/kernel/ext2"
	"github.com/tallgrass-os/kernel/task"
	"github.com/tallgrass-os/kernel/vfsstub"
)

// rootIno is EXT2_ROOT_INO, the conventional always-allocated root directory
// inode number every ext2-family filesystem reserves (ext2/mkfs.go's
// layout comment: "inodes 1..first_nonreserved_inode-1 ... including inode
// 2, the root directory").
const rootIno = 2

// fsState holds mount(2)/umount(2)'s collaborators: the shared VFS facade
// and the backing devices/filesystems cmd/kernsim registers at boot. A real
// mount(2) takes pathname pointers this simulated register-only ABI has no
// user memory to carry, so mount/umount instead name a device by the index
// it was registered under (spec §6.4's mount table, populated here instead
// of by copy_from_user'd strings).
type fsState struct {
	mtx     sync.Mutex
	facade  *vfsstub.Facade
	order   []string
	devices map[string]blockdev.Strategy
	mounts  map[string]*ext2.Filesystem
}

// RegisterFsSyscalls wires component H's mount/umount/getdents surface into
// d (spec §2 H, §4.H.1/§4.H.5), publishing mounts through facade the way
// ext2.Mount itself does.
func RegisterFsSyscalls(d *Dispatcher, facade *vfsstub.Facade) {
	if facade == nil {
		facade = vfsstub.Default()
	}
	d.fs = &fsState{
		facade:  facade,
		devices: make(map[string]blockdev.Strategy),
		mounts:  make(map[string]*ext2.Filesystem),
	}
	d.Register(SYS_MOUNT, "mount", sysMount, false)
	d.Register(SYS_UMOUNT, "umount", sysUmount, false)
	d.Register(SYS_UMOUNT2, "umount2", sysUmount, false)
	d.Register(SYS_GETDENTS, "getdents", sysGetdents, false)
}

// AddDevice registers dev under name so a later mount(2) can address it by
// index (cmd/kernsim calls this once per kconfig [mount] section at boot,
// before any task issues syscalls).
func (d *Dispatcher) AddDevice(name string, dev blockdev.Strategy) {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()
	if _, exists := d.fs.devices[name]; !exists {
		d.fs.order = append(d.fs.order, name)
	}
	d.fs.devices[name] = dev
}

func (d *Dispatcher) deviceByIndex(i int) (string, blockdev.Strategy, bool) {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()
	if i < 0 || i >= len(d.fs.order) {
		return "", nil, false
	}
	name := d.fs.order[i]
	return name, d.fs.devices[name], true
}

func (d *Dispatcher) mountedFilesystem(device string) (*ext2.Filesystem, bool) {
	d.fs.mtx.Lock()
	defer d.fs.mtx.Unlock()
	fs, ok := d.fs.mounts[device]
	return fs, ok
}

// sysMount implements mount(2) against a pre-registered device: args[0]
// selects the device by AddDevice's registration index. No other argument
// is read; the mount takes no flags from the caller.
func sysMount(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	name, dev, ok := d.deviceByIndex(int(args[0]))
	if !ok {
		return 0, task.ErrInvalidArgument
	}
	d.fs.mtx.Lock()
	if _, already := d.fs.mounts[name]; already {
		d.fs.mtx.Unlock()
		return 0, vfsstub.ErrAlreadyMounted
	}
	d.fs.mtx.Unlock()

	fs, err := ext2.Mount(name, dev, "/"+name, d.fs.facade, d.logger)
	if err != nil {
		return 0, err
	}
	d.fs.mtx.Lock()
	d.fs.mounts[name] = fs
	d.fs.mtx.Unlock()
	return 0, nil
}

func sysUmount(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	name, _, ok := d.deviceByIndex(int(args[0]))
	if !ok {
		return 0, task.ErrInvalidArgument
	}
	d.fs.mtx.Lock()
	fs, ok := d.fs.mounts[name]
	if ok {
		delete(d.fs.mounts, name)
	}
	d.fs.mtx.Unlock()
	if !ok {
		return 0, vfsstub.ErrNotMounted
	}
	return 0, ext2.Unmount(fs, name, d.fs.facade)
}

// OpenDirFd manufactures a directory open-file-description against inode
// ino of the filesystem mounted under device, installing it in t's file
// table and returning the new fd. There is no open(2)/openat(2) in this
// module's scope (exec-adjacent pathname resolution is out, spec §1
// Non-goals), so harness code (cmd/kernsim, tests) calls this directly the
// way a real open(2) would after walking a path down to ino.
func (d *Dispatcher) OpenDirFd(t *task.Task, device string, ino uint32) (int, error) {
	fs, ok := d.mountedFilesystem(device)
	if !ok {
		return 0, vfsstub.ErrNotMounted
	}
	ic, err := fs.ReadInode(ino)
	if err != nil {
		return 0, err
	}
	of := task.NewOpenFile(device, 0, false)
	of.Inode = ic
	of.Device = device
	return t.Files.Add(of), nil
}

func sysGetdents(d *Dispatcher, t *task.Task, args Args) (int64, error) {
	fd, bufSize := int(args[0]), int(args[1])
	of, ok := t.Files.Files[fd]
	if !ok {
		return 0, task.ErrBadFd
	}
	ic, ok := of.Inode.(*ext2.InCoreInode)
	if !ok {
		return 0, task.ErrBadFd
	}
	fs, ok := d.mountedFilesystem(of.Device)
	if !ok {
		return 0, vfsstub.ErrNotMounted
	}
	if bufSize <= 0 || bufSize > 65536 {
		bufSize = 4096
	}
	buf := make([]byte, bufSize)
	n, err := fs.Getdents(ic, &of.Pos, buf)
	return int64(n), err
}
