package ksyscall

import (
	"testing"

	"github.com/tallgrass-os/kernel/blockdev"
	"github.com/tallgrass-os/kernel/ext2"
	"github.com/tallgrass-os/kernel/task"
	"github.com/tallgrass-os/kernel/vfsstub"
)

func newTestFsDispatcher(t *testing.T) (*Dispatcher, *task.Task, blockdev.Strategy) {
	task.Reset()
	dev := blockdev.NewMemDevice(64*1024, 512)
	if err := ext2.Mkfs(dev, ext2.MkfsParams{BlockSize: 4096, TotalBlocks: 16, TotalInodes: 64}); err != nil {
		t.Fatalf("mkfs: %v", err)
	}
	d := NewDispatcher(nil)
	RegisterTaskSyscalls(d)
	RegisterFsSyscalls(d, vfsstub.New())
	d.AddDevice("sda", dev)
	return d, task.InitProcess("/"), dev
}

func TestSysMountThenUmount(t *testing.T) {
	d, tk, _ := newTestFsDispatcher(t)
	mountRet := d.Dispatch(tk, SYS_MOUNT, Args{0})
	if mountRet != 0 {
		t.Fatalf("mount failed: errno %d", mountRet)
	}
	umountRet := d.Dispatch(tk, SYS_UMOUNT, Args{0})
	if umountRet != 0 {
		t.Fatalf("umount failed: errno %d", umountRet)
	}
}

func TestSysMountTwiceReturnsEINVAL(t *testing.T) {
	d, tk, _ := newTestFsDispatcher(t)
	d.Dispatch(tk, SYS_MOUNT, Args{0})
	got := d.Dispatch(tk, SYS_MOUNT, Args{0})
	if got != int64(EINVAL) {
		t.Fatalf("got %d, want EINVAL (%d)", got, EINVAL)
	}
}

func TestSysMountUnknownDeviceIndexReturnsEINVAL(t *testing.T) {
	d, tk, _ := newTestFsDispatcher(t)
	got := d.Dispatch(tk, SYS_MOUNT, Args{5})
	if got != int64(EINVAL) {
		t.Fatalf("got %d, want EINVAL (%d)", got, EINVAL)
	}
}

func TestOpenDirFdThenGetdentsOnRoot(t *testing.T) {
	d, tk, _ := newTestFsDispatcher(t)
	if ret := d.Dispatch(tk, SYS_MOUNT, Args{0}); ret != 0 {
		t.Fatalf("mount failed: errno %d", ret)
	}
	fd, err := d.OpenDirFd(tk, "sda", rootIno)
	if err != nil {
		t.Fatalf("OpenDirFd: %v", err)
	}
	got := d.Dispatch(tk, SYS_GETDENTS, Args{int64(fd), 4096})
	if got < 0 {
		t.Fatalf("getdents failed: errno %d", got)
	}
}

func TestSysGetdentsOnBadFdReturnsEBADF(t *testing.T) {
	d, tk, _ := newTestFsDispatcher(t)
	got := d.Dispatch(tk, SYS_GETDENTS, Args{42, 4096})
	if got != int64(EBADF) {
		t.Fatalf("got %d, want EBADF (%d)", got, EBADF)
	}
}
