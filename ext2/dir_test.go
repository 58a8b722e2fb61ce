package ext2

import (
	"testing"

	"github.com/tallgrass-os/kernel/blockdev"
)

// newTestFS formats and mounts a small single-group filesystem for directory
// and bmap tests.
func newTestFS(t *testing.T, blockSize uint32) *Filesystem {
	t.Helper()
	dev := blockdev.NewMemDevice(1024*1024, 512)
	if err := Mkfs(dev, MkfsParams{
		BlockSize:             blockSize,
		TotalBlocks:           1024 * 1024 / blockSize,
		TotalInodes:           64,
		FirstNonReservedInode: 11,
	}); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	fs, err := Mount("dev0", dev, "/", nil, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

// TestDirAddDeleteReuseCycle exercises spec §8 scenario 2: add "a", "bb",
// "ccc" to an empty directory, delete "bb", then add "dddd" and expect it to
// land in the gap "bb" left behind rather than growing the directory.
func TestDirAddDeleteReuseCycle(t *testing.T) {
	fs := newTestFS(t, 1024)
	root, err := fs.ReadInode(2)
	if err != nil {
		t.Fatalf("ReadInode(2): %v", err)
	}

	if err := fs.AddDir(root, "a", 20, FTRegular); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := fs.AddDir(root, "bb", 21, FTRegular); err != nil {
		t.Fatalf("add bb: %v", err)
	}
	if err := fs.AddDir(root, "ccc", 22, FTRegular); err != nil {
		t.Fatalf("add ccc: %v", err)
	}
	blocksAfterThree := fs.dirBlockCount(root)

	if err := fs.DelDir(root, "bb"); err != nil {
		t.Fatalf("del bb: %v", err)
	}
	if _, err := fs.FindDir(root, "bb"); err != ErrNoSuchEntry {
		t.Fatalf("find bb after delete: got %v, want ErrNoSuchEntry", err)
	}

	if err := fs.AddDir(root, "dddd", 23, FTRegular); err != nil {
		t.Fatalf("add dddd: %v", err)
	}
	if fs.dirBlockCount(root) != blocksAfterThree {
		t.Fatalf("directory grew by a block instead of reusing the freed gap")
	}

	for _, want := range []struct {
		name string
		ino  uint32
	}{{"a", 20}, {"ccc", 22}, {"dddd", 23}} {
		got, err := fs.FindDir(root, want.name)
		if err != nil {
			t.Fatalf("find %s: %v", want.name, err)
		}
		if got != want.ino {
			t.Fatalf("find %s = %d, want %d", want.name, got, want.ino)
		}
	}
}

func TestDirAddDuplicateRejected(t *testing.T) {
	fs := newTestFS(t, 1024)
	root, _ := fs.ReadInode(2)
	if err := fs.AddDir(root, "x", 30, FTRegular); err != nil {
		t.Fatalf("add x: %v", err)
	}
	if err := fs.AddDir(root, "x", 31, FTRegular); err != ErrExists {
		t.Fatalf("got %v, want ErrExists", err)
	}
}

func TestDirEmptyRequiresDotAndDotDotOnly(t *testing.T) {
	fs := newTestFS(t, 1024)

	childIno, err := fs.AllocInode()
	if err != nil {
		t.Fatalf("AllocInode: %v", err)
	}
	child := &InCoreInode{Dev: fs.Super.Dev, Ino: childIno, Mode: ModeDir | 0755}
	if err := fs.MkDir(child, childIno, 2); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	empty, err := fs.DirEmpty(child)
	if err != nil {
		t.Fatalf("DirEmpty: %v", err)
	}
	if !empty {
		t.Fatal("freshly made directory should be empty")
	}

	if err := fs.AddDir(child, "file", 99, FTRegular); err != nil {
		t.Fatalf("add file: %v", err)
	}
	empty, err = fs.DirEmpty(child)
	if err != nil {
		t.Fatalf("DirEmpty after add: %v", err)
	}
	if empty {
		t.Fatal("directory with a live entry should not be empty")
	}
}
