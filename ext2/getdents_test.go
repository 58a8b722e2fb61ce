package ext2

import "testing"

func TestGetdentsIteratesLiveEntriesAndPaginates(t *testing.T) {
	fs := newTestFS(t, 1024)
	root, err := fs.ReadInode(2)
	if err != nil {
		t.Fatalf("ReadInode(2): %v", err)
	}
	names := []string{"alpha", "beta", "gamma"}
	for i, name := range names {
		if err := fs.AddDir(root, name, uint32(40+i), FTRegular); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	// A buffer large enough for everything (Mkfs's "." and ".." plus the
	// three added entries) should read the whole directory and leave pos
	// at the directory size.
	var pos uint64
	buf := make([]byte, 4096)
	n, err := fs.Getdents(root, &pos, buf)
	if err != nil {
		t.Fatalf("Getdents: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one dirent written")
	}
	if pos != root.Size {
		t.Fatalf("pos = %d after full read, want dir size %d", pos, root.Size)
	}

	// A too-small buffer should stop before overflowing and leave pos at
	// the first record that didn't fit.
	pos = 0
	tiny := make([]byte, direntReclen(len("alpha")))
	n2, err := fs.Getdents(root, &pos, tiny)
	if err != nil {
		t.Fatalf("Getdents small buffer: %v", err)
	}
	if n2 == 0 || n2 > len(tiny) {
		t.Fatalf("n2 = %d, want 0 < n2 <= %d", n2, len(tiny))
	}
	if pos == 0 || pos >= root.Size {
		t.Fatalf("pos after partial read = %d, want a midpoint offset", pos)
	}
}
