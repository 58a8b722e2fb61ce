package ext2

import "testing"

func TestAllocBlockNeverReturnsMetadataBlock(t *testing.T) {
	fs := newTestFS(t, 1024)
	g := fs.BGDT.Groups[0]

	seen := make(map[uint32]bool)
	for i := 0; i < 50; i++ {
		b, err := fs.AllocBlock()
		if err != nil {
			t.Fatalf("AllocBlock %d: %v", i, err)
		}
		if b == g.BlockBitmapAddr || b == g.InodeBitmapAddr {
			t.Fatalf("AllocBlock returned a bitmap block: %d", b)
		}
		if fs.blockCollidesWithMetadata(b) {
			t.Fatalf("AllocBlock returned a metadata block: %d", b)
		}
		if seen[b] {
			t.Fatalf("AllocBlock returned block %d twice", b)
		}
		seen[b] = true
	}
}

func TestAllocFreeBlockRoundTrip(t *testing.T) {
	fs := newTestFS(t, 1024)
	before := fs.Super.UnallocBlocks

	b, err := fs.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock: %v", err)
	}
	if fs.Super.UnallocBlocks != before-1 {
		t.Fatalf("UnallocBlocks = %d after alloc, want %d", fs.Super.UnallocBlocks, before-1)
	}
	if err := fs.FreeBlock(b); err != nil {
		t.Fatalf("FreeBlock: %v", err)
	}
	if fs.Super.UnallocBlocks != before {
		t.Fatalf("UnallocBlocks = %d after free, want %d", fs.Super.UnallocBlocks, before)
	}

	// The freed block should be reused before any later block.
	b2, err := fs.AllocBlock()
	if err != nil {
		t.Fatalf("AllocBlock after free: %v", err)
	}
	if b2 != b {
		t.Fatalf("expected the freed block %d to be reused, got %d", b, b2)
	}
}

func TestAllocInodeSkipsInCoreHeld(t *testing.T) {
	fs := newTestFS(t, 1024)

	first, err := fs.AllocInode()
	if err != nil {
		t.Fatalf("AllocInode: %v", err)
	}
	// Force it into the in-core table without releasing it, simulating a
	// still-open inode; AllocInode must not offer it again even if its
	// bitmap bit were somehow cleared.
	fs.mtx.Lock()
	fs.inodes[first] = &InCoreInode{Dev: fs.Super.Dev, Ino: first}
	fs.mtx.Unlock()

	second, err := fs.AllocInode()
	if err != nil {
		t.Fatalf("AllocInode 2: %v", err)
	}
	if second == first {
		t.Fatalf("AllocInode returned an already-held inode %d twice", first)
	}
}

func TestFreeInodeClearsInCoreEntry(t *testing.T) {
	fs := newTestFS(t, 1024)
	ino, err := fs.AllocInode()
	if err != nil {
		t.Fatalf("AllocInode: %v", err)
	}
	if _, err := fs.ReadInode(ino); err != nil {
		t.Fatalf("ReadInode: %v", err)
	}
	if err := fs.FreeInode(ino); err != nil {
		t.Fatalf("FreeInode: %v", err)
	}
	if fs.incoreHeld(ino) {
		t.Fatal("expected FreeInode to drop the in-core entry")
	}
}
