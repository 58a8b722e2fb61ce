package ext2

import "testing"

func newTestInode(fs *Filesystem, ino uint32) *InCoreInode {
	return &InCoreInode{Dev: fs.Super.Dev, Ino: ino, Mode: ModeRegular | 0644}
}

func TestBmapDirectCreateMapFree(t *testing.T) {
	fs := newTestFS(t, 1024)
	ic := newTestInode(fs, 50)

	b, err := fs.Bmap(ic, 0, BmapCreate)
	if err != nil || b == 0 {
		t.Fatalf("create lblock 0: b=%d err=%v", b, err)
	}
	mapped, err := fs.Bmap(ic, 0, BmapMapOnly)
	if err != nil || mapped != b {
		t.Fatalf("map lblock 0: got %d, want %d (err %v)", mapped, b, err)
	}

	if _, err := fs.Bmap(ic, 0, BmapFree); err != nil {
		t.Fatalf("free lblock 0: %v", err)
	}
	mapped, err = fs.Bmap(ic, 0, BmapMapOnly)
	if err != nil || mapped != 0 {
		t.Fatalf("map after free: got %d, want 0 (err %v)", mapped, err)
	}
}

func TestBmapSingleIndirectRoundTrip(t *testing.T) {
	fs := newTestFS(t, 1024)
	ic := newTestInode(fs, 51)

	const lblock = 12 // first single-indirect logical block
	b, err := fs.Bmap(ic, lblock, BmapCreate)
	if err != nil || b == 0 {
		t.Fatalf("create: b=%d err=%v", b, err)
	}
	if ic.Blocks[12] == 0 {
		t.Fatal("expected the single-indirect pointer slot to be populated")
	}
	mapped, err := fs.Bmap(ic, lblock, BmapMapOnly)
	if err != nil || mapped != b {
		t.Fatalf("map: got %d, want %d (err %v)", mapped, b, err)
	}

	if _, err := fs.Bmap(ic, lblock, BmapFree); err != nil {
		t.Fatalf("free: %v", err)
	}
	if ic.Blocks[12] != 0 {
		t.Fatal("expected the single-indirect pointer slot to be reclaimed once it went empty")
	}
}

// TestBmapDoubleIndirectRoundTrip exercises the double-indirect path on a
// filesystem with the smallest block size the superblock can describe, so
// pointersPerBlock is small enough that the first double-indirect logical
// block lands at a fixed, easily computed index.
func TestBmapDoubleIndirectRoundTrip(t *testing.T) {
	fs := newTestFS(t, 1024) // pointersPerBlock = 1024/4 = 256
	ic := newTestInode(fs, 52)

	p := fs.pointersPerBlock()
	lblock := 12 + p // idx 0 of the double-indirect range

	b, err := fs.Bmap(ic, lblock, BmapCreate)
	if err != nil || b == 0 {
		t.Fatalf("create: b=%d err=%v", b, err)
	}
	if ic.Blocks[13] == 0 {
		t.Fatal("expected the double-indirect root pointer slot to be populated")
	}
	mapped, err := fs.Bmap(ic, lblock, BmapMapOnly)
	if err != nil || mapped != b {
		t.Fatalf("map: got %d, want %d (err %v)", mapped, b, err)
	}

	if _, err := fs.Bmap(ic, lblock, BmapFree); err != nil {
		t.Fatalf("free: %v", err)
	}
	if ic.Blocks[13] != 0 {
		t.Fatal("expected the double-indirect root pointer to be reclaimed once both levels emptied")
	}
}

func TestBmapOutOfRangeReturnsZero(t *testing.T) {
	fs := newTestFS(t, 1024)
	ic := newTestInode(fs, 53)

	b, err := fs.Bmap(ic, fs.MaxBlockIndex(), BmapMapOnly)
	if err != nil || b != 0 {
		t.Fatalf("out of range bmap: b=%d err=%v, want 0,nil", b, err)
	}
}

func TestSymlinkInlineRoundTripAndMigrationBoundary(t *testing.T) {
	short := "short/target"
	ic := &InCoreInode{Mode: ModeSymlink | 0777}
	SetInlineSymlink(ic, short)
	if got := ReadInlineSymlink(ic); got != short {
		t.Fatalf("got %q, want %q", got, short)
	}
	if ic.Size != uint64(len(short)) {
		t.Fatalf("Size = %d, want %d", ic.Size, len(short))
	}

	// A target of exactly 59 bytes still fits inline; 60 or more must be
	// treated by callers as requiring block-backed storage (spec §4.H.3's
	// "< 60" fast-path boundary) -- Bmap itself short-circuits to 0 for any
	// symlink inode whose Size is under that threshold.
	fs := newTestFS(t, 1024)
	inlineIC := newTestInode(fs, 60)
	inlineIC.Mode = ModeSymlink | 0777
	SetInlineSymlink(inlineIC, "x")
	if b, err := fs.Bmap(inlineIC, 0, BmapMapOnly); err != nil || b != 0 {
		t.Fatalf("bmap on inline symlink: b=%d err=%v, want 0,nil", b, err)
	}

	FreeSymlinkInline(ic)
	for i, p := range ic.Blocks {
		if p != 0 {
			t.Fatalf("Blocks[%d] = %d after free, want 0", i, p)
		}
	}
}
