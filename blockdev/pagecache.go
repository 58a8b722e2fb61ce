package blockdev

import "sync"

// Flags controls how Get fetches a page.
type Flags int

const (
	// ReadFlag fetches (reading through to Strategy on a miss) without
	// marking the page dirty.
	ReadFlag Flags = iota
	// CreateFlag fetches a page that need not exist on the backing
	// device yet; a miss is satisfied with a zero-filled page rather
	// than reading through.
	CreateFlag
)

// Page is spec §1's page-cache handle: "a virtual buffer, dirty bit, stale
// bit, and a reference count."
type Page struct {
	mtx     sync.Mutex
	Owner   string
	BlockNo uint64
	Buf     []byte
	dirty   bool
	stale   bool
	refs    int
}

func (p *Page) Dirty() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.dirty
}

// MarkDirty sets the dirty bit with an atomic-equivalent critical section so
// concurrent observers never see a stale-but-not-dirty page (spec §5's
// ordering guarantee 2).
func (p *Page) MarkDirty() {
	p.mtx.Lock()
	p.dirty = true
	p.mtx.Unlock()
}

func (p *Page) Stale() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.stale
}

// MarkStale invalidates a page (ext2 FreeBlock's effect on a cached
// data block, spec §4.H.2): future Gets see it as a miss.
func (p *Page) MarkStale() {
	p.mtx.Lock()
	p.stale = true
	p.mtx.Unlock()
}

func (p *Page) clearDirty() {
	p.mtx.Lock()
	p.dirty = false
	p.mtx.Unlock()
}

type pageKey struct {
	owner   string
	blockNo uint64
}

// PageCache is spec §1's page-cache collaborator: get_cached_page(owner,
// block_no, flags) -> handle, release(handle). It is refcounted and backed
// by a Strategy for reads and writeback.
type PageCache struct {
	mtx      sync.Mutex
	dev      Strategy
	blockSz  uint32
	pages    map[pageKey]*Page
}

func NewPageCache(dev Strategy, blockSize uint32) *PageCache {
	return &PageCache{dev: dev, blockSz: blockSize, pages: make(map[pageKey]*Page)}
}

// Get returns the page for (owner, blockNo), reading through to the backing
// Strategy on a miss unless flags is CreateFlag, in which case a miss is
// zero-filled. The caller owns one reference and must call Release.
func (pc *PageCache) Get(owner string, blockNo uint64, flags Flags) (*Page, error) {
	pc.mtx.Lock()
	key := pageKey{owner, blockNo}
	if p, ok := pc.pages[key]; ok && !p.Stale() {
		p.mtx.Lock()
		p.refs++
		p.mtx.Unlock()
		pc.mtx.Unlock()
		return p, nil
	}
	p := &Page{Owner: owner, BlockNo: blockNo, Buf: make([]byte, pc.blockSz), refs: 1}
	pc.pages[key] = p
	pc.mtx.Unlock()

	if flags == ReadFlag {
		req := Request{
			Device:         owner,
			StartingBlock:  blockNo,
			BlockSizeBytes: pc.blockSz,
			ByteCount:      pc.blockSz,
			Buffer:         p.Buf,
			Direction:      Read,
		}
		if _, err := pc.dev.Submit(req); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Release drops p's reference. If dirty, it is written back through the
// Strategy before the reference is dropped (a simulated kernel has no
// separate writeback daemon in this scope; eviction is synchronous).
func (pc *PageCache) Release(p *Page) error {
	p.mtx.Lock()
	dirty := p.dirty
	p.mtx.Unlock()
	if dirty {
		req := Request{
			Device:         p.Owner,
			StartingBlock:  p.BlockNo,
			BlockSizeBytes: pc.blockSz,
			ByteCount:      pc.blockSz,
			Buffer:         p.Buf,
			Direction:      Write,
		}
		if _, err := pc.dev.Submit(req); err != nil {
			return err
		}
		p.clearDirty()
	}
	p.mtx.Lock()
	p.refs--
	stale := p.stale
	p.mtx.Unlock()
	if stale || p.refs <= 0 {
		pc.mtx.Lock()
		delete(pc.pages, pageKey{p.Owner, p.BlockNo})
		pc.mtx.Unlock()
	}
	return nil
}

// Sync writes back every dirty page still resident, without evicting them.
func (pc *PageCache) Sync() error {
	pc.mtx.Lock()
	pages := make([]*Page, 0, len(pc.pages))
	for _, p := range pc.pages {
		pages = append(pages, p)
	}
	pc.mtx.Unlock()
	for _, p := range pages {
		if !p.Dirty() {
			continue
		}
		req := Request{
			Device:         p.Owner,
			StartingBlock:  p.BlockNo,
			BlockSizeBytes: pc.blockSz,
			ByteCount:      pc.blockSz,
			Buffer:         p.Buf,
			Direction:      Write,
		}
		if _, err := pc.dev.Submit(req); err != nil {
			return err
		}
		p.clearDirty()
	}
	return nil
}
