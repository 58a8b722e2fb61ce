/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package vfsstub is the minimal VFS facade ext2 and unixsock mount into
// (spec §1's "VFS facade used by the filesystem -- opens, locks, and mount
// tables" collaborator). It is deliberately small: a mount table keyed by
// device id and a path-to-inode rendezvous table, just enough surface for
// ext2's Mount/Unmount and unixsock's bind-a-path-to-a-socket to have a real
// thing to register into instead of a bare interface.
package vfsstub

import (
	"errors"
	"sync"
)

var (
	ErrAlreadyMounted = errors.New("device already mounted")
	ErrNotMounted     = errors.New("device is not mounted")
	ErrExists         = errors.New("file exists")
	ErrNotFound       = errors.New("no such file or directory")
)

// MountFlags mirrors spec §6.4's persisted mount-table flags.
type MountFlags uint32

const (
	MS_RDONLY MountFlags = 1 << iota
	MS_NOEXEC
)

// MountEntry is one row of spec §6.4's mount table.
type MountEntry struct {
	Device     string
	MountPoint string
	FSType     string
	Flags      MountFlags
	Options    string
}

// Mountable is implemented by a filesystem driver (ext2.Filesystem) so the
// facade can call back into it for unmount without importing ext2 (ext2
// imports vfsstub, not the reverse).
type Mountable interface {
	Sync() error
}

// Facade is the process-wide VFS singleton: a mount table plus a rendezvous
// table mapping absolute paths to registered filesystem nodes (used by
// unixsock's bind(2) to publish a SOCK special file that connect(2) can
// find by path).
type Facade struct {
	mtx    sync.RWMutex
	mounts map[string]*MountEntry // keyed by device id
	fs     map[string]Mountable   // keyed by device id
	nodes  map[string]interface{} // keyed by absolute path, e.g. bound unix sockets
}

func New() *Facade {
	return &Facade{
		mounts: make(map[string]*MountEntry),
		fs:     make(map[string]Mountable),
		nodes:  make(map[string]interface{}),
	}
}

// Mount registers a mounted filesystem's table entry and driver handle.
func (f *Facade) Mount(dev string, e MountEntry, drv Mountable) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if _, ok := f.mounts[dev]; ok {
		return ErrAlreadyMounted
	}
	cp := e
	f.mounts[dev] = &cp
	f.fs[dev] = drv
	return nil
}

// Unmount flushes the filesystem driver and drops its mount-table entry.
func (f *Facade) Unmount(dev string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	drv, ok := f.fs[dev]
	if !ok {
		return ErrNotMounted
	}
	if err := drv.Sync(); err != nil {
		return err
	}
	delete(f.mounts, dev)
	delete(f.fs, dev)
	return nil
}

func (f *Facade) Lookup(dev string) (*MountEntry, bool) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	e, ok := f.mounts[dev]
	return e, ok
}

// Mounts returns a snapshot of the mount table.
func (f *Facade) Mounts() []MountEntry {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	out := make([]MountEntry, 0, len(f.mounts))
	for _, e := range f.mounts {
		out = append(out, *e)
	}
	return out
}

// BindNode publishes an object (e.g. a unix-domain listening socket) at an
// absolute path, the rendezvous a peer's connect(path) looks up.
func (f *Facade) BindNode(path string, node interface{}) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if _, ok := f.nodes[path]; ok {
		return ErrExists
	}
	f.nodes[path] = node
	return nil
}

func (f *Facade) LookupNode(path string) (interface{}, bool) {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	n, ok := f.nodes[path]
	return n, ok
}

func (f *Facade) UnbindNode(path string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.nodes, path)
}

var defaultFacade = New()

// Default returns the process-wide facade singleton (design note 9).
func Default() *Facade { return defaultFacade }
