/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package blockdev implements spec §1's "block-device strategy routines"
// collaborator concretely: an object exposing Submit(request) -> result
// where a request carries {device, starting_block, block_size_bytes,
// byte_count, buffer, direction}. Two backends satisfy Strategy: MemDevice,
// a plain in-memory sector store for fast unit tests, and BoltDevice, which
// persists sectors in a go.etcd.io/bbolt bucket so ext2's mount
// path has a real durable store to exercise instead of a slice that
// vanishes with the process -- the simulated analogue of a real disk.
package blockdev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"
)

// Direction selects the transfer direction of a Request.
type Direction int

const (
	Read Direction = iota
	Write
)

var (
	ErrShortBuffer  = errors.New("buffer shorter than byte count")
	ErrOutOfRange   = errors.New("starting block out of range")
	ErrDeviceClosed = errors.New("device is closed")
)

// Request is spec §1's strategy request: {device, starting_block,
// block_size_bytes, byte_count, buffer, direction}.
type Request struct {
	Device          string
	StartingBlock   uint64
	BlockSizeBytes  uint32
	ByteCount       uint32
	Buffer          []byte
	Direction       Direction
}

// Result is what Submit hands back: bytes transferred, or an error.
type Result struct {
	BytesTransferred uint32
}

// Strategy is the block-device collaborator's interface.
type Strategy interface {
	Submit(req Request) (Result, error)
	SectorSize() uint32
	Close() error
}

// MemDevice is an in-memory Strategy backed by a flat byte slice, grown on
// demand; used by ext2 unit tests that want a fast, ephemeral backing
// store.
type MemDevice struct {
	mtx    sync.Mutex
	sector uint32
	data   []byte
	closed bool
}

func NewMemDevice(sizeBytes int, sectorSize uint32) *MemDevice {
	return &MemDevice{sector: sectorSize, data: make([]byte, sizeBytes)}
}

func (d *MemDevice) SectorSize() uint32 { return d.sector }

func (d *MemDevice) Submit(req Request) (Result, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.closed {
		return Result{}, ErrDeviceClosed
	}
	if uint32(len(req.Buffer)) < req.ByteCount {
		return Result{}, ErrShortBuffer
	}
	off := req.StartingBlock * uint64(req.BlockSizeBytes)
	end := off + uint64(req.ByteCount)
	if end > uint64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	switch req.Direction {
	case Read:
		copy(req.Buffer[:req.ByteCount], d.data[off:end])
	case Write:
		copy(d.data[off:end], req.Buffer[:req.ByteCount])
	}
	return Result{BytesTransferred: req.ByteCount}, nil
}

func (d *MemDevice) Close() error {
	d.mtx.Lock()
	d.closed = true
	d.mtx.Unlock()
	return nil
}

var bucketName = []byte("sectors")

// BoltDevice persists sectors as fixed-size values in a bbolt bucket, keyed
// by big-endian sector number, and holds a whole-device gofrs/flock advisory
// lock on the backing file for as long as it is open -- the coarse-grained
// analogue of the byte-range advisory locks task.LockList implements at the
// open-file level (spec §3.4), applied here at the device level to keep two
// simulated kernels from mounting the same backing file concurrently.
type BoltDevice struct {
	mtx    sync.Mutex
	db     *bolt.DB
	lock   *flock.Flock
	sector uint32
	closed bool
}

// OpenBoltDevice opens (creating if absent) a bolt-backed device file at
// path, sized in sectors of sectorSize bytes.
func OpenBoltDevice(path string, sectorSize uint32) (*BoltDevice, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("blockdev: acquiring device lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("blockdev: device %s is already mounted elsewhere", path)
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		fl.Unlock()
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		fl.Unlock()
		return nil, err
	}
	return &BoltDevice{db: db, lock: fl, sector: sectorSize}, nil
}

func (d *BoltDevice) SectorSize() uint32 { return d.sector }

func sectorKey(n uint64) []byte {
	k := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		k[i] = byte(n)
		n >>= 8
	}
	return k
}

func (d *BoltDevice) Submit(req Request) (Result, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.closed {
		return Result{}, ErrDeviceClosed
	}
	if uint32(len(req.Buffer)) < req.ByteCount {
		return Result{}, ErrShortBuffer
	}
	blockSize := req.BlockSizeBytes
	if blockSize == 0 {
		blockSize = d.sector
	}
	nblocks := (req.ByteCount + blockSize - 1) / blockSize
	var xferred uint32
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for i := uint32(0); i < nblocks; i++ {
			key := sectorKey(req.StartingBlock + uint64(i))
			lo := i * blockSize
			hi := lo + blockSize
			if hi > req.ByteCount {
				hi = req.ByteCount
			}
			switch req.Direction {
			case Read:
				v := b.Get(key)
				if v == nil {
					for j := lo; j < hi; j++ {
						req.Buffer[j] = 0
					}
				} else {
					copy(req.Buffer[lo:hi], v)
				}
			case Write:
				chunk := make([]byte, blockSize)
				copy(chunk, req.Buffer[lo:hi])
				if err := b.Put(key, chunk); err != nil {
					return err
				}
			}
			xferred += hi - lo
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{BytesTransferred: xferred}, nil
}

func (d *BoltDevice) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.db.Close()
	d.lock.Unlock()
	return err
}
