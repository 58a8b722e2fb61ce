/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package kconfig loads the kernel's boot-time configuration: the mount
// table, per-task default rlimits, and the network interface / DHCP
// settings. It is INI-style, loaded the way ingest/config loads ingester
// configs, via github.com/gravwell/gcfg's ReadStringInto.
package kconfig

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/gravwell/gcfg"
)

const maxConfigSize int64 = 4 * 1024 * 1024

var (
	ErrConfigTooLarge = errors.New("config file is too large")
	ErrNoMounts       = errors.New("config declares no mounts")
)

// Mount describes one entry of the persisted mount table (spec §6.4).
type Mount struct {
	Device     string
	MountPoint string `gcfg:"mount-point"`
	FSType     string `gcfg:"fs-type"`
	ReadOnly   bool   `gcfg:"read-only"`
	NoExec     bool   `gcfg:"no-exec"`
}

// Rlimits holds the default soft/hard resource limits applied to task 1 and,
// transitively, anything forked before userland overrides them.
type Rlimits struct {
	NoFile    int `gcfg:"nofile"`
	NProc     int `gcfg:"nproc"`
	RTPrio    int `gcfg:"rtprio"`
	NiceLimit int `gcfg:"nice"`
}

// Interface describes one network interface and whether the DHCP client
// should be started against it at boot.
type Interface struct {
	Name       string
	HWAddr     string
	DHCP       bool
	StaticAddr string `gcfg:"static-addr"`
	StaticMask string `gcfg:"static-mask"`
	StaticGW   string `gcfg:"static-gw"`
}

// BootConfig is the root document; each [mount "x"], [rlimits], and
// [interface "x"] section maps to the fields below via gcfg struct tags.
type BootConfig struct {
	Mount     map[string]*Mount
	Rlimits   Rlimits
	Interface map[string]*Interface
}

// Load reads and parses a boot configuration from raw bytes.
func Load(b []byte) (*BootConfig, error) {
	var bc BootConfig
	if err := gcfg.ReadStringInto(&bc, string(b)); err != nil {
		return nil, err
	}
	if len(bc.Mount) == 0 {
		return nil, ErrNoMounts
	}
	return &bc, nil
}

// LoadFile reads a boot configuration file from disk, mirroring
// ingest/config's LoadConfigFile size-guard behavior.
func LoadFile(path string) (*BootConfig, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigTooLarge
	}

	bb := bytes.NewBuffer(nil)
	if _, err := io.Copy(bb, fin); err != nil {
		return nil, err
	}
	return Load(bb.Bytes())
}
