// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package shmem implements the shared-state contract with external
// collaborators: one fixed little-endian memory region holding RTU summaries,
// sensor and actuator matrices, active alarms and the command rings. The
// layout is versioned; collaborators in any language map it read-mostly.
package shmem

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rob-gra/go-pnio/diag"
)

// layout identity
const (
	Magic   uint32 = 0x57544301
	Version uint32 = 3
)

// layout capacities
const (
	MaxRTUs        = 64
	StationNameLen = 32
	MaxSlots       = 247
	MaxAlarms      = 256
	CmdRingSlots   = 1024
	RespRingSlots  = 256
	PayloadLen     = 64
)

// layout geometry, every section 8-byte aligned
const (
	headerSize = 24 // magic, version, writer seq, timestamp

	rtuOff      = headerSize
	rtuRecSize  = StationNameLen + 1 + 1 + 2 + 4 + 8 // name, state, health, pad, ip, last update
	rtuAreaSize = MaxRTUs * rtuRecSize

	cellSize       = 8 + 2 + 4 // value, quality, last update ms
	matrixSize     = MaxRTUs * MaxSlots * cellSize
	sensorOff      = rtuOff + rtuAreaSize
	actuatorOff    = sensorOff + matrixSize

	alarmEntrySize = 72
	alarmsOff      = actuatorOff + matrixSize
	alarmAreaSize  = MaxAlarms * alarmEntrySize

	ringHeaderSize = 16 // write index, read index
	cmdSlotSize    = 96
	cmdRingOff     = alarmsOff + alarmAreaSize
	cmdRingSize    = ringHeaderSize + CmdRingSlots*cmdSlotSize
	respRingOff    = cmdRingOff + cmdRingSize
	respRingSize   = ringHeaderSize + RespRingSlots*cmdSlotSize

	// RegionSize total byte size of the mapped block.
	RegionSize = respRingOff + respRingSize
)

// header field offsets
const (
	offMagic     = 0
	offVersion   = 4
	offWriterSeq = 8
	offTimestamp = 16
)

// Region is the raw mapped block. One process writes, any number read.
type Region struct {
	b      []byte
	mapped bool
}

// NewMemRegion allocate an anonymous in-process region, initialized.
func NewMemRegion() *Region {
	r := &Region{b: make([]byte, RegionSize)}
	r.init()
	return r
}

// OpenFileRegion map a file-backed region shared with collaborators. The
// file is created and sized when missing; an existing file must carry the
// expected magic and version.
func OpenFileRegion(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, diag.Wrap("shmem.open", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, diag.Wrap("shmem.open", err)
	}
	fresh := st.Size() == 0
	if fresh {
		if err := f.Truncate(RegionSize); err != nil {
			return nil, diag.Wrap("shmem.open", err)
		}
	} else if st.Size() != RegionSize {
		return nil, diag.Newf("shmem.open", diag.InvalidParameter,
			"region file is %d bytes, want %d", st.Size(), RegionSize)
	}

	b, err := unix.Mmap(int(f.Fd()), 0, RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, diag.Wrap("shmem.mmap", err)
	}
	r := &Region{b: b, mapped: true}
	if fresh {
		r.init()
	} else if err := r.Validate(); err != nil {
		unix.Munmap(b)
		return nil, err
	}
	return r, nil
}

// init stamp magic and version over a zeroed block.
func (sf *Region) init() {
	binary.LittleEndian.PutUint32(sf.b[offMagic:], Magic)
	binary.LittleEndian.PutUint32(sf.b[offVersion:], Version)
}

// Validate check the layout identity.
func (sf *Region) Validate() error {
	if got := binary.LittleEndian.Uint32(sf.b[offMagic:]); got != Magic {
		return diag.Newf("shmem.validate", diag.InvalidParameter, "magic 0x%08X", got)
	}
	if got := binary.LittleEndian.Uint32(sf.b[offVersion:]); got != Version {
		return diag.Newf("shmem.validate", diag.InvalidParameter, "schema version %d, want %d", got, Version)
	}
	return nil
}

// Close unmap a file-backed region.
func (sf *Region) Close() error {
	if !sf.mapped {
		return nil
	}
	sf.mapped = false
	return unix.Munmap(sf.b)
}

// u64 return an atomically accessible pointer into the block. Offsets used
// this way are 8-byte aligned by construction of the layout.
func (sf *Region) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&sf.b[off]))
}

func cellOff(base, rtu, slot int) int {
	return base + (rtu*MaxSlots+slot)*cellSize
}

func rtuRecOff(i int) int {
	return rtuOff + i*rtuRecSize
}

func alarmOff(i int) int {
	return alarmsOff + i*alarmEntrySize
}
