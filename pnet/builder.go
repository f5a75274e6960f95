// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnet

import (
	"net"

	"github.com/rob-gra/go-pnio/diag"
)

// Builder is a bounds-checked write cursor over a caller supplied buffer.
// All writes are sticky on error: once a write would run past the end of the
// buffer every later call is a no-op and Err reports the failure. There is no
// silent truncation.
type Builder struct {
	buf []byte
	off int
	err error
}

// NewBuilder wrap buf for writing from offset 0.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf}
}

func (this *Builder) need(n int) bool {
	if this.err != nil {
		return false
	}
	if this.off+n > len(this.buf) {
		this.err = diag.Newf("pnet.build", diag.BufferTooSmall,
			"write of %d at %d exceeds %d", n, this.off, len(this.buf))
		return false
	}
	return true
}

// WriteU8 append one byte.
func (this *Builder) WriteU8(v uint8) *Builder {
	if this.need(1) {
		this.buf[this.off] = v
		this.off++
	}
	return this
}

// WriteU16 append a big-endian uint16 (network order).
func (this *Builder) WriteU16(v uint16) *Builder {
	if this.need(2) {
		this.buf[this.off] = byte(v >> 8)
		this.buf[this.off+1] = byte(v)
		this.off += 2
	}
	return this
}

// WriteU32 append a big-endian uint32 (network order).
func (this *Builder) WriteU32(v uint32) *Builder {
	if this.need(4) {
		this.buf[this.off] = byte(v >> 24)
		this.buf[this.off+1] = byte(v >> 16)
		this.buf[this.off+2] = byte(v >> 8)
		this.buf[this.off+3] = byte(v)
		this.off += 4
	}
	return this
}

// WriteU16LE append a little-endian uint16. NDR prefixes are little-endian
// while the PNIO blocks behind them stay big-endian.
func (this *Builder) WriteU16LE(v uint16) *Builder {
	if this.need(2) {
		this.buf[this.off] = byte(v)
		this.buf[this.off+1] = byte(v >> 8)
		this.off += 2
	}
	return this
}

// WriteU32LE append a little-endian uint32.
func (this *Builder) WriteU32LE(v uint32) *Builder {
	if this.need(4) {
		this.buf[this.off] = byte(v)
		this.buf[this.off+1] = byte(v >> 8)
		this.buf[this.off+2] = byte(v >> 16)
		this.buf[this.off+3] = byte(v >> 24)
		this.off += 4
	}
	return this
}

// WriteBytes append b verbatim.
func (this *Builder) WriteBytes(b ...byte) *Builder {
	if this.need(len(b)) {
		copy(this.buf[this.off:], b)
		this.off += len(b)
	}
	return this
}

// WriteMAC append a 6-byte hardware address.
func (this *Builder) WriteMAC(mac net.HardwareAddr) *Builder {
	if this.err != nil {
		return this
	}
	if len(mac) != 6 {
		this.err = diag.Newf("pnet.build", diag.InvalidParameter, "MAC length %d", len(mac))
		return this
	}
	return this.WriteBytes(mac...)
}

// WriteIPv4 append a 4-byte IPv4 address.
func (this *Builder) WriteIPv4(ip net.IP) *Builder {
	if this.err != nil {
		return this
	}
	v4 := ip.To4()
	if v4 == nil {
		this.err = diag.Newf("pnet.build", diag.InvalidParameter, "not an IPv4 address: %v", ip)
		return this
	}
	return this.WriteBytes(v4...)
}

// Pad4 append zero bytes until the cursor is 4-byte aligned relative to base.
func (this *Builder) Pad4(base int) *Builder {
	for (this.off-base)%4 != 0 && this.err == nil {
		this.WriteU8(0)
	}
	return this
}

// PadTo append zero bytes until the cursor reaches off.
func (this *Builder) PadTo(off int) *Builder {
	for this.off < off && this.err == nil {
		this.WriteU8(0)
	}
	return this
}

// Skip advance the cursor by n leaving the bytes untouched.
func (this *Builder) Skip(n int) *Builder {
	if this.need(n) {
		this.off += n
	}
	return this
}

// PatchU16 write a big-endian uint16 at an absolute offset already passed,
// used to back-fill length fields.
func (this *Builder) PatchU16(off int, v uint16) *Builder {
	if this.err != nil {
		return this
	}
	if off < 0 || off+2 > this.off {
		this.err = diag.Newf("pnet.build", diag.InvalidParameter, "patch at %d outside written range", off)
		return this
	}
	this.buf[off] = byte(v >> 8)
	this.buf[off+1] = byte(v)
	return this
}

// Len bytes written so far.
func (this *Builder) Len() int { return this.off }

// Err the sticky error, nil while every write fit.
func (this *Builder) Err() error { return this.err }

// Bytes the written prefix of the buffer.
func (this *Builder) Bytes() ([]byte, error) {
	if this.err != nil {
		return nil, this.err
	}
	return this.buf[:this.off], nil
}
