// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnet

import (
	"net"

	"github.com/rob-gra/go-pnio/diag"
)

// Parser is the bounds-checked read mirror of Builder. Reads past the end of
// the data set the sticky error and return zero values; callers check Err
// once after a decode sequence.
type Parser struct {
	data []byte
	off  int
	err  error
}

// NewParser wrap data for reading from offset 0.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

func (this *Parser) need(n int) bool {
	if this.err != nil {
		return false
	}
	if this.off+n > len(this.data) {
		this.err = diag.Newf("pnet.parse", diag.FrameTooShort,
			"read of %d at %d exceeds %d", n, this.off, len(this.data))
		return false
	}
	return true
}

// ReadU8 consume one byte.
func (this *Parser) ReadU8() uint8 {
	if !this.need(1) {
		return 0
	}
	v := this.data[this.off]
	this.off++
	return v
}

// ReadU16 consume a big-endian uint16.
func (this *Parser) ReadU16() uint16 {
	if !this.need(2) {
		return 0
	}
	v := uint16(this.data[this.off])<<8 | uint16(this.data[this.off+1])
	this.off += 2
	return v
}

// ReadU32 consume a big-endian uint32.
func (this *Parser) ReadU32() uint32 {
	if !this.need(4) {
		return 0
	}
	v := uint32(this.data[this.off])<<24 | uint32(this.data[this.off+1])<<16 |
		uint32(this.data[this.off+2])<<8 | uint32(this.data[this.off+3])
	this.off += 4
	return v
}

// ReadU16LE consume a little-endian uint16.
func (this *Parser) ReadU16LE() uint16 {
	if !this.need(2) {
		return 0
	}
	v := uint16(this.data[this.off]) | uint16(this.data[this.off+1])<<8
	this.off += 2
	return v
}

// ReadU32LE consume a little-endian uint32.
func (this *Parser) ReadU32LE() uint32 {
	if !this.need(4) {
		return 0
	}
	v := uint32(this.data[this.off]) | uint32(this.data[this.off+1])<<8 |
		uint32(this.data[this.off+2])<<16 | uint32(this.data[this.off+3])<<24
	this.off += 4
	return v
}

// ReadBytes consume n bytes. The returned slice aliases the input.
func (this *Parser) ReadBytes(n int) []byte {
	if n < 0 {
		this.err = diag.Newf("pnet.parse", diag.InvalidParameter, "negative read %d", n)
		return nil
	}
	if !this.need(n) {
		return nil
	}
	b := this.data[this.off : this.off+n]
	this.off += n
	return b
}

// ReadMAC consume a 6-byte hardware address, copied out.
func (this *Parser) ReadMAC() net.HardwareAddr {
	b := this.ReadBytes(6)
	if b == nil {
		return nil
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, b)
	return mac
}

// ReadIPv4 consume a 4-byte IPv4 address, copied out.
func (this *Parser) ReadIPv4() net.IP {
	b := this.ReadBytes(4)
	if b == nil {
		return nil
	}
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// Pad4 consume zero or more padding bytes until 4-byte alignment from base.
func (this *Parser) Pad4(base int) {
	for (this.off-base)%4 != 0 && this.err == nil {
		this.ReadU8()
	}
}

// Skip consume n bytes without looking at them.
func (this *Parser) Skip(n int) {
	if this.need(n) {
		this.off += n
	}
}

// PeekU16 read a big-endian uint16 without consuming it.
func (this *Parser) PeekU16() uint16 {
	if this.err != nil || this.off+2 > len(this.data) {
		return 0
	}
	return uint16(this.data[this.off])<<8 | uint16(this.data[this.off+1])
}

// Remaining bytes not yet consumed.
func (this *Parser) Remaining() int { return len(this.data) - this.off }

// Rest the unread tail. The returned slice aliases the input.
func (this *Parser) Rest() []byte { return this.data[this.off:] }

// Offset current cursor position.
func (this *Parser) Offset() int { return this.off }

// Err the sticky error, nil while every read fit.
func (this *Parser) Err() error { return this.err }
