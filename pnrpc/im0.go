// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnrpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
)

// IM0Index is the record index of the I&M0 identification block.
const IM0Index = 0xAFF0

// IM0 is the device identification record: the electronic nameplate read
// after connect and cached on the RTU record.
type IM0 struct {
	VendorID         uint16
	OrderID          string
	SerialNumber     string
	HardwareRevision uint16
	SoftwareRevision string
	RevisionCounter  uint16
	ProfileID        uint16
}

// ParseIM0 decode an I&M0 record payload (the body after the block header).
func ParseIM0(data []byte) (IM0, error) {
	p := pnet.NewParser(data)
	var im IM0
	im.VendorID = p.ReadU16()
	im.OrderID = strings.TrimRight(string(p.ReadBytes(20)), " \x00")
	im.SerialNumber = strings.TrimRight(string(p.ReadBytes(16)), " \x00")
	im.HardwareRevision = p.ReadU16()
	sw := p.ReadBytes(4)
	im.RevisionCounter = p.ReadU16()
	im.ProfileID = p.ReadU16()
	if err := p.Err(); err != nil {
		return IM0{}, diag.Wrap("rpc.im0", err)
	}
	im.SoftwareRevision = fmt.Sprintf("%c%d.%d.%d", sw[0], sw[1], sw[2], sw[3])
	return im, nil
}

// ReadIM0 read and decode the I&M0 identification of the device access
// point.
func (sf *Engine) ReadIM0(ctx context.Context, tgt Target, arUUID, activity uuid.UUID, strat Strategy) (IM0, error) {
	raw, err := sf.ReadRecord(ctx, tgt, arUUID, activity, 0, 1, IM0Index, 256, strat)
	if err != nil {
		return IM0{}, err
	}
	blocks, err := ParseBlocks(raw)
	if err != nil || len(blocks) == 0 {
		// some stacks answer with the bare record, no block framing
		return ParseIM0(raw)
	}
	return ParseIM0(blocks[len(blocks)-1].Data)
}
