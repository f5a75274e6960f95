// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package dcp

import (
	"context"
	"net"
	"time"

	"github.com/rob-gra/go-pnio/link"
	"github.com/rob-gra/go-pnio/pnet"
)

// DeviceSim answers identify and set requests like a field device. It backs
// commissioning dry-runs and the package tests; it is not used on a live
// segment.
type DeviceSim struct {
	Dev Device
	// RejectSets makes every set answer with the given block error.
	RejectSets BlockError
	lnk        link.Link
}

// NewDeviceSim create a simulated device on lnk.
func NewDeviceSim(lnk link.Link, dev Device) *DeviceSim {
	return &DeviceSim{Dev: dev, lnk: lnk}
}

// Run serve requests until ctx is done.
func (sf *DeviceSim) Run(ctx context.Context) {
	for ctx.Err() == nil {
		raw, err := sf.lnk.Poll(pollStep)
		if err != nil || raw == nil {
			continue
		}
		sf.handle(raw)
	}
}

func (sf *DeviceSim) handle(raw []byte) {
	p := pnet.NewParser(raw)
	eth := pnet.ConsumeEthHeader(p)
	if p.Err() != nil || eth.Type != pnet.EtherTypePN {
		return
	}
	h, blocks, err := ParsePDU(p.Rest())
	if err != nil || h.Type != SrvTypeRequest {
		return
	}
	switch h.Service {
	case SrvIdentify:
		if sf.matchesFilter(blocks) {
			frame, err := sf.buildIdentifyResponse(eth.Src, h.Xid)
			if err == nil {
				sf.lnk.SendFrame(frame)
			}
		}
	case SrvSet:
		sf.applySet(blocks)
		frame, err := sf.buildSetResponse(eth.Src, h.Xid, blocks)
		if err == nil {
			sf.lnk.SendFrame(frame)
		}
	}
}

func (sf *DeviceSim) matchesFilter(blocks []Block) bool {
	for _, blk := range blocks {
		if blk.Option == OptAll {
			return true
		}
		if blk.Option == OptDeviceProperties && blk.Suboption == SubDevNameOfStation {
			return string(blk.Data) == sf.Dev.StationName
		}
	}
	return len(blocks) == 0
}

func (sf *DeviceSim) applySet(blocks []Block) {
	if sf.RejectSets != BlockOK {
		return
	}
	for _, blk := range blocks {
		switch {
		case blk.Option == OptDeviceProperties && blk.Suboption == SubDevNameOfStation:
			if len(blk.Data) >= 2 {
				sf.Dev.StationName = string(blk.Data[2:])
			}
		case blk.Option == OptIP && blk.Suboption == SubIPParameter:
			if len(blk.Data) >= 14 {
				d := blk.Data[2:]
				sf.Dev.IP = net.IPv4(d[0], d[1], d[2], d[3]).To4()
				sf.Dev.Netmask = net.IPv4(d[4], d[5], d[6], d[7]).To4()
				sf.Dev.Gateway = net.IPv4(d[8], d[9], d[10], d[11]).To4()
			}
		}
	}
}

func (sf *DeviceSim) buildIdentifyResponse(dst net.HardwareAddr, xid uint32) ([]byte, error) {
	b := pnet.NewBuilder(make([]byte, frameBufSize))
	pnet.EthHeader{Dst: dst, Src: sf.lnk.LocalMAC(), Type: pnet.EtherTypePN}.Emit(b)
	emitPDU(b, pnet.FrameIDDCPIdentifyRsp, SrvIdentify, SrvTypeSuccess, xid, 0, func(b *pnet.Builder) {
		emitBlock(b, OptDeviceProperties, SubDevNameOfStation, func(b *pnet.Builder) {
			b.WriteU16(0) // BlockInfo
			b.WriteBytes([]byte(sf.Dev.StationName)...)
		})
		emitBlock(b, OptDeviceProperties, SubDevID, func(b *pnet.Builder) {
			b.WriteU16(0)
			b.WriteU16(sf.Dev.VendorID)
			b.WriteU16(sf.Dev.DeviceID)
		})
		if sf.Dev.IP != nil {
			emitBlock(b, OptIP, SubIPParameter, func(b *pnet.Builder) {
				b.WriteU16(0)
				b.WriteIPv4(sf.Dev.IP)
				b.WriteIPv4(sf.Dev.Netmask)
				b.WriteIPv4(sf.Dev.Gateway)
			})
		}
	})
	return b.Bytes()
}

func (sf *DeviceSim) buildSetResponse(dst net.HardwareAddr, xid uint32, req []Block) ([]byte, error) {
	opt, sub := OptDeviceProperties, SubDevNameOfStation
	if len(req) > 0 {
		opt, sub = req[0].Option, req[0].Suboption
	}
	b := pnet.NewBuilder(make([]byte, frameBufSize))
	pnet.EthHeader{Dst: dst, Src: sf.lnk.LocalMAC(), Type: pnet.EtherTypePN}.Emit(b)
	emitPDU(b, pnet.FrameIDDCPGetSet, SrvSet, SrvTypeSuccess, xid, 0, func(b *pnet.Builder) {
		emitBlock(b, OptControl, SubCtlResponse, func(b *pnet.Builder) {
			b.WriteU8(uint8(opt))
			b.WriteU8(uint8(sub))
			b.WriteU8(uint8(sf.RejectSets))
		})
	})
	return b.Bytes()
}

// RunFor serve requests for a fixed duration, for tests.
func (sf *DeviceSim) RunFor(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	sf.Run(ctx)
}
