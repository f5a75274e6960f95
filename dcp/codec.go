// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package dcp

import (
	"net"
	"strings"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
)

// Header is the fixed DCP PDU header following the frame ID.
// See IEC 61158-6-10, DCP-PDU.
type Header struct {
	FrameID pnet.FrameID
	Service ServiceID
	Type    ServiceType
	Xid     uint32
	// ResponseDelay is the delay factor on identify requests; responses
	// carry zero here.
	ResponseDelay uint16
	DataLength    uint16
}

// Block is one DCP TLV. Identify and Get responses carry a 2-byte BlockInfo
// ahead of the data; requests do not.
type Block struct {
	Option    Option
	Suboption Suboption
	HasInfo   bool
	Info      uint16
	Data      []byte
}

const (
	headerSize = 10 // service, type, xid, delay, data length
	// identifyDelayFactor spreads responses of a full-segment identify;
	// units of 10 ms per IEC 61158-6-10.
	identifyDelayFactor = 1
)

// emitPDU write frame ID, header and raw block area; patches DataLength.
func emitPDU(b *pnet.Builder, frameID pnet.FrameID, srv ServiceID, typ ServiceType, xid uint32, delay uint16, blocks func(*pnet.Builder)) {
	b.WriteU16(uint16(frameID)).
		WriteU8(uint8(srv)).
		WriteU8(uint8(typ)).
		WriteU32(xid).
		WriteU16(delay)
	lenOff := b.Len()
	b.WriteU16(0)
	start := b.Len()
	blocks(b)
	b.PatchU16(lenOff, uint16(b.Len()-start))
}

// emitBlock write one TLV with even-length padding.
func emitBlock(b *pnet.Builder, opt Option, sub Suboption, data func(*pnet.Builder)) {
	b.WriteU8(uint8(opt)).WriteU8(uint8(sub))
	lenOff := b.Len()
	b.WriteU16(0)
	start := b.Len()
	data(b)
	b.PatchU16(lenOff, uint16(b.Len()-start))
	if (b.Len()-start)%2 != 0 {
		b.WriteU8(0)
	}
}

// BuildIdentifyAll assemble a multicast identify covering every station.
func BuildIdentifyAll(buf []byte, src net.HardwareAddr, xid uint32) ([]byte, error) {
	b := pnet.NewBuilder(buf)
	pnet.EthHeader{Dst: pnet.DCPMulticastAddr, Src: src, Type: pnet.EtherTypePN}.Emit(b)
	emitPDU(b, pnet.FrameIDDCPIdentifyReq, SrvIdentify, SrvTypeRequest, xid, identifyDelayFactor, func(b *pnet.Builder) {
		emitBlock(b, OptAll, Suboption(0xFF), func(*pnet.Builder) {})
	})
	return b.Bytes()
}

// BuildIdentifyByName assemble a multicast identify filtered on one station name.
func BuildIdentifyByName(buf []byte, src net.HardwareAddr, xid uint32, name string) ([]byte, error) {
	if err := ValidateStationName(name); err != nil {
		return nil, err
	}
	b := pnet.NewBuilder(buf)
	pnet.EthHeader{Dst: pnet.DCPMulticastAddr, Src: src, Type: pnet.EtherTypePN}.Emit(b)
	emitPDU(b, pnet.FrameIDDCPIdentifyReq, SrvIdentify, SrvTypeRequest, xid, identifyDelayFactor, func(b *pnet.Builder) {
		emitBlock(b, OptDeviceProperties, SubDevNameOfStation, func(b *pnet.Builder) {
			b.WriteBytes([]byte(name)...)
		})
	})
	return b.Bytes()
}

// BuildSetName assemble a unicast set of the station name.
func BuildSetName(buf []byte, src, dst net.HardwareAddr, xid uint32, name string, q SetQualifier) ([]byte, error) {
	if err := ValidateStationName(name); err != nil {
		return nil, err
	}
	b := pnet.NewBuilder(buf)
	pnet.EthHeader{Dst: dst, Src: src, Type: pnet.EtherTypePN}.Emit(b)
	emitPDU(b, pnet.FrameIDDCPGetSet, SrvSet, SrvTypeRequest, xid, 0, func(b *pnet.Builder) {
		emitBlock(b, OptDeviceProperties, SubDevNameOfStation, func(b *pnet.Builder) {
			b.WriteU16(uint16(q))
			b.WriteBytes([]byte(name)...)
		})
	})
	return b.Bytes()
}

// BuildSetIP assemble a unicast set of IP, netmask and gateway.
func BuildSetIP(buf []byte, src, dst net.HardwareAddr, xid uint32, ip, mask, gw net.IP, q SetQualifier) ([]byte, error) {
	b := pnet.NewBuilder(buf)
	pnet.EthHeader{Dst: dst, Src: src, Type: pnet.EtherTypePN}.Emit(b)
	emitPDU(b, pnet.FrameIDDCPGetSet, SrvSet, SrvTypeRequest, xid, 0, func(b *pnet.Builder) {
		emitBlock(b, OptIP, SubIPParameter, func(b *pnet.Builder) {
			b.WriteU16(uint16(q))
			b.WriteIPv4(ip)
			b.WriteIPv4(mask)
			b.WriteIPv4(gw)
		})
	})
	return b.Bytes()
}

// ParsePDU decode a DCP payload (starting at the frame ID) into the header
// and its blocks.
func ParsePDU(payload []byte) (Header, []Block, error) {
	p := pnet.NewParser(payload)
	h := Header{
		FrameID:       pnet.FrameID(p.ReadU16()),
		Service:       ServiceID(p.ReadU8()),
		Type:          ServiceType(p.ReadU8()),
		Xid:           p.ReadU32(),
		ResponseDelay: p.ReadU16(),
		DataLength:    p.ReadU16(),
	}
	if err := p.Err(); err != nil {
		return Header{}, nil, err
	}
	if int(h.DataLength) > p.Remaining() {
		return Header{}, nil, diag.Newf("dcp.parse", diag.FrameInvalid,
			"data length %d exceeds %d remaining", h.DataLength, p.Remaining())
	}

	hasInfo := h.Type == SrvTypeSuccess &&
		(h.Service == SrvIdentify || h.Service == SrvGet || h.Service == SrvHello)

	area := pnet.NewParser(p.Rest()[:h.DataLength])
	var blocks []Block
	for area.Remaining() >= 4 {
		blk := Block{
			Option:    Option(area.ReadU8()),
			Suboption: Suboption(area.ReadU8()),
		}
		blen := int(area.ReadU16())
		if blen > area.Remaining() {
			return Header{}, nil, diag.Newf("dcp.parse", diag.FrameInvalid,
				"block length %d exceeds %d remaining", blen, area.Remaining())
		}
		data := area.ReadBytes(blen)
		// a control/response TLV never carries BlockInfo
		if hasInfo && blk.Option != OptControl && blen >= 2 {
			blk.HasInfo = true
			blk.Info = uint16(data[0])<<8 | uint16(data[1])
			data = data[2:]
		}
		blk.Data = data
		if blen%2 != 0 {
			area.Skip(1)
		}
		blocks = append(blocks, blk)
	}
	if err := area.Err(); err != nil {
		return Header{}, nil, err
	}
	return h, blocks, nil
}

// SetResult is the decoded Control/Response block of a Set response.
type SetResult struct {
	Option    Option
	Suboption Suboption
	Err       BlockError
}

// ParseSetResponse extract the result of a Set exchange.
func ParseSetResponse(blocks []Block) (SetResult, error) {
	for _, blk := range blocks {
		if blk.Option == OptControl && blk.Suboption == SubCtlResponse {
			if len(blk.Data) < 3 {
				return SetResult{}, diag.New("dcp.parse", diag.FrameInvalid, "short control response block")
			}
			return SetResult{
				Option:    Option(blk.Data[0]),
				Suboption: Suboption(blk.Data[1]),
				Err:       BlockError(blk.Data[2]),
			}, nil
		}
	}
	return SetResult{}, diag.New("dcp.parse", diag.FrameInvalid, "no control response block")
}

// ValidateStationName check PROFINET station name rules: non-empty, at most
// 240 octets, labels of [a-z0-9-] up to 63 octets separated by dots, no label
// starting or ending with a hyphen, not shaped like an IP address or the
// reserved port-xyz form.
func ValidateStationName(name string) error {
	if name == "" || len(name) > 240 {
		return diag.Newf("dcp.name", diag.InvalidParameter, "station name length %d", len(name))
	}
	if net.ParseIP(name) != nil {
		return diag.New("dcp.name", diag.InvalidParameter, "station name must not be an IP address")
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return diag.Newf("dcp.name", diag.InvalidParameter, "label length %d", len(label))
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return diag.New("dcp.name", diag.InvalidParameter, "label must not begin or end with a hyphen")
		}
		if strings.HasPrefix(label, "port-") {
			return diag.New("dcp.name", diag.InvalidParameter, "port-xyz labels are reserved")
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return diag.Newf("dcp.name", diag.InvalidParameter, "illegal character %q", c)
			}
		}
	}
	return nil
}
