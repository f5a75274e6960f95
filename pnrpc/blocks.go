// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnrpc

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
)

// BlockType is the PNIO block type identifier, big-endian on the wire.
// Requests sit in 0x01xx, the matching responses in 0x81xx.
type BlockType uint16

// PNIO block types
const (
	BTARBlockReq          BlockType = 0x0101
	BTIOCRBlockReq        BlockType = 0x0102
	BTAlarmCRBlockReq     BlockType = 0x0103
	BTExpectedSubmodule   BlockType = 0x0104
	BTPrmEndReq           BlockType = 0x0110
	BTApplicationReadyReq BlockType = 0x0112
	BTReleaseReq          BlockType = 0x0114
	BTIODReadReqHeader    BlockType = 0x0009
	BTIODWriteReqHeader   BlockType = 0x0008

	BTARBlockRes          BlockType = 0x8101
	BTIOCRBlockRes        BlockType = 0x8102
	BTAlarmCRBlockRes     BlockType = 0x8103
	BTModuleDiffBlock     BlockType = 0x8104
	BTPrmEndRes           BlockType = 0x8110
	BTApplicationReadyRes BlockType = 0x8112
	BTReleaseRes          BlockType = 0x8114
)

func (sf BlockType) String() string {
	return fmt.Sprintf("BT<0x%04X>", uint16(sf))
}

// block version carried by every block header
const (
	blockVersionHigh = 1
	blockVersionLow  = 0
)

// ltPNIO is the upper-layer protocol tag carried by IOCR and alarm CR blocks.
const ltPNIO = 0x8892

// Direction of one slot's cyclic data, seen from the device.
type Direction uint8

// slot directions
const (
	DirInput  Direction = 1 // device produces, controller consumes
	DirOutput Direction = 2 // controller produces, device consumes
)

func (sf Direction) String() string {
	if sf == DirInput {
		return "input"
	}
	return "output"
}

// SlotConfig is one (slot, subslot) expected on the device. The layout is
// dictated by the device's declared configuration; nothing here is assumed.
type SlotConfig struct {
	Slot           uint16
	Subslot        uint16
	ModuleIdent    uint32
	SubmoduleIdent uint32
	Direction      Direction
	DataLength     uint16
}

// IOCRKind selects the communication relationship direction.
type IOCRKind uint16

// IOCR types
const (
	IOCRInput  IOCRKind = 1
	IOCROutput IOCRKind = 2
)

// iocrReference values assigned by the controller
const (
	refInputCR  = 1
	refOutputCR = 2
)

// suggested frame IDs offered to the device; the device's answer is binding
const (
	suggestedInputFrameID  = 0x8001
	suggestedOutputFrameID = 0xC001
)

// ConnectRequest captures everything needed to assemble a connect PDU.
type ConnectRequest struct {
	ARUUID       uuid.UUID
	SessionKey   uint16
	InitiatorMAC net.HardwareAddr
	StationName  string
	Slots        []SlotConfig
	Timing       Timing
	// IncludeDAP adds the slot-0 access point to the expected submodule
	// block; some device stacks require it, others reject it.
	IncludeDAP bool
}

// InputLength total cyclic input payload: data plus one IOPS per input slot
// plus one IOCS per output slot.
func (sf ConnectRequest) InputLength() int {
	n := 0
	for _, s := range sf.Slots {
		if s.Direction == DirInput {
			n += int(s.DataLength) + 1
		} else {
			n++ // consumer status for our outputs
		}
	}
	return n
}

// OutputLength total cyclic output payload: data plus one IOPS per output
// slot plus one IOCS per input slot.
func (sf ConnectRequest) OutputLength() int {
	n := 0
	for _, s := range sf.Slots {
		if s.Direction == DirOutput {
			n += int(s.DataLength) + 1
		} else {
			n++
		}
	}
	return n
}

// beginBlock emit a block header, returning the offset to patch the length.
func beginBlock(b *pnet.Builder, bt BlockType) int {
	b.WriteU16(uint16(bt))
	lenOff := b.Len()
	b.WriteU16(0)
	b.WriteU8(blockVersionHigh)
	b.WriteU8(blockVersionLow)
	return lenOff
}

// endBlock back-fill the block length (version bytes included, type and
// length field excluded).
func endBlock(b *pnet.Builder, lenOff int) {
	b.PatchU16(lenOff, uint16(b.Len()-lenOff-2))
}

// EmitConnect assemble the connect PDU block area: AR block, input IOCR,
// output IOCR, alarm CR, expected submodules.
func EmitConnect(b *pnet.Builder, req ConnectRequest, format UUIDFormat) error {
	if err := req.Timing.Valid(); err != nil {
		return diag.Wrap("rpc.connect", err)
	}
	if len(req.Slots) == 0 {
		return diag.New("rpc.connect", diag.InvalidParameter, "no slots configured")
	}

	sf := connectEmitter{req: req, format: format}
	sf.arBlock(b)
	sf.iocrBlock(b, IOCRInput)
	sf.iocrBlock(b, IOCROutput)
	sf.alarmCRBlock(b)
	sf.expectedSubmodules(b)
	return b.Err()
}

type connectEmitter struct {
	req    ConnectRequest
	format UUIDFormat
}

// arBlock emit the AR block request.
func (sf connectEmitter) arBlock(b *pnet.Builder) {
	lenOff := beginBlock(b, BTARBlockReq)
	b.WriteU16(0x0001) // ARType: IOCARSingle
	EmitUUID(b, sf.req.ARUUID, sf.format)
	b.WriteU16(sf.req.SessionKey)
	b.WriteMAC(sf.req.InitiatorMAC)
	EmitUUID(b, UUIDIOController, sf.format)
	// ARProperties: supervisor takeover not allowed, parametrization
	// server is CM initiator, state active
	b.WriteU32(0x00000131)
	b.WriteU16(100)    // CMInitiatorActivityTimeoutFactor, 100 ms units
	b.WriteU16(0x8892) // InitiatorUDPRTPort: RT over Ethernet marker
	name := []byte(sf.req.StationName)
	b.WriteU16(uint16(len(name)))
	b.WriteBytes(name...)
	b.Pad4(0)
	endBlock(b, lenOff)
}

// iocrBlock emit one IO communication relationship request.
func (sf connectEmitter) iocrBlock(b *pnet.Builder, kind IOCRKind) {
	lenOff := beginBlock(b, BTIOCRBlockReq)
	ref, fid, dataLen := uint16(refInputCR), uint16(suggestedInputFrameID), sf.req.InputLength()
	if kind == IOCROutput {
		ref, fid, dataLen = refOutputCR, suggestedOutputFrameID, sf.req.OutputLength()
	}
	b.WriteU16(uint16(kind))
	b.WriteU16(ref)
	b.WriteU16(ltPNIO)
	b.WriteU32(0x00000001) // IOCRProperties: RT class 1
	b.WriteU16(uint16(dataLen))
	b.WriteU16(fid)
	b.WriteU16(sf.req.Timing.SendClockFactor)
	b.WriteU16(sf.req.Timing.ReductionRatio)
	b.WriteU16(1)          // phase
	b.WriteU16(0)          // sequence
	b.WriteU32(0xFFFFFFFF) // frame send offset: best effort
	b.WriteU16(sf.req.Timing.WatchdogFactor)
	b.WriteU16(sf.req.Timing.DataHoldFactor)
	b.WriteU16(0xC000) // IOCRTagHeader: priority 6
	b.WriteBytes(0, 0, 0, 0, 0, 0)

	// one API carrying every data object of this direction, plus the
	// consumer status of the opposite direction
	b.WriteU16(1)          // NumberOfAPIs
	b.WriteU32(0)          // API 0
	dir := DirInput
	if kind == IOCROutput {
		dir = DirOutput
	}
	var dataSlots, csSlots []SlotConfig
	for _, s := range sf.req.Slots {
		if s.Direction == dir {
			dataSlots = append(dataSlots, s)
		} else {
			csSlots = append(csSlots, s)
		}
	}
	b.WriteU16(uint16(len(dataSlots)))
	off := uint16(0)
	for _, s := range dataSlots {
		b.WriteU16(s.Slot)
		b.WriteU16(s.Subslot)
		b.WriteU16(off)
		off += s.DataLength + 1 // data followed by IOPS
	}
	b.WriteU16(uint16(len(csSlots)))
	for _, s := range csSlots {
		b.WriteU16(s.Slot)
		b.WriteU16(s.Subslot)
		b.WriteU16(off)
		off++
	}
	endBlock(b, lenOff)
}

// alarmCRBlock emit the alarm communication relationship request.
func (sf connectEmitter) alarmCRBlock(b *pnet.Builder) {
	lenOff := beginBlock(b, BTAlarmCRBlockReq)
	b.WriteU16(0x0001) // AlarmCRType
	b.WriteU16(ltPNIO)
	b.WriteU32(0) // AlarmCRProperties: RTA class 1, low priority only
	b.WriteU16(sf.req.Timing.RTATimeoutFactor)
	b.WriteU16(sf.req.Timing.RTARetries)
	b.WriteU16(0x0001) // LocalAlarmReference
	b.WriteU16(200)    // MaxAlarmDataLength
	b.WriteU16(0xC000) // tag header high prio
	b.WriteU16(0xA000) // tag header low prio
	endBlock(b, lenOff)
}

// expectedSubmodules emit the expected submodule block: one API entry per
// slot, the slot-0 access point first when requested.
func (sf connectEmitter) expectedSubmodules(b *pnet.Builder) {
	lenOff := beginBlock(b, BTExpectedSubmodule)
	slots := sf.req.Slots
	napi := len(slots)
	if sf.req.IncludeDAP {
		napi++
	}
	b.WriteU16(uint16(napi))
	if sf.req.IncludeDAP {
		b.WriteU32(0)      // API
		b.WriteU16(0)      // slot 0
		b.WriteU32(0x0001) // DAP module ident
		b.WriteU16(0)      // module properties
		b.WriteU16(1)      // one submodule
		b.WriteU16(1)      // subslot 1
		b.WriteU32(0x0001) // submodule ident
		b.WriteU16(0)      // submodule properties: no IO data
		b.WriteU16(1)      // one data description
		b.WriteU16(1)      // input
		b.WriteU16(0)      // zero data
		b.WriteU8(1)       // length IOCS
		b.WriteU8(1)       // length IOPS
	}
	for _, s := range slots {
		b.WriteU32(0) // API
		b.WriteU16(s.Slot)
		b.WriteU32(s.ModuleIdent)
		b.WriteU16(0)
		b.WriteU16(1)
		b.WriteU16(s.Subslot)
		b.WriteU32(s.SubmoduleIdent)
		b.WriteU16(0)
		b.WriteU16(1)
		b.WriteU16(uint16(s.Direction))
		b.WriteU16(s.DataLength)
		b.WriteU8(1)
		b.WriteU8(1)
	}
	endBlock(b, lenOff)
}

// Block is one parsed PNIO block.
type Block struct {
	Type BlockType
	Data []byte // block body after the version bytes
}

// ParseBlocks split a PNIO block area into blocks.
func ParseBlocks(area []byte) ([]Block, error) {
	p := pnet.NewParser(area)
	var out []Block
	for p.Remaining() >= 6 {
		bt := BlockType(p.ReadU16())
		blen := int(p.ReadU16())
		if blen < 2 || blen-2 > p.Remaining()-2 {
			return nil, diag.Newf("rpc.parse", diag.FrameInvalid,
				"block %v length %d exceeds %d remaining", bt, blen, p.Remaining())
		}
		p.Skip(2) // version
		out = append(out, Block{Type: bt, Data: p.ReadBytes(blen - 2)})
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ConnectResult is the decoded connect response.
type ConnectResult struct {
	ARUUID        uuid.UUID
	SessionKey    uint16
	ResponderMAC  net.HardwareAddr
	ResponderPort uint16
	InputFrameID  pnet.FrameID
	OutputFrameID pnet.FrameID
	// ModuleDiff is set when the device reported a module difference
	// block: the AR stands but the configuration deviates.
	ModuleDiff bool
}

// ParseConnectResponse decode the block area of a connect response.
func ParseConnectResponse(area []byte, format UUIDFormat) (ConnectResult, error) {
	blocks, err := ParseBlocks(area)
	if err != nil {
		return ConnectResult{}, err
	}
	var res ConnectResult
	sawAR := false
	for _, blk := range blocks {
		p := pnet.NewParser(blk.Data)
		switch blk.Type {
		case BTARBlockRes:
			p.ReadU16() // ARType
			res.ARUUID = ConsumeUUID(p, format)
			res.SessionKey = p.ReadU16()
			res.ResponderMAC = p.ReadMAC()
			res.ResponderPort = p.ReadU16()
			sawAR = true
		case BTIOCRBlockRes:
			kind := IOCRKind(p.ReadU16())
			p.ReadU16() // IOCRReference
			fid := pnet.FrameID(p.ReadU16())
			if kind == IOCRInput {
				res.InputFrameID = fid
			} else {
				res.OutputFrameID = fid
			}
		case BTModuleDiffBlock:
			res.ModuleDiff = true
		}
		if err := p.Err(); err != nil {
			return ConnectResult{}, err
		}
	}
	if !sawAR {
		return ConnectResult{}, diag.New("rpc.connect", diag.ProtocolError, "response carries no AR block")
	}
	return res, nil
}

// ControlCommand is the command word of an IODControl block.
type ControlCommand uint16

// control command words
const (
	CtlPrmEnd    ControlCommand = 0x0001
	CtlApplReady ControlCommand = 0x0002
	CtlRelease   ControlCommand = 0x0004
	CtlDone      ControlCommand = 0x0008
)

// EmitControl assemble an IODControl request block.
func EmitControl(b *pnet.Builder, bt BlockType, arUUID uuid.UUID, sessionKey uint16, cmd ControlCommand, format UUIDFormat) {
	lenOff := beginBlock(b, bt)
	b.WriteU16(0) // reserved
	EmitUUID(b, arUUID, format)
	b.WriteU16(sessionKey)
	b.WriteU16(0) // reserved
	b.WriteU16(uint16(cmd))
	b.WriteU16(0) // control block properties
	endBlock(b, lenOff)
}

// ControlInfo is one parsed IODControl block.
type ControlInfo struct {
	Type       BlockType
	ARUUID     uuid.UUID
	SessionKey uint16
	Command    ControlCommand
}

// ParseControl decode an IODControl request or response block.
func ParseControl(area []byte, format UUIDFormat) (ControlInfo, error) {
	blocks, err := ParseBlocks(area)
	if err != nil {
		return ControlInfo{}, err
	}
	for _, blk := range blocks {
		switch blk.Type {
		case BTPrmEndReq, BTApplicationReadyReq, BTReleaseReq,
			BTPrmEndRes, BTApplicationReadyRes, BTReleaseRes:
			p := pnet.NewParser(blk.Data)
			var ci ControlInfo
			ci.Type = blk.Type
			p.ReadU16()
			ci.ARUUID = ConsumeUUID(p, format)
			ci.SessionKey = p.ReadU16()
			p.ReadU16()
			ci.Command = ControlCommand(p.ReadU16())
			if err := p.Err(); err != nil {
				return ControlInfo{}, err
			}
			return ci, nil
		}
	}
	return ControlInfo{}, diag.New("rpc.parse", diag.ProtocolError, "no control block")
}

// EmitIODHeader assemble the IOD read or write request header preceding
// record data.
func EmitIODHeader(b *pnet.Builder, bt BlockType, arUUID uuid.UUID, seq uint16, slot, subslot uint16, index uint16, recordLen uint32, format UUIDFormat) {
	lenOff := beginBlock(b, bt)
	b.WriteU16(seq)
	EmitUUID(b, arUUID, format)
	b.WriteU32(0) // API
	b.WriteU16(slot)
	b.WriteU16(subslot)
	b.WriteU16(0) // padding
	b.WriteU16(index)
	b.WriteU32(recordLen)
	// target ARUUID for implicit access, zero here
	EmitUUID(b, uuid.Nil, format)
	b.PadTo(b.Len() + 8) // RW padding
	endBlock(b, lenOff)
}
