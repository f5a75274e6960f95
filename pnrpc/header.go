// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnrpc

import (
	"github.com/google/uuid"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
)

// HeaderSize DCE/RPC connectionless header length, IEC 61158-6 layout.
const HeaderSize = 80

// PacketType is the DCE/RPC PDU type.
type PacketType uint8

// DCE/RPC packet types used by the context manager
const (
	PTRequest  PacketType = 0
	PTPing     PacketType = 1
	PTResponse PacketType = 2
	PTFault    PacketType = 3
	PTWorking  PacketType = 4
	PTNoCall   PacketType = 5
	PTReject   PacketType = 6
	PTAck      PacketType = 7
)

// Opnum is the context-manager operation number.
type Opnum uint16

// context manager operations
const (
	OpConnect Opnum = iota // 0: establish an application relationship
	OpRelease              // 1: tear an application relationship down
	OpRead                 // 2: read a data record
	OpWrite                // 3: write a data record
	OpControl              // 4: PrmEnd / ApplicationReady control
)

var opnumNames = []string{"Connect", "Release", "Read", "Write", "Control"}

func (sf Opnum) String() string {
	if int(sf) < len(opnumNames) {
		return "OP<" + opnumNames[sf] + ">"
	}
	return "OP<unknown>"
}

// header flag bits, flags1
const (
	// Flag1Idempotent marks the operation safe to re-execute; set on all
	// controller requests.
	Flag1Idempotent = 1 << 5
	// Flag1LastFrag marks the final fragment.
	Flag1LastFrag = 1 << 2
	// Flag1NoFack asks the peer not to send fragment acks.
	Flag1NoFack = 1 << 3
)

// drep byte 0: integer representation little-endian, ASCII characters
const drepLittleEndianASCII = 0x10

// Header is the 80-byte DCE/RPC v4 connectionless header.
type Header struct {
	PType         PacketType
	Flags1        uint8
	Flags2        uint8
	LittleEndian  bool
	ObjectUUID    uuid.UUID
	InterfaceUUID uuid.UUID
	ActivityUUID  uuid.UUID
	ServerBoot    uint32
	IfVersion     uint32
	SeqNum        uint32
	Opnum         Opnum
	FragLen       uint16
	FragNum       uint16
	SerialHigh    uint8
	SerialLow     uint8
}

// Emit write the header through the builder. Numeric fields follow DREP:
// the controller always emits little-endian.
func (sf Header) Emit(b *pnet.Builder, format UUIDFormat) {
	b.WriteU8(4) // RPC version
	b.WriteU8(uint8(sf.PType))
	b.WriteU8(sf.Flags1)
	b.WriteU8(sf.Flags2)
	b.WriteU8(drepLittleEndianASCII)
	b.WriteU8(0) // drep: IEEE float
	b.WriteU8(0) // drep reserved
	b.WriteU8(sf.SerialHigh)
	EmitUUID(b, sf.ObjectUUID, format)
	EmitUUID(b, sf.InterfaceUUID, format)
	EmitUUID(b, sf.ActivityUUID, format)
	b.WriteU32LE(sf.ServerBoot)
	b.WriteU32LE(sf.IfVersion)
	b.WriteU32LE(sf.SeqNum)
	b.WriteU16LE(uint16(sf.Opnum))
	b.WriteU16LE(0xFFFF) // interface hint
	b.WriteU16LE(0xFFFF) // activity hint
	b.WriteU16LE(sf.FragLen)
	b.WriteU16LE(sf.FragNum)
	b.WriteU8(0) // auth protocol: none
	b.WriteU8(sf.SerialLow)
}

// ParseHeader decode one header. The sender's DREP decides the byte order of
// the numeric fields and of the UUID time fields.
func ParseHeader(p *pnet.Parser) (Header, error) {
	ver := p.ReadU8()
	if p.Err() != nil {
		return Header{}, p.Err()
	}
	if ver != 4 {
		return Header{}, diag.Newf("rpc.parse", diag.ProtocolError, "RPC version %d", ver)
	}
	var h Header
	h.PType = PacketType(p.ReadU8())
	h.Flags1 = p.ReadU8()
	h.Flags2 = p.ReadU8()
	drep0 := p.ReadU8()
	p.Skip(2) // rest of drep
	h.SerialHigh = p.ReadU8()

	h.LittleEndian = drep0&0xF0 == drepLittleEndianASCII
	uuidFormat := UUIDAsStored
	if h.LittleEndian {
		uuidFormat = UUIDFieldSwapped
	}
	h.ObjectUUID = ConsumeUUID(p, uuidFormat)
	h.InterfaceUUID = ConsumeUUID(p, uuidFormat)
	h.ActivityUUID = ConsumeUUID(p, uuidFormat)

	readU32 := p.ReadU32
	readU16 := p.ReadU16
	if h.LittleEndian {
		readU32 = p.ReadU32LE
		readU16 = p.ReadU16LE
	}
	h.ServerBoot = readU32()
	h.IfVersion = readU32()
	h.SeqNum = readU32()
	h.Opnum = Opnum(readU16())
	readU16() // interface hint
	readU16() // activity hint
	h.FragLen = readU16()
	h.FragNum = readU16()
	p.ReadU8() // auth protocol
	h.SerialLow = p.ReadU8()

	return h, p.Err()
}

// NDR argument headers. Devices differ on whether the PNIO payload is
// wrapped; DetectNDR settles it per packet.

// NDRRequestSize little-endian request prefix length.
const NDRRequestSize = 20

// NDRResponseSize little-endian response prefix length.
const NDRResponseSize = 24

// EmitNDRRequest write the request prefix for a payload of n bytes.
func EmitNDRRequest(b *pnet.Builder, n, max uint32) {
	b.WriteU32LE(max) // ArgsMaximum
	b.WriteU32LE(n)   // ArgsLength
	b.WriteU32LE(max) // MaximumCount
	b.WriteU32LE(0)   // Offset
	b.WriteU32LE(n)   // ActualCount
}

// EmitNDRResponse write the response prefix for a payload of n bytes.
func EmitNDRResponse(b *pnet.Builder, status, n, max uint32) {
	b.WriteU32LE(status) // PNIO status
	b.WriteU32LE(max)    // ArgsMaximum
	b.WriteU32LE(n)      // ArgsLength
	b.WriteU32LE(max)    // MaximumCount
	b.WriteU32LE(0)      // Offset
	b.WriteU32LE(n)      // ActualCount
}

// DetectNDR inspect the first two bytes of an RPC body: PNIO block types sit
// in 0x01xx (requests) and 0x81xx (responses); anything else is an NDR
// prefix to skip. Returns the PNIO block area.
func DetectNDR(body []byte, isResponse bool) ([]byte, error) {
	if len(body) >= 2 {
		hi := body[0]
		if hi == 0x01 || hi == 0x81 {
			return body, nil
		}
	}
	skip := NDRRequestSize
	if isResponse {
		skip = NDRResponseSize
	}
	if len(body) < skip {
		return nil, diag.Newf("rpc.parse", diag.FrameTooShort,
			"body of %d bytes carries neither block nor NDR prefix", len(body))
	}
	return body[skip:], nil
}

// NDRStatus extract the PNIO status from an NDR response prefix, zero when
// the body starts directly with a block.
func NDRStatus(body []byte) uint32 {
	if len(body) >= 2 && body[0] == 0x81 {
		return 0
	}
	if len(body) < 4 {
		return 0
	}
	return uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16 | uint32(body[3])<<24
}
