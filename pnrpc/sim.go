// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnrpc

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/rob-gra/go-pnio/pnet"
)

// DeviceSim answers context-manager requests like a field device: connect,
// PrmEnd control, release, and the device-originated ApplicationReady after
// parametrization. It backs the package and AR manager tests.
type DeviceSim struct {
	Conn          net.PacketConn
	MAC           net.HardwareAddr
	InputFrameID  uint16
	OutputFrameID uint16
	// ReportDiff appends a module difference block to connect responses.
	ReportDiff bool
	// IgnoreConnects drops every connect, forcing strategy iteration.
	IgnoreConnects int
	// AppReadyDelay between the PrmEnd response and ApplicationReady.
	AppReadyDelay time.Duration

	seen      int
	arUUIDRaw []byte
	session   uint16
}

// Run serve until ctx is done.
func (sf *DeviceSim) Run(ctx context.Context) {
	buf := make([]byte, maxPDUSize)
	for ctx.Err() == nil {
		sf.Conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := sf.Conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		sf.handle(ctx, pkt, from)
	}
}

func (sf *DeviceSim) handle(ctx context.Context, pkt []byte, from net.Addr) {
	p := pnet.NewParser(pkt)
	hdr, err := ParseHeader(p)
	if err != nil || hdr.PType != PTRequest {
		return
	}
	body := p.Rest()
	blocks, err := DetectNDR(body, false)
	if err != nil {
		return
	}
	hadNDR := len(blocks) != len(body)

	parsed, err := ParseBlocks(blocks)
	if err != nil || len(parsed) == 0 {
		return
	}

	switch parsed[0].Type {
	case BTARBlockReq:
		if sf.seen < sf.IgnoreConnects {
			sf.seen++
			return
		}
		sf.rememberAR(parsed[0].Data)
		sf.reply(hdr, hadNDR, from, sf.connectResponse())
	case BTPrmEndReq:
		sf.reply(hdr, hadNDR, from, sf.controlResponse(BTPrmEndRes, parsed[0].Data, CtlDone))
		go sf.sendApplicationReady(ctx, from)
	case BTReleaseReq:
		sf.reply(hdr, hadNDR, from, sf.controlResponse(BTReleaseRes, parsed[0].Data, CtlDone))
	case BTIODReadReqHeader:
		sf.reply(hdr, hadNDR, from, []byte{})
	case BTIODWriteReqHeader:
		sf.reply(hdr, hadNDR, from, []byte{})
	}
}

// rememberAR keep the raw AR UUID and session key for later echo.
func (sf *DeviceSim) rememberAR(arBlock []byte) {
	if len(arBlock) < 20 {
		return
	}
	sf.arUUIDRaw = append([]byte(nil), arBlock[2:18]...)
	sf.session = uint16(arBlock[18])<<8 | uint16(arBlock[19])
}

func (sf *DeviceSim) connectResponse() []byte {
	b := pnet.NewBuilder(make([]byte, 512))
	lenOff := beginBlock(b, BTARBlockRes)
	b.WriteU16(0x0001)
	b.WriteBytes(sf.arUUIDRaw...)
	b.WriteU16(sf.session)
	b.WriteMAC(sf.MAC)
	b.WriteU16(0x8892)
	endBlock(b, lenOff)

	for _, cr := range []struct {
		kind IOCRKind
		ref  uint16
		fid  uint16
	}{
		{IOCRInput, refInputCR, sf.InputFrameID},
		{IOCROutput, refOutputCR, sf.OutputFrameID},
	} {
		lenOff = beginBlock(b, BTIOCRBlockRes)
		b.WriteU16(uint16(cr.kind))
		b.WriteU16(cr.ref)
		b.WriteU16(cr.fid)
		endBlock(b, lenOff)
	}

	lenOff = beginBlock(b, BTAlarmCRBlockRes)
	b.WriteU16(0x0001)
	b.WriteU16(0x0001) // remote alarm reference
	b.WriteU16(200)    // max alarm data length
	endBlock(b, lenOff)

	if sf.ReportDiff {
		lenOff = beginBlock(b, BTModuleDiffBlock)
		b.WriteU16(0) // NumberOfAPIs: difference details elided
		endBlock(b, lenOff)
	}

	out, _ := b.Bytes()
	return out
}

func (sf *DeviceSim) controlResponse(bt BlockType, reqBlock []byte, cmd ControlCommand) []byte {
	b := pnet.NewBuilder(make([]byte, 128))
	lenOff := beginBlock(b, bt)
	b.WriteU16(0)
	if len(reqBlock) >= 18 {
		b.WriteBytes(reqBlock[2:18]...)
	} else {
		b.WriteBytes(make([]byte, 16)...)
	}
	b.WriteU16(sf.session)
	b.WriteU16(0)
	b.WriteU16(uint16(cmd))
	b.WriteU16(0)
	endBlock(b, lenOff)
	out, _ := b.Bytes()
	return out
}

// reply send a PTResponse mirroring the request's activity and sequence.
func (sf *DeviceSim) reply(req Header, hadNDR bool, to net.Addr, blocks []byte) {
	hdr := req
	hdr.PType = PTResponse
	hdr.Flags1 = Flag1LastFrag

	body := blocks
	if hadNDR {
		b := pnet.NewBuilder(make([]byte, NDRResponseSize+len(blocks)))
		EmitNDRResponse(b, 0, uint32(len(blocks)), ndrArgsMax)
		b.WriteBytes(blocks...)
		body, _ = b.Bytes()
	}

	b := pnet.NewBuilder(make([]byte, HeaderSize+len(body)))
	hdr.FragLen = uint16(len(body))
	hdr.Emit(b, UUIDFieldSwapped)
	b.WriteBytes(body...)
	frame, err := b.Bytes()
	if err != nil {
		return
	}
	sf.Conn.WriteTo(frame, to)
}

// sendApplicationReady issue the device-originated control request and wait
// briefly for the controller's response.
func (sf *DeviceSim) sendApplicationReady(ctx context.Context, to net.Addr) {
	if sf.AppReadyDelay > 0 {
		select {
		case <-time.After(sf.AppReadyDelay):
		case <-ctx.Done():
			return
		}
	}
	b := pnet.NewBuilder(make([]byte, 128))
	lenOff := beginBlock(b, BTApplicationReadyReq)
	b.WriteU16(0)
	b.WriteBytes(sf.arUUIDRaw...)
	b.WriteU16(sf.session)
	b.WriteU16(0)
	b.WriteU16(uint16(CtlApplReady))
	b.WriteU16(0)
	endBlock(b, lenOff)
	blocks, err := b.Bytes()
	if err != nil {
		return
	}

	hdr := Header{
		PType:         PTRequest,
		Flags1:        Flag1Idempotent | Flag1LastFrag | Flag1NoFack,
		InterfaceUUID: UUIDIOController,
		ActivityUUID:  activityFromRaw(sf.arUUIDRaw),
		IfVersion:     1,
		SeqNum:        1,
		Opnum:         OpControl,
	}
	out := pnet.NewBuilder(make([]byte, HeaderSize+len(blocks)))
	hdr.FragLen = uint16(len(blocks))
	hdr.Emit(out, UUIDFieldSwapped)
	out.WriteBytes(blocks...)
	frame, err := out.Bytes()
	if err != nil {
		return
	}
	sf.Conn.WriteTo(frame, to)
}

// activityFromRaw derive a stable activity UUID from the AR UUID bytes.
func activityFromRaw(raw []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], raw)
	u[0] ^= 0xFF
	return u
}
