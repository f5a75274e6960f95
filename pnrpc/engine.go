// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
)

const (
	maxPDUSize  = 4096
	ndrArgsMax  = 4068
	readStep    = 200 * time.Millisecond
	requestQLen = 32
)

// Incoming is a device-originated RPC request, typically the
// ApplicationReady control after parametrization.
type Incoming struct {
	Header Header
	// Blocks is the PNIO block area with any NDR prefix already removed.
	Blocks []byte
	// HadNDR records whether the request carried an NDR prefix; the
	// response mirrors it.
	HadNDR bool
	From   net.Addr
}

// Engine carries context-manager operations over one UDP socket. A single
// receive loop demultiplexes responses to waiting callers and queues
// device-originated requests for the AR layer.
type Engine struct {
	conn     net.PacketConn
	log      clog.Clog
	rec      *diag.Recorder
	timeouts Timeouts

	seq    atomic.Uint32
	serial atomic.Uint32

	mu      sync.Mutex
	pending map[string]chan *Incoming

	requests chan *Incoming
	done     chan struct{}
}

// NewEngine create an engine over conn. Timeouts get defaults applied.
func NewEngine(conn net.PacketConn, timeouts Timeouts, rec *diag.Recorder, log clog.Clog) (*Engine, error) {
	if err := timeouts.Valid(); err != nil {
		return nil, err
	}
	return &Engine{
		conn:     conn,
		log:      log,
		rec:      rec,
		timeouts: timeouts,
		pending:  make(map[string]chan *Incoming),
		requests: make(chan *Incoming, requestQLen),
		done:     make(chan struct{}),
	}, nil
}

// Requests the queue of device-originated requests.
func (sf *Engine) Requests() <-chan *Incoming { return sf.requests }

// Run receive until ctx is done. Must run exactly once.
func (sf *Engine) Run(ctx context.Context) error {
	defer close(sf.done)
	buf := make([]byte, maxPDUSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		sf.conn.SetReadDeadline(time.Now().Add(readStep))
		n, from, err := sf.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return diag.Wrap("rpc.recv", err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		sf.dispatch(pkt, from)
	}
}

func (sf *Engine) dispatch(pkt []byte, from net.Addr) {
	p := pnet.NewParser(pkt)
	hdr, err := ParseHeader(p)
	if err != nil {
		sf.log.Debug("rpc: dropping malformed packet from %v: %v", from, err)
		return
	}
	body := p.Rest()

	switch hdr.PType {
	case PTResponse, PTFault, PTReject:
		blocks, derr := DetectNDR(body, true)
		if derr != nil {
			blocks = nil
		}
		inc := &Incoming{Header: hdr, Blocks: blocks, HadNDR: len(blocks) != len(body), From: from}
		sf.mu.Lock()
		ch, ok := sf.pending[callKey(hdr.ActivityUUID, hdr.SeqNum)]
		sf.mu.Unlock()
		if ok {
			select {
			case ch <- inc:
			default:
			}
		}
	case PTRequest:
		blocks, derr := DetectNDR(body, false)
		if derr != nil {
			sf.log.Debug("rpc: request from %v without block area: %v", from, derr)
			return
		}
		inc := &Incoming{Header: hdr, Blocks: blocks, HadNDR: len(blocks) != len(body), From: from}
		select {
		case sf.requests <- inc:
		default:
			if sf.rec != nil {
				sf.rec.Emitf(diag.ResourceExhausted, diag.Warning, "rpc",
					"request queue full, dropping %v from %v", hdr.Opnum, from)
			}
		}
	}
}

func callKey(act uuid.UUID, seq uint32) string {
	return fmt.Sprintf("%s/%d", act, seq)
}

// call send one request and wait for the matching response.
func (sf *Engine) call(ctx context.Context, op string, dst net.Addr, hdr Header, body []byte, timeout time.Duration, format UUIDFormat) (*Incoming, error) {
	key := callKey(hdr.ActivityUUID, hdr.SeqNum)
	ch := make(chan *Incoming, 1)
	sf.mu.Lock()
	sf.pending[key] = ch
	sf.mu.Unlock()
	defer func() {
		sf.mu.Lock()
		delete(sf.pending, key)
		sf.mu.Unlock()
	}()

	buf := make([]byte, HeaderSize+len(body))
	b := pnet.NewBuilder(buf)
	hdr.FragLen = uint16(len(body))
	hdr.Emit(b, format)
	b.WriteBytes(body...)
	frame, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	if _, err := sf.conn.WriteTo(frame, dst); err != nil {
		return nil, diag.Wrap(op, err)
	}

	select {
	case inc := <-ch:
		return inc, nil
	case <-time.After(timeout):
		return nil, diag.New(op, timeoutCode(op), "no response before deadline")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func timeoutCode(op string) diag.Code {
	switch op {
	case "rpc.connect":
		return diag.ConnectTimeout
	case "rpc.release":
		return diag.ReleaseTimeout
	case "rpc.read":
		return diag.ReadTimeout
	case "rpc.write":
		return diag.WriteTimeout
	default:
		return diag.ControlTimeout
	}
}

// header assemble a request header for one call.
func (sf *Engine) header(op Opnum, object, activity uuid.UUID) Header {
	serial := sf.serial.Add(1)
	return Header{
		PType:         PTRequest,
		Flags1:        Flag1Idempotent | Flag1LastFrag | Flag1NoFack,
		ObjectUUID:    object,
		InterfaceUUID: UUIDIODevice,
		ActivityUUID:  activity,
		IfVersion:     1,
		SeqNum:        sf.seq.Add(1),
		Opnum:         op,
		SerialHigh:    uint8(serial >> 8),
		SerialLow:     uint8(serial),
	}
}

// wrapBody prepend the NDR request prefix when the strategy wants one.
func wrapBody(strat Strategy, blocks []byte) []byte {
	if strat.NDR == NDRBare {
		return blocks
	}
	buf := make([]byte, NDRRequestSize+len(blocks))
	b := pnet.NewBuilder(buf)
	EmitNDRRequest(b, uint32(len(blocks)), ndrArgsMax)
	b.WriteBytes(blocks...)
	out, _ := b.Bytes()
	return out
}

// Target addresses one device's context manager.
type Target struct {
	Addr     net.Addr
	Station  string
	VendorID uint16
	DeviceID uint16
	Instance uint8
}

// Connect perform one connect attempt under one strategy.
func (sf *Engine) Connect(ctx context.Context, tgt Target, req ConnectRequest, strat Strategy) (ConnectResult, uuid.UUID, error) {
	if strat.SlotScope == SlotScopeWithDAP {
		req.IncludeDAP = true
	} else {
		req.IncludeDAP = false
	}

	blockBuf := make([]byte, maxPDUSize)
	bb := pnet.NewBuilder(blockBuf)
	if err := EmitConnect(bb, req, strat.UUIDFormat); err != nil {
		return ConnectResult{}, uuid.Nil, err
	}
	blocks, err := bb.Bytes()
	if err != nil {
		return ConnectResult{}, uuid.Nil, err
	}

	activity := uuid.New()
	hdr := sf.header(OpConnect, ObjectUUID(tgt.VendorID, tgt.DeviceID, tgt.Instance), activity)
	body := wrapBody(strat, blocks)

	sf.log.Debug("rpc: connect %s via %v", tgt.Station, strat)
	inc, err := sf.call(ctx, "rpc.connect", tgt.Addr, hdr, body, strat.Apply(sf.timeouts.Connect), strat.UUIDFormat)
	if err != nil {
		return ConnectResult{}, activity, err
	}
	if inc.Header.PType != PTResponse {
		return ConnectResult{}, activity, diag.StationError("rpc.connect", tgt.Station,
			diag.ConnectReject, fmt.Sprintf("packet type %d", inc.Header.PType))
	}
	res, err := ParseConnectResponse(inc.Blocks, strat.UUIDFormat)
	if err != nil {
		return ConnectResult{}, activity, err
	}
	if res.ModuleDiff && sf.rec != nil {
		sf.rec.Emit(diag.Event{
			Code:     diag.DiffWarning,
			Severity: diag.Warning,
			Source:   "rpc",
			Message:  "device reported a module difference, continuing",
			KV:       map[string]string{"station": tgt.Station},
		})
	}
	return res, activity, nil
}

// ConnectAny walk the strategy list until a connect succeeds. Pauses between
// attempts follow an exponential backoff so a booting device is not hammered.
func (sf *Engine) ConnectAny(ctx context.Context, tgt Target, req ConnectRequest, strategies []Strategy) (ConnectResult, uuid.UUID, Strategy, error) {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	for _, strat := range strategies {
		res, activity, err := sf.Connect(ctx, tgt, req, strat)
		if err == nil {
			return res, activity, strat, nil
		}
		lastErr = err
		sf.log.Warn("rpc: connect %s failed under %v: %v", tgt.Station, strat, err)
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ConnectResult{}, uuid.Nil, Strategy{}, ctx.Err()
		}
	}
	return ConnectResult{}, uuid.Nil, Strategy{}, diag.Wrap("rpc.connect", lastErr)
}

// Control send an IODControl request (PrmEnd) and await its response.
func (sf *Engine) Control(ctx context.Context, tgt Target, arUUID, activity uuid.UUID, sessionKey uint16, cmd ControlCommand, strat Strategy) error {
	blockBuf := make([]byte, 256)
	bb := pnet.NewBuilder(blockBuf)
	EmitControl(bb, BTPrmEndReq, arUUID, sessionKey, cmd, strat.UUIDFormat)
	blocks, err := bb.Bytes()
	if err != nil {
		return err
	}

	op := OpControl
	if strat.Opnum == OpnumControlAsWrite {
		op = OpWrite
	}
	hdr := sf.header(op, ObjectUUID(tgt.VendorID, tgt.DeviceID, tgt.Instance), activity)
	inc, err := sf.call(ctx, "rpc.control", tgt.Addr, hdr, wrapBody(strat, blocks), strat.Apply(sf.timeouts.Control), strat.UUIDFormat)
	if err != nil {
		return err
	}
	if inc.Header.PType == PTFault || inc.Header.PType == PTReject {
		return diag.StationError("rpc.control", tgt.Station, diag.ProtocolError, "device faulted the control")
	}
	return nil
}

// Release tear the AR down; the device acknowledges with a release response.
func (sf *Engine) Release(ctx context.Context, tgt Target, arUUID, activity uuid.UUID, sessionKey uint16, strat Strategy) error {
	blockBuf := make([]byte, 256)
	bb := pnet.NewBuilder(blockBuf)
	EmitControl(bb, BTReleaseReq, arUUID, sessionKey, CtlRelease, strat.UUIDFormat)
	blocks, err := bb.Bytes()
	if err != nil {
		return err
	}
	hdr := sf.header(OpRelease, ObjectUUID(tgt.VendorID, tgt.DeviceID, tgt.Instance), activity)
	_, err = sf.call(ctx, "rpc.release", tgt.Addr, hdr, wrapBody(strat, blocks), strat.Apply(sf.timeouts.Release), strat.UUIDFormat)
	return err
}

// ReadRecord read one data record (index) from a slot.
func (sf *Engine) ReadRecord(ctx context.Context, tgt Target, arUUID, activity uuid.UUID, slot, subslot, index uint16, maxLen uint32, strat Strategy) ([]byte, error) {
	blockBuf := make([]byte, 256)
	bb := pnet.NewBuilder(blockBuf)
	EmitIODHeader(bb, BTIODReadReqHeader, arUUID, uint16(sf.seq.Load()), slot, subslot, index, maxLen, strat.UUIDFormat)
	blocks, err := bb.Bytes()
	if err != nil {
		return nil, err
	}
	hdr := sf.header(OpRead, ObjectUUID(tgt.VendorID, tgt.DeviceID, tgt.Instance), activity)
	inc, err := sf.call(ctx, "rpc.read", tgt.Addr, hdr, wrapBody(strat, blocks), strat.Apply(sf.timeouts.Read), strat.UUIDFormat)
	if err != nil {
		return nil, err
	}
	return inc.Blocks, nil
}

// WriteRecord write one data record (index) to a slot.
func (sf *Engine) WriteRecord(ctx context.Context, tgt Target, arUUID, activity uuid.UUID, slot, subslot, index uint16, record []byte, strat Strategy) error {
	blockBuf := make([]byte, 512+len(record))
	bb := pnet.NewBuilder(blockBuf)
	EmitIODHeader(bb, BTIODWriteReqHeader, arUUID, uint16(sf.seq.Load()), slot, subslot, index, uint32(len(record)), strat.UUIDFormat)
	bb.WriteBytes(record...)
	blocks, err := bb.Bytes()
	if err != nil {
		return err
	}
	hdr := sf.header(OpWrite, ObjectUUID(tgt.VendorID, tgt.DeviceID, tgt.Instance), activity)
	_, err = sf.call(ctx, "rpc.write", tgt.Addr, hdr, wrapBody(strat, blocks), strat.Apply(sf.timeouts.Write), strat.UUIDFormat)
	return err
}

// Respond answer a device-originated request, echoing activity and sequence.
// The block area is wrapped in an NDR response prefix when the request
// carried one.
func (sf *Engine) Respond(inc *Incoming, blocks []byte) error {
	hdr := inc.Header
	hdr.PType = PTResponse
	hdr.Flags1 = Flag1LastFrag

	body := blocks
	if inc.HadNDR {
		buf := make([]byte, NDRResponseSize+len(blocks))
		b := pnet.NewBuilder(buf)
		EmitNDRResponse(b, 0, uint32(len(blocks)), ndrArgsMax)
		b.WriteBytes(blocks...)
		body, _ = b.Bytes()
	}

	format := UUIDAsStored
	if hdr.LittleEndian {
		format = UUIDFieldSwapped
	}
	buf := make([]byte, HeaderSize+len(body))
	b := pnet.NewBuilder(buf)
	hdr.FragLen = uint16(len(body))
	hdr.Emit(b, format)
	b.WriteBytes(body...)
	frame, err := b.Bytes()
	if err != nil {
		return err
	}
	if _, err := sf.conn.WriteTo(frame, inc.From); err != nil {
		return diag.Wrap("rpc.respond", err)
	}
	return nil
}
