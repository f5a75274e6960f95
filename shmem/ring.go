// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package shmem

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/rob-gra/go-pnio/diag"
)

// CommandKind discriminates ring entries.
type CommandKind uint16

// command kinds
const (
	_               CommandKind = iota // 0 marks an empty slot
	CmdActuatorSet                     // write one actuator value
	CmdSetPointSet                     // change a PID set-point
	CmdPIDMode                         // switch a PID auto/manual
	CmdAlarmAck                        // acknowledge an alarm
	CmdAddRTU                          // register a station
	CmdConnectRTU                      // establish a station's AR
	CmdDCPDiscover                     // run a discovery window
)

var cmdKindNames = []string{
	"empty",
	"actuator-set",
	"set-point-set",
	"pid-mode",
	"alarm-ack",
	"add-rtu",
	"connect-rtu",
	"dcp-discover",
}

func (sf CommandKind) String() string {
	if int(sf) < len(cmdKindNames) {
		return cmdKindNames[sf]
	}
	return "unknown"
}

// Command is one ring entry. Payload interpretation depends on the kind.
type Command struct {
	Seq          uint64
	Kind         CommandKind
	TargetRTU    uint16
	TargetSlot   uint16
	AuthorityGen uint32
	TimestampNs  int64
	Payload      [PayloadLen]byte
}

// ResponseStatus for the response ring.
type ResponseStatus uint16

// response statuses
const (
	RespAccepted ResponseStatus = iota + 1
	RespStale                   // authority generation mismatch
	RespRejected                // validation failure
	RespExhausted               // no resources left
)

// command slot field offsets within a ring slot
const (
	slotSeqOff     = 0
	slotKindOff    = 8
	slotFlagsOff   = 10
	slotRTUOff     = 12
	slotSlotOff    = 14
	slotGenOff     = 16
	slotTsOff      = 24
	slotPayloadOff = 32
)

// Ring is a multi-producer single-consumer queue inside the region.
// Producers claim a slot with an atomic increment of the write index and
// publish it by storing the slot sequence last; the consumer drains in
// order. Command and response rings share the shape.
type Ring struct {
	r     *Region
	base  int
	slots uint64
}

// CommandRing the producer/consumer view of the command ring.
func CommandRing(r *Region) *Ring {
	return &Ring{r: r, base: cmdRingOff, slots: CmdRingSlots}
}

// ResponseRing the rejection/acknowledgement ring.
func ResponseRing(r *Region) *Ring {
	return &Ring{r: r, base: respRingOff, slots: RespRingSlots}
}

func (sf *Ring) writeIdx() *uint64 { return sf.r.u64(sf.base) }
func (sf *Ring) readIdx() *uint64  { return sf.r.u64(sf.base + 8) }

func (sf *Ring) slotOff(idx uint64) int {
	return sf.base + ringHeaderSize + int(idx%sf.slots)*cmdSlotSize
}

// Produce claim the next slot and publish cmd. Producers serialize through a
// CAS on the write index, so a full ring rejects without claiming and no
// unconsumed slot is ever overwritten.
func (sf *Ring) Produce(cmd Command) error {
	var w uint64
	for {
		w = atomic.LoadUint64(sf.writeIdx())
		r := atomic.LoadUint64(sf.readIdx())
		if w-r >= sf.slots {
			return diag.New("shmem.ring", diag.ResourceExhausted, "command ring full")
		}
		if atomic.CompareAndSwapUint64(sf.writeIdx(), w, w+1) {
			break
		}
	}
	off := sf.slotOff(w)
	b := sf.r.b
	binary.LittleEndian.PutUint16(b[off+slotKindOff:], uint16(cmd.Kind))
	binary.LittleEndian.PutUint16(b[off+slotFlagsOff:], 0)
	binary.LittleEndian.PutUint16(b[off+slotRTUOff:], cmd.TargetRTU)
	binary.LittleEndian.PutUint16(b[off+slotSlotOff:], cmd.TargetSlot)
	binary.LittleEndian.PutUint32(b[off+slotGenOff:], cmd.AuthorityGen)
	binary.LittleEndian.PutUint64(b[off+slotTsOff:], uint64(cmd.TimestampNs))
	copy(b[off+slotPayloadOff:off+slotPayloadOff+PayloadLen], cmd.Payload[:])
	// the ready marker flips last: slot sequence = index + 1
	atomic.StoreUint64(sf.r.u64(off+slotSeqOff), w+1)
	return nil
}

// Consume pop the next command in order, skipping slots whose kind is zero
// (the empty-slot value). Returns false when the ring is empty or the next
// slot is still being written.
func (sf *Ring) Consume() (Command, bool) {
	for {
		r := atomic.LoadUint64(sf.readIdx())
		w := atomic.LoadUint64(sf.writeIdx())
		if r >= w {
			return Command{}, false
		}
		off := sf.slotOff(r)
		seq := atomic.LoadUint64(sf.r.u64(off + slotSeqOff))
		if seq != r+1 {
			// claimed but not yet published, or torn by an overflow
			if seq > r+1 {
				atomic.StoreUint64(sf.readIdx(), r+1)
				continue
			}
			return Command{}, false
		}
		b := sf.r.b
		var cmd Command
		cmd.Seq = r + 1
		cmd.Kind = CommandKind(binary.LittleEndian.Uint16(b[off+slotKindOff:]))
		cmd.TargetRTU = binary.LittleEndian.Uint16(b[off+slotRTUOff:])
		cmd.TargetSlot = binary.LittleEndian.Uint16(b[off+slotSlotOff:])
		cmd.AuthorityGen = binary.LittleEndian.Uint32(b[off+slotGenOff:])
		cmd.TimestampNs = int64(binary.LittleEndian.Uint64(b[off+slotTsOff:]))
		copy(cmd.Payload[:], b[off+slotPayloadOff:off+slotPayloadOff+PayloadLen])

		atomic.StoreUint64(sf.r.u64(off+slotSeqOff), 0)
		atomic.StoreUint64(sf.readIdx(), r+1)
		if cmd.Kind == 0 {
			continue // zero kind marks an empty slot
		}
		return cmd, true
	}
}

// Depth entries waiting in the ring.
func (sf *Ring) Depth() uint64 {
	w := atomic.LoadUint64(sf.writeIdx())
	r := atomic.LoadUint64(sf.readIdx())
	if w < r {
		return 0
	}
	return w - r
}

// PostResponse publish a response entry mirroring a consumed command.
func PostResponse(ring *Ring, cmd Command, status ResponseStatus) {
	resp := Command{
		Kind:         cmd.Kind,
		TargetRTU:    cmd.TargetRTU,
		TargetSlot:   cmd.TargetSlot,
		AuthorityGen: cmd.AuthorityGen,
		TimestampNs:  cmd.TimestampNs,
	}
	binary.LittleEndian.PutUint16(resp.Payload[:], uint16(status))
	binary.LittleEndian.PutUint64(resp.Payload[2:], cmd.Seq)
	// a full response ring rejects this response and keeps the older
	// entries; posting is best effort by design
	_ = ring.Produce(resp)
}
