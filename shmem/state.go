// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package shmem

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"
)

// RTURecord is one station summary slot.
type RTURecord struct {
	StationName  string
	State        uint8
	Health       uint8
	IP           [4]byte
	LastUpdateNs int64
}

// Cell is one sensor or actuator value.
type Cell struct {
	Value        float64
	Quality      uint16
	LastUpdateMs uint32
}

// AlarmEntry is one active alarm slot, mirroring the alarm manager's state.
type AlarmEntry struct {
	ID           uint32
	RuleID       uint32
	RTUIndex     uint16
	Slot         uint16
	Severity     uint8
	Condition    uint8
	State        uint8
	TripNs       int64
	ClearNs      int64
	AckNs        int64
	TripValue    float64
	ShelvedUntil int64
	Operator     string // truncated to 15 bytes on the wire
}

// Writer is the single mutator of a region. Every mutation runs inside the
// seqlock: sequence odd while a write is in progress, readers retry.
type Writer struct {
	r *Region
}

// NewWriter wrap a region for writing. There must be exactly one.
func NewWriter(r *Region) *Writer {
	return &Writer{r: r}
}

// begin enter the write-side critical section.
func (sf *Writer) begin() {
	atomic.AddUint64(sf.r.u64(offWriterSeq), 1)
}

// end leave it, stamping the block timestamp.
func (sf *Writer) end() {
	binary.LittleEndian.PutUint64(sf.r.b[offTimestamp:], uint64(time.Now().UnixNano()))
	atomic.AddUint64(sf.r.u64(offWriterSeq), 1)
}

// Batch run several mutations under one seqlock round trip.
func (sf *Writer) Batch(fn func(*Writer)) {
	sf.begin()
	fn(sf)
	sf.end()
}

// UpdateRTU write one station summary.
func (sf *Writer) UpdateRTU(i int, rec RTURecord) {
	if i < 0 || i >= MaxRTUs {
		return
	}
	sf.begin()
	sf.putRTU(i, rec)
	sf.end()
}

func (sf *Writer) putRTU(i int, rec RTURecord) {
	off := rtuRecOff(i)
	name := make([]byte, StationNameLen)
	copy(name, rec.StationName)
	copy(sf.r.b[off:], name)
	sf.r.b[off+StationNameLen] = rec.State
	sf.r.b[off+StationNameLen+1] = rec.Health
	copy(sf.r.b[off+StationNameLen+4:], rec.IP[:])
	binary.LittleEndian.PutUint64(sf.r.b[off+StationNameLen+8:], uint64(rec.LastUpdateNs))
}

// UpdateSensor write one sensor cell.
func (sf *Writer) UpdateSensor(rtu, slot int, c Cell) {
	sf.updateCell(sensorOff, rtu, slot, c)
}

// UpdateActuator write one actuator cell.
func (sf *Writer) UpdateActuator(rtu, slot int, c Cell) {
	sf.updateCell(actuatorOff, rtu, slot, c)
}

func (sf *Writer) updateCell(base, rtu, slot int, c Cell) {
	if rtu < 0 || rtu >= MaxRTUs || slot < 0 || slot >= MaxSlots {
		return
	}
	sf.begin()
	sf.putCell(base, rtu, slot, c)
	sf.end()
}

func (sf *Writer) putCell(base, rtu, slot int, c Cell) {
	off := cellOff(base, rtu, slot)
	binary.LittleEndian.PutUint64(sf.r.b[off:], math.Float64bits(c.Value))
	binary.LittleEndian.PutUint16(sf.r.b[off+8:], c.Quality)
	binary.LittleEndian.PutUint32(sf.r.b[off+10:], c.LastUpdateMs)
}

// PutSensorBatch write one sensor cell inside a Batch.
func (sf *Writer) PutSensorBatch(rtu, slot int, c Cell) {
	if rtu < 0 || rtu >= MaxRTUs || slot < 0 || slot >= MaxSlots {
		return
	}
	sf.putCell(sensorOff, rtu, slot, c)
}

// UpdateAlarm write one alarm slot.
func (sf *Writer) UpdateAlarm(i int, e AlarmEntry) {
	if i < 0 || i >= MaxAlarms {
		return
	}
	sf.begin()
	off := alarmOff(i)
	b := sf.r.b
	binary.LittleEndian.PutUint32(b[off:], e.ID)
	binary.LittleEndian.PutUint32(b[off+4:], e.RuleID)
	binary.LittleEndian.PutUint16(b[off+8:], e.RTUIndex)
	binary.LittleEndian.PutUint16(b[off+10:], e.Slot)
	b[off+12] = e.Severity
	b[off+13] = e.Condition
	b[off+14] = e.State
	b[off+15] = 0
	binary.LittleEndian.PutUint64(b[off+16:], uint64(e.TripNs))
	binary.LittleEndian.PutUint64(b[off+24:], uint64(e.ClearNs))
	binary.LittleEndian.PutUint64(b[off+32:], uint64(e.AckNs))
	binary.LittleEndian.PutUint64(b[off+40:], math.Float64bits(e.TripValue))
	binary.LittleEndian.PutUint64(b[off+48:], uint64(e.ShelvedUntil))
	op := make([]byte, 16)
	copy(op, e.Operator)
	op[15] = 0
	copy(b[off+56:], op)
	sf.end()
}

// ClearAlarm zero one alarm slot.
func (sf *Writer) ClearAlarm(i int) {
	if i < 0 || i >= MaxAlarms {
		return
	}
	sf.begin()
	off := alarmOff(i)
	for j := 0; j < alarmEntrySize; j++ {
		sf.r.b[off+j] = 0
	}
	sf.end()
}

// Reader provides consistent snapshots via the seqlock. Readers never write.
type Reader struct {
	r *Region
}

// NewReader wrap a region for reading.
func NewReader(r *Region) *Reader {
	return &Reader{r: r}
}

// retryRead run fn until the writer sequence is stable and even around it.
func (sf *Reader) retryRead(fn func()) {
	for {
		before := atomic.LoadUint64(sf.r.u64(offWriterSeq))
		if before%2 != 0 {
			continue
		}
		fn()
		after := atomic.LoadUint64(sf.r.u64(offWriterSeq))
		if before == after {
			return
		}
	}
}

// WriterSeq the current sequence value, for liveness checks.
func (sf *Reader) WriterSeq() uint64 {
	return atomic.LoadUint64(sf.r.u64(offWriterSeq))
}

// Sensor read one sensor cell.
func (sf *Reader) Sensor(rtu, slot int) (Cell, bool) {
	return sf.cell(sensorOff, rtu, slot)
}

// Actuator read one actuator cell.
func (sf *Reader) Actuator(rtu, slot int) (Cell, bool) {
	return sf.cell(actuatorOff, rtu, slot)
}

func (sf *Reader) cell(base, rtu, slot int) (Cell, bool) {
	if rtu < 0 || rtu >= MaxRTUs || slot < 0 || slot >= MaxSlots {
		return Cell{}, false
	}
	var c Cell
	sf.retryRead(func() {
		off := cellOff(base, rtu, slot)
		c.Value = math.Float64frombits(binary.LittleEndian.Uint64(sf.r.b[off:]))
		c.Quality = binary.LittleEndian.Uint16(sf.r.b[off+8:])
		c.LastUpdateMs = binary.LittleEndian.Uint32(sf.r.b[off+10:])
	})
	return c, true
}

// RTU read one station summary.
func (sf *Reader) RTU(i int) (RTURecord, bool) {
	if i < 0 || i >= MaxRTUs {
		return RTURecord{}, false
	}
	var rec RTURecord
	sf.retryRead(func() {
		off := rtuRecOff(i)
		rec.StationName = cString(sf.r.b[off : off+StationNameLen])
		rec.State = sf.r.b[off+StationNameLen]
		rec.Health = sf.r.b[off+StationNameLen+1]
		copy(rec.IP[:], sf.r.b[off+StationNameLen+4:])
		rec.LastUpdateNs = int64(binary.LittleEndian.Uint64(sf.r.b[off+StationNameLen+8:]))
	})
	return rec, true
}

// Alarms snapshot every populated alarm slot.
func (sf *Reader) Alarms() []AlarmEntry {
	var out []AlarmEntry
	sf.retryRead(func() {
		out = out[:0]
		for i := 0; i < MaxAlarms; i++ {
			off := alarmOff(i)
			id := binary.LittleEndian.Uint32(sf.r.b[off:])
			if id == 0 {
				continue
			}
			b := sf.r.b
			out = append(out, AlarmEntry{
				ID:           id,
				RuleID:       binary.LittleEndian.Uint32(b[off+4:]),
				RTUIndex:     binary.LittleEndian.Uint16(b[off+8:]),
				Slot:         binary.LittleEndian.Uint16(b[off+10:]),
				Severity:     b[off+12],
				Condition:    b[off+13],
				State:        b[off+14],
				TripNs:       int64(binary.LittleEndian.Uint64(b[off+16:])),
				ClearNs:      int64(binary.LittleEndian.Uint64(b[off+24:])),
				AckNs:        int64(binary.LittleEndian.Uint64(b[off+32:])),
				TripValue:    math.Float64frombits(binary.LittleEndian.Uint64(b[off+40:])),
				ShelvedUntil: int64(binary.LittleEndian.Uint64(b[off+48:])),
				Operator:     cString(b[off+56 : off+72]),
			})
		}
	})
	return out
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
