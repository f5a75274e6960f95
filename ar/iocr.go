// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package ar

import (
	"sync"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
	"github.com/rob-gra/go-pnio/pnrpc"
)

// slotRange locates one slot inside an IOCR buffer.
type slotRange struct {
	cfg pnrpc.SlotConfig
	// off is the data offset; statusOff the IOPS (data slots) or IOCS
	// (opposite-direction slots) offset.
	off       int
	statusOff int
	hasData   bool
}

// IOCR is one cyclic communication relationship and its data buffer. The
// buffer layout mirrors the frame offsets declared in the connect request:
// data slots in declaration order, each followed by its IOPS, then one IOCS
// per opposite-direction slot. The buffer length therefore always equals the
// sum of slot data lengths plus the per-slot status bytes.
type IOCR struct {
	Kind    pnrpc.IOCRKind
	FrameID pnet.FrameID

	mu    sync.Mutex
	buf   []byte
	slots []slotRange
}

// NewIOCR lay out a buffer for the given direction over the slot list.
func NewIOCR(kind pnrpc.IOCRKind, frameID pnet.FrameID, slots []pnrpc.SlotConfig) *IOCR {
	dir := pnrpc.DirInput
	if kind == pnrpc.IOCROutput {
		dir = pnrpc.DirOutput
	}

	sf := &IOCR{Kind: kind, FrameID: frameID}
	off := 0
	for _, s := range slots {
		if s.Direction == dir {
			sf.slots = append(sf.slots, slotRange{
				cfg:       s,
				off:       off,
				statusOff: off + int(s.DataLength),
				hasData:   true,
			})
			off += int(s.DataLength) + 1
		}
	}
	for _, s := range slots {
		if s.Direction != dir {
			sf.slots = append(sf.slots, slotRange{cfg: s, statusOff: off})
			off++
		}
	}
	sf.buf = make([]byte, off)

	// input buffers start all-bad until the first frame arrives; the
	// output side reports good from the start, provider data is valid
	// the moment the AR runs
	if kind == pnrpc.IOCROutput {
		for _, r := range sf.slots {
			sf.buf[r.statusOff] = byte(pnet.IOxSGood)
		}
	}
	return sf
}

// Len the buffer length.
func (sf *IOCR) Len() int { return len(sf.buf) }

// DataSlots the slot configurations carrying data in this IOCR.
func (sf *IOCR) DataSlots() []pnrpc.SlotConfig {
	var out []pnrpc.SlotConfig
	for _, r := range sf.slots {
		if r.hasData {
			out = append(out, r.cfg)
		}
	}
	return out
}

func (sf *IOCR) find(slot, subslot uint16) (slotRange, bool) {
	for _, r := range sf.slots {
		if r.cfg.Slot == slot && r.cfg.Subslot == subslot {
			return r, true
		}
	}
	return slotRange{}, false
}

// WriteSlot copy data into an output slot's byte range and mark its IOPS
// good. The critical section is short: the cyclic sender snapshots under the
// same lock.
func (sf *IOCR) WriteSlot(slot, subslot uint16, data []byte) error {
	r, ok := sf.find(slot, subslot)
	if !ok || !r.hasData {
		return diag.Newf("ar.write", diag.InvalidParameter, "no output slot %d/%d", slot, subslot)
	}
	if len(data) != int(r.cfg.DataLength) {
		return diag.Newf("ar.write", diag.InvalidParameter,
			"slot %d/%d expects %d bytes, got %d", slot, subslot, r.cfg.DataLength, len(data))
	}
	sf.mu.Lock()
	copy(sf.buf[r.off:r.off+len(data)], data)
	sf.buf[r.statusOff] = byte(pnet.IOxSGood)
	sf.mu.Unlock()
	return nil
}

// ReadSlot copy one input slot's data and provider status out.
func (sf *IOCR) ReadSlot(slot, subslot uint16) ([]byte, pnet.IOxS, error) {
	r, ok := sf.find(slot, subslot)
	if !ok || !r.hasData {
		return nil, pnet.IOxSBad, diag.Newf("ar.read", diag.InvalidParameter, "no input slot %d/%d", slot, subslot)
	}
	sf.mu.Lock()
	data := make([]byte, r.cfg.DataLength)
	copy(data, sf.buf[r.off:r.off+int(r.cfg.DataLength)])
	iops := pnet.IOxS(sf.buf[r.statusOff])
	sf.mu.Unlock()
	return data, iops, nil
}

// Snapshot copy the whole buffer into dst, which must be Len() bytes.
func (sf *IOCR) Snapshot(dst []byte) error {
	if len(dst) != len(sf.buf) {
		return diag.Newf("ar.snapshot", diag.InvalidParameter,
			"buffer length %d, want %d", len(dst), len(sf.buf))
	}
	sf.mu.Lock()
	copy(dst, sf.buf)
	sf.mu.Unlock()
	return nil
}

// Update replace the buffer content from a received payload.
func (sf *IOCR) Update(payload []byte) error {
	if len(payload) != len(sf.buf) {
		return diag.Newf("ar.update", diag.FrameInvalid,
			"payload length %d, want %d", len(payload), len(sf.buf))
	}
	sf.mu.Lock()
	copy(sf.buf, payload)
	sf.mu.Unlock()
	return nil
}

// EachInput walk every data slot, handing out value bytes and quality.
// Used by the cyclic receiver to publish fresh inputs.
func (sf *IOCR) EachInput(ds pnet.DataStatus, fn func(cfg pnrpc.SlotConfig, data []byte, q pnet.Quality)) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	for _, r := range sf.slots {
		if !r.hasData {
			continue
		}
		iops := pnet.IOxS(sf.buf[r.statusOff])
		data := make([]byte, r.cfg.DataLength)
		copy(data, sf.buf[r.off:r.off+int(r.cfg.DataLength)])
		fn(r.cfg, data, pnet.QualityOf(ds, iops))
	}
}
