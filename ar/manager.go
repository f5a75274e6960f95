// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package ar

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
	"github.com/rob-gra/go-pnio/pnrpc"
)

// Manager owns every application relationship, one per station name. A
// second establish for the same station first releases the existing AR.
type Manager struct {
	engine     *pnrpc.Engine
	rec        *diag.Recorder
	log        clog.Clog
	strategies []pnrpc.Strategy
	timeouts   pnrpc.Timeouts

	mu      sync.RWMutex
	ars     map[string]*AR
	session atomic.Uint32
}

// NewManager create an AR manager over the RPC engine.
func NewManager(engine *pnrpc.Engine, strategies []pnrpc.Strategy, timeouts pnrpc.Timeouts, rec *diag.Recorder, log clog.Clog) (*Manager, error) {
	if err := timeouts.Valid(); err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		strategies = pnrpc.DefaultStrategies()
	}
	return &Manager{
		engine:     engine,
		rec:        rec,
		log:        log,
		strategies: strategies,
		timeouts:   timeouts,
		ars:        make(map[string]*AR),
	}, nil
}

// Establish connect to a device and drive its AR to APP_READY_RECEIVED. The
// transition to RUN happens when the cyclic receiver accepts the first valid
// frame.
func (sf *Manager) Establish(ctx context.Context, station string, tgt pnrpc.Target, slots []pnrpc.SlotConfig, timing pnrpc.Timing) (*AR, error) {
	if err := timing.Valid(); err != nil {
		return nil, diag.Wrap("ar.establish", err)
	}

	// exactly one AR per station: release any standing one first
	if old := sf.Get(station); old != nil && old.State().Live() {
		sf.log.Warn("ar: %s already connected, releasing before reconnect", station)
		if err := sf.Release(ctx, station); err != nil {
			sf.log.Warn("ar: release of standing %s failed: %v", station, err)
		}
	}

	a := newAR(station, tgt, timing, uint16(sf.session.Add(1)))
	sf.mu.Lock()
	sf.ars[station] = a
	sf.mu.Unlock()

	req := pnrpc.ConnectRequest{
		ARUUID:       a.UUID,
		SessionKey:   a.Session,
		InitiatorMAC: tgtMAC(tgt),
		StationName:  "supervisor",
		Slots:        slots,
		Timing:       timing,
	}

	if err := a.transition(ConnectReqSent); err != nil {
		return nil, err
	}
	res, activity, strat, err := sf.engine.ConnectAny(ctx, tgt, req, sf.strategies)
	if err != nil {
		a.MarkFault()
		return nil, err
	}
	a.Activity = activity
	a.Strategy = strat
	a.PeerMAC = res.ResponderMAC
	if err := a.transition(ConnectRspReceived); err != nil {
		return nil, err
	}

	a.Input = NewIOCR(pnrpc.IOCRInput, res.InputFrameID, slots)
	a.Output = NewIOCR(pnrpc.IOCROutput, res.OutputFrameID, slots)
	sf.log.Debug("ar: %s connected, frame IDs in=%v out=%v", station, res.InputFrameID, res.OutputFrameID)

	if err := sf.engine.Control(ctx, tgt, a.UUID, activity, a.Session, pnrpc.CtlPrmEnd, strat); err != nil {
		a.MarkFault()
		return nil, err
	}
	if err := a.transition(PrmEndSent); err != nil {
		return nil, err
	}

	if err := a.WaitAppReady(sf.timeouts.Control); err != nil {
		a.MarkFault()
		return nil, err
	}
	if err := a.transition(AppReadyReceived); err != nil {
		return nil, err
	}
	return a, nil
}

func tgtMAC(tgt pnrpc.Target) []byte {
	// the initiator MAC rides in the AR block; engines over UDP sockets
	// have no layer-2 address of their own, a locally administered one
	// stands in until the link layer overrides it
	return []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
}

// ServeRequests answer device-originated control requests, most importantly
// the ApplicationReady callback. Blocks until ctx is done.
func (sf *Manager) ServeRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inc, ok := <-sf.engine.Requests():
			if !ok {
				return
			}
			sf.handleRequest(inc)
		}
	}
}

func (sf *Manager) handleRequest(inc *pnrpc.Incoming) {
	a, ci := sf.matchControl(inc)
	if a == nil {
		sf.log.Debug("ar: control request for unknown AR, ignoring")
		return
	}
	switch ci.Type {
	case pnrpc.BTApplicationReadyReq:
		b := pnet.NewBuilder(make([]byte, 128))
		pnrpc.EmitControl(b, pnrpc.BTApplicationReadyRes, ci.ARUUID, ci.SessionKey, pnrpc.CtlDone, a.Strategy.UUIDFormat)
		blocks, err := b.Bytes()
		if err == nil {
			if err := sf.engine.Respond(inc, blocks); err != nil {
				sf.log.Warn("ar: %s application ready response failed: %v", a.Station, err)
			}
		}
		a.SignalAppReady()
	default:
		sf.log.Debug("ar: %s unhandled control %v", a.Station, ci.Type)
	}
}

// matchControl parse the control under each known AR's UUID format until the
// AR UUID resolves to a standing relationship.
func (sf *Manager) matchControl(inc *pnrpc.Incoming) (*AR, pnrpc.ControlInfo) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	for _, format := range []pnrpc.UUIDFormat{pnrpc.UUIDAsStored, pnrpc.UUIDFieldSwapped} {
		ci, err := pnrpc.ParseControl(inc.Blocks, format)
		if err != nil {
			continue
		}
		for _, a := range sf.ars {
			if a.UUID == ci.ARUUID {
				return a, ci
			}
		}
	}
	return nil, pnrpc.ControlInfo{}
}

// Release tear one AR down: release RPC with its own budget, buffers freed,
// registry entry removed.
func (sf *Manager) Release(ctx context.Context, station string) error {
	a := sf.Get(station)
	if a == nil {
		return diag.StationError("ar.release", station, diag.InvalidParameter, "no such AR")
	}

	st := a.State()
	if st == Run || st == AppReadyReceived {
		if err := a.transition(RelSent); err == nil {
			rctx, cancel := context.WithTimeout(ctx, sf.timeouts.Release)
			err := sf.engine.Release(rctx, a.Target, a.UUID, a.Activity, a.Session, a.Strategy)
			cancel()
			if err != nil {
				sf.log.Warn("ar: %s release not acknowledged: %v", station, err)
			}
		}
	}
	a.mu.Lock()
	a.state = Closed
	a.mu.Unlock()

	sf.mu.Lock()
	if cur, ok := sf.ars[station]; ok && cur == a {
		delete(sf.ars, station)
	}
	sf.mu.Unlock()
	return nil
}

// Fault force one AR into FAULT, emitting the diagnostic.
func (sf *Manager) Fault(station string, code diag.Code, msg string) {
	a := sf.Get(station)
	if a == nil {
		return
	}
	if err := a.MarkFault(); err != nil {
		return
	}
	if sf.rec != nil {
		sf.rec.Emit(diag.Event{
			Code:     code,
			Severity: diag.Major,
			Source:   "ar",
			Message:  msg,
			KV:       map[string]string{"station": station},
		})
	}
}

// Reprime move a faulted AR back to PRIMED for an operator retry. The stale
// record is dropped; Establish builds a fresh relationship.
func (sf *Manager) Reprime(station string) error {
	a := sf.Get(station)
	if a == nil {
		return diag.StationError("ar.reprime", station, diag.InvalidParameter, "no such AR")
	}
	if err := a.transition(Primed); err != nil {
		return err
	}
	sf.mu.Lock()
	delete(sf.ars, station)
	sf.mu.Unlock()
	return nil
}

// WriteOutput copy actuator data into the station's output IOCR; the cyclic
// sender transmits it on the next tick.
func (sf *Manager) WriteOutput(station string, slot, subslot uint16, data []byte) error {
	a := sf.Get(station)
	if a == nil || a.Output == nil {
		return diag.StationError("ar.write", station, diag.InvalidParameter, "no standing AR")
	}
	return a.Output.WriteSlot(slot, subslot, data)
}

// Get fetch one AR by station name.
func (sf *Manager) Get(station string) *AR {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.ars[station]
}

// ByFrameID locate the AR consuming a given input frame ID.
func (sf *Manager) ByFrameID(fid pnet.FrameID) *AR {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	for _, a := range sf.ars {
		if a.Input != nil && a.Input.FrameID == fid {
			return a
		}
	}
	return nil
}

// List snapshot every standing AR.
func (sf *Manager) List() []*AR {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	out := make([]*AR, 0, len(sf.ars))
	for _, a := range sf.ars {
		out = append(out, a)
	}
	return out
}

// ReleaseAll tear every AR down within the shutdown budget, RUN ARs first.
func (sf *Manager) ReleaseAll(ctx context.Context) {
	ars := sf.List()
	sort.SliceStable(ars, func(i, j int) bool {
		return ars[i].State() == Run && ars[j].State() != Run
	})
	for _, a := range ars {
		sctx, cancel := context.WithTimeout(ctx, sf.timeouts.Release)
		sf.Release(sctx, a.Station)
		cancel()
	}
}

// WaitAppReadyTimeout exported for callers pacing their own establish steps.
func (sf *Manager) WaitAppReadyTimeout() time.Duration { return sf.timeouts.Control }
