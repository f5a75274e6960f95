// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package ar

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnrpc"
)

// AR is one application relationship with a device. It owns the AR UUID,
// session key, both IOCR buffers and the watchdog deadline; destruction of
// the AR releases them.
type AR struct {
	Station  string
	UUID     uuid.UUID
	Activity uuid.UUID
	Session  uint16
	Target   pnrpc.Target
	Strategy pnrpc.Strategy
	Timing   pnrpc.Timing
	// PeerMAC is the device MAC from the connect response; cyclic output
	// frames are addressed to it.
	PeerMAC net.HardwareAddr

	Input  *IOCR
	Output *IOCR

	mu    sync.Mutex
	state State

	// watchdog deadline and cycle counter tracking, touched every cycle
	deadlineNs   atomic.Int64
	lastCounter  atomic.Uint32 // low 16 bits counter, bit 31 validity
	staticCycles atomic.Uint32

	// cycle counter for outgoing frames, stepped by the send clock factor
	sendCounter atomic.Uint32

	appReady chan struct{}
}

const counterValid = 1 << 31

// newAR construct an AR in PRIMED.
func newAR(station string, tgt pnrpc.Target, timing pnrpc.Timing, session uint16) *AR {
	return &AR{
		Station:  station,
		UUID:     uuid.New(),
		Session:  session,
		Target:   tgt,
		Timing:   timing,
		state:    Primed,
		appReady: make(chan struct{}, 1),
	}
}

// State the current lifecycle state.
func (sf *AR) State() State {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state
}

// transition move to next, refusing anything the table forbids.
func (sf *AR) transition(next State) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if !sf.state.CanEnter(next) {
		return diag.StationError("ar.transition", sf.Station, diag.IllegalTransition,
			sf.state.String()+" -> "+next.String())
	}
	sf.state = next
	return nil
}

// RefreshWatchdog push the input deadline out after a valid frame.
func (sf *AR) RefreshWatchdog(now time.Time) {
	sf.deadlineNs.Store(now.Add(sf.Timing.WatchdogPeriod()).UnixNano())
}

// WatchdogExpired reports whether the input deadline passed. Only meaningful
// in RUN.
func (sf *AR) WatchdogExpired(now time.Time) bool {
	d := sf.deadlineNs.Load()
	return d != 0 && now.UnixNano() > d
}

// ObserveCounter track the received cycle counter. The counter must advance:
// a static counter across watchdog-factor cycles reads as a frozen provider
// and returns false.
func (sf *AR) ObserveCounter(c uint16) bool {
	prev := sf.lastCounter.Swap(counterValid | uint32(c))
	if prev&counterValid == 0 {
		return true
	}
	if uint16(prev) == c {
		static := sf.staticCycles.Add(1)
		return static < uint32(sf.Timing.WatchdogFactor)
	}
	sf.staticCycles.Store(0)
	return true
}

// NextSendCounter the cycle counter for the next outgoing frame,
// incremented by the send clock factor per emission.
func (sf *AR) NextSendCounter() uint16 {
	return uint16(sf.sendCounter.Add(uint32(sf.Timing.SendClockFactor)))
}

// SignalAppReady wake a waiter blocked in WaitAppReady.
func (sf *AR) SignalAppReady() {
	select {
	case sf.appReady <- struct{}{}:
	default:
	}
}

// WaitAppReady block until the device reports application ready.
func (sf *AR) WaitAppReady(timeout time.Duration) error {
	select {
	case <-sf.appReady:
		return nil
	case <-time.After(timeout):
		return diag.StationError("ar.appready", sf.Station, diag.ControlTimeout,
			"no application ready before deadline")
	}
}

// MarkRun enter RUN on the first valid cyclic frame.
func (sf *AR) MarkRun(now time.Time) error {
	if err := sf.transition(Run); err != nil {
		return err
	}
	sf.RefreshWatchdog(now)
	return nil
}

// MarkFault enter FAULT from any live state.
func (sf *AR) MarkFault() error {
	return sf.transition(Fault)
}
