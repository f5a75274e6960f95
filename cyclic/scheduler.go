// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package cyclic provides the real-time heartbeat: the sender transmits one
// output frame per AR per transmission cycle, the receiver consumes input
// frames, refreshes watchdogs and publishes fresh values.
package cyclic

import (
	"context"
	"errors"
	"time"

	"github.com/rob-gra/go-pnio/ar"
	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/link"
	"github.com/rob-gra/go-pnio/pnet"
	"github.com/rob-gra/go-pnio/pnrpc"
)

const (
	recvPollTimeout = 100 * time.Millisecond
	maxFrameSize    = 1518
	// minFramePayload pads short RT payloads up to the Ethernet minimum.
	minFramePayload = 40
	// overloadWindow cycles per overrun-rate evaluation.
	overloadWindow = 1000
	// overloadThreshold sustained overrun rate raising the diagnostic.
	overloadThreshold = 0.10
)

// ValueSink receives fresh input values from the cyclic path.
type ValueSink interface {
	PublishInput(station string, cfg pnrpc.SlotConfig, data []byte, q pnet.Quality, now time.Time)
}

// Scheduler owns the two cyclic loops. Run starts sender and receiver and
// blocks until the context is cancelled.
type Scheduler struct {
	lnk   link.Link
	mgr   *ar.Manager
	sink  ValueSink
	rec   *diag.Recorder
	log   clog.Clog
	stats *Stats

	// BaseTick the sender wakeup granularity; per-AR cycle periods are
	// multiples of it. Default one millisecond.
	BaseTick time.Duration

	nextDue map[string]time.Time
}

// NewScheduler create a scheduler over the link and AR manager.
func NewScheduler(lnk link.Link, mgr *ar.Manager, sink ValueSink, rec *diag.Recorder, log clog.Clog) *Scheduler {
	return &Scheduler{
		lnk:      lnk,
		mgr:      mgr,
		sink:     sink,
		rec:      rec,
		log:      log,
		stats:    NewStats(),
		BaseTick: time.Millisecond,
		nextDue:  make(map[string]time.Time),
	}
}

// Stats the scheduler's counters.
func (sf *Scheduler) Stats() *Stats { return sf.stats }

// Run drive both loops until ctx is done.
func (sf *Scheduler) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- sf.runSender(ctx) }()
	go func() { errc <- sf.runReceiver(ctx) }()

	<-ctx.Done()
	first := <-errc
	second := <-errc
	return errors.Join(first, second)
}

// runSender wake every BaseTick, transmit due ARs, police watchdogs.
func (sf *Scheduler) runSender(ctx context.Context) error {
	ticker := time.NewTicker(sf.BaseTick)
	defer ticker.Stop()

	var windowOverruns, windowCycles uint64
	lastWake := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if now.Sub(lastWake) > 2*sf.BaseTick {
				sf.stats.MissedDeadlines.Add(1)
			}
			lastWake = now

			loopStart := time.Now()
			sf.tick(now)
			loopTime := time.Since(loopStart)
			sf.stats.RecordLoop(loopTime, sf.BaseTick)

			windowCycles++
			if loopTime > sf.BaseTick {
				windowOverruns++
			}
			if windowCycles >= overloadWindow {
				rate := float64(windowOverruns) / float64(windowCycles)
				if rate > overloadThreshold && sf.rec != nil {
					sf.rec.Emitf(diag.SchedulerOverloaded, diag.Major, "cyclic",
						"overrun rate %.1f%% over the last %d cycles", rate*100, windowCycles)
				}
				windowOverruns, windowCycles = 0, 0
			}
		}
	}
}

// tick transmit every due AR in RUN or APP_READY_RECEIVED and fault the RUN
// ones whose watchdog expired. The fault lands within the same tick that detects it.
func (sf *Scheduler) tick(now time.Time) {
	for _, a := range sf.mgr.List() {
		st := a.State()
		if st != ar.Run && st != ar.AppReadyReceived {
			delete(sf.nextDue, a.Station)
			continue
		}

		if st == ar.Run && a.WatchdogExpired(now) {
			sf.stats.WatchdogTrips.Add(1)
			sf.mgr.Fault(a.Station, diag.WatchdogExpired, "no input frame within the watchdog period")
			delete(sf.nextDue, a.Station)
			continue
		}

		due, ok := sf.nextDue[a.Station]
		if !ok {
			due = now
		}
		if now.Before(due) {
			continue
		}
		sf.nextDue[a.Station] = due.Add(a.Timing.CyclePeriod())
		if err := sf.transmit(a); err != nil {
			sf.stats.SendErrors.Add(1)
			sf.log.Debug("cyclic: %s transmit failed: %v", a.Station, err)
		}
	}
}

// transmit emit one output frame for the AR.
func (sf *Scheduler) transmit(a *ar.AR) error {
	if a.Output == nil || a.PeerMAC == nil {
		return diag.StationError("cyclic.send", a.Station, diag.InvalidParameter, "AR has no output path")
	}

	buf := make([]byte, maxFrameSize)
	b := pnet.NewBuilder(buf)
	pnet.EthHeader{Dst: a.PeerMAC, Src: sf.lnk.LocalMAC(), Type: pnet.EtherTypePN}.Emit(b)
	b.WriteU16(uint16(a.Output.FrameID))

	data := make([]byte, a.Output.Len())
	if err := a.Output.Snapshot(data); err != nil {
		return err
	}
	b.WriteBytes(data...)
	if pad := minFramePayload - a.Output.Len() - 2 - pnet.RTTrailerSize; pad > 0 {
		b.Skip(pad)
	}
	pnet.RTTrailer{
		CycleCounter: a.NextSendCounter(),
		DataStatus:   pnet.DSGood,
	}.Emit(b)

	frame, err := b.Bytes()
	if err != nil {
		return err
	}
	if err := sf.lnk.SendFrame(frame); err != nil {
		return err
	}
	sf.stats.FramesSent.Add(1)
	return nil
}

// runReceiver poll the link, demultiplex by frame ID and feed input IOCRs.
func (sf *Scheduler) runReceiver(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		raw, err := sf.lnk.Poll(recvPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if raw == nil {
			continue
		}
		sf.receive(raw, time.Now())
	}
}

// receive handle one frame.
func (sf *Scheduler) receive(raw []byte, now time.Time) {
	p := pnet.NewParser(raw)
	eth := pnet.ConsumeEthHeader(p)
	if p.Err() != nil || eth.Type != pnet.EtherTypePN {
		sf.stats.FramesDropped.Add(1)
		return
	}
	fid := pnet.FrameID(p.PeekU16())
	switch fid.Class() {
	case pnet.ClassRTClass1:
		sf.receiveRT(p, fid, now)
	case pnet.ClassDCP, pnet.ClassAlarm:
		// DCP runs over its own socket; RT alarms ride the alarm CR and
		// are surfaced via record reads. Neither belongs to this loop.
	default:
		// devices may assign input frame IDs outside the class-1 range
		// (0x8001, for one); receiveRT drops the frame unless an AR
		// consumes that ID
		sf.receiveRT(p, fid, now)
	}
}

func (sf *Scheduler) receiveRT(p *pnet.Parser, fid pnet.FrameID, now time.Time) {
	a := sf.mgr.ByFrameID(fid)
	if a == nil {
		sf.stats.FramesDropped.Add(1)
		return
	}
	p.ReadU16() // consume the frame ID

	trailer, payload, err := pnet.ConsumeRTTrailer(p.Rest())
	if err != nil {
		sf.stats.FramesDropped.Add(1)
		return
	}
	// tolerate minimum-size padding behind the IOCR data
	if len(payload) > a.Input.Len() {
		payload = payload[:a.Input.Len()]
	}
	if err := a.Input.Update(payload); err != nil {
		sf.stats.FramesDropped.Add(1)
		return
	}

	if !a.ObserveCounter(trailer.CycleCounter) {
		sf.stats.WatchdogTrips.Add(1)
		sf.mgr.Fault(a.Station, diag.WatchdogExpired, "cycle counter frozen")
		return
	}

	st := a.State()
	if st == ar.AppReadyReceived && trailer.DataStatus.Valid() {
		if err := a.MarkRun(now); err == nil {
			sf.log.Debug("cyclic: %s entered RUN", a.Station)
			st = ar.Run
		}
	}
	if st != ar.Run {
		return
	}

	a.RefreshWatchdog(now)
	sf.stats.FramesReceived.Add(1)

	if sf.sink != nil {
		a.Input.EachInput(trailer.DataStatus, func(cfg pnrpc.SlotConfig, data []byte, q pnet.Quality) {
			sf.sink.PublishInput(a.Station, cfg, data, q, now)
		})
	}
}
