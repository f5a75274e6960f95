// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package supervisor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rob-gra/go-pnio/alarm"
	"github.com/rob-gra/go-pnio/coord"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/shmem"
)

const housekeepingInterval = 200 * time.Millisecond

// Run start every subsystem and block until ctx is done, then drain in the
// deterministic order: coordinator, control, alarm/historian, release of the
// standing ARs, RPC, scheduler. The whole drain runs inside the shutdown budget;
// whatever remains afterwards is cut off hard.
func (sf *Controller) Run(ctx context.Context) error {
	// phase contexts cancelled in drain order
	coordCtx, stopCoord := context.WithCancel(context.Background())
	ctlCtx, stopCtl := context.WithCancel(context.Background())
	auxCtx, stopAux := context.WithCancel(context.Background())
	protoCtx, stopProto := context.WithCancel(context.Background())
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer func() {
		stopCoord()
		stopCtl()
		stopAux()
		stopProto()
		stopSched()
	}()

	g := &errgroup.Group{}
	g.Go(func() error { return sf.co.Run(coordCtx) })
	g.Go(func() error { return sf.ctl.Run(ctlCtx) })
	g.Go(func() error { return sf.hist.Run(auxCtx) })
	g.Go(func() error { return sf.runDispatcher(auxCtx) })
	g.Go(func() error { return sf.runHousekeeping(auxCtx) })
	g.Go(func() error { return sf.runEventLog(auxCtx) })
	g.Go(func() error { return sf.engine.Run(protoCtx) })
	g.Go(func() error { sf.mgr.ServeRequests(protoCtx); return nil })
	g.Go(func() error { return sf.sched.Run(schedCtx) })

	sf.log.Debug("supervisor: running")
	<-ctx.Done()
	sf.log.Debug("supervisor: draining")

	budget := time.NewTimer(sf.cfg.ShutdownBudget)
	defer budget.Stop()
	done := make(chan error, 1)
	go func() {
		stopCoord()
		stopCtl()
		stopAux()

		// release standing ARs before the protocol layers go away
		relCtx, cancel := context.WithTimeout(context.Background(), sf.cfg.ShutdownBudget/2)
		sf.mgr.ReleaseAll(relCtx)
		cancel()

		stopProto()
		stopSched()
		done <- g.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-budget.C:
		sf.rec.Emitf(diag.ShutdownForced, diag.Major, "supervisor",
			"drain exceeded %v, forcing sockets closed", sf.cfg.ShutdownBudget)
		stopProto()
		stopSched()
		err = nil
	}

	sf.cyclicLink.Close()
	sf.dcpLink.Close()
	sf.rpcConn.Close()
	sf.region.Close()
	return err
}

// runHousekeeping mirror registry and alarm state into the shared block.
func (sf *Controller) runHousekeeping(ctx context.Context) error {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sf.publishRTUs(now)
			sf.publishAlarms()
		}
	}
}

func (sf *Controller) publishRTUs(now time.Time) {
	for _, r := range sf.registry.List() {
		rec := shmem.RTURecord{
			StationName:  r.StationName,
			Health:       uint8(r.Health),
			LastUpdateNs: now.UnixNano(),
		}
		if a := sf.mgr.Get(r.StationName); a != nil {
			rec.State = uint8(a.State())
		}
		if dev, ok := sf.cache.Lookup(r.StationName); ok && dev.IP != nil {
			copy(rec.IP[:], dev.IP.To4())
		}
		sf.writer.UpdateRTU(r.Index, rec)
	}
}

func (sf *Controller) publishAlarms() {
	active := sf.alarms.Active()
	for i := 0; i < shmem.MaxAlarms; i++ {
		if i < len(active) {
			a := active[i]
			sf.writer.UpdateAlarm(i, shmem.AlarmEntry{
				ID:        a.ID,
				RuleID:    a.RuleID,
				RTUIndex:  a.RTU,
				Slot:      a.Slot,
				Severity:  uint8(a.Severity),
				Condition: uint8(a.Condition),
				State:     uint8(a.State),
				TripNs:    a.TripTime.UnixNano(),
				ClearNs:   timeNs(a.ClearTime),
				AckNs:     timeNs(a.AckTime),
				TripValue: a.TripValue,
				Operator:  a.Operator,
			})
		} else {
			// clear every slot past the active ones so entries of alarms
			// that left the active set do not linger
			sf.writer.ClearAlarm(i)
		}
	}
}

func timeNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// runEventLog forward diagnostic events into the structured log.
func (sf *Controller) runEventLog(ctx context.Context) error {
	events := sf.rec.Subscribe(256)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Severity {
			case diag.Critical:
				sf.log.Critical("%s", ev)
			case diag.Major:
				sf.log.Error("%s", ev)
			case diag.Warning:
				sf.log.Warn("%s", ev)
			default:
				sf.log.Debug("%s", ev)
			}
		}
	}
}

// HealthOf one station, for collaborators polling out-of-band.
func (sf *Controller) HealthOf(station string) (coord.Health, bool) {
	r, ok := sf.registry.Get(station)
	if !ok {
		return coord.HealthUnknown, false
	}
	return r.Health, true
}

// ActiveAlarms snapshot, convenience for collaborators.
func (sf *Controller) ActiveAlarms() []alarm.Alarm {
	return sf.alarms.Active()
}
