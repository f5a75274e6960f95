// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cyclic

import (
	"sync/atomic"
	"time"
)

// Stats tracks scheduler health with lock-free counters. The sender records
// its loop time every tick; overruns never drop frames, they count.
type Stats struct {
	FramesSent     atomic.Uint64
	FramesReceived atomic.Uint64
	FramesDropped  atomic.Uint64 // malformed or unmatched receives
	SendErrors     atomic.Uint64

	Overruns        atomic.Uint64 // loop exceeded the cycle period
	MissedDeadlines atomic.Uint64 // wakeup later than one full period
	Cycles          atomic.Uint64

	LoopTimeMinNs  atomic.Int64
	LoopTimeMaxNs  atomic.Int64
	LoopTimeSumNs  atomic.Int64
	WatchdogTrips  atomic.Uint64
}

// NewStats create a stats block with the min seeded high.
func NewStats() *Stats {
	s := &Stats{}
	s.LoopTimeMinNs.Store(int64(^uint64(0) >> 1))
	return s
}

// RecordLoop record one sender loop of duration d against cycle budget.
func (sf *Stats) RecordLoop(d, budget time.Duration) {
	ns := d.Nanoseconds()
	sf.Cycles.Add(1)
	sf.LoopTimeSumNs.Add(ns)
	for {
		min := sf.LoopTimeMinNs.Load()
		if ns >= min || sf.LoopTimeMinNs.CompareAndSwap(min, ns) {
			break
		}
	}
	for {
		max := sf.LoopTimeMaxNs.Load()
		if ns <= max || sf.LoopTimeMaxNs.CompareAndSwap(max, ns) {
			break
		}
	}
	if d > budget {
		sf.Overruns.Add(1)
	}
}

// Snapshot is a point-in-time copy for reporting.
type Snapshot struct {
	FramesSent      uint64
	FramesReceived  uint64
	FramesDropped   uint64
	SendErrors      uint64
	Overruns        uint64
	MissedDeadlines uint64
	Cycles          uint64
	WatchdogTrips   uint64

	LoopTimeMin  time.Duration
	LoopTimeMean time.Duration
	LoopTimeMax  time.Duration
	OverrunRate  float64
}

// Snapshot copy the counters out.
func (sf *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		FramesSent:      sf.FramesSent.Load(),
		FramesReceived:  sf.FramesReceived.Load(),
		FramesDropped:   sf.FramesDropped.Load(),
		SendErrors:      sf.SendErrors.Load(),
		Overruns:        sf.Overruns.Load(),
		MissedDeadlines: sf.MissedDeadlines.Load(),
		Cycles:          sf.Cycles.Load(),
		WatchdogTrips:   sf.WatchdogTrips.Load(),
	}
	if snap.Cycles > 0 {
		min := sf.LoopTimeMinNs.Load()
		if min != int64(^uint64(0)>>1) {
			snap.LoopTimeMin = time.Duration(min)
		}
		snap.LoopTimeMax = time.Duration(sf.LoopTimeMaxNs.Load())
		snap.LoopTimeMean = time.Duration(sf.LoopTimeSumNs.Load() / int64(snap.Cycles))
		snap.OverrunRate = float64(snap.Overruns) / float64(snap.Cycles)
	}
	return snap
}
