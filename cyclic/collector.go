// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cyclic

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exposes scheduler statistics as prometheus metrics.
type StatsCollector struct {
	stats *Stats

	framesSent     *prometheus.Desc
	framesReceived *prometheus.Desc
	framesDropped  *prometheus.Desc
	sendErrors     *prometheus.Desc
	overruns       *prometheus.Desc
	missed         *prometheus.Desc
	cycles         *prometheus.Desc
	watchdogTrips  *prometheus.Desc
	loopMax        *prometheus.Desc
	loopMean       *prometheus.Desc
}

// NewStatsCollector build a collector over the given stats block.
func NewStatsCollector(prefix string, stats *Stats, constLabels prometheus.Labels) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, nil, constLabels)
	}
	return &StatsCollector{
		stats:          stats,
		framesSent:     desc("frames_sent_total", "Cyclic output frames transmitted"),
		framesReceived: desc("frames_received_total", "Cyclic input frames accepted"),
		framesDropped:  desc("frames_dropped_total", "Frames discarded as malformed or unmatched"),
		sendErrors:     desc("send_errors_total", "Transmit failures"),
		overruns:       desc("overruns_total", "Sender loops exceeding the cycle period"),
		missed:         desc("missed_deadlines_total", "Wakeups more than one period late"),
		cycles:         desc("cycles_total", "Sender loop iterations"),
		watchdogTrips:  desc("watchdog_trips_total", "Input watchdog expiries"),
		loopMax:        desc("loop_time_max_seconds", "Worst observed sender loop time"),
		loopMean:       desc("loop_time_mean_seconds", "Mean sender loop time"),
	}
}

// Describe implements prometheus.Collector.
func (sf *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sf.framesSent
	ch <- sf.framesReceived
	ch <- sf.framesDropped
	ch <- sf.sendErrors
	ch <- sf.overruns
	ch <- sf.missed
	ch <- sf.cycles
	ch <- sf.watchdogTrips
	ch <- sf.loopMax
	ch <- sf.loopMean
}

// Collect implements prometheus.Collector.
func (sf *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := sf.stats.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(sf.framesSent, snap.FramesSent)
	counter(sf.framesReceived, snap.FramesReceived)
	counter(sf.framesDropped, snap.FramesDropped)
	counter(sf.sendErrors, snap.SendErrors)
	counter(sf.overruns, snap.Overruns)
	counter(sf.missed, snap.MissedDeadlines)
	counter(sf.cycles, snap.Cycles)
	counter(sf.watchdogTrips, snap.WatchdogTrips)
	ch <- prometheus.MustNewConstMetric(sf.loopMax, prometheus.GaugeValue, snap.LoopTimeMax.Seconds())
	ch <- prometheus.MustNewConstMetric(sf.loopMean, prometheus.GaugeValue, snap.LoopTimeMean.Seconds())
}

var _ prometheus.Collector = (*StatsCollector)(nil)
