// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package control runs the deterministic control scan: interlocks first,
// PID loops next, sequencers last, computed outputs published at the end of
// every scan.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
)

// SensorSource provides process values at scan time.
type SensorSource interface {
	ReadSensor(t Tag) (value float64, ok bool)
}

// OutputSink receives computed actuator values at the end of a scan.
type OutputSink interface {
	SetActuator(t Tag, value float64)
}

// EngineConfig tunes the scan.
// The default is applied for each unspecified value.
type EngineConfig struct {
	// ScanPeriod between control scans, default 100 ms.
	ScanPeriod time.Duration
}

// Valid applies the default for each unspecified value.
func (sf *EngineConfig) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if sf.ScanPeriod == 0 {
		sf.ScanPeriod = 100 * time.Millisecond
	}
	if sf.ScanPeriod < time.Millisecond {
		return errors.New("ScanPeriod under one millisecond")
	}
	return nil
}

// Engine owns the loops, interlocks and sequencers and scans them on a
// fixed period.
type Engine struct {
	cfg    EngineConfig
	source SensorSource
	sink   OutputSink
	rec    *diag.Recorder
	log    clog.Clog

	interlocks []*Interlock
	pids       map[string]*PID
	pidOrder   []string
	seqs       []*Sequencer

	lastScan time.Time
}

// NewEngine create an engine over a sensor source and output sink.
func NewEngine(cfg EngineConfig, source SensorSource, sink OutputSink, rec *diag.Recorder, log clog.Clog) (*Engine, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		source: source,
		sink:   sink,
		rec:    rec,
		log:    log,
		pids:   make(map[string]*PID),
	}, nil
}

// AddInterlock register a safety rule.
func (sf *Engine) AddInterlock(cfg InterlockConfig) error {
	il, err := NewInterlock(cfg)
	if err != nil {
		return err
	}
	sf.interlocks = append(sf.interlocks, il)
	return nil
}

// AddPID register a loop. Cascaded loops reference their outer loop by name;
// the outer loop must be registered first so it scans first.
func (sf *Engine) AddPID(cfg PIDConfig) error {
	if _, ok := sf.pids[cfg.Name]; ok {
		return diag.Newf("control.add", diag.InvalidParameter, "duplicate PID loop %q", cfg.Name)
	}
	if cfg.CascadeFrom != "" {
		if _, ok := sf.pids[cfg.CascadeFrom]; !ok {
			return diag.Newf("control.add", diag.InvalidParameter,
				"cascade source %q not registered", cfg.CascadeFrom)
		}
	}
	pid, err := NewPID(cfg)
	if err != nil {
		return err
	}
	sf.pids[cfg.Name] = pid
	sf.pidOrder = append(sf.pidOrder, cfg.Name)
	return nil
}

// AddSequencer register a step table.
func (sf *Engine) AddSequencer(cfg SequencerConfig) error {
	seq, err := NewSequencer(cfg)
	if err != nil {
		return err
	}
	sf.seqs = append(sf.seqs, seq)
	return nil
}

// PID fetch a registered loop by name.
func (sf *Engine) PID(name string) (*PID, bool) {
	p, ok := sf.pids[name]
	return p, ok
}

// Run scan until ctx is done.
func (sf *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(sf.cfg.ScanPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sf.Scan(now)
		}
	}
}

// Scan run one deterministic pass: interlocks, PIDs, sequencers, publish.
func (sf *Engine) Scan(now time.Time) {
	dt := sf.cfg.ScanPeriod
	if !sf.lastScan.IsZero() {
		if measured := now.Sub(sf.lastScan); measured > 0 {
			dt = measured
		}
	}
	sf.lastScan = now

	// 1) interlocks: collect forced targets; multiple rules on one
	// actuator OR-combine, the safe state wins
	forced := make(map[Tag]float64)
	for _, il := range sf.interlocks {
		v, ok := sf.source.ReadSensor(il.Sensor())
		if !ok {
			continue
		}
		if il.Evaluate(v, now) {
			forced[il.Target()] = il.SafeValue()
		}
	}

	// 2) PID loops in registration order, outer cascade loops first
	outputs := make(map[Tag]float64)
	for _, name := range sf.pidOrder {
		pid := sf.pids[name]

		if outer := pid.CascadeFrom(); outer != "" {
			if op, ok := sf.pids[outer]; ok {
				pid.SetSetPoint(op.LastOutput())
			}
		}

		pv, ok := sf.source.ReadSensor(pid.Input())
		if !ok {
			continue
		}

		_, isForced := forced[pid.Output()]
		pid.Freeze(isForced)
		out := pid.Update(pv, dt)
		if !isForced {
			outputs[pid.Output()] = out
		}
	}

	// 3) sequencers
	read := func(t Tag) (float64, bool) { return sf.source.ReadSensor(t) }
	for _, seq := range sf.seqs {
		for _, act := range seq.Advance(now, read) {
			if _, isForced := forced[act.Target]; !isForced {
				outputs[act.Target] = act.Value
			}
		}
	}

	// 4) publish: forced safe states override computed outputs
	for tag, v := range outputs {
		sf.sink.SetActuator(tag, v)
	}
	for tag, v := range forced {
		sf.sink.SetActuator(tag, v)
	}
}
