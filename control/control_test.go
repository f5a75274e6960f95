// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob-gra/go-pnio/clog"
)

type fakeIO struct {
	sensors   map[Tag]float64
	actuators map[Tag]float64
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		sensors:   make(map[Tag]float64),
		actuators: make(map[Tag]float64),
	}
}

func (sf *fakeIO) ReadSensor(t Tag) (float64, bool) {
	v, ok := sf.sensors[t]
	return v, ok
}

func (sf *fakeIO) SetActuator(t Tag, v float64) {
	sf.actuators[t] = v
}

func testEngine(t *testing.T, io *fakeIO) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{ScanPeriod: 100 * time.Millisecond}, io, io, nil, clog.NewLogger("ctl-test "))
	require.NoError(t, err)
	return e
}

func TestPIDProportionalOnly(t *testing.T) {
	pid, err := NewPID(PIDConfig{Name: "p", Kp: 2, SetPoint: 10, OutMin: -100, OutMax: 100})
	require.NoError(t, err)

	out := pid.Update(6, 100*time.Millisecond)
	assert.InDelta(t, 8, out, 1e-9) // Kp * (10-6)

	out = pid.Update(10, 100*time.Millisecond)
	assert.InDelta(t, 0, out, 1e-9)
}

func TestPIDIntegralAccumulatesAndClampsWithoutWindup(t *testing.T) {
	pid, err := NewPID(PIDConfig{Name: "i", Kp: 1, Ti: 1, SetPoint: 100, OutMin: 0, OutMax: 10})
	require.NoError(t, err)

	// persistent large error drives the output to the clamp
	for i := 0; i < 50; i++ {
		pid.Update(0, 100*time.Millisecond)
	}
	assert.InDelta(t, 10, pid.LastOutput(), 1e-9)

	// once the error reverses the output must leave the clamp promptly:
	// the anti-windup kept the integrator near the limit
	out := pid.Update(150, 100*time.Millisecond)
	assert.Less(t, out, 10.0)
}

func TestPIDRateLimit(t *testing.T) {
	pid, err := NewPID(PIDConfig{Name: "r", Kp: 100, SetPoint: 100, OutMin: 0, OutMax: 100, RateLimit: 10})
	require.NoError(t, err)

	// full-scale error, but slew is 10/s and dt 100 ms: one unit per scan
	out := pid.Update(0, 100*time.Millisecond)
	assert.InDelta(t, 1, out, 1e-9)
	out = pid.Update(0, 100*time.Millisecond)
	assert.InDelta(t, 2, out, 1e-9)
}

func TestPIDBumplessTransfer(t *testing.T) {
	pid, err := NewPID(PIDConfig{Name: "b", Kp: 1, Ti: 10, SetPoint: 50, OutMin: 0, OutMax: 100})
	require.NoError(t, err)

	pid.SetManual(40)
	assert.InDelta(t, 40, pid.Update(50, 100*time.Millisecond), 1e-9)
	assert.False(t, pid.Auto())

	// back to auto at zero error: output continues at the manual value
	pid.SetAuto()
	out := pid.Update(50, 100*time.Millisecond)
	assert.InDelta(t, 40, out, 0.5)
}

func TestPIDFrozenIntegrator(t *testing.T) {
	pid, err := NewPID(PIDConfig{Name: "f", Kp: 1, Ti: 1, SetPoint: 10, OutMin: 0, OutMax: 100})
	require.NoError(t, err)

	pid.Freeze(true)
	out1 := pid.Update(0, 100*time.Millisecond)
	out2 := pid.Update(0, 100*time.Millisecond)
	// without integration the output stays pure proportional
	assert.InDelta(t, out1, out2, 1e-9)
}

func TestInterlockTripDelayAndReset(t *testing.T) {
	il, err := NewInterlock(InterlockConfig{
		ID: "high-level", Sensor: Tag{0, 1}, Threshold: 80, Direction: TripAbove,
		Target: Tag{0, 9}, SafeValue: 0, TripDelay: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	assert.False(t, il.Evaluate(90, now))                       // pending
	assert.False(t, il.Evaluate(90, now.Add(50*time.Millisecond)))
	assert.True(t, il.Evaluate(90, now.Add(150*time.Millisecond))) // delay met
	assert.True(t, il.Tripped())

	// recovery clears instantly
	assert.False(t, il.Evaluate(70, now.Add(200*time.Millisecond)))
	assert.False(t, il.Tripped())

	// a short excursion under the delay never trips
	assert.False(t, il.Evaluate(90, now.Add(300*time.Millisecond)))
	assert.False(t, il.Evaluate(70, now.Add(350*time.Millisecond)))
	assert.False(t, il.Evaluate(90, now.Add(400*time.Millisecond)))
	assert.False(t, il.Tripped())
}

func TestScanInterlockForcesSafeStateAndFreezesPID(t *testing.T) {
	io := newFakeIO()
	e := testEngine(t, io)

	level := Tag{0, 1}
	pump := Tag{0, 9}
	require.NoError(t, e.AddInterlock(InterlockConfig{
		ID: "hi", Sensor: level, Threshold: 80, Direction: TripAbove,
		Target: pump, SafeValue: 0, TripDelay: 0,
	}))
	require.NoError(t, e.AddPID(PIDConfig{
		Name: "flow", Input: level, Output: pump,
		Kp: 1, Ti: 1, SetPoint: 50, OutMin: 0, OutMax: 100,
	}))

	now := time.Unix(1000, 0)

	// healthy: PID drives the pump
	io.sensors[level] = 40
	e.Scan(now)
	assert.Greater(t, io.actuators[pump], 0.0)

	// level too high: interlock forces the safe state over the PID
	io.sensors[level] = 90
	e.Scan(now.Add(100 * time.Millisecond))
	assert.Equal(t, 0.0, io.actuators[pump])

	pid, _ := e.PID("flow")
	before := pid.LastOutput()
	e.Scan(now.Add(200 * time.Millisecond))
	// integrator frozen while forced: output does not wind
	assert.InDelta(t, before, pid.LastOutput(), 1e-6)
}

func TestCascadeOuterFeedsInnerSetPoint(t *testing.T) {
	io := newFakeIO()
	e := testEngine(t, io)

	levelTag := Tag{0, 1}
	flowTag := Tag{0, 2}
	valveTag := Tag{0, 9}

	require.NoError(t, e.AddPID(PIDConfig{
		Name: "level", Input: levelTag, Output: Tag{0, 8},
		Kp: 1, SetPoint: 50, OutMin: 0, OutMax: 100,
	}))
	require.NoError(t, e.AddPID(PIDConfig{
		Name: "flow", Input: flowTag, Output: valveTag,
		Kp: 1, OutMin: 0, OutMax: 100, CascadeFrom: "level",
	}))

	// registering the inner loop before its outer is refused
	err := e.AddPID(PIDConfig{Name: "x", CascadeFrom: "missing", Kp: 1, OutMax: 1})
	require.Error(t, err)

	io.sensors[levelTag] = 30 // outer error 20 -> outer output 20
	io.sensors[flowTag] = 0
	e.Scan(time.Unix(1000, 0))
	e.Scan(time.Unix(1001, 0))

	inner, _ := e.PID("flow")
	assert.InDelta(t, 20, inner.SetPoint(), 1e-9)
}

func TestSequencerWalksSteps(t *testing.T) {
	io := newFakeIO()
	e := testEngine(t, io)

	valve := Tag{0, 9}
	level := Tag{0, 1}
	require.NoError(t, e.AddSequencer(SequencerConfig{
		Name: "fill",
		Steps: []Step{
			{
				Name:         "open",
				EntryActions: []Action{{Target: valve, Value: 100}},
				ExitGuards:   []Condition{{Sensor: level, Above: true, Limit: 75}},
			},
			{
				Name:         "close",
				EntryActions: []Action{{Target: valve, Value: 0}},
				HoldFor:      time.Hour,
			},
		},
	}))

	now := time.Unix(1000, 0)
	io.sensors[level] = 10
	e.Scan(now)
	assert.Equal(t, 100.0, io.actuators[valve])

	// guard unmet: step holds
	e.Scan(now.Add(time.Second))
	assert.Equal(t, 100.0, io.actuators[valve])

	// level passes the guard: next step closes the valve
	io.sensors[level] = 80
	e.Scan(now.Add(2 * time.Second))
	assert.Equal(t, 0.0, io.actuators[valve])
}

func TestSequencerHoldFor(t *testing.T) {
	seq, err := NewSequencer(SequencerConfig{
		Name: "timed",
		Steps: []Step{
			{Name: "a", HoldFor: 10 * time.Second},
			{Name: "b"},
		},
	})
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	read := func(Tag) (float64, bool) { return 0, true }

	seq.Advance(now, read)
	assert.Equal(t, "a", seq.Current())
	seq.Advance(now.Add(5*time.Second), read)
	assert.Equal(t, "a", seq.Current())
	seq.Advance(now.Add(11*time.Second), read)
	assert.Equal(t, "b", seq.Current())

	// table exhausted, non-looping
	seq.Advance(now.Add(12*time.Second), read)
	assert.True(t, seq.Done())
}
