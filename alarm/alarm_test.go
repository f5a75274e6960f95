// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
)

func newTestManager(t *testing.T, rec *diag.Recorder) *Manager {
	t.Helper()
	m, err := NewManager(Config{}, rec, clog.NewLogger("alarm-test "))
	require.NoError(t, err)
	return m
}

func phRule() Rule {
	return Rule{
		ID: 1, RTU: 0, Slot: 4, Condition: HI,
		Threshold: 8.5, Hysteresis: 0.2,
		Delay:    100 * time.Millisecond,
		Severity: SevCrit, Enabled: true,
	}
}

func TestAlarmRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.AddRule(phRule()))

	t0 := time.Unix(1000, 0)

	// pH 8.6 sustained: first sample arms the delay, trip at >= 100 ms
	m.Evaluate(0, 4, 8.6, pnet.QualityGood, t0)
	assert.Empty(t, m.Active())

	m.Evaluate(0, 4, 8.6, pnet.QualityGood, t0.Add(50*time.Millisecond))
	assert.Empty(t, m.Active())

	m.Evaluate(0, 4, 8.6, pnet.QualityGood, t0.Add(120*time.Millisecond))
	active := m.Active()
	require.Len(t, active, 1)
	a := active[0]
	assert.Equal(t, ActiveUnack, a.State)
	assert.Equal(t, 8.6, a.TripValue)
	assert.Equal(t, t0.Add(120*time.Millisecond), a.TripTime)

	// operator acknowledges
	require.NoError(t, m.Ack(a.ID, "jmayer"))
	active = m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, ActiveAck, active[0].State)
	assert.Equal(t, "jmayer", active[0].Operator)

	// value returns to normal: ACTIVE_ACK -> NORMAL, retired into history
	m.Evaluate(0, 4, 7.0, pnet.QualityGood, t0.Add(time.Second))
	assert.Empty(t, m.Active())

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, Normal, hist[0].State)
	assert.False(t, hist[0].TripTime.IsZero())
	assert.False(t, hist[0].AckTime.IsZero())
	assert.False(t, hist[0].ClearTime.IsZero())
}

func TestClearBeforeAck(t *testing.T) {
	m := newTestManager(t, nil)
	r := phRule()
	r.Delay = 0
	require.NoError(t, m.AddRule(r))

	t0 := time.Unix(1000, 0)
	m.Evaluate(0, 4, 9.0, pnet.QualityGood, t0)
	require.Len(t, m.Active(), 1)

	// clears while unacknowledged -> CLEARED_UNACK, still listed
	m.Evaluate(0, 4, 7.0, pnet.QualityGood, t0.Add(time.Second))
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, ClearedUnack, active[0].State)

	// ack of the cleared alarm retires it
	require.NoError(t, m.Ack(active[0].ID, "op"))
	assert.Empty(t, m.Active())
	assert.Len(t, m.History(), 1)
}

func TestRetripFromClearedUnack(t *testing.T) {
	m := newTestManager(t, nil)
	r := phRule()
	r.Delay = 0
	require.NoError(t, m.AddRule(r))

	t0 := time.Unix(1000, 0)
	m.Evaluate(0, 4, 9.0, pnet.QualityGood, t0)
	m.Evaluate(0, 4, 7.0, pnet.QualityGood, t0.Add(time.Second))
	require.Equal(t, ClearedUnack, m.Active()[0].State)

	m.Evaluate(0, 4, 9.2, pnet.QualityGood, t0.Add(2*time.Second))
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, ActiveUnack, active[0].State)
	assert.Equal(t, 9.2, active[0].TripValue)
}

func TestHysteresisPreventsChatter(t *testing.T) {
	m := newTestManager(t, nil)
	r := phRule()
	r.Delay = 0
	require.NoError(t, m.AddRule(r))

	t0 := time.Unix(1000, 0)
	m.Evaluate(0, 4, 8.6, pnet.QualityGood, t0)
	require.Len(t, m.Active(), 1)

	// hovering just under the threshold stays inside the hysteresis band
	m.Evaluate(0, 4, 8.4, pnet.QualityGood, t0.Add(time.Second))
	assert.Equal(t, ActiveUnack, m.Active()[0].State)

	// below threshold - hysteresis finally clears
	m.Evaluate(0, 4, 8.2, pnet.QualityGood, t0.Add(2*time.Second))
	assert.Equal(t, ClearedUnack, m.Active()[0].State)
}

func TestShortExcursionUnderDelayNeverTrips(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.AddRule(phRule()))

	t0 := time.Unix(1000, 0)
	m.Evaluate(0, 4, 8.6, pnet.QualityGood, t0)
	m.Evaluate(0, 4, 7.0, pnet.QualityGood, t0.Add(50*time.Millisecond))
	m.Evaluate(0, 4, 8.6, pnet.QualityGood, t0.Add(80*time.Millisecond))
	assert.Empty(t, m.Active())
}

func TestBadQualityIgnored(t *testing.T) {
	m := newTestManager(t, nil)
	r := phRule()
	r.Delay = 0
	require.NoError(t, m.AddRule(r))

	m.Evaluate(0, 4, 9.9, pnet.QualityBad, time.Unix(1000, 0))
	assert.Empty(t, m.Active())
}

func TestROCRule(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.AddRule(Rule{
		ID: 2, RTU: 0, Slot: 7, Condition: ROC,
		Threshold: 5, Severity: SevWarn, Enabled: true,
	}))

	t0 := time.Unix(1000, 0)
	m.Evaluate(0, 7, 10, pnet.QualityGood, t0)
	assert.Empty(t, m.Active())

	// 3 units in one second: under the 5/s threshold
	m.Evaluate(0, 7, 13, pnet.QualityGood, t0.Add(time.Second))
	assert.Empty(t, m.Active())

	// 8 units in one second: trips
	m.Evaluate(0, 7, 21, pnet.QualityGood, t0.Add(2*time.Second))
	require.Len(t, m.Active(), 1)
}

func TestDEVRule(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.AddRule(Rule{
		ID: 3, RTU: 1, Slot: 2, Condition: DEV,
		Threshold: 2, SetPoint: 50, Severity: SevWarn, Enabled: true,
	}))

	t0 := time.Unix(1000, 0)
	m.Evaluate(1, 2, 51, pnet.QualityGood, t0)
	assert.Empty(t, m.Active())

	m.Evaluate(1, 2, 54, pnet.QualityGood, t0.Add(time.Second))
	require.Len(t, m.Active(), 1)

	// updating the set-point re-centers the band
	m.SetRuleSetPoint(3, 54)
	m.Evaluate(1, 2, 54, pnet.QualityGood, t0.Add(2*time.Second))
	assert.Equal(t, ClearedUnack, m.Active()[0].State)
}

func TestShelveSuppressesTrips(t *testing.T) {
	m := newTestManager(t, nil)
	r := phRule()
	r.Delay = 0
	require.NoError(t, m.AddRule(r))

	require.Error(t, m.Shelve(1, time.Hour, "op", "")) // reason mandatory
	require.Error(t, m.Shelve(1, 100*time.Hour, "op", "maintenance")) // over the cap
	require.NoError(t, m.Shelve(1, time.Hour, "op", "maintenance"))

	m.Evaluate(0, 4, 9.9, pnet.QualityGood, time.Unix(1000, 0))
	assert.Empty(t, m.Active())

	audit := m.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, "shelve", audit[0].Action)
	assert.Equal(t, "maintenance", audit[0].Reason)

	m.Unsuppress(1, "op")
	m.Evaluate(0, 4, 9.9, pnet.QualityGood, time.Unix(1001, 0))
	assert.Len(t, m.Active(), 1)
}

func TestShelveExpires(t *testing.T) {
	m := newTestManager(t, nil)
	r := phRule()
	r.Delay = 0
	require.NoError(t, m.AddRule(r))

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Shelve(1, time.Minute, "op", "test"))
	m.Evaluate(0, 4, 9.9, pnet.QualityGood, now)
	assert.Empty(t, m.Active())

	now = now.Add(2 * time.Minute)
	m.Evaluate(0, 4, 9.9, pnet.QualityGood, now)
	assert.Len(t, m.Active(), 1)
}

func floodTrips(m *Manager, n int, base time.Time) {
	for i := 0; i < n; i++ {
		ruleID := uint32(100 + i)
		m.AddRule(Rule{
			ID: ruleID, RTU: 2, Slot: uint16(i), Condition: HI,
			Threshold: 1, Severity: SevWarn, Enabled: true,
		})
		m.Evaluate(2, uint16(i), 5, pnet.QualityGood, base.Add(time.Duration(i)*time.Second))
	}
}

func TestAlarmFloodElevenTrips(t *testing.T) {
	rec := diag.NewRecorder()
	events := rec.Subscribe(32)
	m := newTestManager(t, rec)

	floodTrips(m, 11, time.Unix(1000, 0))

	var flood bool
	for len(events) > 0 {
		if ev := <-events; ev.Code == diag.AlarmFlood {
			flood = true
		}
	}
	assert.True(t, flood)
}

func TestNoFloodAtNineTrips(t *testing.T) {
	rec := diag.NewRecorder()
	events := rec.Subscribe(32)
	m := newTestManager(t, rec)

	floodTrips(m, 9, time.Unix(1000, 0))

	for len(events) > 0 {
		ev := <-events
		assert.NotEqual(t, diag.AlarmFlood, ev.Code)
	}
}

func TestAckUnknownAlarm(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.Ack(99, "op")
	require.Error(t, err)
	assert.True(t, diag.IsCode(err, diag.InvalidParameter))
}

func TestDisabledRuleNeverTrips(t *testing.T) {
	m := newTestManager(t, nil)
	r := phRule()
	r.Enabled = false
	r.Delay = 0
	require.NoError(t, m.AddRule(r))

	m.Evaluate(0, 4, 9.9, pnet.QualityGood, time.Unix(1000, 0))
	assert.Empty(t, m.Active())
}
