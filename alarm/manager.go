// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package alarm evaluates alarm rules against the live sample stream and
// drives the ISA-18.2 alarm state machine, with shelving, suppression,
// flood detection and a bounded history.
package alarm

import (
	"sync"
	"time"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
)

// State is the ISA-18.2 alarm state.
type State uint8

// alarm states
const (
	Normal State = iota
	ActiveUnack
	ActiveAck
	ClearedUnack
)

var alarmStateNames = []string{"NORMAL", "ACTIVE_UNACK", "ACTIVE_ACK", "CLEARED_UNACK"}

func (sf State) String() string {
	if int(sf) < len(alarmStateNames) {
		return alarmStateNames[sf]
	}
	return "UNKNOWN"
}

// legal ISA-18.2 transitions; nothing else is ever written
var alarmLegalNext = map[State][]State{
	Normal:       {ActiveUnack},
	ActiveUnack:  {ActiveAck, ClearedUnack},
	ActiveAck:    {Normal},
	ClearedUnack: {Normal, ActiveUnack},
}

func canEnter(from, to State) bool {
	for _, s := range alarmLegalNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Alarm is one alarm instance.
type Alarm struct {
	ID        uint32
	RuleID    uint32
	RTU       uint16
	Slot      uint16
	Severity  Severity
	Condition Condition
	State     State
	TripTime  time.Time
	ClearTime time.Time
	AckTime   time.Time
	TripValue float64
	Operator  string
}

// SuppressKind is why a rule is not annunciating.
type SuppressKind uint8

// suppression kinds
const (
	SuppressNone SuppressKind = iota
	SuppressShelved
	SuppressByDesign
	SuppressOutOfService
)

// suppression tracks one rule's suppression with its audit trail fields.
type suppression struct {
	Kind   SuppressKind
	Until  time.Time // shelving only
	Reason string
}

// AuditEntry records an operator action on the alarm system.
type AuditEntry struct {
	Time    time.Time
	Action  string
	RuleID  uint32
	AlarmID uint32
	Operator string
	Reason  string
}

// Config tunes the manager.
// The default is applied for each unspecified value.
type Config struct {
	// FloodThreshold alarms within the flood window raising the
	// diagnostic; ISA-18.2 benchmark default 10.
	FloodThreshold int
	// FloodWindow default 10 minutes.
	FloodWindow time.Duration
	// MaxShelveDuration bounds one shelving, default 8 h.
	MaxShelveDuration time.Duration
	// HistoryDepth retained closed alarms, default 1024.
	HistoryDepth int
}

// Valid applies the default for each unspecified value.
func (sf *Config) Valid() error {
	if sf.FloodThreshold == 0 {
		sf.FloodThreshold = 10
	}
	if sf.FloodWindow == 0 {
		sf.FloodWindow = 10 * time.Minute
	}
	if sf.MaxShelveDuration == 0 {
		sf.MaxShelveDuration = 8 * time.Hour
	}
	if sf.HistoryDepth == 0 {
		sf.HistoryDepth = 1024
	}
	return nil
}

// Manager owns the rules, active alarms, history and audit trail. Writers
// are brief; readers snapshot under the same lock.
type Manager struct {
	cfg Config
	rec *diag.Recorder
	log clog.Clog

	mu          sync.RWMutex
	rules       map[uint32]*Rule
	active      map[uint32]*Alarm // keyed by rule ID
	suppressed  map[uint32]suppression
	pendingSince map[uint32]time.Time
	lastSample  map[[2]uint16]sampleMemo
	history     []Alarm
	audit       []AuditEntry
	nextAlarmID uint32
	tripTimes   []time.Time
	floodRaised bool
	now         func() time.Time
}

type sampleMemo struct {
	value float64
	at    time.Time
}

// NewManager create an alarm manager.
func NewManager(cfg Config, rec *diag.Recorder, log clog.Clog) (*Manager, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:          cfg,
		rec:          rec,
		log:          log,
		rules:        make(map[uint32]*Rule),
		active:       make(map[uint32]*Alarm),
		suppressed:   make(map[uint32]suppression),
		pendingSince: make(map[uint32]time.Time),
		lastSample:   make(map[[2]uint16]sampleMemo),
		now:          time.Now,
	}, nil
}

// AddRule register a rule.
func (sf *Manager) AddRule(r Rule) error {
	if err := r.Valid(); err != nil {
		return diag.Wrap("alarm.add", err)
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, ok := sf.rules[r.ID]; ok {
		return diag.Newf("alarm.add", diag.InvalidParameter, "duplicate rule %d", r.ID)
	}
	sf.rules[r.ID] = &r
	return nil
}

// SetRuleSetPoint update a DEV rule's reference, fed by the control engine.
func (sf *Manager) SetRuleSetPoint(ruleID uint32, sp float64) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if r, ok := sf.rules[ruleID]; ok {
		r.SetPoint = sp
	}
}

// Evaluate run every matching rule against a fresh sample.
func (sf *Manager) Evaluate(rtu, slot uint16, value float64, q pnet.Quality, at time.Time) {
	if q == pnet.QualityBad {
		return // bad samples never drive alarm state
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()

	key := [2]uint16{rtu, slot}
	memo, hadMemo := sf.lastSample[key]
	sf.lastSample[key] = sampleMemo{value: value, at: at}

	for _, r := range sf.rules {
		if !r.Enabled || r.RTU != rtu || r.Slot != slot {
			continue
		}
		v := value
		if r.Condition == ROC {
			if !hadMemo || !at.After(memo.at) {
				continue
			}
			v = (value - memo.value) / at.Sub(memo.at).Seconds()
		}
		sf.evaluateRule(r, v, value, at)
	}
}

// evaluateRule must hold mu.
func (sf *Manager) evaluateRule(r *Rule, v, raw float64, at time.Time) {
	a := sf.active[r.ID]

	if a == nil || a.State == ClearedUnack {
		if r.violated(v) {
			since, pending := sf.pendingSince[r.ID]
			if !pending {
				sf.pendingSince[r.ID] = at
				since = at
			}
			if at.Sub(since) >= r.Delay {
				delete(sf.pendingSince, r.ID)
				sf.trip(r, a, raw, at)
			}
		} else {
			delete(sf.pendingSince, r.ID)
			if a != nil && a.State == ClearedUnack {
				// stays cleared, waiting for the operator ack
				return
			}
		}
		return
	}

	// ACTIVE_UNACK or ACTIVE_ACK: watch for the clear
	if r.cleared(v) {
		sf.clear(a, at)
	}
}

// trip move NORMAL (or CLEARED_UNACK) to ACTIVE_UNACK.
func (sf *Manager) trip(r *Rule, existing *Alarm, value float64, at time.Time) {
	if sup, ok := sf.suppressed[r.ID]; ok && sup.Kind != SuppressNone {
		if sup.Kind == SuppressShelved && sf.now().After(sup.Until) {
			delete(sf.suppressed, r.ID)
		} else {
			return
		}
	}

	if existing != nil {
		if !canEnter(existing.State, ActiveUnack) {
			return
		}
		existing.State = ActiveUnack
		existing.TripTime = at
		existing.TripValue = value
		sf.recordTrip(at)
		return
	}

	if len(sf.active) >= 256 {
		if sf.rec != nil {
			sf.rec.Emitf(diag.ResourceExhausted, diag.Major, "alarm",
				"active alarm table full, rule %d not annunciated", r.ID)
		}
		return
	}

	sf.nextAlarmID++
	a := &Alarm{
		ID:        sf.nextAlarmID,
		RuleID:    r.ID,
		RTU:       r.RTU,
		Slot:      r.Slot,
		Severity:  r.Severity,
		Condition: r.Condition,
		State:     ActiveUnack,
		TripTime:  at,
		TripValue: value,
	}
	sf.active[r.ID] = a
	sf.recordTrip(at)
	sf.log.Warn("alarm: rule %d tripped, value %.3f", r.ID, value)
}

// clear handle the condition releasing.
func (sf *Manager) clear(a *Alarm, at time.Time) {
	switch a.State {
	case ActiveUnack:
		if canEnter(a.State, ClearedUnack) {
			a.State = ClearedUnack
			a.ClearTime = at
		}
	case ActiveAck:
		if canEnter(a.State, Normal) {
			a.State = Normal
			a.ClearTime = at
			sf.retire(a)
		}
	}
}

// Ack acknowledge an alarm by its alarm ID.
func (sf *Manager) Ack(alarmID uint32, operator string) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	for _, a := range sf.active {
		if a.ID != alarmID {
			continue
		}
		now := sf.now()
		switch a.State {
		case ActiveUnack:
			a.State = ActiveAck
		case ClearedUnack:
			a.State = Normal
		default:
			return diag.Newf("alarm.ack", diag.IllegalTransition,
				"alarm %d in %v cannot be acknowledged", alarmID, a.State)
		}
		a.AckTime = now
		a.Operator = operator
		sf.audit = append(sf.audit, AuditEntry{
			Time: now, Action: "ack", RuleID: a.RuleID, AlarmID: a.ID, Operator: operator,
		})
		if a.State == Normal {
			sf.retire(a)
		}
		return nil
	}
	return diag.Newf("alarm.ack", diag.InvalidParameter, "no active alarm %d", alarmID)
}

// Shelve suppress a rule for a bounded time with a reason; audited.
func (sf *Manager) Shelve(ruleID uint32, d time.Duration, operator, reason string) error {
	if reason == "" {
		return diag.New("alarm.shelve", diag.InvalidParameter, "shelving requires a reason")
	}
	if d <= 0 || d > sf.cfg.MaxShelveDuration {
		return diag.Newf("alarm.shelve", diag.InvalidParameter,
			"duration %v outside (0, %v]", d, sf.cfg.MaxShelveDuration)
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, ok := sf.rules[ruleID]; !ok {
		return diag.Newf("alarm.shelve", diag.InvalidParameter, "no rule %d", ruleID)
	}
	now := sf.now()
	sf.suppressed[ruleID] = suppression{Kind: SuppressShelved, Until: now.Add(d), Reason: reason}
	sf.audit = append(sf.audit, AuditEntry{
		Time: now, Action: "shelve", RuleID: ruleID, Operator: operator, Reason: reason,
	})
	return nil
}

// Suppress suppress a rule by design; audited, no time bound.
func (sf *Manager) Suppress(ruleID uint32, operator, reason string) error {
	if reason == "" {
		return diag.New("alarm.suppress", diag.InvalidParameter, "suppression requires a reason")
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, ok := sf.rules[ruleID]; !ok {
		return diag.Newf("alarm.suppress", diag.InvalidParameter, "no rule %d", ruleID)
	}
	now := sf.now()
	sf.suppressed[ruleID] = suppression{Kind: SuppressByDesign, Reason: reason}
	sf.audit = append(sf.audit, AuditEntry{
		Time: now, Action: "suppress", RuleID: ruleID, Operator: operator, Reason: reason,
	})
	return nil
}

// OutOfService disable a rule for maintenance; audited.
func (sf *Manager) OutOfService(ruleID uint32, operator, reason string) error {
	if reason == "" {
		return diag.New("alarm.oos", diag.InvalidParameter, "out-of-service requires a reason")
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, ok := sf.rules[ruleID]; !ok {
		return diag.Newf("alarm.oos", diag.InvalidParameter, "no rule %d", ruleID)
	}
	now := sf.now()
	sf.suppressed[ruleID] = suppression{Kind: SuppressOutOfService, Reason: reason}
	sf.audit = append(sf.audit, AuditEntry{
		Time: now, Action: "out-of-service", RuleID: ruleID, Operator: operator, Reason: reason,
	})
	return nil
}

// Unsuppress lift any suppression from a rule; audited.
func (sf *Manager) Unsuppress(ruleID uint32, operator string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	delete(sf.suppressed, ruleID)
	sf.audit = append(sf.audit, AuditEntry{
		Time: sf.now(), Action: "unsuppress", RuleID: ruleID, Operator: operator,
	})
}

// Active snapshot the live alarms.
func (sf *Manager) Active() []Alarm {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	out := make([]Alarm, 0, len(sf.active))
	for _, a := range sf.active {
		out = append(out, *a)
	}
	return out
}

// History snapshot the retired alarms, oldest first.
func (sf *Manager) History() []Alarm {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	out := make([]Alarm, len(sf.history))
	copy(out, sf.history)
	return out
}

// Audit snapshot the audit trail.
func (sf *Manager) Audit() []AuditEntry {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	out := make([]AuditEntry, len(sf.audit))
	copy(out, sf.audit)
	return out
}

// retire move a closed alarm into history; must hold mu.
func (sf *Manager) retire(a *Alarm) {
	delete(sf.active, a.RuleID)
	sf.history = append(sf.history, *a)
	if len(sf.history) > sf.cfg.HistoryDepth {
		sf.history = sf.history[len(sf.history)-sf.cfg.HistoryDepth:]
	}
}

// recordTrip track trip times for flood detection; must hold mu.
func (sf *Manager) recordTrip(at time.Time) {
	cutoff := at.Add(-sf.cfg.FloodWindow)
	kept := sf.tripTimes[:0]
	for _, t := range sf.tripTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sf.tripTimes = append(kept, at)

	if len(sf.tripTimes) > sf.cfg.FloodThreshold {
		if !sf.floodRaised && sf.rec != nil {
			sf.rec.Emitf(diag.AlarmFlood, diag.Major, "alarm",
				"%d alarms within %v", len(sf.tripTimes), sf.cfg.FloodWindow)
		}
		sf.floodRaised = true
	} else {
		sf.floodRaised = false
	}
}
