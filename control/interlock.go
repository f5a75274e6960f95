// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package control

import (
	"errors"
	"time"
)

// TripDirection selects which side of the threshold trips an interlock.
type TripDirection uint8

// trip directions
const (
	TripAbove TripDirection = iota // trip when the sensor exceeds the threshold
	TripBelow                      // trip when the sensor falls under it
)

// InterlockConfig is one safety rule: when the sensor stays past the
// threshold for the trip delay, the target actuator is forced to the safe
// value. Interlocks mirror rules the RTU also enforces locally, so the
// protection holds through a supervisory link loss.
type InterlockConfig struct {
	ID        string
	Sensor    Tag
	Threshold float64
	Direction TripDirection
	Target    Tag
	SafeValue float64
	TripDelay time.Duration
}

// Valid check the configuration.
func (sf *InterlockConfig) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if sf.ID == "" {
		return errors.New("interlock requires an id")
	}
	return nil
}

// Interlock is one rule instance with its delay state.
type Interlock struct {
	cfg          InterlockConfig
	pendingSince time.Time
	tripped      bool
}

// NewInterlock create a rule instance.
func NewInterlock(cfg InterlockConfig) (*Interlock, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return &Interlock{cfg: cfg}, nil
}

// ID the rule identifier.
func (sf *Interlock) ID() string { return sf.cfg.ID }

// Sensor the watched tag.
func (sf *Interlock) Sensor() Tag { return sf.cfg.Sensor }

// Target the forced actuator tag.
func (sf *Interlock) Target() Tag { return sf.cfg.Target }

// SafeValue the value forced while tripped.
func (sf *Interlock) SafeValue() float64 { return sf.cfg.SafeValue }

// Tripped reports the current trip state.
func (sf *Interlock) Tripped() bool { return sf.tripped }

// Evaluate advance the rule with a fresh sensor value. Returns true while
// the interlock holds its target in the safe state.
func (sf *Interlock) Evaluate(value float64, now time.Time) bool {
	violated := false
	switch sf.cfg.Direction {
	case TripAbove:
		violated = value > sf.cfg.Threshold
	case TripBelow:
		violated = value < sf.cfg.Threshold
	}

	if !violated {
		sf.pendingSince = time.Time{}
		sf.tripped = false
		return false
	}

	if sf.tripped {
		return true
	}
	if sf.pendingSince.IsZero() {
		sf.pendingSince = now
	}
	if now.Sub(sf.pendingSince) >= sf.cfg.TripDelay {
		sf.tripped = true
	}
	return sf.tripped
}
