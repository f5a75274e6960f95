// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package historian

import "math"

// Algorithm selects the per-tag compression.
type Algorithm uint8

// compression algorithms
const (
	CompressNone Algorithm = iota
	CompressDeadband
	CompressSwingingDoor
	CompressBoxcar
)

var algoNames = []string{"none", "deadband", "swinging-door", "boxcar"}

func (sf Algorithm) String() string {
	if int(sf) < len(algoNames) {
		return algoNames[sf]
	}
	return "unknown"
}

// compressor decides which samples are retained. Retained samples may be
// emitted late: the swinging door retains the previous sample once the door
// closes, so Offer returns the samples to store now (possibly none).
type compressor interface {
	// Offer the next sample; returns the samples to retain now.
	Offer(s Sample) []Sample
	// Flush any sample still held back.
	Flush() []Sample
}

// passthrough retains everything.
type passthrough struct{}

func (passthrough) Offer(s Sample) []Sample { return []Sample{s} }
func (passthrough) Flush() []Sample         { return nil }

// deadband retains a sample only when it moved far enough from the last
// retained one.
type deadband struct {
	dev  float64
	last Sample
	has  bool
}

func (sf *deadband) Offer(s Sample) []Sample {
	if sf.has && math.Abs(s.V-sf.last.V) <= sf.dev {
		return nil
	}
	sf.last = s
	sf.has = true
	return []Sample{s}
}

func (sf *deadband) Flush() []Sample { return nil }

// swingingDoor is the classic SDT trend compressor: a sample is retained
// only when no straight line from the last retained sample can pass within
// the deviation of every intermediate sample.
type swingingDoor struct {
	dev float64

	pivot   Sample
	held    Sample
	hasPivot bool
	hasHeld  bool
	slopeHi  float64
	slopeLo  float64
}

func (sf *swingingDoor) Offer(s Sample) []Sample {
	if !sf.hasPivot {
		sf.pivot = s
		sf.hasPivot = true
		return []Sample{s}
	}
	dt := float64(s.T - sf.pivot.T)
	if dt <= 0 {
		return nil
	}
	hi := (s.V + sf.dev - sf.pivot.V) / dt
	lo := (s.V - sf.dev - sf.pivot.V) / dt

	if !sf.hasHeld {
		sf.slopeHi = hi
		sf.slopeLo = lo
		sf.held = s
		sf.hasHeld = true
		return nil
	}

	if hi < sf.slopeHi {
		sf.slopeHi = hi
	}
	if lo > sf.slopeLo {
		sf.slopeLo = lo
	}
	if sf.slopeLo > sf.slopeHi {
		// the door closed: the held sample becomes a new pivot
		retained := sf.held
		sf.pivot = retained
		dt := float64(s.T - sf.pivot.T)
		if dt <= 0 {
			dt = 1
		}
		sf.slopeHi = (s.V + sf.dev - sf.pivot.V) / dt
		sf.slopeLo = (s.V - sf.dev - sf.pivot.V) / dt
		sf.held = s
		return []Sample{retained}
	}

	sf.held = s
	return nil
}

func (sf *swingingDoor) Flush() []Sample {
	if !sf.hasHeld {
		return nil
	}
	sf.hasHeld = false
	out := sf.held
	sf.pivot = out
	return []Sample{out}
}

// boxcar retains at most one sample per window unless the value escapes the
// deadband first.
type boxcar struct {
	window int64 // ns
	dev    float64
	last   Sample
	has    bool
}

func (sf *boxcar) Offer(s Sample) []Sample {
	if sf.has && s.T-sf.last.T < sf.window && math.Abs(s.V-sf.last.V) <= sf.dev {
		return nil
	}
	sf.last = s
	sf.has = true
	return []Sample{s}
}

func (sf *boxcar) Flush() []Sample { return nil }

// newCompressor build the per-tag compressor for a configuration.
func newCompressor(cfg TagConfig) compressor {
	switch cfg.Algorithm {
	case CompressDeadband:
		return &deadband{dev: cfg.Deadband}
	case CompressSwingingDoor:
		return &swingingDoor{dev: cfg.Deadband}
	case CompressBoxcar:
		return &boxcar{window: cfg.BoxcarWindow.Nanoseconds(), dev: cfg.Deadband}
	default:
		return passthrough{}
	}
}
