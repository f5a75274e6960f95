// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package diag

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one structured diagnostic record.
type Event struct {
	Code     Code
	Severity Severity
	Source   string // emitting component, e.g. "cyclic", "coord"
	Message  string
	KV       map[string]string
	Time     time.Time
}

// String renders "SEVERITY CODE source: message k=v ...", keys sorted.
func (sf Event) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s: %s", sf.Severity, sf.Code, sf.Source, sf.Message)
	if len(sf.KV) > 0 {
		keys := make([]string, 0, len(sf.KV))
		for k := range sf.KV {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%s", k, sf.KV[k])
		}
	}
	return sb.String()
}

// Recorder fans diagnostic events out to subscribers over bounded channels.
// Emission never blocks: when a subscriber's channel is full the event is
// counted as dropped for that subscriber.
type Recorder struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Uint64
	now     func() time.Time
}

// NewRecorder create an event recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Subscribe register a new subscriber with the given buffer depth.
func (sf *Recorder) Subscribe(depth int) <-chan Event {
	if depth <= 0 {
		depth = 64
	}
	ch := make(chan Event, depth)
	sf.mu.Lock()
	sf.subs = append(sf.subs, ch)
	sf.mu.Unlock()
	return ch
}

// Emit publish one event to all subscribers.
func (sf *Recorder) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = sf.now()
	}
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	for _, ch := range sf.subs {
		select {
		case ch <- ev:
		default:
			sf.dropped.Add(1)
		}
	}
}

// Emitf build and publish an event with a formatted message.
func (sf *Recorder) Emitf(code Code, sev Severity, source, format string, v ...interface{}) {
	sf.Emit(Event{
		Code:     code,
		Severity: sev,
		Source:   source,
		Message:  fmt.Sprintf(format, v...),
	})
}

// Dropped total events not delivered because a subscriber lagged.
func (sf *Recorder) Dropped() uint64 { return sf.dropped.Load() }
