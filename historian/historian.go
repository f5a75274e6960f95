// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package historian

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
)

// TagConfig parametrizes one tag's recording.
// The default is applied for each unspecified value.
type TagConfig struct {
	// SampleInterval minimum spacing between recorded samples,
	// default 100 ms.
	SampleInterval time.Duration
	// Deadband deviation for the compressing algorithms.
	Deadband float64
	Algorithm Algorithm
	// BoxcarWindow for the boxcar algorithm, default 10 s.
	BoxcarWindow time.Duration
	// RetentionDays on persistent storage, default 30.
	RetentionDays int
	// RingCapacity in-memory samples, default 4096.
	RingCapacity int
}

// Valid applies the default for each unspecified value.
func (sf *TagConfig) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if sf.SampleInterval == 0 {
		sf.SampleInterval = 100 * time.Millisecond
	}
	if sf.BoxcarWindow == 0 {
		sf.BoxcarWindow = 10 * time.Second
	}
	if sf.RetentionDays == 0 {
		sf.RetentionDays = 30
	}
	if sf.RingCapacity == 0 {
		sf.RingCapacity = 4096
	}
	if sf.Deadband < 0 {
		return errors.New("deadband must not be negative")
	}
	return nil
}

// maxUnflushed bounds the per-tag flush backlog; beyond it the oldest
// unflushed samples are overwritten rather than ever blocking the cyclic
// path on historian I/O.
const maxUnflushed = 16384

// tagState is one tag's recording machinery.
type tagState struct {
	cfg        TagConfig
	ring       *ring
	comp       compressor
	unflushed  []Sample
	lastOffer  int64 // ns of the last sample offered, for rate limiting
	lastAppend int64 // ns of the last retained sample, for monotonicity
	dropped    uint64
}

// Historian owns every tag's ring and the flush cycle.
type Historian struct {
	store ChunkWriter
	rec   *diag.Recorder
	log   clog.Clog

	// FlushInterval between store writes, default 5 s.
	FlushInterval time.Duration

	mu          sync.Mutex
	tags        map[uint32]*tagState
	persistDown bool
}

// New create a historian over a store. store may be nil: rings only.
func New(store ChunkWriter, rec *diag.Recorder, log clog.Clog) *Historian {
	return &Historian{
		store:         store,
		rec:           rec,
		log:           log,
		FlushInterval: 5 * time.Second,
		tags:          make(map[uint32]*tagState),
	}
}

// Configure register a tag.
func (sf *Historian) Configure(tag uint32, cfg TagConfig) error {
	if err := cfg.Valid(); err != nil {
		return diag.Wrap("historian.configure", err)
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.tags[tag] = &tagState{
		cfg:  cfg,
		ring: newRing(cfg.RingCapacity),
		comp: newCompressor(cfg),
	}
	return nil
}

// Append offer one sample. Unconfigured tags get a default configuration on
// first contact. Never blocks.
func (sf *Historian) Append(s Sample) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	ts, ok := sf.tags[s.TagID]
	if !ok {
		cfg := TagConfig{}
		cfg.Valid()
		ts = &tagState{cfg: cfg, ring: newRing(cfg.RingCapacity), comp: newCompressor(cfg)}
		sf.tags[s.TagID] = ts
	}

	// every compressor retains a tag's first sample, so an empty ring means
	// nothing was offered yet
	seen := ts.ring.len() > 0
	// per-tag sample rate
	if seen && s.T-ts.lastOffer < ts.cfg.SampleInterval.Nanoseconds() {
		return
	}
	// timestamps are monotonic per tag; late samples are dropped
	if seen && s.T <= ts.lastAppend {
		ts.dropped++
		return
	}
	ts.lastOffer = s.T

	for _, retained := range ts.comp.Offer(s) {
		ts.lastAppend = retained.T
		ts.ring.append(retained)
		ts.unflushed = append(ts.unflushed, retained)
		if len(ts.unflushed) > maxUnflushed {
			ts.unflushed = ts.unflushed[len(ts.unflushed)-maxUnflushed:]
			ts.dropped++
		}
	}
}

// Run flush periodically until ctx is done, then flush once more.
func (sf *Historian) Run(ctx context.Context) error {
	ticker := time.NewTicker(sf.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sf.Flush()
			return nil
		case <-ticker.C:
			sf.Flush()
		}
	}
}

// Flush write every tag's backlog to the store. Store failures leave the
// rings serving and raise HISTORIAN_PERSIST_FAIL once per outage.
func (sf *Historian) Flush() {
	if sf.store == nil {
		return
	}
	sf.mu.Lock()
	type batch struct {
		tag     uint32
		samples []Sample
	}
	var batches []batch
	for tag, ts := range sf.tags {
		if len(ts.unflushed) == 0 {
			continue
		}
		samples := make([]Sample, len(ts.unflushed))
		copy(samples, ts.unflushed)
		batches = append(batches, batch{tag: tag, samples: samples})
	}
	sf.mu.Unlock()

	var failed bool
	for _, b := range batches {
		if err := sf.store.WriteChunk(b.tag, b.samples); err != nil {
			failed = true
			sf.log.Warn("historian: flush of tag %d failed: %v", b.tag, err)
			continue
		}
		sf.mu.Lock()
		if ts, ok := sf.tags[b.tag]; ok {
			// drop exactly what was written; later appends stay
			if len(ts.unflushed) >= len(b.samples) {
				ts.unflushed = append(ts.unflushed[:0], ts.unflushed[len(b.samples):]...)
			} else {
				ts.unflushed = ts.unflushed[:0]
			}
		}
		sf.mu.Unlock()
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if failed && !sf.persistDown {
		sf.persistDown = true
		if sf.rec != nil {
			sf.rec.Emitf(diag.HistorianPersistFail, diag.Major, "historian",
				"persistent store unreachable, serving from rings")
		}
	} else if !failed {
		sf.persistDown = false
	}
}

// Prune apply each tag's retention horizon on the store.
func (sf *Historian) Prune(now time.Time) {
	if sf.store == nil {
		return
	}
	sf.mu.Lock()
	horizons := make(map[uint32]int64, len(sf.tags))
	for tag, ts := range sf.tags {
		horizons[tag] = now.Add(-time.Duration(ts.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
	}
	sf.mu.Unlock()

	for tag, horizon := range horizons {
		if err := sf.store.Prune(tag, horizon); err != nil {
			sf.log.Warn("historian: prune of tag %d failed: %v", tag, err)
		}
	}
}

// Iterator walks a query result once; it is finite and not restartable.
type Iterator struct {
	samples []Sample
	pos     int
}

// Next the next sample, ok false at the end.
func (sf *Iterator) Next() (Sample, bool) {
	if sf.pos >= len(sf.samples) {
		return Sample{}, false
	}
	s := sf.samples[sf.pos]
	sf.pos++
	return s, true
}

// Query samples of one tag with start <= T <= end, merged from the store
// and the in-memory ring, de-duplicated by timestamp, ordered.
func (sf *Historian) Query(tag uint32, start, end time.Time) (*Iterator, error) {
	startNs, endNs := start.UnixNano(), end.UnixNano()

	var persisted []Sample
	if sf.store != nil {
		var err error
		persisted, err = sf.store.QueryRange(tag, startNs, endNs)
		if err != nil {
			sf.log.Warn("historian: store query for tag %d failed, rings only: %v", tag, err)
			persisted = nil
		}
	}

	sf.mu.Lock()
	var recent []Sample
	if ts, ok := sf.tags[tag]; ok {
		recent = ts.ring.rangeCopy(startNs, endNs)
	}
	sf.mu.Unlock()

	seen := make(map[int64]struct{}, len(persisted))
	merged := make([]Sample, 0, len(persisted)+len(recent))
	for _, s := range persisted {
		seen[s.T] = struct{}{}
		merged = append(merged, s)
	}
	for _, s := range recent {
		if _, dup := seen[s.T]; !dup {
			merged = append(merged, s)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].T < merged[j].T })
	return &Iterator{samples: merged}, nil
}

// Latest the newest retained sample of a tag.
func (sf *Historian) Latest(tag uint32) (Sample, bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	ts, ok := sf.tags[tag]
	if !ok {
		return Sample{}, false
	}
	return ts.ring.latest()
}
