// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package historian

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
)

func ns(sec float64) int64 {
	return int64(sec * float64(time.Second))
}

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 6; i++ {
		r.append(Sample{T: int64(i), V: float64(i)})
	}
	assert.Equal(t, 4, r.len())
	got := r.rangeCopy(0, 100)
	require.Len(t, got, 4)
	assert.Equal(t, int64(3), got[0].T)
	assert.Equal(t, int64(6), got[3].T)

	latest, ok := r.latest()
	require.True(t, ok)
	assert.Equal(t, int64(6), latest.T)
}

func TestDeadbandCompression(t *testing.T) {
	c := &deadband{dev: 0.5}

	kept := 0
	for _, v := range []float64{10, 10.2, 10.4, 11.0, 11.3, 9.0} {
		if len(c.Offer(Sample{T: ns(float64(kept)), V: v})) > 0 {
			kept++
		}
	}
	// 10 (first), 11.0 (moved 1.0), 9.0 (moved 2.0)
	assert.Equal(t, 3, kept)
}

func TestSwingingDoorKeepsTrendBreaks(t *testing.T) {
	c := &swingingDoor{dev: 0.1}

	var retained []Sample
	offer := func(sec, v float64) {
		retained = append(retained, c.Offer(Sample{T: ns(sec), V: v})...)
	}

	// a straight ramp compresses to its endpoints
	offer(0, 0)
	offer(1, 1)
	offer(2, 2)
	offer(3, 3)
	offer(4, 4)
	require.Len(t, retained, 1) // only the pivot so far

	// the trend breaks: the door closes and the held sample is retained
	offer(5, 0)
	assert.GreaterOrEqual(t, len(retained), 2)

	// flushing emits the final held sample
	final := c.Flush()
	require.Len(t, final, 1)
}

func TestSwingingDoorRampCompressesHard(t *testing.T) {
	c := &swingingDoor{dev: 0.5}
	kept := 0
	for i := 0; i < 100; i++ {
		kept += len(c.Offer(Sample{T: ns(float64(i)), V: float64(i) * 2}))
	}
	kept += len(c.Flush())
	// a perfect ramp needs only its two endpoints
	assert.LessOrEqual(t, kept, 3)
}

func TestBoxcarWindow(t *testing.T) {
	c := &boxcar{window: ns(10), dev: 5}

	assert.Len(t, c.Offer(Sample{T: ns(0), V: 1}), 1)
	// inside window, inside deadband
	assert.Empty(t, c.Offer(Sample{T: ns(3), V: 2}))
	// inside window but escapes the deadband
	assert.Len(t, c.Offer(Sample{T: ns(5), V: 20}), 1)
	// outside the window
	assert.Len(t, c.Offer(Sample{T: ns(16), V: 20.1}), 1)
}

func TestAppendMonotonicPerTag(t *testing.T) {
	h := New(nil, nil, clog.NewLogger("hist-test "))
	require.NoError(t, h.Configure(1, TagConfig{SampleInterval: time.Millisecond}))

	h.Append(Sample{TagID: 1, T: ns(10), V: 1, Q: 2})
	h.Append(Sample{TagID: 1, T: ns(5), V: 2, Q: 2}) // out of order, dropped
	h.Append(Sample{TagID: 1, T: ns(20), V: 3, Q: 2})

	it, err := h.Query(1, time.Unix(0, 0), time.Unix(100, 0))
	require.NoError(t, err)
	var ts []int64
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		ts = append(ts, s.T)
	}
	assert.Equal(t, []int64{ns(10), ns(20)}, ts)
}

func TestSampleRateLimiting(t *testing.T) {
	h := New(nil, nil, clog.NewLogger("hist-test "))
	require.NoError(t, h.Configure(1, TagConfig{SampleInterval: time.Second}))

	h.Append(Sample{TagID: 1, T: ns(0), V: 1, Q: 2})
	h.Append(Sample{TagID: 1, T: ns(0.5), V: 2, Q: 2}) // too soon
	h.Append(Sample{TagID: 1, T: ns(1.5), V: 3, Q: 2})

	it, _ := h.Query(1, time.Unix(0, 0), time.Unix(100, 0))
	count := 0
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)
}

func TestSQLiteWriteQueryRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	defer store.Close()

	samples := []Sample{
		{TagID: 7, T: ns(1), V: 1.5, Q: 2},
		{TagID: 7, T: ns(2), V: 2.5, Q: 2},
		{TagID: 7, T: ns(3), V: 3.5, Q: 1},
	}
	require.NoError(t, store.WriteChunk(7, samples))

	got, err := store.QueryRange(7, ns(1), ns(2))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.5, got[0].V)
	assert.Equal(t, 2.5, got[1].V)

	// other tags stay invisible
	got, err = store.QueryRange(8, 0, ns(100))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistorianFlushAndQueryMergesRingAndStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	defer store.Close()

	h := New(store, nil, clog.NewLogger("hist-test "))
	require.NoError(t, h.Configure(1, TagConfig{SampleInterval: time.Millisecond}))

	h.Append(Sample{TagID: 1, T: ns(1), V: 1, Q: 2})
	h.Append(Sample{TagID: 1, T: ns(2), V: 2, Q: 2})
	h.Flush()
	h.Append(Sample{TagID: 1, T: ns(3), V: 3, Q: 2}) // only in the ring

	it, err := h.Query(1, time.Unix(0, 0), time.Unix(100, 0))
	require.NoError(t, err)
	var vals []float64
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		vals = append(vals, s.V)
	}
	assert.Equal(t, []float64{1, 2, 3}, vals)
}

type failingStore struct{ fail bool }

func (sf *failingStore) WriteChunk(uint32, []Sample) error {
	if sf.fail {
		return diag.New("test", diag.HistorianPersistFail, "down")
	}
	return nil
}
func (sf *failingStore) QueryRange(uint32, int64, int64) ([]Sample, error) { return nil, nil }
func (sf *failingStore) Prune(uint32, int64) error                        { return nil }
func (sf *failingStore) Close() error                                     { return nil }

func TestPersistFailureKeepsServingAndRaisesDiag(t *testing.T) {
	rec := diag.NewRecorder()
	events := rec.Subscribe(8)
	store := &failingStore{fail: true}

	h := New(store, rec, clog.NewLogger("hist-test "))
	require.NoError(t, h.Configure(1, TagConfig{SampleInterval: time.Millisecond}))

	h.Append(Sample{TagID: 1, T: ns(1), V: 1, Q: 2})
	h.Flush()

	select {
	case ev := <-events:
		assert.Equal(t, diag.HistorianPersistFail, ev.Code)
	default:
		t.Fatal("expected HISTORIAN_PERSIST_FAIL")
	}

	// the diagnostic is raised once per outage, not per flush
	h.Append(Sample{TagID: 1, T: ns(2), V: 2, Q: 2})
	h.Flush()
	assert.Empty(t, events)

	// rings keep serving
	s, ok := h.Latest(1)
	require.True(t, ok)
	assert.Equal(t, 2.0, s.V)

	// recovery clears the latch
	store.fail = false
	h.Flush()
	h.Append(Sample{TagID: 1, T: ns(3), V: 3, Q: 2})
	store.fail = true
	h.Flush()
	select {
	case ev := <-events:
		assert.Equal(t, diag.HistorianPersistFail, ev.Code)
	default:
		t.Fatal("expected a second HISTORIAN_PERSIST_FAIL after recovery")
	}
}

func TestSQLitePrune(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hist.db"))
	require.NoError(t, err)
	defer store.Close()

	old := Sample{TagID: 1, T: ns(1), V: 1, Q: 2}
	recent := Sample{TagID: 1, T: 40 * nsPerDay, V: 2, Q: 2}
	require.NoError(t, store.WriteChunk(1, []Sample{old, recent}))

	require.NoError(t, store.Prune(1, 10*nsPerDay))
	got, err := store.QueryRange(1, 0, 100*nsPerDay)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].V)
}
