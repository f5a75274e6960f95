// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cyclic

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob-gra/go-pnio/ar"
	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/link"
	"github.com/rob-gra/go-pnio/pnet"
	"github.com/rob-gra/go-pnio/pnrpc"
)

var (
	ctrlMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	devMAC  = net.HardwareAddr{0x00, 0x0A, 0xCD, 0x01, 0x02, 0x03}
)

type capturedValue struct {
	station string
	slot    uint16
	data    []byte
	quality pnet.Quality
}

type captureSink struct {
	mu     sync.Mutex
	values []capturedValue
}

func (sf *captureSink) PublishInput(station string, cfg pnrpc.SlotConfig, data []byte, q pnet.Quality, now time.Time) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.values = append(sf.values, capturedValue{station, cfg.Slot, data, q})
}

func (sf *captureSink) len() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return len(sf.values)
}

func (sf *captureSink) last() (capturedValue, bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if len(sf.values) == 0 {
		return capturedValue{}, false
	}
	return sf.values[len(sf.values)-1], true
}

// harness wires a full establish over loopback UDP plus a memory link pair.
type harness struct {
	mgr    *ar.Manager
	a      *ar.AR
	sched  *Scheduler
	ctrl   *link.MemLink
	dev    *link.MemLink
	sink   *captureSink
	rec    *diag.Recorder
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	devConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctrlConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	sim := &pnrpc.DeviceSim{
		Conn: devConn, MAC: devMAC,
		InputFrameID: 0x8001, OutputFrameID: 0xC001,
	}

	rec := diag.NewRecorder()
	eng, err := pnrpc.NewEngine(ctrlConn, pnrpc.DefaultTimeouts(), rec, clog.NewLogger("cyclic-test "))
	require.NoError(t, err)
	mgr, err := ar.NewManager(eng, pnrpc.DefaultStrategies()[:1], pnrpc.DefaultTimeouts(), rec, clog.NewLogger("cyclic-test "))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	go sim.Run(ctx)
	go mgr.ServeRequests(ctx)

	slots := []pnrpc.SlotConfig{
		{Slot: 1, Subslot: 1, Direction: pnrpc.DirInput, DataLength: 4},
		{Slot: 2, Subslot: 1, Direction: pnrpc.DirInput, DataLength: 4},
		{Slot: 3, Subslot: 1, Direction: pnrpc.DirOutput, DataLength: 4},
	}
	tgt := pnrpc.Target{Addr: devConn.LocalAddr(), Station: "intake-rtu-01", VendorID: 0x0272, DeviceID: 0x0C05}
	a, err := mgr.Establish(ctx, "intake-rtu-01", tgt, slots, pnrpc.DefaultTiming())
	require.NoError(t, err)

	ctrl, dev := link.NewMemPair(ctrlMAC, devMAC, 512)
	sink := &captureSink{}
	sched := NewScheduler(ctrl, mgr, sink, rec, clog.NewLogger("cyclic-test "))
	go sched.Run(ctx)

	t.Cleanup(func() {
		cancel()
		devConn.Close()
		ctrlConn.Close()
	})
	return &harness{mgr: mgr, a: a, sched: sched, ctrl: ctrl, dev: dev, sink: sink, rec: rec, cancel: cancel}
}

// deviceFrame build one RT input frame as the device would send it.
func deviceFrame(t *testing.T, a *ar.AR, counter uint16, ds pnet.DataStatus, slot1 []byte) []byte {
	t.Helper()
	b := pnet.NewBuilder(make([]byte, 256))
	pnet.EthHeader{Dst: ctrlMAC, Src: devMAC, Type: pnet.EtherTypePN}.Emit(b)
	b.WriteU16(uint16(a.Input.FrameID))

	payload := make([]byte, a.Input.Len())
	copy(payload, slot1)
	payload[4] = byte(pnet.IOxSGood)
	payload[9] = byte(pnet.IOxSGood)
	payload[10] = byte(pnet.IOxSGood)
	b.WriteBytes(payload...)

	pnet.RTTrailer{CycleCounter: counter, DataStatus: ds}.Emit(b)
	frame, err := b.Bytes()
	require.NoError(t, err)
	return frame
}

func TestFirstValidFrameEntersRun(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, ar.AppReadyReceived, h.a.State())

	h.ctrl.Inject(deviceFrame(t, h.a, 100, pnet.DSGood, []byte{1, 2, 3, 4}))

	assert.Eventually(t, func() bool { return h.a.State() == ar.Run },
		time.Second, 5*time.Millisecond)
}

func TestInputsPublishedWithQuality(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Inject(deviceFrame(t, h.a, 1, pnet.DSGood, []byte{1, 2, 3, 4}))
	require.Eventually(t, func() bool { return h.a.State() == ar.Run },
		time.Second, 5*time.Millisecond)

	h.ctrl.Inject(deviceFrame(t, h.a, 33, pnet.DSGood, []byte{0xCA, 0xFE, 0x00, 0x01}))
	require.Eventually(t, func() bool { return h.sink.len() >= 4 },
		time.Second, 5*time.Millisecond)

	v, ok := h.sink.last()
	require.True(t, ok)
	assert.Equal(t, "intake-rtu-01", v.station)
	assert.Equal(t, pnet.QualityGood, v.quality)
}

func TestSenderTransmitsOutputs(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Inject(deviceFrame(t, h.a, 7, pnet.DSGood, []byte{0, 0, 0, 0}))
	require.Eventually(t, func() bool { return h.a.State() == ar.Run },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.mgr.WriteOutput("intake-rtu-01", 3, 1, []byte{0xDE, 0xAD, 0xBE, 0xEF}))

	// the device side must observe an output frame carrying the data
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		raw, err := h.dev.Poll(100 * time.Millisecond)
		require.NoError(t, err)
		if raw == nil {
			continue
		}
		p := pnet.NewParser(raw)
		eth := pnet.ConsumeEthHeader(p)
		require.NoError(t, p.Err())
		assert.Equal(t, devMAC, eth.Dst)
		fid := pnet.FrameID(p.ReadU16())
		if fid != h.a.Output.FrameID {
			continue
		}
		trailer, payload, err := pnet.ConsumeRTTrailer(p.Rest())
		require.NoError(t, err)
		assert.True(t, trailer.DataStatus.Valid())
		assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, payload[:4])
		assert.Equal(t, byte(pnet.IOxSGood), payload[4])
		return
	}
	t.Fatal("no output frame with the written data observed")
}

func TestWatchdogTripFaultsAR(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Inject(deviceFrame(t, h.a, 1, pnet.DSGood, []byte{0, 0, 0, 0}))
	require.Eventually(t, func() bool { return h.a.State() == ar.Run },
		time.Second, 5*time.Millisecond)

	// stop all input; watchdog is 3 ms, sender polices it every tick
	start := time.Now()
	require.Eventually(t, func() bool { return h.a.State() == ar.Fault },
		time.Second, time.Millisecond)
	// generously bounded: deadline plus scheduler jitter
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.GreaterOrEqual(t, h.sched.Stats().Snapshot().WatchdogTrips, uint64(1))
}

func TestFrozenCycleCounterTripsWatchdog(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Inject(deviceFrame(t, h.a, 5, pnet.DSGood, []byte{0, 0, 0, 0}))
	require.Eventually(t, func() bool { return h.a.State() == ar.Run },
		time.Second, 5*time.Millisecond)

	// keep feeding frames whose counter never advances
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if h.a.State() == ar.Fault {
				return
			}
			h.ctrl.Inject(deviceFrame(t, h.a, 5, pnet.DSGood, []byte{0, 0, 0, 0}))
			time.Sleep(time.Millisecond)
		}
	}()
	<-done
	assert.Equal(t, ar.Fault, h.a.State())
}

func TestUnknownFrameIDDropped(t *testing.T) {
	h := newHarness(t)

	b := pnet.NewBuilder(make([]byte, 128))
	pnet.EthHeader{Dst: ctrlMAC, Src: devMAC, Type: pnet.EtherTypePN}.Emit(b)
	b.WriteU16(0x7777)
	b.WriteBytes(make([]byte, 16)...)
	pnet.RTTrailer{CycleCounter: 1, DataStatus: pnet.DSGood}.Emit(b)
	frame, _ := b.Bytes()
	h.ctrl.Inject(frame)

	assert.Eventually(t, func() bool {
		return h.sched.Stats().Snapshot().FramesDropped >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestStatsRecordLoop(t *testing.T) {
	s := NewStats()
	s.RecordLoop(100*time.Microsecond, time.Millisecond)
	s.RecordLoop(2*time.Millisecond, time.Millisecond)
	s.RecordLoop(500*time.Microsecond, time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.Cycles)
	assert.Equal(t, uint64(1), snap.Overruns)
	assert.Equal(t, 100*time.Microsecond, snap.LoopTimeMin)
	assert.Equal(t, 2*time.Millisecond, snap.LoopTimeMax)
	assert.InDelta(t, 1.0/3.0, snap.OverrunRate, 0.01)
}
