// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package ar

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnet"
	"github.com/rob-gra/go-pnio/pnrpc"
)

func testSlots() []pnrpc.SlotConfig {
	return []pnrpc.SlotConfig{
		{Slot: 1, Subslot: 1, Direction: pnrpc.DirInput, DataLength: 4},
		{Slot: 2, Subslot: 1, Direction: pnrpc.DirInput, DataLength: 4},
		{Slot: 3, Subslot: 1, Direction: pnrpc.DirOutput, DataLength: 4},
	}
}

func TestStateTransitionTable(t *testing.T) {
	assert.True(t, Primed.CanEnter(ConnectReqSent))
	assert.True(t, ConnectReqSent.CanEnter(Fault))
	assert.True(t, Run.CanEnter(RelSent))
	assert.True(t, Fault.CanEnter(Primed))
	assert.False(t, Primed.CanEnter(Run))
	assert.False(t, Closed.CanEnter(Primed))
	assert.False(t, Run.CanEnter(ConnectReqSent))
	assert.False(t, Closed.Live())
	assert.False(t, Fault.Live())
	assert.True(t, Run.Live())
}

func TestIOCRBufferLayout(t *testing.T) {
	slots := testSlots()

	in := NewIOCR(pnrpc.IOCRInput, 0x8001, slots)
	// two 4-byte inputs with IOPS each, plus one IOCS for the output
	assert.Equal(t, 4+1+4+1+1, in.Len())

	out := NewIOCR(pnrpc.IOCROutput, 0xC001, slots)
	// one 4-byte output with IOPS, plus two IOCS for the inputs
	assert.Equal(t, 4+1+1+1, out.Len())
}

func TestIOCRWriteReadSlot(t *testing.T) {
	out := NewIOCR(pnrpc.IOCROutput, 0xC001, testSlots())

	require.NoError(t, out.WriteSlot(3, 1, []byte{1, 2, 3, 4}))
	err := out.WriteSlot(3, 1, []byte{1, 2})
	require.Error(t, err)
	err = out.WriteSlot(9, 9, []byte{1, 2, 3, 4})
	require.Error(t, err)

	snap := make([]byte, out.Len())
	require.NoError(t, out.Snapshot(snap))
	assert.Equal(t, []byte{1, 2, 3, 4}, snap[:4])
	assert.Equal(t, byte(pnet.IOxSGood), snap[4])
}

func TestIOCRUpdateAndEachInput(t *testing.T) {
	in := NewIOCR(pnrpc.IOCRInput, 0x8001, testSlots())

	payload := make([]byte, in.Len())
	copy(payload, []byte{0xAA, 0xBB, 0xCC, 0xDD, byte(pnet.IOxSGood)})
	copy(payload[5:], []byte{0x11, 0x22, 0x33, 0x44, byte(pnet.IOxSBad)})
	require.NoError(t, in.Update(payload))

	got := map[uint16]pnet.Quality{}
	in.EachInput(pnet.DSGood, func(cfg pnrpc.SlotConfig, data []byte, q pnet.Quality) {
		got[cfg.Slot] = q
		if cfg.Slot == 1 {
			assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, data)
		}
	})
	assert.Equal(t, pnet.QualityGood, got[1])
	assert.Equal(t, pnet.QualityBad, got[2])

	require.Error(t, in.Update(payload[:3]))
}

func TestObserveCounterStaticTripsAfterWatchdogCycles(t *testing.T) {
	a := newAR("s", pnrpc.Target{}, pnrpc.DefaultTiming(), 1)

	assert.True(t, a.ObserveCounter(10))
	assert.True(t, a.ObserveCounter(42))
	// static counter tolerated below the watchdog factor (3)
	assert.True(t, a.ObserveCounter(42))
	assert.True(t, a.ObserveCounter(42))
	// third repeat reaches the factor
	assert.False(t, a.ObserveCounter(42))
	// advancing again recovers
	assert.True(t, a.ObserveCounter(43))
	assert.True(t, a.ObserveCounter(43))
}

func TestWatchdogDeadline(t *testing.T) {
	a := newAR("s", pnrpc.Target{}, pnrpc.DefaultTiming(), 1)
	now := time.Unix(1000, 0)

	// no deadline yet
	assert.False(t, a.WatchdogExpired(now))

	a.RefreshWatchdog(now)
	assert.False(t, a.WatchdogExpired(now.Add(2*time.Millisecond)))
	// watchdog period is 3 ms with default timing
	assert.True(t, a.WatchdogExpired(now.Add(4*time.Millisecond)))
}

func startManager(t *testing.T, sim *pnrpc.DeviceSim) (*Manager, pnrpc.Target) {
	t.Helper()
	devConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctrlConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	sim.Conn = devConn
	sim.MAC = net.HardwareAddr{0, 0x0A, 0xCD, 1, 2, 3}
	sim.InputFrameID = 0x8001
	sim.OutputFrameID = 0xC001

	eng, err := pnrpc.NewEngine(ctrlConn, pnrpc.DefaultTimeouts(), nil, clog.NewLogger("ar-test "))
	require.NoError(t, err)
	mgr, err := NewManager(eng, pnrpc.DefaultStrategies()[:1], pnrpc.DefaultTimeouts(), nil, clog.NewLogger("ar-test "))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	go sim.Run(ctx)
	go mgr.ServeRequests(ctx)
	t.Cleanup(func() {
		cancel()
		devConn.Close()
		ctrlConn.Close()
	})

	return mgr, pnrpc.Target{
		Addr:     devConn.LocalAddr(),
		Station:  "intake-rtu-01",
		VendorID: 0x0272,
		DeviceID: 0x0C05,
	}
}

func TestEstablishReachesAppReady(t *testing.T) {
	mgr, tgt := startManager(t, &pnrpc.DeviceSim{AppReadyDelay: 10 * time.Millisecond})

	start := time.Now()
	a, err := mgr.Establish(context.Background(), "intake-rtu-01", tgt, testSlots(), pnrpc.DefaultTiming())
	require.NoError(t, err)
	assert.Equal(t, AppReadyReceived, a.State())
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.Equal(t, pnet.FrameID(0x8001), a.Input.FrameID)
	assert.Equal(t, pnet.FrameID(0xC001), a.Output.FrameID)

	// first valid cyclic frame moves it to RUN
	require.NoError(t, a.MarkRun(time.Now()))
	assert.Equal(t, Run, a.State())
}

func TestOneARPerStation(t *testing.T) {
	mgr, tgt := startManager(t, &pnrpc.DeviceSim{})

	ctx := context.Background()
	a1, err := mgr.Establish(ctx, "intake-rtu-01", tgt, testSlots(), pnrpc.DefaultTiming())
	require.NoError(t, err)
	require.NoError(t, a1.MarkRun(time.Now()))

	a2, err := mgr.Establish(ctx, "intake-rtu-01", tgt, testSlots(), pnrpc.DefaultTiming())
	require.NoError(t, err)

	// the first AR is closed, only the second stands
	assert.Equal(t, Closed, a1.State())
	assert.NotEqual(t, a1.UUID, a2.UUID)
	assert.Same(t, a2, mgr.Get("intake-rtu-01"))
	assert.Len(t, mgr.List(), 1)
}

func TestReleaseRemovesAR(t *testing.T) {
	mgr, tgt := startManager(t, &pnrpc.DeviceSim{})

	ctx := context.Background()
	a, err := mgr.Establish(ctx, "intake-rtu-01", tgt, testSlots(), pnrpc.DefaultTiming())
	require.NoError(t, err)
	require.NoError(t, a.MarkRun(time.Now()))

	require.NoError(t, mgr.Release(ctx, "intake-rtu-01"))
	assert.Equal(t, Closed, a.State())
	assert.Nil(t, mgr.Get("intake-rtu-01"))

	// releasing again is an error
	require.Error(t, mgr.Release(ctx, "intake-rtu-01"))
}

func TestFaultAndReprime(t *testing.T) {
	mgr, tgt := startManager(t, &pnrpc.DeviceSim{})

	ctx := context.Background()
	a, err := mgr.Establish(ctx, "intake-rtu-01", tgt, testSlots(), pnrpc.DefaultTiming())
	require.NoError(t, err)
	require.NoError(t, a.MarkRun(time.Now()))

	mgr.Fault("intake-rtu-01", diag.WatchdogExpired, "input silence")
	assert.Equal(t, Fault, a.State())

	require.NoError(t, mgr.Reprime("intake-rtu-01"))
	assert.Nil(t, mgr.Get("intake-rtu-01"))
}

func TestWriteOutputThroughManager(t *testing.T) {
	mgr, tgt := startManager(t, &pnrpc.DeviceSim{})

	a, err := mgr.Establish(context.Background(), "intake-rtu-01", tgt, testSlots(), pnrpc.DefaultTiming())
	require.NoError(t, err)

	require.NoError(t, mgr.WriteOutput("intake-rtu-01", 3, 1, []byte{9, 8, 7, 6}))
	snap := make([]byte, a.Output.Len())
	require.NoError(t, a.Output.Snapshot(snap))
	assert.Equal(t, []byte{9, 8, 7, 6}, snap[:4])

	require.Error(t, mgr.WriteOutput("ghost", 3, 1, []byte{1, 2, 3, 4}))
}

func TestByFrameID(t *testing.T) {
	mgr, tgt := startManager(t, &pnrpc.DeviceSim{})

	a, err := mgr.Establish(context.Background(), "intake-rtu-01", tgt, testSlots(), pnrpc.DefaultTiming())
	require.NoError(t, err)

	assert.Same(t, a, mgr.ByFrameID(0x8001))
	assert.Nil(t, mgr.ByFrameID(0x7777))
}
