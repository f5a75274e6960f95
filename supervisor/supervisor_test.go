// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package supervisor

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob-gra/go-pnio/alarm"
	"github.com/rob-gra/go-pnio/control"
	"github.com/rob-gra/go-pnio/link"
	"github.com/rob-gra/go-pnio/pnet"
	"github.com/rob-gra/go-pnio/pnrpc"
	"github.com/rob-gra/go-pnio/shmem"
)

func TestConfigValidDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Valid())
	assert.Equal(t, 100*time.Millisecond, cfg.ScanPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.DiscoveryWindow)
	assert.Equal(t, 10*time.Second, cfg.ShutdownBudget)
	assert.Equal(t, uint16(32), cfg.Timing.SendClockFactor)
}

func TestConfigRejects(t *testing.T) {
	cfg := Config{FailoverMode: "sometimes"}
	require.Error(t, cfg.Valid())

	cfg = Config{RTUs: []RTUConfig{{StationName: "UPPER"}}}
	require.Error(t, cfg.Valid())

	cfg = Config{RTUs: []RTUConfig{{
		StationName: "ok-rtu",
		Slots:       []SlotConfig{{Slot: 1, Direction: "sideways", Length: 4}},
	}}}
	require.Error(t, cfg.Valid())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pnio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interface: ""
failover_mode: automatic
scan_period: 50ms
rtus:
  - station_name: intake-rtu-01
    role: primary
    peer: intake-rtu-02
    ip: 192.168.1.50
    vendor_id: 626
    device_id: 3077
    slots:
      - { slot: 1, subslot: 1, direction: input, length: 4 }
      - { slot: 3, subslot: 1, direction: output, length: 4 }
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.ScanPeriod)
	require.Len(t, cfg.RTUs, 1)
	assert.Equal(t, "intake-rtu-01", cfg.RTUs[0].StationName)
	assert.Equal(t, uint16(626), cfg.RTUs[0].VendorID)
}

func testController(t *testing.T) *Controller {
	t.Helper()
	ctrlLnk, _ := link.NewMemPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 1}, net.HardwareAddr{2, 0, 0, 0, 0, 2}, 64)
	dcpLnk, _ := link.NewMemPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 3}, net.HardwareAddr{2, 0, 0, 0, 0, 4}, 64)
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	cfg := Config{
		StaleWindow: time.Millisecond,
		RTUs: []RTUConfig{{
			StationName: "intake-rtu-01",
			Role:        "primary",
			Slots: []SlotConfig{
				{Slot: 1, Subslot: 1, Direction: "input", Length: 4},
				{Slot: 3, Subslot: 1, Direction: "output", Length: 4},
			},
		}},
	}
	c, err := New(cfg, Options{
		CyclicLink: ctrlLnk,
		DCPLink:    dcpLnk,
		RPCConn:    conn,
		Region:     shmem.NewMemRegion(),
	})
	require.NoError(t, err)
	return c
}

func drainResponses(t *testing.T, c *Controller, want int) []shmem.Command {
	t.Helper()
	var out []shmem.Command
	require.Eventually(t, func() bool {
		for {
			resp, ok := c.respRing.Consume()
			if !ok {
				break
			}
			out = append(out, resp)
		}
		return len(out) >= want
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func respStatus(cmd shmem.Command) shmem.ResponseStatus {
	return shmem.ResponseStatus(binary.LittleEndian.Uint16(cmd.Payload[:2]))
}

func setPointCommand(gen uint32, loop string, v float64) shmem.Command {
	cmd := shmem.Command{Kind: shmem.CmdSetPointSet, TargetRTU: 0, AuthorityGen: gen}
	binary.LittleEndian.PutUint64(cmd.Payload[:8], math.Float64bits(v))
	copy(cmd.Payload[8:], loop)
	return cmd
}

func TestCommandAuthorityGenerations(t *testing.T) {
	c := testController(t)
	require.NoError(t, c.Control().AddPID(control.PIDConfig{
		Name: "flow", Kp: 1, OutMin: 0, OutMax: 100,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.runDispatcher(ctx)

	// generation G accepted
	require.NoError(t, c.cmdRing.Produce(setPointCommand(0, "flow", 42)))
	resp := drainResponses(t, c, 1)
	assert.Equal(t, shmem.RespAccepted, respStatus(resp[0]))
	pid, _ := c.Control().PID("flow")
	assert.Equal(t, 42.0, pid.SetPoint())

	// failover bumps to G+1; after the stale window G is rejected
	c.Coordinator().Authority().Bump("intake-rtu-01")
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.cmdRing.Produce(setPointCommand(0, "flow", 1)))
	resp = drainResponses(t, c, 1)
	assert.Equal(t, shmem.RespStale, respStatus(resp[0]))
	assert.Equal(t, 42.0, pid.SetPoint()) // untouched

	// current generation accepted again
	require.NoError(t, c.cmdRing.Produce(setPointCommand(1, "flow", 7)))
	resp = drainResponses(t, c, 1)
	assert.Equal(t, shmem.RespAccepted, respStatus(resp[0]))
	assert.Equal(t, 7.0, pid.SetPoint())
}

func TestAlarmAckThroughRing(t *testing.T) {
	c := testController(t)
	require.NoError(t, c.Alarms().AddRule(alarm.Rule{
		ID: 1, RTU: 0, Slot: 1, Condition: alarm.HI,
		Threshold: 8.5, Severity: alarm.SevCrit, Enabled: true,
	}))

	// trip via the publish path
	slot := pnrpc.SlotConfig{Slot: 1, Subslot: 1, Direction: pnrpc.DirInput, DataLength: 4}
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, math.Float32bits(9.0))
	c.PublishInput("intake-rtu-01", slot, data, pnet.QualityGood, time.Now())

	active := c.ActiveAlarms()
	require.Len(t, active, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.runDispatcher(ctx)

	cmd := shmem.Command{Kind: shmem.CmdAlarmAck, TargetRTU: 0}
	binary.LittleEndian.PutUint32(cmd.Payload[:4], active[0].ID)
	copy(cmd.Payload[4:], "operator-1")
	require.NoError(t, c.cmdRing.Produce(cmd))

	resp := drainResponses(t, c, 1)
	assert.Equal(t, shmem.RespAccepted, respStatus(resp[0]))

	active = c.ActiveAlarms()
	require.Len(t, active, 1)
	assert.Equal(t, alarm.ActiveAck, active[0].State)
	assert.Equal(t, "operator-1", active[0].Operator)
}

func TestPublishInputReachesStateAndHistorian(t *testing.T) {
	c := testController(t)

	slot := pnrpc.SlotConfig{Slot: 1, Subslot: 1, Direction: pnrpc.DirInput, DataLength: 4}
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, math.Float32bits(7.25))
	now := time.Now()
	c.PublishInput("intake-rtu-01", slot, data, pnet.QualityGood, now)

	cell, ok := c.reader.Sensor(0, 1)
	require.True(t, ok)
	assert.InDelta(t, 7.25, cell.Value, 1e-6)
	assert.Equal(t, uint16(pnet.QualityGood), cell.Quality)

	s, ok := c.Historian().Latest(tagID(0, 1))
	require.True(t, ok)
	assert.InDelta(t, 7.25, s.V, 1e-6)
	assert.Equal(t, now.UnixNano(), s.T)
}

func TestReadSensorSkipsBadQuality(t *testing.T) {
	c := testController(t)

	c.writer.UpdateSensor(0, 1, shmem.Cell{Value: 3, Quality: uint16(pnet.QualityBad)})
	_, ok := c.ReadSensor(control.Tag{RTU: 0, Slot: 1})
	assert.False(t, ok)

	c.writer.UpdateSensor(0, 1, shmem.Cell{Value: 3, Quality: uint16(pnet.QualityGood)})
	v, ok := c.ReadSensor(control.Tag{RTU: 0, Slot: 1})
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
}

func TestValueCodecs(t *testing.T) {
	assert.InDelta(t, 1.5, decodeValue(encodeValue(1.5, 4)), 1e-6)
	assert.Equal(t, 2.5, decodeValue(encodeValue(2.5, 8)))
	assert.Equal(t, 40.0, decodeValue(encodeValue(40, 2)))
	assert.Equal(t, 7.0, decodeValue(encodeValue(7, 1)))
}
