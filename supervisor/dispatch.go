// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package supervisor

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/shmem"
)

const dispatchPoll = 5 * time.Millisecond

// runDispatcher drain the command ring until ctx is done. Every consumed
// command is validated against the authority generation of its target and
// answered on the response ring.
func (sf *Controller) runDispatcher(ctx context.Context) error {
	ticker := time.NewTicker(dispatchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				cmd, ok := sf.cmdRing.Consume()
				if !ok {
					break
				}
				sf.dispatch(ctx, cmd)
			}
		}
	}
}

// dispatch execute one command.
func (sf *Controller) dispatch(ctx context.Context, cmd shmem.Command) {
	station, haveStation := sf.station(cmd.TargetRTU)

	// authority check for station-scoped commands
	if haveStation {
		if err := sf.co.Authorize(station, cmd.AuthorityGen); err != nil {
			sf.rec.Emit(diag.Event{
				Code:     diag.StaleCommandRejected,
				Severity: diag.Warning,
				Source:   "supervisor",
				Message:  "command rejected, authority superseded",
				KV: map[string]string{
					"station": station,
					"kind":    cmd.Kind.String(),
				},
			})
			shmem.PostResponse(sf.respRing, cmd, shmem.RespStale)
			return
		}
	}

	var err error
	switch cmd.Kind {
	case shmem.CmdActuatorSet:
		err = sf.cmdActuatorSet(station, haveStation, cmd)
	case shmem.CmdSetPointSet:
		err = sf.cmdSetPoint(cmd)
	case shmem.CmdPIDMode:
		err = sf.cmdPIDMode(cmd)
	case shmem.CmdAlarmAck:
		err = sf.cmdAlarmAck(cmd)
	case shmem.CmdAddRTU:
		err = sf.cmdAddRTU(cmd)
	case shmem.CmdConnectRTU:
		err = sf.cmdConnectRTU(ctx, station, haveStation)
	case shmem.CmdDCPDiscover:
		go func() {
			if _, derr := sf.Discover(ctx); derr != nil {
				sf.log.Warn("supervisor: discovery failed: %v", derr)
			}
		}()
	default:
		err = diag.Newf("supervisor.dispatch", diag.InvalidParameter, "unknown command kind %d", cmd.Kind)
	}

	if err != nil {
		sf.log.Warn("supervisor: command %v failed: %v", cmd.Kind, err)
		status := shmem.RespRejected
		if diag.IsCode(err, diag.ResourceExhausted) {
			status = shmem.RespExhausted
		}
		shmem.PostResponse(sf.respRing, cmd, status)
		return
	}
	shmem.PostResponse(sf.respRing, cmd, shmem.RespAccepted)
}

func (sf *Controller) cmdActuatorSet(station string, haveStation bool, cmd shmem.Command) error {
	if !haveStation {
		return diag.Newf("supervisor.dispatch", diag.InvalidParameter, "no station at row %d", cmd.TargetRTU)
	}
	value := math.Float64frombits(binary.LittleEndian.Uint64(cmd.Payload[:8]))

	sf.mu.RLock()
	subslot, ok := sf.subslotBySlot[station][cmd.TargetSlot]
	sf.mu.RUnlock()
	if !ok {
		return diag.StationError("supervisor.dispatch", station, diag.InvalidParameter, "not an output slot")
	}
	if err := sf.co.WriteOutput(station, cmd.TargetSlot, subslot, encodeValue(value, 4)); err != nil {
		return err
	}
	sf.writer.UpdateActuator(int(cmd.TargetRTU), int(cmd.TargetSlot), shmem.Cell{
		Value:        value,
		Quality:      2,
		LastUpdateMs: uint32(time.Now().UnixMilli()),
	})
	return nil
}

func (sf *Controller) cmdSetPoint(cmd shmem.Command) error {
	value := math.Float64frombits(binary.LittleEndian.Uint64(cmd.Payload[:8]))
	loop := payloadString(cmd.Payload[8:])
	pid, ok := sf.ctl.PID(loop)
	if !ok {
		return diag.Newf("supervisor.dispatch", diag.InvalidParameter, "no PID loop %q", loop)
	}
	pid.SetSetPoint(value)
	return nil
}

func (sf *Controller) cmdPIDMode(cmd shmem.Command) error {
	auto := cmd.Payload[0] != 0
	value := math.Float64frombits(binary.LittleEndian.Uint64(cmd.Payload[8:16]))
	loop := payloadString(cmd.Payload[16:])
	pid, ok := sf.ctl.PID(loop)
	if !ok {
		return diag.Newf("supervisor.dispatch", diag.InvalidParameter, "no PID loop %q", loop)
	}
	if auto {
		pid.SetAuto()
	} else {
		pid.SetManual(value)
	}
	return nil
}

func (sf *Controller) cmdAlarmAck(cmd shmem.Command) error {
	alarmID := binary.LittleEndian.Uint32(cmd.Payload[:4])
	operator := payloadString(cmd.Payload[4:])
	return sf.alarms.Ack(alarmID, operator)
}

func (sf *Controller) cmdAddRTU(cmd shmem.Command) error {
	station := payloadString(cmd.Payload[:])
	return sf.addStation(RTUConfig{StationName: station})
}

func (sf *Controller) cmdConnectRTU(ctx context.Context, station string, haveStation bool) error {
	if !haveStation {
		return diag.New("supervisor.dispatch", diag.InvalidParameter, "unknown station row")
	}
	go func() {
		if err := sf.ConnectStation(ctx, station); err != nil {
			sf.log.Warn("supervisor: connect %s failed: %v", station, err)
		}
	}()
	return nil
}

func payloadString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
