// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package coord

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rob-gra/go-pnio/ar"
	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
)

// FailoverMode selects how the coordinator reacts to a failed primary.
type FailoverMode uint8

// failover modes
const (
	// FailoverManual only alerts the operator.
	FailoverManual FailoverMode = iota
	// FailoverAutomatic promotes the secondary after the miss budget.
	FailoverAutomatic
	// FailoverHotStandby keeps a live AR on the secondary and writes the
	// same set-points to both; promotion only flips whose feedback is
	// trusted.
	FailoverHotStandby
)

// ARView is the slice of the AR manager the coordinator depends on, kept
// narrow so supervision logic tests without a protocol stack.
type ARView interface {
	StationState(station string) (ar.State, bool)
	WriteOutput(station string, slot, subslot uint16, data []byte) error
	Reprime(station string) error
}

// Config tunes the coordinator.
// The default is applied for each unspecified value.
type Config struct {
	Mode FailoverMode

	// HeartbeatInterval between supervision rounds, default 500 ms.
	HeartbeatInterval time.Duration

	// MissBudget consecutive missed heartbeats before a failover,
	// default 3.
	MissBudget int

	// FaultTimeout time an AR may sit in FAULT before the coordinator
	// treats the RTU as failed, default 2 s.
	FaultTimeout time.Duration

	// StaleWindow grace period for prior-generation commands,
	// default 500 ms.
	StaleWindow time.Duration

	// RebalanceInterval between load-balancing evaluations, default 5 s.
	RebalanceInterval time.Duration
}

// Valid applies the default for each unspecified value.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if sf.HeartbeatInterval == 0 {
		sf.HeartbeatInterval = 500 * time.Millisecond
	}
	if sf.MissBudget == 0 {
		sf.MissBudget = 3
	}
	if sf.FaultTimeout == 0 {
		sf.FaultTimeout = 2 * time.Second
	}
	if sf.StaleWindow == 0 {
		sf.StaleWindow = DefaultStaleWindow
	}
	if sf.RebalanceInterval == 0 {
		sf.RebalanceInterval = 5 * time.Second
	}
	return nil
}

// Coordinator supervises the RTU directory: heartbeats, failover, authority
// and command distribution.
type Coordinator struct {
	cfg       Config
	registry  *Registry
	authority *Authority
	ars       ARView
	rec       *diag.Recorder
	log       clog.Clog

	mu      sync.Mutex
	rrIndex map[string]int // round-robin cursor per balance group
	now     func() time.Time
}

// NewCoordinator create a coordinator over the directory and AR view.
func NewCoordinator(cfg Config, registry *Registry, ars ARView, rec *diag.Recorder, log clog.Clog) (*Coordinator, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  registry,
		authority: NewAuthority(cfg.StaleWindow),
		ars:       ars,
		rec:       rec,
		log:       log,
		rrIndex:   make(map[string]int),
		now:       time.Now,
	}, nil
}

// Authority the generation tracker, shared with the command dispatcher.
func (sf *Coordinator) Authority() *Authority { return sf.authority }

// Run supervise until ctx is done.
func (sf *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(sf.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sf.Supervise()
		}
	}
}

// Supervise run one heartbeat round over every RTU.
func (sf *Coordinator) Supervise() {
	now := sf.now()
	for _, r := range sf.registry.List() {
		sf.superviseOne(r, now)
	}
}

func (sf *Coordinator) superviseOne(r *RTU, now time.Time) {
	st, ok := sf.ars.StationState(r.StationName)

	var healthy bool
	switch {
	case !ok:
		healthy = false
	case st == ar.Run:
		healthy = true
	case st == ar.Fault:
		healthy = false
	default:
		// connecting states count as degraded, not failed
		sf.registry.WithLock(func() { r.Health = HealthDegraded })
		return
	}

	if healthy {
		sf.registry.WithLock(func() {
			r.Health = HealthHealthy
			r.LastHeartbeat = now
			r.MissedHeartbeats = 0
			r.FaultSince = time.Time{}
		})
		return
	}

	var failed bool
	sf.registry.WithLock(func() {
		r.MissedHeartbeats++
		if st == ar.Fault && r.FaultSince.IsZero() {
			r.FaultSince = now
		}
		if r.MissedHeartbeats >= sf.cfg.MissBudget ||
			(!r.FaultSince.IsZero() && now.Sub(r.FaultSince) >= sf.cfg.FaultTimeout) {
			if r.Health != HealthFailed {
				failed = true
			}
			r.Health = HealthFailed
		} else if r.Health == HealthHealthy {
			r.Health = HealthDegraded
		}
	})

	if !failed {
		return
	}

	if sf.rec != nil {
		sf.rec.Emit(diag.Event{
			Code:     diag.HeartbeatLost,
			Severity: diag.Major,
			Source:   "coord",
			Message:  "station declared failed",
			KV:       map[string]string{"station": r.StationName},
		})
	}

	switch sf.cfg.Mode {
	case FailoverManual:
		// the event above is the operator alert; nothing else moves
	case FailoverAutomatic, FailoverHotStandby:
		sf.failover(r)
	}
}

// failover promote the failed station's peer, reissue its outputs and bump
// the authority generation so in-flight commands cannot land on the corpse.
func (sf *Coordinator) failover(failed *RTU) {
	if failed.Peer == "" || failed.Role != RolePrimary {
		return
	}
	peer, ok := sf.registry.Get(failed.Peer)
	if !ok {
		return
	}
	if st, ok := sf.ars.StationState(peer.StationName); !ok || st != ar.Run {
		sf.log.Warn("coord: cannot promote %s, peer AR not in RUN", peer.StationName)
		return
	}

	sf.registry.WithLock(func() {
		failed.Role = RoleSecondary
		peer.Role = RolePrimary
	})

	// reissue the failed primary's last set-points to the promoted peer;
	// under hot standby they are already flowing, the copy is harmless
	for key, data := range sf.registry.Outputs(failed.StationName) {
		if err := sf.ars.WriteOutput(peer.StationName, key[0], key[1], data); err != nil {
			sf.log.Warn("coord: reissue %d/%d to %s failed: %v", key[0], key[1], peer.StationName, err)
		} else {
			sf.registry.RecordOutput(peer.StationName, key[0], key[1], data)
		}
	}

	gen := sf.authority.Bump(failed.StationName)
	sf.authority.Bump(peer.StationName)

	if sf.rec != nil {
		sf.rec.Emit(diag.Event{
			Code:     diag.FailoverPromoted,
			Severity: diag.Major,
			Source:   "coord",
			Message:  "secondary promoted to primary",
			KV: map[string]string{
				"failed":     failed.StationName,
				"promoted":   peer.StationName,
				"generation": strconv.FormatUint(uint64(gen), 10),
			},
		})
	}
}

// WriteOutput route an output write to a station, recording it for failover
// reissue. Hot-standby pairs receive the same value on both sides.
func (sf *Coordinator) WriteOutput(station string, slot, subslot uint16, data []byte) error {
	r, ok := sf.registry.Get(station)
	if !ok {
		return diag.StationError("coord.write", station, diag.InvalidParameter, "unknown station")
	}
	if err := sf.ars.WriteOutput(station, slot, subslot, data); err != nil {
		return err
	}
	sf.registry.RecordOutput(station, slot, subslot, data)

	if sf.cfg.Mode == FailoverHotStandby && r.Peer != "" {
		if err := sf.ars.WriteOutput(r.Peer, slot, subslot, data); err != nil {
			sf.log.Debug("coord: hot-standby mirror to %s failed: %v", r.Peer, err)
		} else {
			sf.registry.RecordOutput(r.Peer, slot, subslot, data)
		}
	}
	return nil
}

// Authorize validate a command's issuing generation for a target station.
func (sf *Coordinator) Authorize(station string, gen uint32) error {
	if sf.authority.Check(station, gen) {
		return nil
	}
	return diag.StationError("coord.authorize", station, diag.StaleCommandRejected,
		"command generation superseded")
}

// SelectBalanced pick the next station of a load-balanced group. Strategy is
// round robin; a member whose health is not healthy is skipped.
func (sf *Coordinator) SelectBalanced(group []string) (string, error) {
	if len(group) == 0 {
		return "", diag.New("coord.balance", diag.InvalidParameter, "empty group")
	}
	key := group[0]
	sf.mu.Lock()
	start := sf.rrIndex[key]
	sf.mu.Unlock()

	for i := 0; i < len(group); i++ {
		candidate := group[(start+i)%len(group)]
		if r, ok := sf.registry.Get(candidate); ok && r.Health == HealthHealthy {
			sf.mu.Lock()
			sf.rrIndex[key] = (start + i + 1) % len(group)
			sf.mu.Unlock()
			return candidate, nil
		}
	}
	return "", diag.New("coord.balance", diag.ResourceExhausted, "no healthy member in group")
}

// SelectLeastLoaded pick the group member with the freshest heartbeat and
// the fewest recent misses; ties fall back to declaration order.
func (sf *Coordinator) SelectLeastLoaded(group []string) (string, error) {
	if len(group) == 0 {
		return "", diag.New("coord.balance", diag.InvalidParameter, "empty group")
	}
	now := sf.now()
	best := ""
	bestScore := 0.0
	for _, candidate := range group {
		r, ok := sf.registry.Get(candidate)
		if !ok || r.Health != HealthHealthy {
			continue
		}
		// score: heartbeat age in seconds plus one second per missed beat
		score := now.Sub(r.LastHeartbeat).Seconds() + float64(r.MissedHeartbeats)
		if best == "" || score < bestScore {
			best, bestScore = candidate, score
		}
	}
	if best == "" {
		return "", diag.New("coord.balance", diag.ResourceExhausted, "no healthy member in group")
	}
	return best, nil
}

// Retry move a faulted station back to PRIMED for reconnection.
func (sf *Coordinator) Retry(station string) error {
	return sf.ars.Reprime(station)
}
