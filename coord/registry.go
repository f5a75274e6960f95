// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package coord is the supervisory layer above bare application
// relationships: the canonical RTU directory, heartbeat supervision,
// failover, command authority and load balancing.
package coord

import (
	"sync"
	"time"

	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/pnrpc"
)

// Role of an RTU within its redundancy group.
type Role uint8

// roles
const (
	RolePrimary Role = iota
	RoleSecondary
	RoleHotStandby
	RoleLoadBalanced
)

var roleNames = []string{"primary", "secondary", "hot-standby", "load-balanced"}

func (sf Role) String() string {
	if int(sf) < len(roleNames) {
		return roleNames[sf]
	}
	return "unknown"
}

// Health of an RTU as judged by the coordinator.
type Health uint8

// health states
const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthFailed
)

var healthNames = []string{"unknown", "healthy", "degraded", "failed"}

func (sf Health) String() string {
	if int(sf) < len(healthNames) {
		return healthNames[sf]
	}
	return "invalid"
}

// RTU is one directory entry. The AR handle is recreated on every reconnect;
// the record survives across them.
type RTU struct {
	StationName string
	Index       int // row in the shared-state block
	Role        Role
	// Peer is the redundant partner's station name, empty without one.
	Peer string

	Target pnrpc.Target
	Slots  []pnrpc.SlotConfig
	Timing pnrpc.Timing

	Health          Health
	LastHeartbeat   time.Time
	MissedHeartbeats int
	FaultSince      time.Time

	// lastOutputs caches the most recent value written per (slot,
	// subslot), reissued to the promoted peer on failover.
	lastOutputs map[[2]uint16][]byte
}

// Registry is the directory of configured RTUs keyed by station name.
type Registry struct {
	mu   sync.RWMutex
	rtus map[string]*RTU
	next int
}

// NewRegistry create an empty directory.
func NewRegistry() *Registry {
	return &Registry{rtus: make(map[string]*RTU)}
}

// Add register a station. The shared-state row index is assigned once and
// kept for the record's lifetime.
func (sf *Registry) Add(r RTU) (*RTU, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, ok := sf.rtus[r.StationName]; ok {
		return nil, diag.StationError("coord.add", r.StationName, diag.InvalidParameter, "station already registered")
	}
	if sf.next >= 64 {
		return nil, diag.New("coord.add", diag.ResourceExhausted, "RTU directory full")
	}
	rec := r
	rec.Index = sf.next
	rec.lastOutputs = make(map[[2]uint16][]byte)
	sf.next++
	sf.rtus[rec.StationName] = &rec
	return &rec, nil
}

// Get fetch one record.
func (sf *Registry) Get(station string) (*RTU, bool) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	r, ok := sf.rtus[station]
	return r, ok
}

// List snapshot every record pointer.
func (sf *Registry) List() []*RTU {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	out := make([]*RTU, 0, len(sf.rtus))
	for _, r := range sf.rtus {
		out = append(out, r)
	}
	return out
}

// WithLock run fn holding the registry write lock, for multi-field updates.
func (sf *Registry) WithLock(fn func()) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	fn()
}

// RecordOutput remember the last value written to a station's output slot.
func (sf *Registry) RecordOutput(station string, slot, subslot uint16, data []byte) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	r, ok := sf.rtus[station]
	if !ok {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.lastOutputs[[2]uint16{slot, subslot}] = cp
}

// Outputs copy a station's cached output values.
func (sf *Registry) Outputs(station string) map[[2]uint16][]byte {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	r, ok := sf.rtus[station]
	if !ok {
		return nil
	}
	out := make(map[[2]uint16][]byte, len(r.lastOutputs))
	for k, v := range r.lastOutputs {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
