// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package supervisor composes the controller: configuration, wiring of all
// subsystems and the ordered shutdown.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rob-gra/go-pnio/coord"
	"github.com/rob-gra/go-pnio/dcp"
	"github.com/rob-gra/go-pnio/pnrpc"
)

// SlotConfig declares one slot of an RTU in the configuration file.
type SlotConfig struct {
	Slot           uint16 `yaml:"slot"`
	Subslot        uint16 `yaml:"subslot"`
	ModuleIdent    uint32 `yaml:"module_ident"`
	SubmoduleIdent uint32 `yaml:"submodule_ident"`
	Direction      string `yaml:"direction"` // input | output
	Length         uint16 `yaml:"length"`
}

// toWire convert to the protocol slot configuration.
func (sf SlotConfig) toWire() (pnrpc.SlotConfig, error) {
	out := pnrpc.SlotConfig{
		Slot:           sf.Slot,
		Subslot:        sf.Subslot,
		ModuleIdent:    sf.ModuleIdent,
		SubmoduleIdent: sf.SubmoduleIdent,
		DataLength:     sf.Length,
	}
	switch sf.Direction {
	case "input":
		out.Direction = pnrpc.DirInput
	case "output":
		out.Direction = pnrpc.DirOutput
	default:
		return out, fmt.Errorf("slot %d/%d: direction %q", sf.Slot, sf.Subslot, sf.Direction)
	}
	return out, nil
}

// RTUConfig declares one station.
type RTUConfig struct {
	StationName string       `yaml:"station_name"`
	Role        string       `yaml:"role"` // primary | secondary | hot-standby | load-balanced
	Peer        string       `yaml:"peer"`
	IP          string       `yaml:"ip"`
	VendorID    uint16       `yaml:"vendor_id"`
	DeviceID    uint16       `yaml:"device_id"`
	Slots       []SlotConfig `yaml:"slots"`

	// cycle timing overrides, zero keeps the global defaults
	SendClockFactor uint16 `yaml:"send_clock_factor"`
	ReductionRatio  uint16 `yaml:"reduction_ratio"`
	WatchdogFactor  uint16 `yaml:"watchdog_factor"`
}

func (sf RTUConfig) role() (coord.Role, error) {
	switch sf.Role {
	case "", "primary":
		return coord.RolePrimary, nil
	case "secondary":
		return coord.RoleSecondary, nil
	case "hot-standby":
		return coord.RoleHotStandby, nil
	case "load-balanced":
		return coord.RoleLoadBalanced, nil
	default:
		return 0, fmt.Errorf("station %s: role %q", sf.StationName, sf.Role)
	}
}

// Config is the controller configuration. CLI surfaces are out of scope:
// the daemon receives exactly this struct.
// The default is applied for each unspecified value.
type Config struct {
	// Interface is the PROFINET segment NIC. Empty disables the link
	// layer (dry-run or test wiring supplies links explicitly).
	Interface string `yaml:"interface"`

	// StateFile backs the shared-state block; empty keeps it in-process.
	StateFile string `yaml:"state_file"`

	// HistorianDB path of the SQLite store; empty keeps rings only.
	HistorianDB string `yaml:"historian_db"`

	// LogFile rotates at LogMaxSize bytes; empty logs to stdout.
	LogFile    string `yaml:"log_file"`
	LogMaxSize int64  `yaml:"log_max_size"`
	LogLevel   string `yaml:"log_level"` // critical | error | warn | debug

	// Timing is the global cycle timing default, overridable per RTU.
	Timing pnrpc.Timing `yaml:"timing"`

	// ScanPeriod of the control engine, default 100 ms.
	ScanPeriod time.Duration `yaml:"scan_period"`

	// FailoverMode manual | automatic | hot-standby.
	FailoverMode      string        `yaml:"failover_mode"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleWindow       time.Duration `yaml:"stale_window"`

	// DiscoveryWindow of one DCP identify round, default 1 s.
	DiscoveryWindow time.Duration `yaml:"discovery_window"`

	// ShutdownBudget for the orderly drain, default 10 s.
	ShutdownBudget time.Duration `yaml:"shutdown_budget"`

	RTUs []RTUConfig `yaml:"rtus"`
}

// Valid applies the default for each unspecified value and validates the
// station declarations.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if err := sf.Timing.Valid(); err != nil {
		return err
	}
	if sf.ScanPeriod == 0 {
		sf.ScanPeriod = 100 * time.Millisecond
	}
	if sf.HeartbeatInterval == 0 {
		sf.HeartbeatInterval = 500 * time.Millisecond
	}
	if sf.StaleWindow == 0 {
		sf.StaleWindow = coord.DefaultStaleWindow
	}
	if sf.DiscoveryWindow == 0 {
		sf.DiscoveryWindow = time.Second
	}
	if sf.ShutdownBudget == 0 {
		sf.ShutdownBudget = 10 * time.Second
	}
	if sf.LogMaxSize == 0 {
		sf.LogMaxSize = 10 << 20
	}
	switch sf.FailoverMode {
	case "", "manual", "automatic", "hot-standby":
	default:
		return fmt.Errorf("failover_mode %q", sf.FailoverMode)
	}
	switch sf.LogLevel {
	case "", "critical", "error", "warn", "debug":
	default:
		return fmt.Errorf("log_level %q", sf.LogLevel)
	}

	for _, r := range sf.RTUs {
		if err := dcp.ValidateStationName(r.StationName); err != nil {
			return err
		}
		if _, err := r.role(); err != nil {
			return err
		}
		for _, s := range r.Slots {
			if _, err := s.toWire(); err != nil {
				return fmt.Errorf("station %s: %w", r.StationName, err)
			}
		}
	}
	return nil
}

func (sf *Config) failoverMode() coord.FailoverMode {
	switch sf.FailoverMode {
	case "automatic":
		return coord.FailoverAutomatic
	case "hot-standby":
		return coord.FailoverHotStandby
	default:
		return coord.FailoverManual
	}
}

// timingFor the effective timing of one station.
func (sf *Config) timingFor(r RTUConfig) pnrpc.Timing {
	t := sf.Timing
	if r.SendClockFactor != 0 {
		t.SendClockFactor = r.SendClockFactor
	}
	if r.ReductionRatio != 0 {
		t.ReductionRatio = r.ReductionRatio
	}
	if r.WatchdogFactor != 0 {
		t.WatchdogFactor = r.WatchdogFactor
	}
	return t
}

// Load read and validate a configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Valid(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
