// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package dcp

import (
	"net"
	"sync"
	"time"

	"github.com/rob-gra/go-pnio/diag"
)

// Device is one discovered station.
type Device struct {
	StationName string
	MAC         net.HardwareAddr
	IP          net.IP
	Netmask     net.IP
	Gateway     net.IP
	VendorID    uint16
	DeviceID    uint16
	VendorName  string
	Role        byte
	LastSeen    time.Time
}

// FromBlocks fill device fields from identify response blocks.
func (sf *Device) FromBlocks(blocks []Block) {
	for _, blk := range blocks {
		switch {
		case blk.Option == OptDeviceProperties && blk.Suboption == SubDevNameOfStation:
			sf.StationName = string(blk.Data)
		case blk.Option == OptDeviceProperties && blk.Suboption == SubDevID:
			if len(blk.Data) >= 4 {
				sf.VendorID = uint16(blk.Data[0])<<8 | uint16(blk.Data[1])
				sf.DeviceID = uint16(blk.Data[2])<<8 | uint16(blk.Data[3])
			}
		case blk.Option == OptDeviceProperties && blk.Suboption == SubDevVendor:
			sf.VendorName = string(blk.Data)
		case blk.Option == OptDeviceProperties && blk.Suboption == SubDevRole:
			if len(blk.Data) >= 1 {
				sf.Role = blk.Data[0]
			}
		case blk.Option == OptIP && blk.Suboption == SubIPParameter:
			if len(blk.Data) >= 12 {
				sf.IP = net.IPv4(blk.Data[0], blk.Data[1], blk.Data[2], blk.Data[3]).To4()
				sf.Netmask = net.IPv4(blk.Data[4], blk.Data[5], blk.Data[6], blk.Data[7]).To4()
				sf.Gateway = net.IPv4(blk.Data[8], blk.Data[9], blk.Data[10], blk.Data[11]).To4()
			}
		}
	}
}

// Cache is the directory of discovered devices keyed by station name.
// Entries never age by default; a TTL can be set, and operators can purge.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]*Device
	ttl     time.Duration
	rec     *diag.Recorder
	now     func() time.Time
}

// NewCache create an empty cache. ttl zero disables ageing.
func NewCache(ttl time.Duration, rec *diag.Recorder) *Cache {
	return &Cache{
		devices: make(map[string]*Device),
		ttl:     ttl,
		rec:     rec,
		now:     time.Now,
	}
}

// Upsert insert or refresh a device. When a different MAC already holds the
// station name the later device overwrites and a warning event is emitted:
// duplicate names are a field misconfiguration.
func (sf *Cache) Upsert(dev Device) {
	dev.LastSeen = sf.now()
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if prev, ok := sf.devices[dev.StationName]; ok && prev.MAC.String() != dev.MAC.String() {
		if sf.rec != nil {
			sf.rec.Emit(diag.Event{
				Code:     diag.NameCollision,
				Severity: diag.Warning,
				Source:   "dcp",
				Message:  "station name reported by two devices, keeping the later",
				KV: map[string]string{
					"station": dev.StationName,
					"old_mac": prev.MAC.String(),
					"new_mac": dev.MAC.String(),
				},
			})
		}
	}
	sf.devices[dev.StationName] = &dev
}

// Lookup fetch a device by station name.
func (sf *Cache) Lookup(station string) (Device, bool) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	dev, ok := sf.devices[station]
	if !ok || sf.expired(dev) {
		return Device{}, false
	}
	return *dev, true
}

// Snapshot copy out all live devices.
func (sf *Cache) Snapshot() []Device {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	out := make([]Device, 0, len(sf.devices))
	for _, dev := range sf.devices {
		if !sf.expired(dev) {
			out = append(out, *dev)
		}
	}
	return out
}

// Len count of live devices.
func (sf *Cache) Len() int {
	return len(sf.Snapshot())
}

// Purge drop one station, or every station when name is empty.
func (sf *Cache) Purge(station string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if station == "" {
		sf.devices = make(map[string]*Device)
		return
	}
	delete(sf.devices, station)
}

// expired must be called with mu held.
func (sf *Cache) expired(dev *Device) bool {
	return sf.ttl > 0 && sf.now().Sub(dev.LastSeen) > sf.ttl
}
