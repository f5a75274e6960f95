// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnrpc

import (
	"github.com/google/uuid"

	"github.com/rob-gra/go-pnio/pnet"
)

// well-known PNIO interface UUIDs, IEC 61158-6-10 annex.
var (
	// UUIDIODevice is the interface offered by IO devices.
	UUIDIODevice = uuid.MustParse("dea00001-6c97-11d1-8271-00a02442df7d")
	// UUIDIOController is the interface offered by IO controllers.
	UUIDIOController = uuid.MustParse("dea00002-6c97-11d1-8271-00a02442df7d")
	// UUIDIOSupervisor is the interface offered by IO supervisors.
	UUIDIOSupervisor = uuid.MustParse("dea00003-6c97-11d1-8271-00a02442df7d")

	// objectInstanceBase is patched with vendor, device and instance to
	// form the per-target object UUID.
	objectInstanceBase = uuid.MustParse("dea00000-6c97-11d1-8271-000000000000")
)

// ObjectUUID derive the RPC object UUID addressing one device instance.
// The last six node bytes hold instance, device ID and vendor ID, 16 bits
// each, big-endian; only the low 4 bits of the instance are kept.
func ObjectUUID(vendorID, deviceID uint16, instance uint8) uuid.UUID {
	u := objectInstanceBase
	u[10] = 0
	u[11] = uint8(instance) & 0x0F
	u[12] = byte(deviceID >> 8)
	u[13] = byte(deviceID)
	u[14] = byte(vendorID >> 8)
	u[15] = byte(vendorID)
	return u
}

// UUIDFormat selects the wire byte order for UUID fields. DCE/RPC DREP says
// the first three fields follow the sender's integer representation; some
// device stacks nonetheless wire them as stored. Both variants are attempted
// during connect.
type UUIDFormat uint8

// UUID wire formats
const (
	// UUIDAsStored writes all bytes in RFC 4122 order.
	UUIDAsStored UUIDFormat = iota
	// UUIDFieldSwapped writes time_low, time_mid and time_hi little-endian.
	UUIDFieldSwapped
)

func (sf UUIDFormat) String() string {
	if sf == UUIDAsStored {
		return "as-stored"
	}
	return "field-swapped"
}

// EmitUUID write u through the builder in the given format.
func EmitUUID(b *pnet.Builder, u uuid.UUID, format UUIDFormat) {
	if format == UUIDAsStored {
		b.WriteBytes(u[:]...)
		return
	}
	// swap time_low (4), time_mid (2), time_hi_and_version (2)
	b.WriteBytes(u[3], u[2], u[1], u[0], u[5], u[4], u[7], u[6])
	b.WriteBytes(u[8:]...)
}

// ConsumeUUID read a UUID in the given format.
func ConsumeUUID(p *pnet.Parser, format UUIDFormat) uuid.UUID {
	raw := p.ReadBytes(16)
	if raw == nil {
		return uuid.Nil
	}
	var u uuid.UUID
	copy(u[:], raw)
	if format == UUIDFieldSwapped {
		u[0], u[1], u[2], u[3] = raw[3], raw[2], raw[1], raw[0]
		u[4], u[5] = raw[5], raw[4]
		u[6], u[7] = raw[7], raw[6]
	}
	return u
}
