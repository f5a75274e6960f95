// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rob-gra/go-pnio/diag"
)

func TestBuilderParserRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	b := NewBuilder(buf)
	b.WriteU8(0x12).
		WriteU16(0x3456).
		WriteU32(0x789ABCDE).
		WriteU16LE(0x1122).
		WriteU32LE(0x33445566).
		WriteMAC(net.HardwareAddr{0, 0x0A, 0xCD, 1, 2, 3}).
		WriteIPv4(net.IPv4(192, 168, 1, 50))
	require.NoError(t, b.Err())

	out, err := b.Bytes()
	require.NoError(t, err)

	p := NewParser(out)
	assert.Equal(t, uint8(0x12), p.ReadU8())
	assert.Equal(t, uint16(0x3456), p.ReadU16())
	assert.Equal(t, uint32(0x789ABCDE), p.ReadU32())
	assert.Equal(t, uint16(0x1122), p.ReadU16LE())
	assert.Equal(t, uint32(0x33445566), p.ReadU32LE())
	assert.Equal(t, net.HardwareAddr{0, 0x0A, 0xCD, 1, 2, 3}, p.ReadMAC())
	assert.Equal(t, net.IPv4(192, 168, 1, 50).To4(), p.ReadIPv4())
	require.NoError(t, p.Err())
	assert.Equal(t, 0, p.Remaining())
}

func TestBuilderOverflowSticky(t *testing.T) {
	b := NewBuilder(make([]byte, 3))
	b.WriteU16(1).WriteU32(2).WriteU8(3)
	require.Error(t, b.Err())
	assert.True(t, diag.IsCode(b.Err(), diag.BufferTooSmall))
	// cursor must not have moved past the failed write
	assert.Equal(t, 2, b.Len())

	_, err := b.Bytes()
	require.Error(t, err)
}

func TestParserShortSticky(t *testing.T) {
	p := NewParser([]byte{0x01, 0x02, 0x03})
	_ = p.ReadU16()
	_ = p.ReadU32()
	require.Error(t, p.Err())
	assert.True(t, diag.IsCode(p.Err(), diag.FrameTooShort))
	// reads after the failure stay zero
	assert.Equal(t, uint8(0), p.ReadU8())
}

func TestBuilderPad4(t *testing.T) {
	b := NewBuilder(make([]byte, 16))
	b.WriteU8(1).WriteU16(2).Pad4(0)
	require.NoError(t, b.Err())
	assert.Equal(t, 4, b.Len())

	b.WriteU32(5).Pad4(0)
	assert.Equal(t, 8, b.Len())
}

func TestBuilderPatchU16(t *testing.T) {
	b := NewBuilder(make([]byte, 8))
	b.WriteU16(0).WriteU32(0xAABBCCDD)
	b.PatchU16(0, 4)
	out, err := b.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}, out)
}

func TestEthHeaderRoundTrip(t *testing.T) {
	h := EthHeader{
		Dst:  DCPMulticastAddr,
		Src:  net.HardwareAddr{2, 0, 0, 0, 0, 1},
		Type: EtherTypePN,
	}
	b := NewBuilder(make([]byte, 32))
	h.Emit(b)
	require.NoError(t, b.Err())
	assert.Equal(t, EthHeaderSize, b.Len())

	out, _ := b.Bytes()
	p := NewParser(out)
	got := ConsumeEthHeader(p)
	require.NoError(t, p.Err())
	assert.Equal(t, h.Dst, got.Dst)
	assert.Equal(t, h.Src, got.Src)
	assert.Equal(t, EtherTypePN, got.Type)
	assert.False(t, got.HasVLAN)
}

func TestEthHeaderVLANTolerated(t *testing.T) {
	raw := []byte{
		0x01, 0x0E, 0xCF, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x81, 0x00, // 802.1Q
		0xC0, 0x06, // PCP 6
		0x88, 0x92,
	}
	p := NewParser(raw)
	got := ConsumeEthHeader(p)
	require.NoError(t, p.Err())
	assert.True(t, got.HasVLAN)
	assert.Equal(t, uint16(0xC006), got.VLANTCI)
	assert.Equal(t, EtherTypePN, got.Type)
}

func TestFrameIDClass(t *testing.T) {
	tests := []struct {
		id   FrameID
		want FrameClass
	}{
		{0x0001, ClassRTClass1},
		{0x7FFF, ClassRTClass1},
		{0x8001, ClassUnknown},
		{FrameIDAlarmHigh, ClassAlarm},
		{FrameIDAlarmLow, ClassAlarm},
		{FrameIDDCPIdentifyReq, ClassDCP},
		{FrameIDDCPIdentifyRsp, ClassDCP},
		{FrameIDDCPGetSet, ClassDCP},
		{0x0000, ClassUnknown},
		{0xFFFF, ClassUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.id.Class(), tt.id.String())
	}
}

func TestRTTrailerRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	b := NewBuilder(make([]byte, 16))
	b.WriteBytes(payload...)
	RTTrailer{CycleCounter: 0x1234, DataStatus: DSGood}.Emit(b)
	out, err := b.Bytes()
	require.NoError(t, err)

	tr, data, err := ConsumeRTTrailer(out)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, uint16(0x1234), tr.CycleCounter)
	assert.True(t, tr.DataStatus.Valid())

	_, _, err = ConsumeRTTrailer([]byte{1, 2})
	require.Error(t, err)
}

func TestCRC16CCITT(t *testing.T) {
	// "123456789" check value for CCITT-FALSE is 0x29B1
	assert.Equal(t, uint16(0x29B1), CRC16CCITT([]byte("123456789")))
}

func TestCRC32(t *testing.T) {
	assert.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789")))
}

func TestQualityOf(t *testing.T) {
	assert.Equal(t, QualityGood, QualityOf(DSGood, IOxSGood))
	assert.Equal(t, QualityBad, QualityOf(DSGood, IOxSBad))
	assert.Equal(t, QualityUncertain, QualityOf(0, IOxSGood))
}
