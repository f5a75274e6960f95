// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rob-gra/go-pnio/diag"
)

// maxFrameSize largest frame accepted from the ring: MTU 1500 plus Ethernet
// header, one VLAN tag and the 4-byte FCS.
const maxFrameSize = 1522

// PacketLink is a Link over an AF_PACKET raw socket bound to one interface.
// Opening it requires CAP_NET_RAW; the failure is reported as
// CAPABILITY_MISSING so the supervisory layer never fakes a healthy segment.
type PacketLink struct {
	fd      int
	ifIndex int
	mac     net.HardwareAddr
}

// PacketLinkOptions tune the socket.
type PacketLinkOptions struct {
	// Priority is the SO_PRIORITY queueing class, 0 leaves the default.
	// The cyclic sender uses 6 to reach the high-priority qdisc band.
	Priority int
}

// NewPacketLink open a raw socket on the named interface.
func NewPacketLink(ifName string, opts PacketLinkOptions) (*PacketLink, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, diag.Newf("link.open", diag.CapabilityMissing,
			"interface %s: %v", ifName, err)
	}

	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, diag.Newf("link.open", diag.CapabilityMissing,
			"raw socket on %s: %v", ifName, err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, diag.Newf("link.open", diag.CapabilityMissing,
			"bind %s: %v", ifName, err)
	}

	if opts.Priority > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, opts.Priority); err != nil {
			unix.Close(fd)
			return nil, diag.Newf("link.open", diag.CapabilityMissing,
				"SO_PRIORITY on %s: %v", ifName, err)
		}
	}

	mac := make(net.HardwareAddr, len(ifi.HardwareAddr))
	copy(mac, ifi.HardwareAddr)

	return &PacketLink{fd: fd, ifIndex: ifi.Index, mac: mac}, nil
}

var _ Link = (*PacketLink)(nil)

// SendFrame transmit one frame.
func (sf *PacketLink) SendFrame(frame []byte) error {
	if len(frame) < 14 {
		return diag.Newf("link.send", diag.FrameInvalid, "frame of %d bytes", len(frame))
	}
	sa := &unix.SockaddrLinklayer{
		Ifindex: sf.ifIndex,
		Halen:   6,
	}
	copy(sa.Addr[:], frame[:6])
	if err := unix.Sendto(sf.fd, frame, 0, sa); err != nil {
		return diag.Newf("link.send", diag.ProtocolError, "sendto: %v", err)
	}
	return nil
}

// Poll wait for one frame.
func (sf *PacketLink) Poll(timeout time.Duration) ([]byte, error) {
	pfd := []unix.PollFd{{Fd: int32(sf.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, diag.Newf("link.poll", diag.ProtocolError, "poll: %v", err)
	}
	if n > 0 && pfd[0].Revents&unix.POLLNVAL != 0 {
		return nil, diag.New("link.poll", diag.ProtocolError, "link closed")
	}
	if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
		return nil, nil
	}

	buf := make([]byte, maxFrameSize)
	sz, _, err := unix.Recvfrom(sf.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, diag.Newf("link.poll", diag.ProtocolError, "recvfrom: %v", err)
	}
	return buf[:sz], nil
}

// LocalMAC the bound interface's hardware address.
func (sf *PacketLink) LocalMAC() net.HardwareAddr { return sf.mac }

// Close close the socket.
func (sf *PacketLink) Close() error {
	return unix.Close(sf.fd)
}

// htons convert a short to network order on the socket API boundary.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
