// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"net"
	"sync"
	"time"

	"github.com/rob-gra/go-pnio/diag"
)

// MemLink is an in-memory Link endpoint. NewMemPair wires two endpoints
// back-to-back so protocol tests run without raw-socket capability and with
// deterministic delivery order.
type MemLink struct {
	mac    net.HardwareAddr
	rx     chan []byte
	peerRx chan []byte

	mu     sync.Mutex
	closed bool
}

// NewMemPair create two connected endpoints with the given buffer depth.
func NewMemPair(macA, macB net.HardwareAddr, depth int) (*MemLink, *MemLink) {
	if depth <= 0 {
		depth = 256
	}
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	a := &MemLink{mac: macA, rx: ba, peerRx: ab}
	b := &MemLink{mac: macB, rx: ab, peerRx: ba}
	return a, b
}

var _ Link = (*MemLink)(nil)

// SendFrame deliver a copy of the frame to the peer. A full peer queue drops
// the frame, mirroring a saturated NIC ring.
func (sf *MemLink) SendFrame(frame []byte) error {
	sf.mu.Lock()
	closed := sf.closed
	sf.mu.Unlock()
	if closed {
		return diag.New("link.send", diag.ProtocolError, "link closed")
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case sf.peerRx <- cp:
	default:
	}
	return nil
}

// Poll wait for one frame from the peer.
func (sf *MemLink) Poll(timeout time.Duration) ([]byte, error) {
	sf.mu.Lock()
	closed := sf.closed
	sf.mu.Unlock()
	if closed {
		return nil, diag.New("link.poll", diag.ProtocolError, "link closed")
	}
	select {
	case f, ok := <-sf.rx:
		if !ok {
			return nil, diag.New("link.poll", diag.ProtocolError, "link closed")
		}
		return f, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// Inject queue a frame for this endpoint's next Poll, bypassing the peer.
func (sf *MemLink) Inject(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case sf.rx <- cp:
	default:
	}
}

// LocalMAC the endpoint's address.
func (sf *MemLink) LocalMAC() net.HardwareAddr { return sf.mac }

// Close mark the endpoint closed.
func (sf *MemLink) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.closed = true
	return nil
}
