// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package dcp

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/link"
	"github.com/rob-gra/go-pnio/pnet"
)

const (
	frameBufSize = 1518
	pollStep     = 50 * time.Millisecond
)

// Client drives DCP over its own link endpoint. The client owns the link's
// receive path while a request window is open; DCP and the cyclic path use
// separate sockets so neither steals the other's frames.
type Client struct {
	lnk   link.Link
	cache *Cache
	rec   *diag.Recorder
	xid   atomic.Uint32
	log   clog.Clog

	// SetTimeout bounds one unicast set exchange.
	SetTimeout time.Duration
}

// NewClient create a DCP client over lnk, recording discoveries into cache.
func NewClient(lnk link.Link, cache *Cache, rec *diag.Recorder, log clog.Clog) *Client {
	c := &Client{
		lnk:        lnk,
		cache:      cache,
		rec:        rec,
		log:        log,
		SetTimeout: 3 * time.Second,
	}
	c.xid.Store(uint32(time.Now().UnixNano()))
	return c
}

// IdentifyAll broadcast an identify request and collect responders for the
// duration of the window. Every responder is upserted into the cache; the
// devices seen in this window are returned.
func (sf *Client) IdentifyAll(ctx context.Context, window time.Duration) ([]Device, error) {
	xid := sf.xid.Add(1)
	frame, err := BuildIdentifyAll(make([]byte, frameBufSize), sf.lnk.LocalMAC(), xid)
	if err != nil {
		return nil, err
	}
	if err := sf.lnk.SendFrame(frame); err != nil {
		return nil, diag.Wrap("dcp.identify", err)
	}
	sf.log.Debug("dcp: identify-all xid=%08x window=%v", xid, window)

	var found []Device
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		raw, err := sf.lnk.Poll(pollStep)
		if err != nil {
			return found, err
		}
		if raw == nil {
			continue
		}
		dev, ok := sf.identifyResponse(raw, xid)
		if !ok {
			continue
		}
		sf.cache.Upsert(dev)
		found = append(found, dev)
	}
	return found, nil
}

// identifyResponse decode one frame, returning the device when it is an
// identify response for xid.
func (sf *Client) identifyResponse(raw []byte, xid uint32) (Device, bool) {
	p := pnet.NewParser(raw)
	eth := pnet.ConsumeEthHeader(p)
	if p.Err() != nil || eth.Type != pnet.EtherTypePN {
		return Device{}, false
	}
	h, blocks, err := ParsePDU(p.Rest())
	if err != nil {
		sf.log.Debug("dcp: discarding malformed frame: %v", err)
		return Device{}, false
	}
	if h.FrameID != pnet.FrameIDDCPIdentifyRsp || h.Service != SrvIdentify ||
		h.Type != SrvTypeSuccess || h.Xid != xid {
		return Device{}, false
	}
	dev := Device{MAC: eth.Src}
	dev.FromBlocks(blocks)
	if dev.StationName == "" {
		return Device{}, false
	}
	return dev, true
}

// SetName write the station name of the device at mac.
func (sf *Client) SetName(ctx context.Context, mac net.HardwareAddr, name string, q SetQualifier) error {
	xid := sf.xid.Add(1)
	frame, err := BuildSetName(make([]byte, frameBufSize), sf.lnk.LocalMAC(), mac, xid, name, q)
	if err != nil {
		return err
	}
	return sf.setExchange(ctx, "dcp.set-name", frame, xid)
}

// SetIP write the IP parameters of the device at mac.
func (sf *Client) SetIP(ctx context.Context, mac net.HardwareAddr, ip, mask, gw net.IP, q SetQualifier) error {
	xid := sf.xid.Add(1)
	frame, err := BuildSetIP(make([]byte, frameBufSize), sf.lnk.LocalMAC(), mac, xid, ip, mask, gw, q)
	if err != nil {
		return err
	}
	return sf.setExchange(ctx, "dcp.set-ip", frame, xid)
}

// setExchange send a set request and wait for its confirming response.
func (sf *Client) setExchange(ctx context.Context, op string, frame []byte, xid uint32) error {
	if err := sf.lnk.SendFrame(frame); err != nil {
		return diag.Wrap(op, err)
	}
	deadline := time.Now().Add(sf.SetTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := sf.lnk.Poll(pollStep)
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		p := pnet.NewParser(raw)
		eth := pnet.ConsumeEthHeader(p)
		if p.Err() != nil || eth.Type != pnet.EtherTypePN {
			continue
		}
		h, blocks, err := ParsePDU(p.Rest())
		if err != nil || h.Service != SrvSet || h.Xid != xid {
			continue
		}
		if h.Type == SrvTypeNotSupport {
			return diag.New(op, diag.DCPSetRejected, "service not supported by device")
		}
		res, err := ParseSetResponse(blocks)
		if err != nil {
			return err
		}
		if res.Err != BlockOK {
			return diag.Newf(op, diag.DCPSetRejected, "device rejected: %v", res.Err)
		}
		return nil
	}
	return diag.New(op, diag.ControlTimeout, "no set response before deadline")
}
