// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package supervisor

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rob-gra/go-pnio/alarm"
	"github.com/rob-gra/go-pnio/ar"
	"github.com/rob-gra/go-pnio/clog"
	"github.com/rob-gra/go-pnio/control"
	"github.com/rob-gra/go-pnio/coord"
	"github.com/rob-gra/go-pnio/cyclic"
	"github.com/rob-gra/go-pnio/dcp"
	"github.com/rob-gra/go-pnio/diag"
	"github.com/rob-gra/go-pnio/historian"
	"github.com/rob-gra/go-pnio/link"
	"github.com/rob-gra/go-pnio/pnet"
	"github.com/rob-gra/go-pnio/pnrpc"
	"github.com/rob-gra/go-pnio/shmem"
)

// Options inject transports for tests and dry runs. Unset fields are built
// from the configuration.
type Options struct {
	CyclicLink link.Link
	DCPLink    link.Link
	RPCConn    net.PacketConn
	Region     *shmem.Region
	Store      historian.ChunkWriter
}

// Controller owns every subsystem and the process lifecycle.
type Controller struct {
	cfg Config
	log clog.Clog
	rec *diag.Recorder

	region   *shmem.Region
	writer   *shmem.Writer
	reader   *shmem.Reader
	cmdRing  *shmem.Ring
	respRing *shmem.Ring

	cyclicLink link.Link
	dcpLink    link.Link
	rpcConn    net.PacketConn

	cache  *dcp.Cache
	dcpCli *dcp.Client
	engine *pnrpc.Engine
	mgr    *ar.Manager
	sched  *cyclic.Scheduler

	registry *coord.Registry
	co       *coord.Coordinator
	ctl      *control.Engine
	alarms   *alarm.Manager
	hist     *historian.Historian

	mu             sync.RWMutex
	stationByIndex map[uint16]string
	subslotBySlot  map[string]map[uint16]uint16
}

// New build a controller from configuration plus optional injected
// transports. Raw-socket capability failures surface here, never masked.
func New(cfg Config, opts Options) (*Controller, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	log := clog.NewLogger("pnio ")
	log.LogMode(true)
	switch cfg.LogLevel {
	case "critical":
		log.SetLogLevel(clog.LevelCritical)
	case "error":
		log.SetLogLevel(clog.LevelError)
	case "warn":
		log.SetLogLevel(clog.LevelWarn)
	default:
		log.SetLogLevel(clog.LevelDebug)
	}
	if cfg.LogFile != "" {
		rp, err := clog.NewRotateProvider(cfg.LogFile, cfg.LogMaxSize, 3)
		if err != nil {
			return nil, err
		}
		log.SetLogProvider(rp)
	}

	sf := &Controller{
		cfg:            cfg,
		log:            log,
		rec:            diag.NewRecorder(),
		registry:       coord.NewRegistry(),
		stationByIndex: make(map[uint16]string),
		subslotBySlot:  make(map[string]map[uint16]uint16),
	}

	// shared state
	if opts.Region != nil {
		sf.region = opts.Region
	} else if cfg.StateFile != "" {
		region, err := shmem.OpenFileRegion(cfg.StateFile)
		if err != nil {
			return nil, err
		}
		sf.region = region
	} else {
		sf.region = shmem.NewMemRegion()
	}
	sf.writer = shmem.NewWriter(sf.region)
	sf.reader = shmem.NewReader(sf.region)
	sf.cmdRing = shmem.CommandRing(sf.region)
	sf.respRing = shmem.ResponseRing(sf.region)

	// links: DCP and the cyclic path each own a raw socket so neither
	// consumes the other's frames
	sf.cyclicLink = opts.CyclicLink
	sf.dcpLink = opts.DCPLink
	if sf.cyclicLink == nil && cfg.Interface != "" {
		lnk, err := link.NewPacketLink(cfg.Interface, link.PacketLinkOptions{Priority: 6})
		if err != nil {
			return nil, err
		}
		sf.cyclicLink = lnk
	}
	if sf.dcpLink == nil && cfg.Interface != "" {
		lnk, err := link.NewPacketLink(cfg.Interface, link.PacketLinkOptions{})
		if err != nil {
			return nil, err
		}
		sf.dcpLink = lnk
	}
	if sf.cyclicLink == nil || sf.dcpLink == nil {
		return nil, diag.New("supervisor.new", diag.CapabilityMissing,
			"no PROFINET interface configured and no link injected")
	}

	sf.cache = dcp.NewCache(0, sf.rec)
	sf.dcpCli = dcp.NewClient(sf.dcpLink, sf.cache, sf.rec, log)

	// RPC engine over UDP 34964
	sf.rpcConn = opts.RPCConn
	if sf.rpcConn == nil {
		conn, err := net.ListenPacket("udp4", ":34964")
		if err != nil {
			return nil, diag.Wrap("supervisor.new", err)
		}
		sf.rpcConn = conn
	}
	engine, err := pnrpc.NewEngine(sf.rpcConn, pnrpc.DefaultTimeouts(), sf.rec, log)
	if err != nil {
		return nil, err
	}
	sf.engine = engine

	mgr, err := ar.NewManager(engine, pnrpc.DefaultStrategies(), pnrpc.DefaultTimeouts(), sf.rec, log)
	if err != nil {
		return nil, err
	}
	sf.mgr = mgr

	sf.sched = cyclic.NewScheduler(sf.cyclicLink, mgr, sf, sf.rec, log)

	co, err := coord.NewCoordinator(coord.Config{
		Mode:              cfg.failoverMode(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleWindow:       cfg.StaleWindow,
	}, sf.registry, arView{mgr}, sf.rec, log)
	if err != nil {
		return nil, err
	}
	sf.co = co

	ctl, err := control.NewEngine(control.EngineConfig{ScanPeriod: cfg.ScanPeriod}, sf, sf, sf.rec, log)
	if err != nil {
		return nil, err
	}
	sf.ctl = ctl

	alarms, err := alarm.NewManager(alarm.Config{}, sf.rec, log)
	if err != nil {
		return nil, err
	}
	sf.alarms = alarms

	store := opts.Store
	if store == nil && cfg.HistorianDB != "" {
		s, err := historian.NewSQLiteStore(cfg.HistorianDB)
		if err != nil {
			return nil, err
		}
		store = s
	}
	sf.hist = historian.New(store, sf.rec, log)

	for _, r := range cfg.RTUs {
		if err := sf.addStation(r); err != nil {
			return nil, err
		}
	}
	return sf, nil
}

// arView adapts the AR manager to the coordinator's narrow view.
type arView struct{ mgr *ar.Manager }

func (sf arView) StationState(station string) (ar.State, bool) {
	a := sf.mgr.Get(station)
	if a == nil {
		return 0, false
	}
	return a.State(), true
}

func (sf arView) WriteOutput(station string, slot, subslot uint16, data []byte) error {
	return sf.mgr.WriteOutput(station, slot, subslot, data)
}

func (sf arView) Reprime(station string) error {
	return sf.mgr.Reprime(station)
}

// addStation register one configured RTU.
func (sf *Controller) addStation(r RTUConfig) error {
	role, err := r.role()
	if err != nil {
		return err
	}
	var slots []pnrpc.SlotConfig
	subslots := make(map[uint16]uint16)
	for _, s := range r.Slots {
		w, err := s.toWire()
		if err != nil {
			return err
		}
		slots = append(slots, w)
		if w.Direction == pnrpc.DirOutput {
			subslots[w.Slot] = w.Subslot
		}
	}
	rec, err := sf.registry.Add(coord.RTU{
		StationName: r.StationName,
		Role:        role,
		Peer:        r.Peer,
		Slots:       slots,
		Timing:      sf.cfg.timingFor(r),
		Target: pnrpc.Target{
			Station:  r.StationName,
			VendorID: r.VendorID,
			DeviceID: r.DeviceID,
		},
	})
	if err != nil {
		return err
	}
	sf.mu.Lock()
	sf.stationByIndex[uint16(rec.Index)] = r.StationName
	sf.subslotBySlot[r.StationName] = subslots
	sf.mu.Unlock()
	return nil
}

// station resolve a shared-state row index.
func (sf *Controller) station(index uint16) (string, bool) {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	s, ok := sf.stationByIndex[index]
	return s, ok
}

func (sf *Controller) indexOf(station string) (uint16, bool) {
	r, ok := sf.registry.Get(station)
	if !ok {
		return 0, false
	}
	return uint16(r.Index), true
}

// ConnectStation establish the AR of one registered station. The device IP
// comes from the configuration or, preferably, fresh DCP discovery.
func (sf *Controller) ConnectStation(ctx context.Context, station string) error {
	rec, ok := sf.registry.Get(station)
	if !ok {
		return diag.StationError("supervisor.connect", station, diag.InvalidParameter, "unknown station")
	}

	ip := ""
	if dev, ok := sf.cache.Lookup(station); ok && dev.IP != nil {
		ip = dev.IP.String()
	}
	if ip == "" {
		for _, r := range sf.cfg.RTUs {
			if r.StationName == station {
				ip = r.IP
			}
		}
	}
	if ip == "" {
		return diag.StationError("supervisor.connect", station, diag.InvalidParameter,
			"no IP known, run discovery first")
	}

	tgt := rec.Target
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip, "34964"))
	if err != nil {
		return diag.Wrap("supervisor.connect", err)
	}
	tgt.Addr = addr

	_, err = sf.mgr.Establish(ctx, station, tgt, rec.Slots, rec.Timing)
	return err
}

// Discover run one DCP identify window.
func (sf *Controller) Discover(ctx context.Context) ([]dcp.Device, error) {
	return sf.dcpCli.IdentifyAll(ctx, sf.cfg.DiscoveryWindow)
}

// PublishInput implements cyclic.ValueSink: fresh inputs flow to the shared
// state, the historian and the alarm manager.
func (sf *Controller) PublishInput(station string, cfg pnrpc.SlotConfig, data []byte, q pnet.Quality, now time.Time) {
	idx, ok := sf.indexOf(station)
	if !ok {
		return
	}
	v := decodeValue(data)
	sf.writer.UpdateSensor(int(idx), int(cfg.Slot), shmem.Cell{
		Value:        v,
		Quality:      uint16(q),
		LastUpdateMs: uint32(now.UnixMilli()),
	})
	sf.hist.Append(historian.Sample{
		TagID: tagID(idx, cfg.Slot),
		T:     now.UnixNano(),
		V:     v,
		Q:     uint8(q),
	})
	sf.alarms.Evaluate(idx, cfg.Slot, v, q, now)
}

// ReadSensor implements control.SensorSource over the shared state.
func (sf *Controller) ReadSensor(t control.Tag) (float64, bool) {
	c, ok := sf.reader.Sensor(t.RTU, t.Slot)
	if !ok || pnet.Quality(c.Quality) == pnet.QualityBad {
		return 0, false
	}
	return c.Value, true
}

// SetActuator implements control.OutputSink: computed outputs land in the
// shared state and on the wire through the coordinator.
func (sf *Controller) SetActuator(t control.Tag, value float64) {
	sf.writer.UpdateActuator(t.RTU, t.Slot, shmem.Cell{
		Value:        value,
		Quality:      uint16(pnet.QualityGood),
		LastUpdateMs: uint32(time.Now().UnixMilli()),
	})
	station, ok := sf.station(uint16(t.RTU))
	if !ok {
		return
	}
	sf.mu.RLock()
	subslot, ok := sf.subslotBySlot[station][uint16(t.Slot)]
	sf.mu.RUnlock()
	if !ok {
		return
	}
	if err := sf.co.WriteOutput(station, uint16(t.Slot), subslot, encodeValue(value, 4)); err != nil {
		sf.log.Debug("supervisor: actuator write %s %d: %v", station, t.Slot, err)
	}
}

// Control the control engine, for registering loops and rules.
func (sf *Controller) Control() *control.Engine { return sf.ctl }

// Alarms the alarm manager.
func (sf *Controller) Alarms() *alarm.Manager { return sf.alarms }

// Historian the historian.
func (sf *Controller) Historian() *historian.Historian { return sf.hist }

// Coordinator the RTU coordinator.
func (sf *Controller) Coordinator() *coord.Coordinator { return sf.co }

// Recorder the diagnostic recorder.
func (sf *Controller) Recorder() *diag.Recorder { return sf.rec }

// Scheduler the cyclic scheduler.
func (sf *Controller) Scheduler() *cyclic.Scheduler { return sf.sched }

// tagID maps (rtu row, slot) onto the historian tag space.
func tagID(rtu, slot uint16) uint32 {
	return uint32(rtu)*shmem.MaxSlots + uint32(slot)
}

// decodeValue interpret slot data as a process value: 4 bytes as big-endian
// float32, 8 as float64, shorter payloads as an unsigned integer.
func decodeValue(data []byte) float64 {
	switch len(data) {
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(data))
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data)))
	case 2:
		return float64(binary.BigEndian.Uint16(data))
	case 1:
		return float64(data[0])
	default:
		if len(data) >= 4 {
			return float64(math.Float32frombits(binary.BigEndian.Uint32(data)))
		}
		var u uint32
		for _, c := range data {
			u = u<<8 | uint32(c)
		}
		return float64(u)
	}
}

// encodeValue render a process value into slot data of the given width.
func encodeValue(v float64, width int) []byte {
	out := make([]byte, width)
	switch width {
	case 8:
		binary.BigEndian.PutUint64(out, math.Float64bits(v))
	case 4:
		binary.BigEndian.PutUint32(out, math.Float32bits(float32(v)))
	case 2:
		binary.BigEndian.PutUint16(out, uint16(v))
	case 1:
		out[0] = byte(v)
	}
	return out
}
