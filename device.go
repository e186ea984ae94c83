// Package npurt submits tasks to accelerator hardware queues and reconciles
// their completions.
package npurt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"code.hybscloud.com/atomix"

	"github.com/ehrlich-b/go-npurt/internal/argpool"
	"github.com/ehrlich-b/go-npurt/internal/bitmap"
	"github.com/ehrlich-b/go-npurt/internal/constants"
	"github.com/ehrlich-b/go-npurt/internal/logging"
)

// DeviceState is the lifecycle state of a Device
type DeviceState int

const (
	DeviceCreated DeviceState = iota
	DeviceRunning
	DeviceStopped
	DeviceClosed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceCreated:
		return "created"
	case DeviceRunning:
		return "running"
	case DeviceStopped:
		return "stopped"
	case DeviceClosed:
		return "closed"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// Device owns one hardware connection, its streams and the reconciler
// shared by them
type Device struct {
	id      uint32
	cfg     Config
	opts    Options
	backend QueueBackend
	encoder CommandEncoder
	args    *argpool.Pool
	log     *logging.Logger

	// Metrics and observability
	metrics  *Metrics
	observer Observer

	// mu guards stream ids, the stream map and lifecycle state
	mu         sync.Mutex
	ids        *bitmap.Bitmap
	streams    map[int]*Stream
	state      DeviceState
	defaultCtx *Context
	nextCtx    atomix.Uint64

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	busy atomix.Bool
}

// DeviceInfo is a point-in-time summary of a device
type DeviceInfo struct {
	ID        uint32
	State     DeviceState
	Streams   []int
	Config    Config
	ArgPool   argpool.Stats
	Snapshot  MetricsSnapshot
	Reconcile bool // reconciler is mid-pass
}

// Init validates cfg, opens the backend and prepares the device. Out of
// range configuration values are clamped. On failure nothing is left open.
func Init(id uint32, cfg Config, backend QueueBackend, options *Options) (*Device, error) {
	if backend == nil {
		return nil, NewDeviceError("INIT", id, ErrCodeInvalidParameters, "backend is required")
	}
	log := logging.Default().WithDevice(int(id))

	cfg, notes := cfg.normalize()
	for _, n := range notes {
		log.Warn("configuration clamped", "detail", n)
	}
	opts := options.withDefaults()

	pool, err := argpool.New(argpool.Config{
		ItemSize:       opts.ArgItemSize,
		Items:          opts.ArgPoolItems,
		AcquireTimeout: opts.ArgAcquireTimeout,
	})
	if err != nil {
		e := NewDeviceError("INIT", id, ErrCodeConfigInvalid, err.Error())
		e.Inner = err
		return nil, e
	}

	if err := backend.Open(id, BackendConfig{
		MaxQueues:  uint32(cfg.MaxStreamNum),
		QueueDepth: uint32(cfg.MaxStreamDepth),
	}); err != nil {
		e := NewDeviceError("INIT", id, ErrCodeBackendOpenFailed, "failed to open backend")
		e.Inner = err
		if dc, ok := DriverCodeOf(err); ok {
			e.DriverCode = dc
		}
		return nil, e
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if opts.Observer != nil {
		observer = opts.Observer
	}

	d := &Device{
		id:       id,
		cfg:      cfg,
		opts:     opts,
		backend:  backend,
		encoder:  opts.Encoder,
		args:     pool,
		log:      log,
		metrics:  metrics,
		observer: observer,
		ids:      bitmap.New(cfg.MaxStreamNum),
		streams:  make(map[int]*Stream),
		wake:     make(chan struct{}, constants.WakeSignalDepth),
	}
	d.defaultCtx = d.NewContext()

	log.Info("device initialized", "max_streams", cfg.MaxStreamNum,
		"depth", cfg.MaxStreamDepth, "granularity", cfg.TimeoutMonitorGranularity)
	return d, nil
}

// InitFromFile loads the configuration at path and calls Init
func InitFromFile(id uint32, path string, backend QueueBackend, options *Options) (*Device, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err.(*Error).withContext(id, -1, -1)
	}
	return Init(id, cfg, backend, options)
}

// Start launches the reconciler. Starting a running device is a no-op.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case DeviceRunning:
		return nil
	case DeviceClosed:
		return NewDeviceError("START", d.id, ErrCodeThreadCreateFailed, "device is closed")
	}
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.reconcileLoop(d.stop)
	d.state = DeviceRunning
	d.log.Info("reconciler started")
	return nil
}

// Stop halts the reconciler and waits for it to exit
func (d *Device) Stop() {
	d.mu.Lock()
	if d.state != DeviceRunning {
		d.mu.Unlock()
		return
	}
	close(d.stop)
	d.state = DeviceStopped
	d.mu.Unlock()

	d.wg.Wait()
	// discard wakeups queued for the stopped loop
	for drained := false; !drained; {
		select {
		case <-d.wake:
		default:
			drained = true
		}
	}
	d.log.Info("reconciler stopped")
}

// AllocStreamId reserves a stream id, returning NoStreamID when none is free
func (d *Device) AllocStreamId() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids.Alloc()
}

// FreeStreamId returns a stream id to the pool
func (d *Device) FreeStreamId(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids.Free(id)
}

// StreamCreate allocates a stream and its hardware queue pair inside c. A nil
// context selects the device's default context.
func (d *Device) StreamCreate(c *Context, opts StreamOptions) (*Stream, error) {
	if c == nil {
		c = d.defaultCtx
	}
	if c.dev != d {
		return nil, NewDeviceError("STREAM_CREATE", d.id, ErrCodeInvalidParameters, "context belongs to another device")
	}
	if opts.FailureMode < FailureNormal || opts.FailureMode > FailureAbortAll {
		return nil, NewDeviceError("STREAM_CREATE", d.id, ErrCodeInvalidParameters,
			fmt.Sprintf("invalid failure mode %v", opts.FailureMode))
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DeviceClosed {
		return nil, NewDeviceError("STREAM_CREATE", d.id, ErrCodeStreamClosed, "device is closed")
	}
	id := d.ids.Alloc()
	if id == NoStreamID {
		return nil, NewDeviceError("STREAM_CREATE", d.id, ErrCodeNoStreamResources,
			fmt.Sprintf("all %d streams in use", d.cfg.MaxStreamNum))
	}
	if err := d.backend.AllocQueuePair(uint32(id), uint32(id)); err != nil {
		d.ids.Free(id)
		return nil, WrapError("ALLOC_QUEUE_PAIR", err).withContext(d.id, id, -1)
	}

	s := newStream(d, c, id, opts)
	d.streams[id] = s
	c.add(s)
	d.log.Info("stream created", "stream", id, "mode", opts.FailureMode.String())
	return s, nil
}

// Destroy tears the stream down once every outstanding task has drained.
// With force the hardware queue is told to quit first. If draining exceeds
// the device's default task execution timeout an error is returned and the
// stream's resources stay reserved, since hardware may still write to them.
func (s *Stream) Destroy(ctx context.Context, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.closed.LoadAcquire() {
		return nil
	}
	s.closing.StoreRelease(true)

	s.mu.Lock()
	if t := s.sendFailed; t != nil {
		s.abandonLocked(t)
	}
	s.mu.Unlock()

	if force {
		if err := s.dev.backend.RequestQuit(s.sqID()); err != nil {
			s.log.WithError(err).Warn("quit request failed")
		}
	}

	deadline := time.Now().Add(s.dev.cfg.DefaultTaskExeTimeout)
	for s.ring.Pending() > 0 {
		s.recycleMu.Lock()
		s.reconcileLocked()
		s.recycleMu.Unlock()
		if s.ring.Pending() == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			s.log.Error("stream drain timed out", "pending", s.ring.Pending())
			return s.newError("DESTROY", ErrCodeStreamSyncTimeout,
				fmt.Sprintf("%d slots still pending after %v", s.ring.Pending(), s.dev.cfg.DefaultTaskExeTimeout))
		}
		time.Sleep(s.dev.opts.SyncPollInterval)
	}

	s.recycleMu.Lock()
	defer s.recycleMu.Unlock()
	if s.closed.LoadAcquire() {
		return nil
	}
	d := s.dev
	d.mu.Lock()
	delete(d.streams, s.id)
	d.mu.Unlock()
	s.ctx.remove(s)

	var err error
	if ferr := d.backend.FreeQueuePair(s.sqID(), s.sqID()); ferr != nil {
		err = s.wrap("FREE_QUEUE_PAIR", ferr)
		s.log.WithError(ferr).Warn("free queue pair failed")
	}
	d.FreeStreamId(s.id)
	s.closed.StoreRelease(true)
	s.log.Info("stream destroyed", "force", force)
	return err
}

// Close shuts the device down. Every stream must have been destroyed.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state == DeviceClosed {
		d.mu.Unlock()
		return nil
	}
	if n := len(d.streams); n > 0 {
		d.mu.Unlock()
		return NewDeviceError("CLOSE", d.id, ErrCodeDeviceBusy, fmt.Sprintf("%d streams still open", n))
	}
	d.mu.Unlock()

	d.Stop()

	d.mu.Lock()
	d.state = DeviceClosed
	d.mu.Unlock()

	d.metrics.Stop()
	if err := d.backend.Close(d.id); err != nil {
		d.log.WithError(err).Warn("backend close failed")
		return WrapError("CLOSE", err).withContext(d.id, -1, -1)
	}
	d.log.Info("device closed")
	return nil
}

// ID returns the device id
func (d *Device) ID() uint32 { return d.id }

// Config returns the normalized configuration
func (d *Device) Config() Config { return d.cfg }

// DefaultContext returns the context used by StreamCreate(nil, ...)
func (d *Device) DefaultContext() *Context { return d.defaultCtx }

// Metrics returns the device's built-in metrics
func (d *Device) Metrics() *Metrics { return d.metrics }

// MetricsSnapshot returns a snapshot of the built-in metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot { return d.metrics.Snapshot() }

// NumStreams returns the number of live streams
func (d *Device) NumStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// State returns the lifecycle state
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stream returns the live stream with id
func (d *Device) Stream(id int) (*Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[id]
	return s, ok
}

// Info returns a summary of the device
func (d *Device) Info() DeviceInfo {
	d.mu.Lock()
	ids := make([]int, 0, len(d.streams))
	for id := range d.streams {
		ids = append(ids, id)
	}
	state := d.state
	d.mu.Unlock()
	sort.Ints(ids)

	return DeviceInfo{
		ID:        d.id,
		State:     state,
		Streams:   ids,
		Config:    d.cfg,
		ArgPool:   d.args.Stats(),
		Snapshot:  d.metrics.Snapshot(),
		Reconcile: d.busy.LoadAcquire(),
	}
}

// liveStreams snapshots the stream map for a reconciler pass
func (d *Device) liveStreams() []*Stream {
	d.mu.Lock()
	out := make([]*Stream, 0, len(d.streams))
	for _, s := range d.streams {
		out = append(out, s)
	}
	d.mu.Unlock()
	return out
}
