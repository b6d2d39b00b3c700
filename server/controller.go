package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/davecgh/go-spew/spew"
	"github.com/gopacket/gopacket"

	"github.com/nomoresecretz/pktscope/common/errors"
	"github.com/nomoresecretz/pktscope/server/capture"
	"github.com/nomoresecretz/pktscope/server/extract"
	"github.com/nomoresecretz/pktscope/server/feed"
	"github.com/nomoresecretz/pktscope/server/metrics"
	"github.com/nomoresecretz/pktscope/server/store"
)

const (
	retryInitial = 500 * time.Millisecond
	retryMax     = 5 * time.Second
	dumpRecords  = 5
)

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Diagnostic describes why the last capture run ended abnormally.
type Diagnostic struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
	Device  string      `json:"device"`
	At      time.Time   `json:"at"`
}

type Status struct {
	State          State       `json:"state"`
	Device         string      `json:"device"`
	Accepted       uint64      `json:"accepted"`
	InMemory       int         `json:"in_memory"`
	FramesSeen     uint64      `json:"frames_seen"`
	FramesFiltered uint64      `json:"frames_filtered"`
	LastError      *Diagnostic `json:"last_error"`
}

// IsSniffing reports whether a capture run is active.
func (s Status) IsSniffing() bool {
	return s.State == StateRunning
}

type ControllerConfig struct {
	Source    capture.Source
	Store     *store.Store
	Extractor *extract.Extractor
	Hub       *feed.Hub
	Metrics   *metrics.Metrics
	// DefaultDevice is used when a start request names no device.
	DefaultDevice string
	// Allowed reports whether a device may be captured on. Nil allows all.
	Allowed func(device string) bool
}

// Controller runs at most one capture loop at a time and feeds accepted
// records into the store.
type Controller struct {
	cfg ControllerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	device    string
	gen       uint64
	runCancel context.CancelFunc
	lastErr   *Diagnostic

	seen     atomic.Uint64
	filtered atomic.Uint64
	dumped   atomic.Int32
}

func NewController(ctx context.Context, cfg ControllerConfig) *Controller {
	if cfg.Allowed == nil {
		cfg.Allowed = func(string) bool { return true }
	}

	if cfg.Extractor == nil {
		cfg.Extractor = extract.New(extract.DefaultSelfPort)
	}

	if cfg.Hub == nil {
		cfg.Hub = feed.NewHub()
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	cctx, cancel := context.WithCancel(ctx)

	return &Controller{
		cfg:    cfg,
		ctx:    cctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

// Start begins capturing on device. It returns false with the current state
// if a capture is already running.
func (c *Controller) Start(device string) (State, bool, error) {
	if device == "" {
		device = c.cfg.DefaultDevice
	}

	if device != "" && !c.cfg.Allowed(device) {
		return c.State(), false, errors.Errorf(errors.KindValidation, "device %q is not allowed", device)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ctx.Err(); err != nil {
		return c.state, false, errors.Wrap(err, errors.KindInternal, "controller shut down")
	}

	if c.state == StateRunning {
		return c.state, false, nil
	}

	c.gen++
	gen := c.gen

	ctx, cancel := context.WithCancel(c.ctx)
	c.state = StateRunning
	c.device = device
	c.runCancel = cancel
	c.lastErr = nil

	slog.Info("starting capture", "device", device, "generation", gen)

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		dev, err := c.run(ctx, gen, device)
		c.finish(gen, dev, err)
	}()

	return c.state, true, nil
}

// Stop asks the running capture to end and returns at once. The loop moves
// the controller to idle when it exits.
func (c *Controller) Stop() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		slog.Info("stopping capture", "device", c.device)

		c.state = StateStopping
		c.runCancel()
	}

	return c.state
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:     c.state,
		Device:    c.device,
		LastError: c.lastErr,
	}
	c.mu.Unlock()

	st.Accepted = c.cfg.Store.Total()
	st.InMemory = c.cfg.Store.Len()
	st.FramesSeen = c.seen.Load()
	st.FramesFiltered = c.filtered.Load()

	return st
}

// GracefulStop cancels any running capture and waits for its loop to exit.
func (c *Controller) GracefulStop() {
	slog.Info("capture controller shutdown requested")
	c.cancel()
	c.wg.Wait()
}

// finish collapses the controller to idle unless a newer run has started.
func (c *Controller) finish(gen uint64, device string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		if device != c.device {
			c.cfg.Metrics.CaptureStopped(device)
		}

		slog.Debug("stale capture loop exited", "generation", gen, "current", c.gen)

		return
	}

	if err != nil {
		kind := capture.Classify(err)
		c.cfg.Metrics.CaptureErrors.WithLabelValues(kind.String()).Inc()
		c.lastErr = &Diagnostic{
			Kind:    kind,
			Message: err.Error(),
			Device:  c.device,
			At:      time.Now(),
		}

		slog.Error("capture ended", "device", c.device, "kind", kind, "error", err)
	} else {
		slog.Info("capture ended", "device", c.device)
	}

	c.cfg.Metrics.CaptureStopped(device)
	c.state = StateIdle
	c.runCancel = nil
}

// run holds the capture loop for one run and returns the device it used. A
// nil error is a normal exit.
func (c *Controller) run(ctx context.Context, gen uint64, device string) (string, error) {
	if device == "" {
		d, err := capture.DefaultDevice(c.cfg.Source)
		if err != nil {
			return device, err
		}

		device = d
		c.setDevice(gen, device)
	}

	h, err := c.cfg.Source.Open(device)
	if err != nil {
		return device, fmt.Errorf("failed to open %s: %w", device, err)
	}
	defer h.Close()

	c.cfg.Metrics.CaptureStarted(device)

	retry := backoff.ExponentialBackOff{
		InitialInterval:     retryInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         retryMax,
	}
	retry.Reset()

	dec := h.LinkType()

	for {
		if ctx.Err() != nil {
			return device, nil
		}

		data, ci, err := h.ReadPacketData()

		switch {
		case err == nil:
			retry.Reset()
			c.handleFrame(ctx, data, dec, ci)

			continue
		case capture.IsTimeout(err):
			continue
		case capture.IsEnd(err):
			slog.Info("capture source exhausted", "device", device)

			return device, nil
		case capture.IsFatal(err):
			return device, err
		}

		wait := retry.NextBackOff()
		c.cfg.Metrics.CaptureErrors.WithLabelValues(capture.Classify(err).String()).Inc()
		slog.Warn("capture read failed, retrying", "device", device, "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return device, nil
		case <-time.After(wait):
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, data []byte, dec gopacket.Decoder, ci gopacket.CaptureInfo) {
	c.seen.Add(1)
	c.cfg.Metrics.FramesSeen.Inc()

	rec, ok := c.cfg.Extractor.Extract(data, dec, ci)
	if !ok {
		c.filtered.Add(1)
		c.cfg.Metrics.FramesFiltered.Inc()

		return
	}

	// A stopped run must not store records read after the stop.
	if ctx.Err() != nil {
		return
	}

	c.cfg.Store.Insert(rec)
	c.cfg.Hub.Publish(rec)
	c.cfg.Metrics.Records.Inc()
	c.cfg.Metrics.StoreRecords.Set(float64(c.cfg.Store.Len()))

	if c.dumped.Add(1) <= dumpRecords {
		slog.Debug("captured record", "summary", rec.Summary, "record", spew.Sdump(rec))
	}
}

func (c *Controller) setDevice(gen uint64, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == c.gen {
		c.device = device
	}
}
