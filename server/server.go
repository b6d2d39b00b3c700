// Package server owns the capture service: the controller, the record
// store and the queries and live feed built on top of them.
package server

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server/capture"
	"github.com/nomoresecretz/pktscope/server/config"
	"github.com/nomoresecretz/pktscope/server/extract"
	"github.com/nomoresecretz/pktscope/server/feed"
	"github.com/nomoresecretz/pktscope/server/metrics"
	"github.com/nomoresecretz/pktscope/server/store"
)

// Service is the single owner of the capture state shared by the HTTP and
// gRPC surfaces.
type Service struct {
	cfg *config.Config
	src capture.Source

	store   *store.Store
	query   *Query
	hub     *feed.Hub
	metrics *metrics.Metrics
	ctl     *Controller
}

// Diagnostics is a capture self test: which devices can be opened and what
// the service is doing.
type Diagnostics struct {
	Interfaces       []capture.Device `json:"interfaces"`
	DefaultInterface string           `json:"default_interface"`
	InterfaceError   string           `json:"interface_error,omitempty"`
	Status           Status           `json:"status"`
}

// New builds a service capturing from src. Metrics are registered with reg
// when it is not nil.
func New(ctx context.Context, cfg *config.Config, src capture.Source, reg prometheus.Registerer) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	slog.Info("allowed device list", "allowed_devs", cfg.AllowedDevices)

	s := &Service{
		cfg:     cfg,
		src:     src,
		store:   store.New(cfg.Capacity),
		hub:     feed.NewHub(),
		metrics: metrics.New(reg),
	}
	s.query = NewQuery(s.store)
	s.ctl = NewController(ctx, ControllerConfig{
		Source:        src,
		Store:         s.store,
		Extractor:     extract.New(cfg.SelfTrafficPort),
		Hub:           s.hub,
		Metrics:       s.metrics,
		DefaultDevice: cfg.Interface,
		Allowed:       s.validSource,
	})

	return s
}

func (s *Service) validSource(src string) bool {
	return s.cfg.DeviceAllowed(src)
}

func (s *Service) Start(device string) (State, bool, error) {
	return s.ctl.Start(device)
}

func (s *Service) Stop() State {
	return s.ctl.Stop()
}

func (s *Service) Status() Status {
	return s.ctl.Status()
}

func (s *Service) Recent(limit int) []record.Record {
	return s.query.Recent(limit)
}

func (s *Service) Get(id string) (record.Record, error) {
	return s.query.Get(id)
}

func (s *Service) Context(id string, before, after int) ([]record.Record, error) {
	return s.query.Context(id, before, after)
}

// Follow attaches a live feed client. The caller must call the returned
// func once done.
func (s *Service) Follow(info string) (*feed.Client, func()) {
	c := s.hub.Attach(info)
	s.metrics.Followers.Set(float64(s.hub.Clients()))

	return c, func() {
		c.Close()
		s.metrics.Followers.Set(float64(s.hub.Clients()))
	}
}

// Devices lists the capture devices start requests may name.
func (s *Service) Devices() ([]capture.Device, error) {
	sl, err := s.src.Devices()
	if err != nil {
		return nil, err
	}

	var rs []capture.Device

	for _, d := range sl {
		if !s.validSource(d.Name) {
			continue
		}

		rs = append(rs, d)
	}

	return rs, nil
}

func (s *Service) Diagnostics() Diagnostics {
	d := Diagnostics{
		Status: s.Status(),
	}

	devs, err := s.Devices()
	if err != nil {
		d.InterfaceError = err.Error()
	}

	d.Interfaces = devs
	if d.Interfaces == nil {
		d.Interfaces = []capture.Device{}
	}

	switch {
	case s.cfg.Interface != "":
		d.DefaultInterface = s.cfg.Interface
	case len(devs) > 0:
		d.DefaultInterface = devs[0].Name
	}

	return d
}

// GracefulStop cleanly shuts down the service, ending any capture and
// detaching live followers.
func (s *Service) GracefulStop() {
	slog.Info("server shutdown requested")
	s.ctl.GracefulStop()
	s.hub.Close()
	s.metrics.Followers.Set(0)
}
