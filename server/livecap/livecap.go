// Package livecap opens libpcap capture handles.
package livecap

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"

	"github.com/nomoresecretz/pktscope/server/capture"
	"github.com/nomoresecretz/pktscope/server/fakePcap"
)

const filePrefix = "file://"

// Options tune how live handles are activated.
type Options struct {
	SnapLen     int
	BufferSize  int
	PollTimeout time.Duration
	Promiscuous bool
	Immediate   bool
	BPFFilter   string
}

// Source is a capture.Source backed by libpcap. Devices prefixed with
// file:// are replayed from a pcap file instead.
type Source struct {
	opts Options
}

func New(opts Options) *Source {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}

	return &Source{opts: opts}
}

func (s *Source) Open(device string) (capture.Handle, error) {
	if file, present := strings.CutPrefix(device, filePrefix); present {
		h, err := fakePcap.New(file)
		if err != nil {
			return nil, err
		}

		return h, nil
	}

	if device == "" {
		return nil, fmt.Errorf("no capture device selected")
	}

	h, err := s.liveHandle(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open live handle: %w", err)
	}

	if s.opts.BPFFilter != "" {
		if err := h.SetBPFFilter(s.opts.BPFFilter); err != nil {
			h.Close()

			return nil, fmt.Errorf("failed to set bpf filter %q: %w", s.opts.BPFFilter, err)
		}
	}

	return &handle{Handle: h}, nil
}

func (s *Source) liveHandle(d string) (*pcap.Handle, error) {
	h, err := pcap.NewInactiveHandle(d)
	if err != nil {
		return nil, err
	}
	defer h.CleanUp()

	if s.opts.SnapLen > 0 {
		if err = h.SetSnapLen(s.opts.SnapLen); err != nil {
			return nil, err
		}
	}

	if s.opts.BufferSize > 0 {
		if err = h.SetBufferSize(s.opts.BufferSize); err != nil {
			return nil, err
		}
	}

	if err = h.SetTimeout(s.opts.PollTimeout); err != nil {
		return nil, err
	}

	if err = h.SetImmediateMode(s.opts.Immediate); err != nil {
		return nil, err
	}

	if err = h.SetPromisc(s.opts.Promiscuous); err != nil {
		return nil, err
	}

	return h.Activate()
}

// Devices returns the list of captureable interfaces.
func (s *Source) Devices() ([]capture.Device, error) {
	ifs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}

	devs := make([]capture.Device, 0, len(ifs))

	for _, i := range ifs {
		d := capture.Device{
			Name:        i.Name,
			Description: i.Description,
		}

		for _, a := range i.Addresses {
			d.Addresses = append(d.Addresses, a.IP.String())
		}

		devs = append(devs, d)
	}

	slog.Debug("enumerated capture devices", "count", len(devs))

	return devs, nil
}

// handle maps libpcap's read timeout onto capture.ErrTimeout.
type handle struct {
	*pcap.Handle
}

func (h *handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.Handle.ReadPacketData()
	if stderrors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, capture.ErrTimeout
	}

	return data, ci, err
}
