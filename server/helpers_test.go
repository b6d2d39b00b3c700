package server

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/require"

	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server/capture"
	"github.com/nomoresecretz/pktscope/server/fakePcap"
)

type transportLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func serialize(t *testing.T, ip *layers.IPv4, transport transportLayer, payload []byte) []byte {
	t.Helper()

	require.NoError(t, transport.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}

	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload(payload)))

	return buf.Bytes()
}

func ip4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
}

func udpFrame(t *testing.T, sport, dport int) []byte {
	t.Helper()

	return serialize(t, ip4(layers.IPProtocolUDP), &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}, []byte("hi"))
}

func tcpFrame(t *testing.T, sport, dport int) []byte {
	t.Helper()

	return serialize(t, ip4(layers.IPProtocolTCP), &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), ACK: true, Window: 1024}, nil)
}

func summaries(rs []record.Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Summary)
	}

	return out
}

type read struct {
	data []byte
	err  error
}

// fakeHandle replays scripted reads, then returns tail forever.
type fakeHandle struct {
	mu     sync.Mutex
	reads  []read
	tail   error
	closed atomic.Bool
}

func (h *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	h.mu.Lock()

	if len(h.reads) > 0 {
		r := h.reads[0]
		h.reads = h.reads[1:]
		h.mu.Unlock()

		return r.data, gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(r.data),
			Length:        len(r.data),
		}, r.err
	}

	h.mu.Unlock()

	// Stands in for the poll interval of a live handle.
	time.Sleep(2 * time.Millisecond)

	return nil, gopacket.CaptureInfo{}, h.tail
}

func (h *fakeHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *fakeHandle) Close()                    { h.closed.Store(true) }

type fakeSource struct {
	mu      sync.Mutex
	devs    []capture.Device
	devErr  error
	openErr func() error
	handle  func() *fakeHandle
	opened  []string
	handles []*fakeHandle
}

// idleSource never produces a frame; captures on it run until stopped.
func idleSource() *fakeSource {
	return &fakeSource{
		devs:   []capture.Device{{Name: "eth0"}},
		handle: func() *fakeHandle { return &fakeHandle{tail: capture.ErrTimeout} },
	}
}

// scriptSource plays reads on every open, then ends with tail.
func scriptSource(tail error, reads ...read) *fakeSource {
	return &fakeSource{
		devs: []capture.Device{{Name: "eth0"}},
		handle: func() *fakeHandle {
			return &fakeHandle{reads: append([]read(nil), reads...), tail: tail}
		},
	}
}

func (s *fakeSource) Open(device string) (capture.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opened = append(s.opened, device)

	if s.openErr != nil {
		if err := s.openErr(); err != nil {
			return nil, err
		}
	}

	h := s.handle()
	s.handles = append(s.handles, h)

	return h, nil
}

func (s *fakeSource) Devices() ([]capture.Device, error) {
	return s.devs, s.devErr
}

func (s *fakeSource) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.opened...)
}

// replaySource opens file:// devices with the pcap file replayer.
type replaySource struct{}

func (replaySource) Open(device string) (capture.Handle, error) {
	h, err := fakePcap.New(strings.TrimPrefix(device, "file://"))
	if err != nil {
		return nil, err
	}

	return h, nil
}

func (replaySource) Devices() ([]capture.Device, error) { return nil, nil }

func writePcap(t *testing.T, frames ...[]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "replay.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)

	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, fr := range frames {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(fr), Length: len(fr)}, fr))
		ts = ts.Add(time.Millisecond)
	}

	return "file://" + path
}

