// Package fakePcap replays a pcap file at roughly its recorded pace.
package fakePcap

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

var maxFakeWait = 1 * time.Second

type fakePcap struct {
	f     *os.File
	r     *pcapgo.Reader
	start time.Time
	diff  time.Duration
}

// New opens f for replay. Reads return io.EOF once the file is exhausted.
func New(f string) (*fakePcap, error) {
	fh, err := os.Open(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open file handle: %w", err)
	}

	r, err := pcapgo.NewReader(bufio.NewReader(fh))
	if err != nil {
		fh.Close()

		return nil, fmt.Errorf("failed to read pcap header of %s: %w", f, err)
	}

	return &fakePcap{
		f: fh,
		r: r,
	}, nil
}

func (p *fakePcap) Close() {
	p.f.Close()
}

func (p *fakePcap) LinkType() layers.LinkType {
	return p.r.LinkType()
}

func (p *fakePcap) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	d, ci, err := p.r.ReadPacketData()
	if err != nil {
		return nil, ci, err
	}

	if p.start.IsZero() {
		p.start = time.Now()
		p.diff = p.start.Sub(ci.Timestamp)
	}

	delta := min(time.Until(ci.Timestamp.Add(p.diff)), maxFakeWait)
	if delta > 0 {
		time.Sleep(delta)
	}

	return d, ci, nil
}
