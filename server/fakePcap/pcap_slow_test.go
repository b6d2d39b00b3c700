package fakePcap

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, frames [][]byte, gap time.Duration) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)

	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, fr := range frames {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(fr),
			Length:        len(fr),
		}, fr))
		ts = ts.Add(gap)
	}

	return path
}

func TestReplay(t *testing.T) {
	old := maxFakeWait
	maxFakeWait = 20 * time.Millisecond
	t.Cleanup(func() { maxFakeWait = old })

	frames := [][]byte{
		make([]byte, 60),
		make([]byte, 74),
		make([]byte, 90),
	}
	// An hour between frames must still be capped by maxFakeWait.
	path := writeFixture(t, frames, time.Hour)

	p, err := New(path)
	require.NoError(t, err)

	defer p.Close()

	require.Equal(t, layers.LinkTypeEthernet, p.LinkType())

	start := time.Now()

	for _, want := range frames {
		d, ci, err := p.ReadPacketData()
		require.NoError(t, err)
		require.Len(t, d, len(want))
		require.Equal(t, len(want), ci.CaptureLength)
	}

	require.Less(t, time.Since(start), 2*time.Second)

	_, _, err = p.ReadPacketData()
	require.ErrorIs(t, err, io.EOF)
}

func TestOpenErrors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.pcap"))
	require.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("not a pcap file at all"), 0o600))

	_, err = New(junk)
	require.Error(t, err)
}
