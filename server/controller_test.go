package server

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/nomoresecretz/pktscope/common/errors"
	"github.com/nomoresecretz/pktscope/server/capture"
	"github.com/nomoresecretz/pktscope/server/extract"
	"github.com/nomoresecretz/pktscope/server/feed"
	"github.com/nomoresecretz/pktscope/server/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newController(t *testing.T, src capture.Source, mod func(*ControllerConfig)) (*Controller, *store.Store) {
	t.Helper()

	st := store.New(100)
	cfg := ControllerConfig{
		Source:    src,
		Store:     st,
		Extractor: extract.New(extract.DefaultSelfPort),
	}

	if mod != nil {
		mod(&cfg)
	}

	c := NewController(context.Background(), cfg)
	t.Cleanup(c.GracefulStop)

	return c, st
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()

	require.Eventually(t, func() bool { return c.State() == StateIdle }, waitFor, tick)
}

func TestStartStop(t *testing.T) {
	src := idleSource()
	c, _ := newController(t, src, nil)

	require.Equal(t, StateIdle, c.State())
	require.Equal(t, StateIdle, c.Stop(), "stop from idle is a no-op")

	st, started, err := c.Start("eth0")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, StateRunning, st)
	require.True(t, c.Status().IsSniffing())

	st, started, err = c.Start("eth0")
	require.NoError(t, err)
	require.False(t, started, "second start must report already running")
	require.Equal(t, StateRunning, st)

	require.Equal(t, StateStopping, c.Stop())
	waitIdle(t, c)

	require.Equal(t, StateIdle, c.Stop())
	require.Nil(t, c.Status().LastError)
	require.Equal(t, []string{"eth0"}, src.Opened())
	require.True(t, src.handles[0].closed.Load(), "handle not closed after stop")
}

func TestStartAfterStopRunsAgain(t *testing.T) {
	src := idleSource()
	c, _ := newController(t, src, nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)
	c.Stop()
	waitIdle(t, c)

	_, started, err := c.Start("eth0")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, StateRunning, c.State())
}

func TestRestartWhileStopping(t *testing.T) {
	c, _ := newController(t, idleSource(), nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)
	require.Equal(t, StateStopping, c.Stop())

	_, started, err := c.Start("eth0")
	require.NoError(t, err)
	require.True(t, started)

	// The first loop exits after the restart and must leave the new run alone.
	require.Never(t, func() bool { return c.State() != StateRunning }, 200*time.Millisecond, tick)
}

func TestOpenFailure(t *testing.T) {
	tests := map[string]struct {
		openErr  func() error
		wantKind errors.Kind
	}{
		"permission": {
			openErr:  func() error { return errors.New(errors.KindPermission, "insufficient privileges to capture") },
			wantKind: errors.KindPermission,
		},
		"driver missing": {
			openErr:  func() error { return stderrors.New("couldn't load wpcap.dll") },
			wantKind: errors.KindDriverMissing,
		},
		"no such device": {
			openErr:  func() error { return stderrors.New("eth0: No such device exists") },
			wantKind: errors.KindUnknown,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			src := idleSource()
			src.openErr = tc.openErr
			c, _ := newController(t, src, nil)

			_, started, err := c.Start("eth0")
			require.NoError(t, err)
			require.True(t, started)

			waitIdle(t, c)

			diag := c.Status().LastError
			require.NotNil(t, diag)
			require.Equal(t, tc.wantKind, diag.Kind)
			require.Equal(t, "eth0", diag.Device)
			require.False(t, diag.At.IsZero())
		})
	}
}

func TestFatalReadStopsCapture(t *testing.T) {
	src := scriptSource(capture.ErrTimeout,
		read{data: udpFrame(t, 1000, 2000)},
		read{err: stderrors.New("read error: Operation not permitted")},
		read{data: udpFrame(t, 1000, 2001)},
	)
	c, st := newController(t, src, nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)
	waitIdle(t, c)

	status := c.Status()
	require.NotNil(t, status.LastError)
	require.Equal(t, errors.KindPermission, status.LastError.Kind)
	require.Equal(t, 1, st.Len(), "frames after the fatal error must not be read")

	// A new start clears the old diagnostic.
	src.handle = func() *fakeHandle { return &fakeHandle{tail: capture.ErrTimeout} }
	_, _, err = c.Start("eth0")
	require.NoError(t, err)
	require.Nil(t, c.Status().LastError)
}

func TestTimeoutsKeepRunning(t *testing.T) {
	src := scriptSource(capture.ErrTimeout,
		read{err: capture.ErrTimeout},
		read{err: capture.ErrTimeout},
		read{data: udpFrame(t, 1000, 2000)},
		read{err: capture.ErrTimeout},
		read{data: udpFrame(t, 1000, 2001)},
	)
	c, st := newController(t, src, nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.Len() == 2 }, waitFor, tick)
	require.Equal(t, StateRunning, c.State())
	require.Nil(t, c.Status().LastError)
}

func TestEndOfSourceReturnsIdle(t *testing.T) {
	src := scriptSource(io.EOF,
		read{data: udpFrame(t, 1000, 2000)},
		read{data: tcpFrame(t, 40000, 443)},
		read{data: udpFrame(t, 1000, 2001)},
	)
	c, st := newController(t, src, nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)
	waitIdle(t, c)

	require.Nil(t, c.Status().LastError)

	want := []string{
		"UDP 10.0.0.1:1000 -> 10.0.0.2:2000",
		"TCP 10.0.0.1:40000 -> 10.0.0.2:443 [A]",
		"UDP 10.0.0.1:1000 -> 10.0.0.2:2001",
	}
	if diff := cmp.Diff(want, summaries(st.Recent(10))); diff != "" {
		t.Errorf("stored records diff(-want,+got):%v", diff)
	}
}

func TestSelfTrafficNotStored(t *testing.T) {
	src := scriptSource(io.EOF,
		read{data: tcpFrame(t, 40000, 5173)},
		read{data: tcpFrame(t, 5173, 40000)},
		read{data: udpFrame(t, 40000, 5173)},
		read{data: tcpFrame(t, 40000, 80)},
	)
	c, st := newController(t, src, nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)
	waitIdle(t, c)

	status := c.Status()
	require.Equal(t, uint64(4), status.FramesSeen)
	require.Equal(t, uint64(2), status.FramesFiltered)
	require.Equal(t, uint64(2), status.Accepted)
	require.Equal(t, 2, status.InMemory)

	for _, r := range st.Recent(10) {
		if r.SrcPort != nil && r.Protocol == "TCP" {
			require.NotEqual(t, 5173, *r.SrcPort)
			require.NotEqual(t, 5173, *r.DstPort)
		}
	}
}

func TestTransientErrorRetried(t *testing.T) {
	src := scriptSource(io.EOF,
		read{err: stderrors.New("bad packet header")},
		read{data: udpFrame(t, 1000, 2000)},
	)
	c, st := newController(t, src, nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.Len() == 1 }, waitFor, tick)
	waitIdle(t, c)
	require.Nil(t, c.Status().LastError)
}

func TestStopDuringRetry(t *testing.T) {
	src := scriptSource(stderrors.New("interface went away"))
	c, _ := newController(t, src, nil)

	_, _, err := c.Start("eth0")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	c.Stop()
	waitIdle(t, c)
	require.Nil(t, c.Status().LastError, "a stop is not a failure")
}

func TestAllowList(t *testing.T) {
	src := idleSource()
	c, _ := newController(t, src, func(cfg *ControllerConfig) {
		cfg.Allowed = func(d string) bool { return d == "eth0" }
	})

	st, started, err := c.Start("wlan0")
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.GetKind(err))
	require.False(t, started)
	require.Equal(t, StateIdle, st)
	require.Empty(t, src.Opened())

	_, started, err = c.Start("eth0")
	require.NoError(t, err)
	require.True(t, started)
}

func TestDefaultDevice(t *testing.T) {
	t.Run("first enumerated", func(t *testing.T) {
		src := idleSource()
		src.devs = []capture.Device{{Name: "eth3"}, {Name: "lo"}}
		c, _ := newController(t, src, nil)

		_, _, err := c.Start("")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return c.Status().Device == "eth3" }, waitFor, tick)
		require.Equal(t, []string{"eth3"}, src.Opened())
	})

	t.Run("configured", func(t *testing.T) {
		src := idleSource()
		c, _ := newController(t, src, func(cfg *ControllerConfig) {
			cfg.DefaultDevice = "lo"
		})

		_, _, err := c.Start("")
		require.NoError(t, err)
		require.Equal(t, "lo", c.Status().Device)
	})

	t.Run("no devices", func(t *testing.T) {
		src := idleSource()
		src.devs = nil
		c, _ := newController(t, src, nil)

		_, _, err := c.Start("")
		require.NoError(t, err)
		waitIdle(t, c)

		diag := c.Status().LastError
		require.NotNil(t, diag)
		require.Equal(t, errors.KindDriverMissing, diag.Kind)
		require.Empty(t, src.Opened())
	})
}

func TestFollowersSeeRecordsInOrder(t *testing.T) {
	hub := feed.NewHub()
	src := scriptSource(io.EOF,
		read{data: udpFrame(t, 1, 2)},
		read{data: udpFrame(t, 3, 4)},
		read{data: udpFrame(t, 5, 6)},
	)
	c, st := newController(t, src, func(cfg *ControllerConfig) {
		cfg.Hub = hub
	})

	follower := hub.Attach("test")
	defer follower.Close()

	_, _, err := c.Start("eth0")
	require.NoError(t, err)
	waitIdle(t, c)

	var got []string
	for range 3 {
		select {
		case r := <-follower.Handle:
			got = append(got, r.Summary)
		case <-time.After(waitFor):
			t.Fatal("follower missed records")
		}
	}

	if diff := cmp.Diff(summaries(st.Recent(10)), got); diff != "" {
		t.Errorf("feed diff(-store,+feed):%v", diff)
	}
}

func TestReplayFile(t *testing.T) {
	path := writePcap(t,
		udpFrame(t, 1000, 53),
		tcpFrame(t, 40000, 5173),
		tcpFrame(t, 40000, 22),
	)
	c, st := newController(t, replaySource{}, nil)

	_, started, err := c.Start(path)
	require.NoError(t, err)
	require.True(t, started)
	waitIdle(t, c)

	require.Nil(t, c.Status().LastError)
	require.Equal(t, []string{
		"UDP 10.0.0.1:1000 -> 10.0.0.2:53",
		"TCP 10.0.0.1:40000 -> 10.0.0.2:22 [A]",
	}, summaries(st.Recent(10)))
}

func TestGracefulStop(t *testing.T) {
	src := idleSource()
	c := NewController(context.Background(), ControllerConfig{Source: src, Store: store.New(10)})

	_, _, err := c.Start("eth0")
	require.NoError(t, err)

	c.GracefulStop()
	require.Equal(t, StateIdle, c.State())

	_, started, err := c.Start("eth0")
	require.Error(t, err)
	require.False(t, started)
}
