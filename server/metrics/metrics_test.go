package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCollect(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.FramesSeen.Add(3)
	m.FramesFiltered.Inc()
	m.Records.Add(2)
	m.CaptureErrors.WithLabelValues("permission").Inc()
	m.StoreRecords.Set(2)
	m.CaptureStarted("eth0")

	require.Equal(t, 3.0, testutil.ToFloat64(m.FramesSeen))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CaptureErrors.WithLabelValues("permission")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Capturing.WithLabelValues("eth0")))

	m.CaptureStopped("eth0")
	require.Equal(t, 0.0, testutil.ToFloat64(m.Capturing.WithLabelValues("eth0")))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP pktscope_records_total Total number of records stored
# TYPE pktscope_records_total counter
pktscope_records_total 2
`), "pktscope_records_total")
	require.NoError(t, err)
}

func TestNilRegisterer(t *testing.T) {
	m := New(nil)
	m.Records.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(m.Records))

	// A second set of collectors must register cleanly on a fresh registry.
	require.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}
