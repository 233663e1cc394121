package analyze

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iti/trafgen/config"
	"github.com/iti/trafgen/emit"
	"github.com/iti/trafgen/record"
	"github.com/iti/trafgen/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/plotter"
)

func observed() []record.PacketObserved {
	return []record.PacketObserved{
		{Time: 1.25, FlowID: 3, UID: 17, Size: 1434, IPID: 4, TTL: 63, PayloadSize: 1400, Protocol: 6,
			Src: "10.1.1.5", Dst: "10.1.1.1",
			Transport: record.Transport{Kind: record.TCPTransport, SrcPort: 49153, DstPort: 4200, Seq: 1381, Window: 65535},
			Tags:      record.Tags{Present: true, Delay: 0.0125, Workload: 2, App: 12, Message: 7}},
		{Time: 1.5, FlowID: 4, UID: 18, Size: 540, TTL: 63, PayloadSize: 512, Protocol: 17,
			Src: "10.1.1.2", Dst: "10.1.1.1",
			Transport: record.Transport{Kind: record.UDPTransport, SrcPort: 49153, DstPort: 2100}},
		{Time: 2, FlowID: 5, UID: 19, Size: 100, TTL: 64, PayloadSize: 80, Protocol: 1,
			Src: "10.1.1.3", Dst: "10.1.1.1"},
	}
}

func TestPacketStreamRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := emit.CreateFileBackend(dir, "trial", "gzip")
	require.NoError(t, err)
	em := emit.CreateEmitter(backend, record.Plain, nil)
	recs := observed()
	for idx := range recs {
		em.Emit("receiver1", &recs[idx])
	}
	require.NoError(t, em.Close())

	read, err := ReadPacketsFile(backend.Location("receiver1"))
	require.NoError(t, err)
	assert.Equal(t, recs, read)
}

func TestQueueStreamRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := emit.CreateFileBackend(dir, "trial", "")
	require.NoError(t, err)
	em := emit.CreateEmitter(backend, record.Plain, nil)
	samples := []record.QueueSample{{Location: "switchB.0", Time: 1.5, Depth: 1}, {Location: "switchB.0", Time: 1.75, Depth: 0}}
	for idx := range samples {
		em.Emit("queues", &samples[idx])
	}
	require.NoError(t, em.Close())

	read, err := ReadQueueFile(backend.Location("queues"))
	require.NoError(t, err)
	assert.Equal(t, samples, read)
}

func TestMalformedStreams(t *testing.T) {
	// protocol 6 with only the two UDP port columns
	short := "1,3,17,1434,4,0,0,63,1400,6,10.1.1.5,10.1.1.1,49153,4200,0.1,1,1,1\n"
	_, err := ReadPackets(strings.NewReader(short))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol 6")

	bad := "1,3,x,1434,4,0,0,63,1400,17,10.1.1.5,10.1.1.1,49153,4200,,,,\n"
	_, err = ReadPackets(strings.NewReader(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1 column 3")

	_, err = ReadPackets(strings.NewReader("1,2,3\n"))
	assert.Error(t, err)

	_, err = ReadQueue(strings.NewReader("q0,1\n"))
	assert.Error(t, err)
	_, err = ReadQueue(strings.NewReader("q0,1,deep\n"))
	assert.Error(t, err)
}

func TestDelayStats(t *testing.T) {
	recs := make([]record.PacketObserved, 0)
	for idx := 1; idx <= 10; idx++ {
		recs = append(recs, record.PacketObserved{Time: float64(idx), Size: 1000,
			Tags: record.Tags{Present: true, Delay: 0.01 * float64(idx), Workload: 1}})
	}
	recs = append(recs,
		record.PacketObserved{Time: 3, Size: 500, Tags: record.Tags{Present: true, Delay: 0.2, Workload: 2}},
		record.PacketObserved{Time: 4, Size: 800})

	summaries := DelayStats(recs)
	require.Len(t, summaries, 2)

	wl1 := summaries[0]
	assert.Equal(t, uint32(1), wl1.Workload)
	assert.Equal(t, 10, wl1.Count)
	assert.Equal(t, 10000, wl1.Bytes)
	assert.InDelta(t, 0.055, wl1.Mean, 1e-9)
	assert.InDelta(t, 0.01, wl1.Min, 1e-9)
	assert.InDelta(t, 0.05, wl1.P50, 1e-9)
	assert.InDelta(t, 0.1, wl1.P99, 1e-9)
	assert.InDelta(t, 0.1, wl1.Max, 1e-9)
	assert.Greater(t, wl1.StdDev, 0.0)
	assert.InDelta(t, 80000.0/9.0, wl1.Throughput, 1e-6)

	wl2 := summaries[1]
	assert.Equal(t, 1, wl2.Count)
	assert.Zero(t, wl2.StdDev)
	assert.Zero(t, wl2.Throughput)
	assert.InDelta(t, 0.2, wl2.P99, 1e-9)
}

func TestQueueStatsWeightsByHoldingTime(t *testing.T) {
	samples := []record.QueueSample{
		{Location: "q1", Time: 5, Depth: 2},
		{Location: "q0", Time: 1, Depth: 1},
		{Location: "q0", Time: 2, Depth: 3},
		{Location: "q0", Time: 4, Depth: 0},
	}
	summaries := QueueStats(samples, 6)
	require.Len(t, summaries, 2)

	assert.Equal(t, "q0", summaries[0].Location)
	assert.Equal(t, 3, summaries[0].Samples)
	assert.Equal(t, 3, summaries[0].MaxDepth)
	assert.InDelta(t, 5.0, summaries[0].Span, 1e-9)
	assert.InDelta(t, 1.4, summaries[0].MeanDepth, 1e-9)

	assert.Equal(t, "q1", summaries[1].Location)
	assert.InDelta(t, 1.0, summaries[1].Span, 1e-9)
	assert.InDelta(t, 2.0, summaries[1].MeanDepth, 1e-9)

	// a last sample at or past end holds for no time
	summaries = QueueStats(samples[:1], 5)
	assert.Zero(t, summaries[0].Span)
	assert.InDelta(t, 2.0, summaries[0].MeanDepth, 1e-9)
}

func TestPlots(t *testing.T) {
	dir := t.TempDir()
	delayFile := filepath.Join(dir, "plots", "delay.png")
	require.NoError(t, PlotDelay(observed(), "receiver1", delayFile))
	info, err := os.Stat(delayFile)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	samples := []record.QueueSample{
		{Location: "switchB.0", Time: 1, Depth: 1}, {Location: "switchB.0", Time: 2, Depth: 0},
		{Location: "switchA.1", Time: 1, Depth: 0},
	}
	queueFile := filepath.Join(dir, "queue.png")
	require.NoError(t, PlotQueue(samples, "queues", queueFile))
	_, err = os.Stat(queueFile)
	require.NoError(t, err)

	assert.ErrorIs(t, PlotQueue(samples, "queues", queueFile, "switchC.0"), ErrNothingToPlot)
	assert.ErrorIs(t, PlotQueue(samples[2:], "queues", queueFile), ErrNothingToPlot)
	assert.ErrorIs(t, PlotDelay(observed()[1:], "untagged", delayFile), ErrNothingToPlot)
}

func runSmall(t *testing.T, style string) string {
	t.Helper()
	cfg := config.Defaults()
	cfg.Apps = 2
	cfg.Stop = 6
	for idx := range cfg.Workloads {
		cfg.Workloads[idx].Dist = filepath.Join("..", "scenario", "testdata", "sizes.cdf")
		cfg.Workloads[idx].Factor = 0
	}
	cfg.Workloads[0].Factor = 1
	cfg.Output.Prefix = "trial"
	cfg.Output.Style = style
	cfg.Output.Sink.Dir = t.TempDir()
	_, err := scenario.Run(context.Background(), cfg, nil)
	require.NoError(t, err)
	return filepath.Join(cfg.Output.Sink.Dir, "trial_manifest.yaml")
}

func TestReportManifest(t *testing.T) {
	reports, err := ReportManifest(runSmall(t, "plain"))
	require.NoError(t, err)

	byStream := make(map[string]StreamReport)
	for _, rpt := range reports {
		byStream[rpt.Stream] = rpt
	}
	rx, present := byStream["receiver1"]
	require.True(t, present)
	assert.Equal(t, "packet", rx.Kind)
	require.Len(t, rx.Delays, 1)
	assert.Equal(t, uint32(1), rx.Delays[0].Workload)
	assert.Greater(t, rx.Delays[0].Count, 0)
	assert.Greater(t, rx.Delays[0].Mean, 0.0)
	assert.LessOrEqual(t, rx.Delays[0].P50, rx.Delays[0].P99)

	queues, present := byStream["queues"]
	require.True(t, present)
	require.NotEmpty(t, queues.Queues)
	maxDepth := 0
	for _, qs := range queues.Queues {
		maxDepth = max(maxDepth, qs.MaxDepth)
	}
	assert.GreaterOrEqual(t, maxDepth, 1)

	_, err = ReportManifest(runSmall(t, "labeled"))
	assert.ErrorContains(t, err, "labeled")
}

func TestPlotManifest(t *testing.T) {
	dir := t.TempDir()
	written, err := PlotManifest(runSmall(t, "plain"), dir)
	require.NoError(t, err)
	assert.Contains(t, written, filepath.Join(dir, "shift_receiver1_delay.png"))
	assert.Contains(t, written, filepath.Join(dir, "shift_queues_depth.png"))
}

func TestThinBoundsLongSeries(t *testing.T) {
	pts := make(plotter.XYs, 50000)
	for idx := range pts {
		pts[idx] = plotter.XY{X: float64(idx) * 1e-3, Y: float64(idx % 97)}
	}
	pts[31234].Y = 500

	thinned := thin(pts, maxPlotPoints)
	assert.LessOrEqual(t, len(thinned), maxPlotPoints+1)
	assert.Equal(t, pts[0], thinned[0])
	assert.Equal(t, pts[len(pts)-1], thinned[len(thinned)-1])
	peak := 0.0
	for idx, pt := range thinned {
		peak = max(peak, pt.Y)
		if idx > 0 {
			assert.Greater(t, pt.X, thinned[idx-1].X)
		}
	}
	assert.Equal(t, 500.0, peak)

	// repeated depths collapse, short series are otherwise untouched
	flat := plotter.XYs{{X: 0, Y: 1}, {X: 1, Y: 1}, {X: 2, Y: 1}, {X: 3, Y: 2}}
	assert.Equal(t, plotter.XYs{{X: 0, Y: 1}, {X: 3, Y: 2}}, thin(flat, maxPlotPoints))
	assert.Empty(t, thin(plotter.XYs{}, maxPlotPoints))
}

func TestPlotLongSeriesFinishes(t *testing.T) {
	samples := make([]record.QueueSample, 0, 20000)
	recs := make([]record.PacketObserved, 0, 20000)
	for idx := 0; idx < 20000; idx++ {
		tm := float64(idx) * 3e-3
		samples = append(samples, record.QueueSample{Location: "q", Time: tm, Depth: idx % 100})
		recs = append(recs, record.PacketObserved{Time: tm, Size: 1434,
			Tags: record.Tags{Present: true, Delay: 0.01 + float64(idx%50)*1e-3, Workload: 1}})
	}

	dir := t.TempDir()
	begin := time.Now()
	require.NoError(t, PlotQueue(samples, "depth", filepath.Join(dir, "depth.png")))
	require.NoError(t, PlotDelay(recs, "delay", filepath.Join(dir, "delay.png")))
	assert.Less(t, time.Since(begin), 20*time.Second)

	for _, name := range []string{"depth.png", "delay.png"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}
