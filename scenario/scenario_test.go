package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/iti/trafgen/config"
	"github.com/iti/trafgen/emit"
	"github.com/iti/trafgen/netsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

// smallConfig is one app of one workload on the small layout
func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Apps = 1
	cfg.Stop = 10
	dist := filepath.Join("testdata", "sizes.cdf")
	for idx := range cfg.Workloads {
		cfg.Workloads[idx].Dist = dist
		cfg.Workloads[idx].Factor = 0
	}
	cfg.Workloads[0].Factor = 1
	cfg.Output.Sink.Dir = t.TempDir()
	return cfg
}

func buildMemory(t *testing.T, cfg *config.Config) (*Scenario, *emit.MemoryBackend) {
	t.Helper()
	backend := emit.CreateMemoryBackend()
	scn, err := Build(cfg, backend, nil)
	require.NoError(t, err)
	return scn, backend
}

func TestSingleAppWithoutCongestion(t *testing.T) {
	scn, backend := buildMemory(t, smallConfig(t))
	require.Len(t, scn.Generators, 1)
	assert.Empty(t, scn.Injectors)

	smry, err := scn.Execute(context.Background())
	require.NoError(t, err)
	require.NoError(t, scn.Close())

	rx := backend.Lines["receiver1"]
	require.NotEmpty(t, rx)
	for _, cols := range rx {
		require.Len(t, cols, 20)
		assert.Equal(t, "10.1.1.1", cols[11])
		assert.NotEmpty(t, cols[16])
		assert.Equal(t, []string{"1", "0"}, cols[17:19])
	}
	assert.Zero(t, smry.Net.Drops)
	assert.Empty(t, backend.Lines["drops"])
	assert.NotEmpty(t, backend.Lines["queues"])
	lastDepth := make(map[string]string)
	for _, cols := range backend.Lines["queues"] {
		lastDepth[cols[0]] = cols[2]
	}
	for _, name := range []string{"switchA.0", "switchB.0"} {
		intrfc, ok := scn.Net.IntrfcByName(name)
		require.True(t, ok, name)
		assert.Contains(t, lastDepth, intrfc.Context(netsim.QueueDepth))
	}
	assert.Contains(t, lastDepth, "/NodeList/2/DeviceList/0/PacketsInQueue")
	for loc, depth := range lastDepth {
		assert.Equal(t, "0", depth, loc)
	}
	assert.NotEmpty(t, backend.Lines["sender0"])
	assert.Greater(t, smry.Bytes, 0)
	assert.Equal(t, smry.Msgs, scn.Generators[0].Msgs)

	// 100kbps for 9 seconds
	assert.InEpsilon(t, 100e3*9/8, float64(smry.Bytes), 0.25)
	require.Len(t, scn.Manifest.Apps, 1)
	assert.Equal(t, "sender0", scn.Manifest.Apps[0].Sender)
	assert.Equal(t, uint16(4200), scn.Manifest.Apps[0].Port)
	assert.Equal(t, 1.0, scn.Manifest.Apps[0].Start)
}

func TestCongestionCausesDrops(t *testing.T) {
	cfg := smallConfig(t)
	cfg.LinkRate = "1Mbps"
	cfg.Congestion.Rate = "2Mbps"
	scn, backend := buildMemory(t, cfg)
	require.Len(t, scn.Injectors, 1)

	smry, err := scn.Execute(context.Background())
	require.NoError(t, err)
	require.NoError(t, scn.Close())

	assert.Greater(t, smry.Net.Drops, 0)
	assert.Len(t, backend.Lines["drops"], smry.Net.Drops)
	assert.Greater(t, smry.NoisePckts, 0)
	assert.Greater(t, smry.Records.Untagged, 0)

	swB0, ok := scn.Net.IntrfcByName("switchB.0")
	require.True(t, ok)
	assert.Greater(t, swB0.Drops, 0)

	drops := backend.Lines["drops"]
	prev := -1.0
	for _, cols := range drops {
		tm, err := strconv.ParseFloat(cols[1], 64)
		require.NoError(t, err)
		assert.Greater(t, tm, prev)
		prev = tm
	}

	// delay at the receiver grows as the bottleneck queue fills
	delays := make([]float64, 0)
	for _, cols := range backend.Lines["receiver1"] {
		if len(cols[len(cols)-4]) == 0 {
			continue
		}
		delay, err := strconv.ParseFloat(cols[len(cols)-4], 64)
		require.NoError(t, err)
		delays = append(delays, delay)
	}
	require.Greater(t, len(delays), 20)
	k := len(delays) / 10
	assert.Greater(t, stat.Mean(delays[len(delays)-k:], nil), stat.Mean(delays[:k], nil))
}

func TestSameSeedSameRecords(t *testing.T) {
	run := func(seed uint64) [][]string {
		cfg := smallConfig(t)
		cfg.Apps = 2
		cfg.Workloads[1].Factor = 2
		cfg.Window = 3
		cfg.Seed = seed
		scn, backend := buildMemory(t, cfg)
		_, err := scn.Execute(context.Background())
		require.NoError(t, err)
		require.NoError(t, scn.Close())
		return backend.Lines["receiver1"]
	}
	first := run(7)
	require.NotEmpty(t, first)
	assert.Equal(t, first, run(7))
	assert.NotEqual(t, first, run(8))
}

func TestRunWritesFilesAndManifest(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Output.Prefix = "trial"
	smry, err := Run(context.Background(), cfg, nil)
	require.NoError(t, err)

	dir := cfg.Output.Sink.Dir
	_, err = os.Stat(filepath.Join(dir, "trial_receiver1.csv"))
	require.NoError(t, err)

	mf, err := ReadManifest(filepath.Join(dir, "trial_manifest.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "small", mf.Layout)
	assert.Len(t, mf.RunID, 36)
	assert.Len(t, mf.Apps, 1)
	assert.Equal(t, NameType{Name: "switchA", Type: "Switch"}, mf.NameByID[2])
	require.NotNil(t, mf.Summary)
	assert.Equal(t, smry.Bytes, mf.Summary.Bytes)
	assert.Equal(t, len(smry.Streams), len(mf.Streams))
}

func TestSetupErrorsAbortBeforeRunning(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Workloads[0].Dist = filepath.Join("testdata", "missing.cdf")
	_, err := Run(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = smallConfig(t)
	cfg.Topology = "nowhere.yaml"
	_, err = Run(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "nowhere.yaml")

	cfg = smallConfig(t)
	cfg.Apps = 0
	_, err = Run(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "apps")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scn, _ := buildMemory(t, smallConfig(t))
	_, err = scn.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBottleneckQueueApplied(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Queue = "7p"
	cfg.Params = netsim.CreateExpCfg("extra")
	require.NoError(t, cfg.Params.AddParameter("Interface",
		[]netsim.AttrbStruct{{AttrbName: "name", AttrbValue: "switchB.0"}}, "queue", "9p"))
	scn, _ := buildMemory(t, cfg)

	swA0, _ := scn.Net.IntrfcByName("switchA.0")
	swA1, _ := scn.Net.IntrfcByName("switchA.1")
	swB0, _ := scn.Net.IntrfcByName("switchB.0")
	assert.Equal(t, 7, swA0.QCap)
	assert.Equal(t, netsim.DefaultQCap, swA1.QCap)
	assert.Equal(t, 9, swB0.QCap)
	sender0, err := scn.Net.HostByName("sender0")
	require.NoError(t, err)
	assert.Equal(t, netsim.DefaultMSS, sender0.MSS)
}
