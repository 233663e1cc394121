package emit

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/iti/trafgen/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readStream(t *testing.T, filename string) [][]string {
	t.Helper()
	rdr, err := OpenReader(filename)
	require.NoError(t, err)
	defer rdr.Close()
	crdr := csv.NewReader(rdr)
	crdr.FieldsPerRecord = -1
	lines, err := crdr.ReadAll()
	require.NoError(t, err)
	return lines
}

func TestFileBackendCompressions(t *testing.T) {
	for _, comp := range []string{"none", "gzip", "zstd", "lz4"} {
		t.Run(comp, func(t *testing.T) {
			dir := t.TempDir()
			backend, err := CreateFileBackend(dir, "shift", comp)
			require.NoError(t, err)
			em := CreateEmitter(backend, record.Plain, nil)

			em.Emit("queues", &record.QueueSample{Location: "q0", Time: 1, Depth: 1})
			em.Emit("queues", &record.QueueSample{Location: "q0", Time: 2, Depth: 0})
			em.Emit("drops", &record.DropEvent{Location: "q0", Time: 2, Size: 1434, Seq: 1})
			require.NoError(t, em.Close())

			queues := backend.Location("queues")
			assert.Equal(t, dir+"/shift_queues.csv"+compressions[comp], queues)
			assert.Equal(t, [][]string{{"q0", "1", "1"}, {"q0", "2", "0"}}, readStream(t, queues))
			assert.Equal(t, [][]string{{"q0", "2", "1434", "1"}}, readStream(t, backend.Location("drops")))
		})
	}
}

func TestLinesVisibleBeforeClose(t *testing.T) {
	dir := t.TempDir()
	backend, err := CreateFileBackend(dir, "p", "")
	require.NoError(t, err)
	em := CreateEmitter(backend, record.Labeled, nil)
	em.Emit("r", &record.DelaySample{Time: 1, Delay: 0.5, Size: 10, Workload: 1})

	raw, err := os.ReadFile(backend.Location("r"))
	require.NoError(t, err)
	assert.Equal(t, "Time is,1,Delay is,0.5,Packet size is,10,Workload id is,1\n", string(raw))
	require.NoError(t, em.Close())
}

func TestStreamsOpenLazily(t *testing.T) {
	mb := CreateMemoryBackend()
	em := CreateEmitter(mb, record.Plain, nil)
	assert.Empty(t, em.Streams())

	em.Emit("b", &record.QueueSample{Location: "x"})
	em.Emit("a", &record.QueueSample{Location: "y"})
	em.Emit("b", &record.QueueSample{Location: "z"})

	strms := em.Streams()
	require.Len(t, strms, 2)
	assert.Equal(t, "a", strms[0].Name)
	assert.Equal(t, 2, strms[1].Lines)
	assert.Equal(t, "memory:b", strms[1].Where)
	assert.Len(t, mb.Lines["b"], 2)
	assert.NoError(t, em.Err())
}

type failingBackend struct{ MemoryBackend }

type failingSink struct{}

func (failingSink) WriteLine([]string) error { return errors.New("disk full") }
func (failingSink) Close() error             { return nil }

func (fb *failingBackend) Open(string) (Sink, error) { return failingSink{}, nil }

func TestEmitKeepsFirstError(t *testing.T) {
	em := CreateEmitter(&failingBackend{}, record.Plain, nil)
	em.Emit("s", &record.QueueSample{})
	em.Emit("s", &record.QueueSample{})
	require.Error(t, em.Err())
	assert.ErrorContains(t, em.Close(), "disk full")
}

func TestBackendSelection(t *testing.T) {
	_, err := CreateFileBackend(t.TempDir(), "p", "brotli")
	assert.Error(t, err)
	_, err = OpenBackend(context.Background(), SinkCfg{Kind: "carrier-pigeon"}, "p", nil)
	assert.Error(t, err)
	_, err = OpenBackend(context.Background(), SinkCfg{Kind: "kafka"}, "p", nil)
	assert.Error(t, err)

	backend, err := OpenBackend(context.Background(), SinkCfg{Kind: "kafka", Brokers: []string{"localhost:9092"}}, "shift", nil)
	require.NoError(t, err)
	assert.Equal(t, "shift.receiver1", backend.Location("receiver1"))
	require.NoError(t, backend.Close())
}

func TestCSVLine(t *testing.T) {
	line, err := csvLine([]string{"a", "b,c", ""})
	require.NoError(t, err)
	assert.Equal(t, `a,"b,c",`, string(line))
}

func TestOpenReaderMissing(t *testing.T) {
	_, err := OpenReader(t.TempDir() + "/none.csv")
	assert.ErrorIs(t, err, os.ErrNotExist)
	var _ io.ReadCloser = &stackedReader{}
}
