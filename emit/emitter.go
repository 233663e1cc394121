// Package emit writes trace records to named output streams. A stream is
// opened on first use and receives one line per record, flushed as it is
// written; where the line goes is decided by the Backend.
package emit

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"

	"github.com/iti/trafgen/record"
	"go.uber.org/zap"
)

// Sink receives the lines of one stream
type Sink interface {
	WriteLine(cols []string) error
	Close() error
}

// Backend opens sinks by stream name and owns any shared connection
type Backend interface {
	Open(stream string) (Sink, error)
	Location(stream string) string
	Close() error
}

// Stream is an open output stream
type Stream struct {
	Name  string
	Where string
	Lines int
	sink  Sink
}

// Emitter routes records to streams. It is driven from engine callbacks,
// which cannot fail, so the first write error is kept and reported by Err and Close.
type Emitter struct {
	style   record.Style
	backend Backend
	streams map[string]*Stream
	err     error
	logger  *zap.Logger
}

// CreateEmitter is a constructor
func CreateEmitter(backend Backend, style record.Style, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	em := new(Emitter)
	em.style = style
	em.backend = backend
	em.streams = make(map[string]*Stream)
	em.logger = logger
	return em
}

// Stream returns the named stream, opening it if this is its first use
func (em *Emitter) Stream(name string) (*Stream, error) {
	strm, present := em.streams[name]
	if present {
		return strm, nil
	}
	sink, err := em.backend.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening stream %s: %w", name, err)
	}
	strm = &Stream{Name: name, Where: em.backend.Location(name), sink: sink}
	em.streams[name] = strm
	em.logger.Debug("stream opened", zap.String("stream", name), zap.String("where", strm.Where))
	return strm, nil
}

// Emit writes one record to the named stream
func (em *Emitter) Emit(name string, rec record.Record) {
	strm, err := em.Stream(name)
	if err == nil {
		err = strm.sink.WriteLine(record.Columns(rec, em.style))
	}
	if err != nil {
		if em.err == nil {
			em.logger.Error("record emission failed", zap.String("stream", name), zap.Error(err))
			em.err = err
		}
		return
	}
	strm.Lines += 1
}

// Err returns the first emission error, if any
func (em *Emitter) Err() error {
	return em.err
}

// Streams lists the opened streams by name
func (em *Emitter) Streams() []*Stream {
	strms := make([]*Stream, 0, len(em.streams))
	for _, strm := range em.streams {
		strms = append(strms, strm)
	}
	sort.Slice(strms, func(i, j int) bool { return strms[i].Name < strms[j].Name })
	return strms
}

// Close closes every stream and then the backend, joining all errors
func (em *Emitter) Close() error {
	errs := []error{em.err}
	for _, strm := range em.Streams() {
		errs = append(errs, strm.sink.Close())
	}
	errs = append(errs, em.backend.Close())
	return errors.Join(errs...)
}

// csvLine encodes one line of columns without the trailing newline
func csvLine(cols []string) ([]byte, error) {
	var buf bytes.Buffer
	wrtr := csv.NewWriter(&buf)
	if err := wrtr.Write(cols); err != nil {
		return nil, err
	}
	wrtr.Flush()
	if err := wrtr.Error(); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
}

// MemoryBackend keeps lines in memory, keyed by stream
type MemoryBackend struct {
	Lines map[string][][]string
}

// CreateMemoryBackend is a constructor
func CreateMemoryBackend() *MemoryBackend {
	return &MemoryBackend{Lines: make(map[string][][]string)}
}

type memorySink struct {
	backend *MemoryBackend
	stream  string
}

func (mb *MemoryBackend) Open(stream string) (Sink, error) {
	mb.Lines[stream] = make([][]string, 0)
	return &memorySink{backend: mb, stream: stream}, nil
}

func (mb *MemoryBackend) Location(stream string) string { return "memory:" + stream }
func (mb *MemoryBackend) Close() error                  { return nil }

func (ms *memorySink) WriteLine(cols []string) error {
	ms.backend.Lines[ms.stream] = append(ms.backend.Lines[ms.stream], cols)
	return nil
}

func (ms *memorySink) Close() error { return nil }
