// Package analyze reads emitted record streams back and summarizes them:
// per-workload delay statistics, per-location queue statistics and plots
// of both over time.
package analyze

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/iti/trafgen/emit"
	"github.com/iti/trafgen/record"
)

// packetHead and packetTail count the PacketObserved columns before the
// transport columns and after them
const (
	packetHead = 12
	packetTail = 4
)

func newReader(rdr io.Reader) *csv.Reader {
	csvr := csv.NewReader(rdr)
	csvr.FieldsPerRecord = -1
	csvr.ReuseRecord = true
	return csvr
}

// fieldParser collects the first parse error of a line
type fieldParser struct {
	line int
	err  error
}

func (fp *fieldParser) fail(col int, val string, err error) {
	if fp.err == nil {
		fp.err = fmt.Errorf("line %d column %d %q: %w", fp.line, col+1, val, err)
	}
}

func (fp *fieldParser) float(cols []string, col int) float64 {
	val, err := strconv.ParseFloat(cols[col], 64)
	if err != nil {
		fp.fail(col, cols[col], err)
	}
	return val
}

func (fp *fieldParser) uint(cols []string, col int, bits int) uint64 {
	val, err := strconv.ParseUint(cols[col], 10, bits)
	if err != nil {
		fp.fail(col, cols[col], err)
	}
	return val
}

func (fp *fieldParser) int(cols []string, col int) int {
	val, err := strconv.Atoi(cols[col])
	if err != nil {
		fp.fail(col, cols[col], err)
	}
	return val
}

// ReadPackets parses a plain-style PacketObserved stream. The protocol
// column decides how many transport columns a line has.
func ReadPackets(rdr io.Reader) ([]record.PacketObserved, error) {
	csvr := newReader(rdr)
	recs := make([]record.PacketObserved, 0)
	for line := 1; ; line++ {
		cols, err := csvr.Read()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		if len(cols) < packetHead+1+packetTail {
			return nil, fmt.Errorf("line %d has %d columns, too few for a packet record", line, len(cols))
		}

		fp := &fieldParser{line: line}
		po := record.PacketObserved{
			Time:        fp.float(cols, 0),
			FlowID:      fp.int(cols, 1),
			UID:         fp.uint(cols, 2, 64),
			Size:        fp.int(cols, 3),
			IPID:        uint16(fp.uint(cols, 4, 16)),
			DSCP:        uint8(fp.uint(cols, 5, 8)),
			ECN:         uint8(fp.uint(cols, 6, 8)),
			TTL:         uint8(fp.uint(cols, 7, 8)),
			PayloadSize: fp.int(cols, 8),
			Protocol:    uint8(fp.uint(cols, 9, 8)),
			Src:         cols[10],
			Dst:         cols[11],
		}

		transportCols := 1
		switch po.Protocol {
		case 6:
			transportCols = 4
			po.Transport = record.Transport{Kind: record.TCPTransport, SrcPort: uint16(fp.uint(cols, 12, 16)),
				DstPort: uint16(fp.uint(cols, 13, 16)), Seq: uint32(fp.uint(cols, 14, 32)), Window: uint16(fp.uint(cols, 15, 16))}
		case 17:
			transportCols = 2
			po.Transport = record.Transport{Kind: record.UDPTransport, SrcPort: uint16(fp.uint(cols, 12, 16)),
				DstPort: uint16(fp.uint(cols, 13, 16))}
		}
		if len(cols) != packetHead+transportCols+packetTail {
			return nil, fmt.Errorf("line %d has %d columns, protocol %d needs %d", line, len(cols),
				po.Protocol, packetHead+transportCols+packetTail)
		}

		tail := len(cols) - packetTail
		if len(cols[tail]) > 0 {
			po.Tags = record.Tags{Present: true, Delay: fp.float(cols, tail),
				Workload: uint32(fp.uint(cols, tail+1, 32)), App: uint32(fp.uint(cols, tail+2, 32)),
				Message: uint32(fp.uint(cols, tail+3, 32))}
		}
		if fp.err != nil {
			return nil, fp.err
		}
		recs = append(recs, po)
	}
}

// ReadQueue parses a plain-style QueueSample stream
func ReadQueue(rdr io.Reader) ([]record.QueueSample, error) {
	csvr := newReader(rdr)
	samples := make([]record.QueueSample, 0)
	for line := 1; ; line++ {
		cols, err := csvr.Read()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}
		if len(cols) != 3 {
			return nil, fmt.Errorf("line %d has %d columns, a queue sample has 3", line, len(cols))
		}
		fp := &fieldParser{line: line}
		qs := record.QueueSample{Location: cols[0], Time: fp.float(cols, 1), Depth: fp.int(cols, 2)}
		if fp.err != nil {
			return nil, fp.err
		}
		samples = append(samples, qs)
	}
}

func readFile[T any](filename string, parse func(io.Reader) ([]T, error)) ([]T, error) {
	rdr, err := emit.OpenReader(filename)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	recs, err := parse(rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return recs, nil
}

// ReadPacketsFile reads a packet stream file, compressed or not
func ReadPacketsFile(filename string) ([]record.PacketObserved, error) {
	return readFile(filename, ReadPackets)
}

// ReadQueueFile reads a queue stream file, compressed or not
func ReadQueueFile(filename string) ([]record.QueueSample, error) {
	return readFile(filename, ReadQueue)
}
