// Package collect turns engine trace events into records. Handlers run
// synchronously inside the engine callback and pass each record to the
// emitter at once; the collector never mutates packets or schedules events.
package collect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iti/trafgen/emit"
	"github.com/iti/trafgen/netsim"
	"github.com/iti/trafgen/record"
	"github.com/iti/trafgen/tag"
	"go.uber.org/zap"
)

// Point is one configured trace point. Node and Intrfc follow netsim.Selector;
// Stream may contain {node} and {intrfc}, expanded per matched interface.
type Point struct {
	Stream     string `json:"stream" yaml:"stream"`
	Node       string `json:"node" yaml:"node"`
	Intrfc     string `json:"intrfc" yaml:"intrfc"`
	Event      string `json:"event" yaml:"event"`                       // tx, rx, queue or drop
	Record     string `json:"record,omitempty" yaml:"record,omitempty"` // packet, sender, ack, delay, queue or drop
	TaggedOnly bool   `json:"taggedonly,omitempty" yaml:"taggedonly,omitempty"`
}

// recordFor returns the record kind a point produces, defaulting from the event
func (pt *Point) recordFor(kind netsim.TraceKind) (record.Kind, error) {
	switch pt.Record {
	case "":
		switch kind {
		case netsim.QueueDepth:
			return record.QueueKind, nil
		case netsim.Drop:
			return record.DropKind, nil
		}
		return record.PacketKind, nil
	case "packet":
		if kind == netsim.QueueDepth {
			break
		}
		return record.PacketKind, nil
	case "queue":
		if kind == netsim.QueueDepth {
			return record.QueueKind, nil
		}
	case "drop":
		if kind == netsim.Drop {
			return record.DropKind, nil
		}
	case "sender":
		if kind == netsim.MacTx {
			return record.SenderKind, nil
		}
	case "ack":
		if kind == netsim.MacRx {
			return record.AckKind, nil
		}
	case "delay":
		if kind == netsim.MacTx || kind == netsim.MacRx {
			return record.DelayKind, nil
		}
	default:
		return record.PacketKind, fmt.Errorf("trace point %s has unknown record %q", pt.Stream, pt.Record)
	}
	return record.PacketKind, fmt.Errorf("trace point %s cannot produce %s records from %s events", pt.Stream, pt.Record, kind)
}

// Validate checks the point without a network
func (pt *Point) Validate() error {
	if len(pt.Stream) == 0 {
		return fmt.Errorf("trace point on node %q has no stream name", pt.Node)
	}
	if len(pt.Node) == 0 {
		return fmt.Errorf("trace point %s has no node selector", pt.Stream)
	}
	_, err := pt.RecordKind()
	return err
}

// RecordKind is the kind of record the point writes
func (pt *Point) RecordKind() (record.Kind, error) {
	kind, err := netsim.TraceKindFromStr(pt.Event)
	if err != nil {
		return record.PacketKind, fmt.Errorf("trace point %s: %w", pt.Stream, err)
	}
	return pt.recordFor(kind)
}

// StreamName expands {node} and {intrfc} for one matched interface
func (pt *Point) StreamName(intrfc *netsim.Intrfc) string {
	name := strings.ReplaceAll(pt.Stream, "{node}", intrfc.Device.DevName())
	return strings.ReplaceAll(name, "{intrfc}", strconv.Itoa(intrfc.Number))
}

// Counts tallies what the collector saw
type Counts struct {
	Records  map[string]int `json:"records" yaml:"records"`
	Untagged int            `json:"untagged" yaml:"untagged"`
	Unknown  int            `json:"unknown" yaml:"unknown"` // packets with unparseable headers or a transport other than TCP or UDP
	Filtered int            `json:"filtered" yaml:"filtered"`
}

// Collector builds records from trace events
type Collector struct {
	tags    *tag.Table
	emitter *emit.Emitter
	logger  *zap.Logger
	Counts  Counts
}

// CreateCollector is a constructor
func CreateCollector(tags *tag.Table, emitter *emit.Emitter, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	coll := new(Collector)
	coll.tags = tags
	coll.emitter = emitter
	coll.logger = logger
	coll.Counts.Records = make(map[string]int)
	return coll
}

// Install connects the point to every interface it selects and returns the
// stream names it writes to, one per matched interface
func (coll *Collector) Install(net *netsim.Network, pt Point) ([]string, error) {
	if err := pt.Validate(); err != nil {
		return nil, err
	}
	kind, _ := netsim.TraceKindFromStr(pt.Event)
	recKind, _ := pt.recordFor(kind)

	sel := netsim.Selector{Node: pt.Node, Intrfc: pt.Intrfc, Kind: kind}
	matched := net.Matches(sel)
	if len(matched) == 0 {
		return nil, fmt.Errorf("trace point %s selects no interface (node %q, intrfc %q)", pt.Stream, pt.Node, pt.Intrfc)
	}
	streams := make([]string, 0, len(matched))
	for _, intrfc := range matched {
		stream := pt.StreamName(intrfc)
		intrfc.Connect(kind, coll.handler(recKind, stream, pt.TaggedOnly))
		streams = append(streams, stream)
	}
	coll.logger.Debug("trace point installed", zap.String("stream", pt.Stream),
		zap.Stringer("event", kind), zap.Stringer("record", recKind), zap.Int("intrfcs", len(matched)))
	return streams, nil
}

// handler returns the closure that serves one (record kind, stream) binding
func (coll *Collector) handler(recKind record.Kind, stream string, taggedOnly bool) netsim.TraceHandler {
	return func(ev *netsim.TraceEvent) {
		var rec record.Record
		switch recKind {
		case record.PacketKind:
			po := coll.PacketObserved(ev)
			if taggedOnly && !po.Tags.Present {
				coll.Counts.Filtered += 1
				return
			}
			rec = po
		case record.QueueKind:
			rec = QueueSample(ev)
		case record.DropKind:
			rec = DropEvent(ev)
		case record.SenderKind:
			if taggedOnly {
				if _, present := coll.tags.Peek(ev.Pckt.UID); !present {
					coll.Counts.Filtered += 1
					return
				}
			}
			rec = SenderPacket(ev)
		case record.AckKind:
			ao, isTCP := AckObserved(ev)
			if !isTCP {
				return
			}
			rec = ao
		case record.DelayKind:
			ds, present := coll.DelaySample(ev)
			if !present {
				return
			}
			rec = ds
		}
		coll.Counts.Records[recKind.String()] += 1
		coll.emitter.Emit(stream, rec)
	}
}

// tagsOf looks up the tag of a packet observed at time now
func (coll *Collector) tagsOf(pckt *netsim.Packet, now float64) record.Tags {
	ts, present := coll.tags.Peek(pckt.UID)
	if !present {
		return record.Tags{}
	}
	return record.Tags{Present: true, Delay: now - ts.Origin, Workload: ts.Workload, App: ts.App, Message: ts.Message}
}

// PacketObserved builds the packet record for a MacTx, MacRx or Drop event.
// Headers that cannot be parsed leave the header columns empty and the
// transport unknown; the record is still produced.
func (coll *Collector) PacketObserved(ev *netsim.TraceEvent) *record.PacketObserved {
	pckt := ev.Pckt
	po := &record.PacketObserved{Time: ev.Time, FlowID: pckt.FlowID, UID: pckt.UID, Size: pckt.Size}
	po.Tags = coll.tagsOf(pckt, ev.Time)
	if !po.Tags.Present {
		coll.Counts.Untagged += 1
		coll.logger.Debug("untagged packet", zap.Uint64("uid", pckt.UID), zap.String("at", ev.Context))
	}

	hdrs, err := pckt.Headers()
	if err != nil {
		coll.Counts.Unknown += 1
		coll.logger.Debug("unparseable packet headers", zap.Uint64("uid", pckt.UID),
			zap.String("at", ev.Context), zap.Error(err))
		return po
	}
	po.IPID = hdrs.IP.ID
	po.DSCP = hdrs.IP.DSCP
	po.ECN = hdrs.IP.ECN
	po.TTL = hdrs.IP.TTL
	po.PayloadSize = hdrs.IP.PayloadSize()
	po.Protocol = uint8(hdrs.IP.Protocol)
	po.Src = hdrs.IP.Src.String()
	po.Dst = hdrs.IP.Dst.String()

	switch {
	case hdrs.TCP != nil:
		po.Transport = record.Transport{Kind: record.TCPTransport, SrcPort: hdrs.TCP.SrcPort,
			DstPort: hdrs.TCP.DstPort, Seq: hdrs.TCP.Seq, Window: hdrs.TCP.Window}
	case hdrs.UDP != nil:
		po.Transport = record.Transport{Kind: record.UDPTransport, SrcPort: hdrs.UDP.SrcPort, DstPort: hdrs.UDP.DstPort}
	default:
		coll.Counts.Unknown += 1
	}
	return po
}

// QueueSample reports the new depth of a queue, located by the event context
func QueueSample(ev *netsim.TraceEvent) *record.QueueSample {
	return &record.QueueSample{Location: ev.Context, Time: ev.Time, Depth: ev.NewDepth}
}

// tcpSeq is the TCP sequence number of a packet, 0 for other transports
func tcpSeq(pckt *netsim.Packet) uint32 {
	hdrs, err := pckt.Headers()
	if err != nil || hdrs.TCP == nil {
		return 0
	}
	return hdrs.TCP.Seq
}

// DropEvent reports a packet refused by a full queue
func DropEvent(ev *netsim.TraceEvent) *record.DropEvent {
	return &record.DropEvent{Location: ev.Context, Time: ev.Time, Size: ev.Pckt.Size, Seq: tcpSeq(ev.Pckt)}
}

// SenderPacket reports a packet leaving a sender interface
func SenderPacket(ev *netsim.TraceEvent) *record.SenderPacket {
	return &record.SenderPacket{Time: ev.Time, Size: ev.Pckt.Size, UID: ev.Pckt.UID, Seq: tcpSeq(ev.Pckt)}
}

// AckObserved reports a TCP segment arriving back at a sender. The second
// result is false for non-TCP packets, which produce no record.
func AckObserved(ev *netsim.TraceEvent) (*record.AckObserved, bool) {
	hdrs, err := ev.Pckt.Headers()
	if err != nil || hdrs.TCP == nil {
		return nil, false
	}
	return &record.AckObserved{Time: ev.Time, Size: ev.Pckt.Size, UID: ev.Pckt.UID,
		Seq: hdrs.TCP.Seq, Ack: hdrs.TCP.Ack}, true
}

// DelaySample reports the delay of a tagged packet. Untagged packets give no sample.
func (coll *Collector) DelaySample(ev *netsim.TraceEvent) (*record.DelaySample, bool) {
	tags := coll.tagsOf(ev.Pckt, ev.Time)
	if !tags.Present {
		return nil, false
	}
	return &record.DelaySample{Time: ev.Time, Delay: tags.Delay, Size: ev.Pckt.Size, Workload: tags.Workload}, true
}

// Count returns how many records of a kind were emitted
func (coll *Collector) Count(kind record.Kind) int {
	return coll.Counts.Records[kind.String()]
}
