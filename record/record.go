// Package record defines the trace records the collector produces and the
// fixed column order each one is written in. Column order is a contract
// with downstream analysis and must not change.
package record

import (
	"strconv"
)

// Kind distinguishes record shapes
type Kind int

const (
	PacketKind Kind = iota
	QueueKind
	DropKind
	SenderKind
	AckKind
	DelayKind
)

func (kind Kind) String() string {
	switch kind {
	case PacketKind:
		return "packet"
	case QueueKind:
		return "queue"
	case DropKind:
		return "drop"
	case SenderKind:
		return "sender"
	case AckKind:
		return "ack"
	case DelayKind:
		return "delay"
	}
	return "unknown"
}

// Field is one column: the label used in labeled output and the value
type Field struct {
	Label string
	Value string
}

// Record is satisfied by every trace record
type Record interface {
	Kind() Kind
	Fields() []Field
}

// Style selects how fields become columns
type Style int

const (
	Plain   Style = iota // values only
	Labeled              // alternating label and value columns
)

// StyleFromStr maps "plain" or "labeled" to a Style
func StyleFromStr(style string) (Style, bool) {
	switch style {
	case "plain", "":
		return Plain, true
	case "labeled", "labelled":
		return Labeled, true
	}
	return Plain, false
}

// Columns renders a record's fields in the given style
func Columns(rec Record, style Style) []string {
	fields := rec.Fields()
	if style == Plain {
		cols := make([]string, len(fields))
		for idx, field := range fields {
			cols[idx] = field.Value
		}
		return cols
	}
	cols := make([]string, 0, 2*len(fields))
	for _, field := range fields {
		if len(field.Label) > 0 {
			cols = append(cols, field.Label)
		}
		cols = append(cols, field.Value)
	}
	return cols
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

func utoa[T ~uint8 | ~uint16 | ~uint32 | ~uint64](v T) string {
	return strconv.FormatUint(uint64(v), 10)
}

// TransportKind identifies which transport columns a packet record carries
type TransportKind int

const (
	UnknownTransport TransportKind = iota
	TCPTransport
	UDPTransport
)

// Transport holds the transport header values of an observed packet
type Transport struct {
	Kind    TransportKind
	SrcPort uint16
	DstPort uint16
	Seq     uint32 // TCP only
	Window  uint16 // TCP only
}

// Tags holds the tag values of an observed packet. Present is false for
// untagged packets, whose tag columns are written empty.
type Tags struct {
	Present  bool
	Delay    float64
	Workload uint32
	App      uint32
	Message  uint32
}

// PacketObserved describes one packet seen at a trace point
type PacketObserved struct {
	Time        float64
	FlowID      int
	UID         uint64
	Size        int
	IPID        uint16
	DSCP        uint8
	ECN         uint8
	TTL         uint8
	PayloadSize int
	Protocol    uint8
	Src         string
	Dst         string
	Transport   Transport
	Tags        Tags
}

func (po *PacketObserved) Kind() Kind { return PacketKind }

// Fields lays out time, flow, uid, size, the IPv4 fields, the transport
// fields, then delay, workload, application and message ids
func (po *PacketObserved) Fields() []Field {
	fields := []Field{
		{"Tx sent at:", ftoa(po.Time)},
		{"Flow id is", itoa(po.FlowID)},
		{"Packet uid is", utoa(po.UID)},
		{"Packet size is", itoa(po.Size)},
		{"IP ID is", utoa(po.IPID)},
		{"DSCP is", utoa(po.DSCP)},
		{"ECN is", utoa(po.ECN)},
		{"TTL is", utoa(po.TTL)},
		{"Payload size is", itoa(po.PayloadSize)},
		{"Protocol is", utoa(po.Protocol)},
		{"Source IP is", po.Src},
		{"Destination IP is", po.Dst},
	}

	switch po.Transport.Kind {
	case TCPTransport:
		fields = append(fields,
			Field{"TCP source port is", utoa(po.Transport.SrcPort)},
			Field{"TCP destination port is", utoa(po.Transport.DstPort)},
			Field{"TCP sequence num is", utoa(po.Transport.Seq)},
			Field{"TCP current window size is", utoa(po.Transport.Window)})
	case UDPTransport:
		fields = append(fields,
			Field{"UDP source port is", utoa(po.Transport.SrcPort)},
			Field{"UDP destination port is", utoa(po.Transport.DstPort)})
	default:
		fields = append(fields, Field{"", "Unknown transport protocol"})
	}

	delay, wl, app, msg := "", "", "", ""
	if po.Tags.Present {
		delay = ftoa(po.Tags.Delay)
		wl = utoa(po.Tags.Workload)
		app = utoa(po.Tags.App)
		msg = utoa(po.Tags.Message)
	}
	return append(fields,
		Field{"Delay is", delay},
		Field{"Workload id is", wl},
		Field{"Application id is", app},
		Field{"Message id is", msg})
}

// QueueSample is a queue depth change at a location
type QueueSample struct {
	Location string
	Time     float64
	Depth    int
}

func (qs *QueueSample) Kind() Kind { return QueueKind }

func (qs *QueueSample) Fields() []Field {
	return []Field{{"Location is", qs.Location}, {"Time is", ftoa(qs.Time)}, {"Depth is", itoa(qs.Depth)}}
}

// DropEvent is a packet refused by a full queue. Seq is 0 unless the packet is TCP.
type DropEvent struct {
	Location string
	Time     float64
	Size     int
	Seq      uint32
}

func (de *DropEvent) Kind() Kind { return DropKind }

func (de *DropEvent) Fields() []Field {
	return []Field{{"Location is", de.Location}, {"Time is", ftoa(de.Time)},
		{"Packet size is", itoa(de.Size)}, {"TCP sequence num is", utoa(de.Seq)}}
}

// SenderPacket is a data packet leaving its sender
type SenderPacket struct {
	Time float64
	Size int
	UID  uint64
	Seq  uint32
}

func (sp *SenderPacket) Kind() Kind { return SenderKind }

func (sp *SenderPacket) Fields() []Field {
	return []Field{{"Tx sent at:", ftoa(sp.Time)}, {"Packet size is", itoa(sp.Size)},
		{"Packet uid is", utoa(sp.UID)}, {"TCP sequence num is", utoa(sp.Seq)}}
}

// AckObserved is an acknowledgement arriving back at a sender
type AckObserved struct {
	Time float64
	Size int
	UID  uint64
	Seq  uint32
	Ack  uint32
}

func (ao *AckObserved) Kind() Kind { return AckKind }

func (ao *AckObserved) Fields() []Field {
	return []Field{{"Rx at:", ftoa(ao.Time)}, {"Packet size is", itoa(ao.Size)},
		{"Packet uid is", utoa(ao.UID)}, {"TCP sequence num is", utoa(ao.Seq)},
		{"TCP ack num is", utoa(ao.Ack)}}
}

// DelaySample is the compact per-packet delay line: time, delay, size, workload
type DelaySample struct {
	Time     float64
	Delay    float64
	Size     int
	Workload uint32
}

func (ds *DelaySample) Kind() Kind { return DelayKind }

func (ds *DelaySample) Fields() []Field {
	return []Field{{"Time is", ftoa(ds.Time)}, {"Delay is", ftoa(ds.Delay)},
		{"Packet size is", itoa(ds.Size)}, {"Workload id is", utoa(ds.Workload)}}
}
