package netsim

import (
	"fmt"
	"strconv"

	"golang.org/x/exp/slices"
)

// TraceKind names a trace source on an interface
type TraceKind int

const (
	MacTx      TraceKind = iota // packet handed to the interface, before enqueueing
	MacRx                       // packet fully arrived at the interface
	QueueDepth                  // waiting-packet count changed
	Drop                        // packet refused by a full queue
	numTraceKinds
)

func (kind TraceKind) String() string {
	switch kind {
	case MacTx:
		return "MacTx"
	case MacRx:
		return "MacRx"
	case QueueDepth:
		return "PacketsInQueue"
	case Drop:
		return "MacTxDrop"
	}
	return "Unknown"
}

// TraceKindFromStr accepts the short names used in configuration as well as String() forms
func TraceKindFromStr(kind string) (TraceKind, error) {
	switch kind {
	case "tx", "MacTx":
		return MacTx, nil
	case "rx", "MacRx":
		return MacRx, nil
	case "queue", "PacketsInQueue":
		return QueueDepth, nil
	case "drop", "MacTxDrop":
		return Drop, nil
	}
	return numTraceKinds, fmt.Errorf("unknown trace kind %q", kind)
}

// TraceEvent is handed to every handler connected to the firing source.
// Pckt is nil for QueueDepth events.
type TraceEvent struct {
	Kind     TraceKind
	Time     float64
	Intrfc   *Intrfc
	Context  string
	Pckt     *Packet
	OldDepth int
	NewDepth int
}

// TraceHandler runs synchronously inside the engine when its source fires
type TraceHandler func(ev *TraceEvent)

// Selector picks interfaces. Node is a device name, a device id, a group
// the device belongs to or "*"; Intrfc is an interface position or "*".
type Selector struct {
	Node   string
	Intrfc string
	Kind   TraceKind
}

func (sel Selector) matchesNode(dev Device) bool {
	if sel.Node == "*" || sel.Node == dev.DevName() || slices.Contains(dev.DevGroups(), sel.Node) {
		return true
	}
	id, err := strconv.Atoi(sel.Node)
	return err == nil && id == dev.DevID()
}

func (sel Selector) matchesIntrfc(intrfc *Intrfc) bool {
	if sel.Intrfc == "*" || len(sel.Intrfc) == 0 {
		return true
	}
	number, err := strconv.Atoi(sel.Intrfc)
	return err == nil && number == intrfc.Number
}

// Matches lists the interfaces picked by the selector, ordered by interface id
func (net *Network) Matches(sel Selector) []*Intrfc {
	matched := make([]*Intrfc, 0)
	for _, intrfc := range net.Intrfcs {
		if sel.matchesNode(intrfc.Device) && sel.matchesIntrfc(intrfc) {
			matched = append(matched, intrfc)
		}
	}
	return matched
}

// Connect binds handler to every interface the selector picks and returns how many were bound
func (net *Network) Connect(sel Selector, handler TraceHandler) int {
	matched := net.Matches(sel)
	for _, intrfc := range matched {
		intrfc.Connect(sel.Kind, handler)
	}
	return len(matched)
}

// Connect binds handler to one trace source of this interface
func (intrfc *Intrfc) Connect(kind TraceKind, handler TraceHandler) {
	if kind < 0 || kind >= numTraceKinds {
		panic(fmt.Errorf("trace kind %d out of range", kind))
	}
	intrfc.taps[kind] = append(intrfc.taps[kind], handler)
}
