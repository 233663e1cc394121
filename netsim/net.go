package netsim

// net.go contains the devices of a network, their interfaces, and the
// event handlers that carry packets through interface queues and across links.
// A packet handed to an interface is enqueued (or dropped when the queue is
// full), clocked onto the link at the interface bandwidth, and arrives at the
// peer interface after the link delay. The packet being transmitted is not
// counted against the queue capacity.

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// interface defaults, overridden by link descriptions and parameters
const (
	DefaultBndwdth = 10e6
	DefaultDelay   = 0.0
	DefaultQCap    = 100
	DefaultMTU     = 1500
)

// Device is satisfied by hosts and switches
type Device interface {
	DevName() string
	DevID() int
	DevType() DevCode
	DevGroups() []string
	DevIntrfcs() []*Intrfc
	addIntrfc(intrfc *Intrfc)
	receive(evtMgr *evtm.EventManager, intrfc *Intrfc, pckt *Packet)
}

// Intrfc is one side of a full-duplex link
type Intrfc struct {
	Name   string // device name, '.', position on device
	ID     int    // unique within the network
	Number int    // position on the device, in link creation order
	Device Device
	Peer   *Intrfc
	Groups []string
	MAC    MAC

	Bndwdth float64 // bits/sec
	Delay   float64 // link propagation delay, seconds
	QCap    int     // packets allowed to wait for transmission
	MTU     int

	queue []*Packet
	busy  bool

	taps    [numTraceKinds][]TraceHandler
	drained func(evtMgr *evtm.EventManager)
	net     *Network

	TxPckts  int
	RxPckts  int
	Drops    int
	MaxDepth int
}

// createIntrfc is a constructor
func createIntrfc(net *Network, dev Device, groups []string) *Intrfc {
	intrfc := new(Intrfc)
	intrfc.ID = len(net.Intrfcs)
	intrfc.Number = len(dev.DevIntrfcs())
	intrfc.Name = dev.DevName() + "." + strconv.Itoa(intrfc.Number)
	intrfc.Device = dev
	intrfc.Groups = groups
	intrfc.MAC = MAC{0, 0, 0, 0, byte((intrfc.ID + 1) >> 8), byte(intrfc.ID + 1)}
	intrfc.Bndwdth = DefaultBndwdth
	intrfc.Delay = DefaultDelay
	intrfc.QCap = DefaultQCap
	intrfc.MTU = DefaultMTU
	intrfc.queue = make([]*Packet, 0)
	intrfc.net = net
	dev.addIntrfc(intrfc)
	return intrfc
}

// Depth is the number of packets waiting for transmission
func (intrfc *Intrfc) Depth() int {
	return len(intrfc.queue)
}

// Context names the trace source in the /NodeList/<node>/DeviceList/<intrfc>/<Kind> form
func (intrfc *Intrfc) Context(kind TraceKind) string {
	return fmt.Sprintf("/NodeList/%d/DeviceList/%d/%s", intrfc.Device.DevID(), intrfc.Number, kind)
}

// computeServiceTime returns the seconds needed to clock msgLen bytes at bndwdth bits/sec
func computeServiceTime(msgLen int, bndwdth float64) float64 {
	return float64(8*msgLen) / bndwdth
}

// fire runs the handlers connected to this interface for the given trace kind
func (intrfc *Intrfc) fire(evtMgr *evtm.EventManager, kind TraceKind, pckt *Packet, oldDepth, newDepth int) {
	handlers := intrfc.taps[kind]
	if len(handlers) == 0 {
		return
	}
	ev := &TraceEvent{Kind: kind, Time: evtMgr.CurrentSeconds(), Intrfc: intrfc,
		Context: intrfc.Context(kind), Pckt: pckt, OldDepth: oldDepth, NewDepth: newDepth}
	for _, handler := range handlers {
		handler(ev)
	}
}

// send hands a packet to the interface for transmission. It returns false
// when the queue is full and the packet was dropped.
func (intrfc *Intrfc) send(evtMgr *evtm.EventManager, pckt *Packet) bool {
	intrfc.fire(evtMgr, MacTx, pckt, 0, 0)

	if len(intrfc.queue) >= intrfc.QCap {
		intrfc.Drops += 1
		intrfc.fire(evtMgr, Drop, pckt, 0, 0)
		intrfc.net.release(pckt)
		return false
	}

	intrfc.queue = append(intrfc.queue, pckt)
	depth := len(intrfc.queue)
	intrfc.MaxDepth = max(intrfc.MaxDepth, depth)
	intrfc.fire(evtMgr, QueueDepth, nil, depth-1, depth)

	if !intrfc.busy {
		intrfc.startService(evtMgr)
	}
	return true
}

// startService dequeues the head packet and schedules the end of its transmission
func (intrfc *Intrfc) startService(evtMgr *evtm.EventManager) {
	pckt := intrfc.queue[0]
	intrfc.queue = intrfc.queue[1:]
	depth := len(intrfc.queue)
	intrfc.fire(evtMgr, QueueDepth, nil, depth+1, depth)

	intrfc.busy = true
	intrfc.TxPckts += 1
	serviceTime := computeServiceTime(pckt.Size, intrfc.Bndwdth)
	evtMgr.Schedule(intrfc, pckt, exitEgressIntrfc, vrtime.SecondsToTime(serviceTime))
}

// exitEgressIntrfc is scheduled when the last bit of a packet leaves the interface
func exitEgressIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	intrfc := context.(*Intrfc)
	pckt := data.(*Packet)

	if intrfc.Peer == nil {
		panic(fmt.Errorf("interface %s transmitted without a peer", intrfc.Name))
	}
	evtMgr.Schedule(intrfc.Peer, pckt, arriveIngressIntrfc, vrtime.SecondsToTime(intrfc.Delay))

	intrfc.busy = false
	if len(intrfc.queue) > 0 {
		intrfc.startService(evtMgr)
	}
	if intrfc.drained != nil {
		intrfc.drained(evtMgr)
	}
	return nil
}

// arriveIngressIntrfc is scheduled when the last bit of a packet reaches the peer interface
func arriveIngressIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	intrfc := context.(*Intrfc)
	pckt := data.(*Packet)

	intrfc.RxPckts += 1
	intrfc.fire(evtMgr, MacRx, pckt, 0, 0)
	intrfc.Device.receive(evtMgr, intrfc, pckt)
	return nil
}

// matchParam lets Intrfc satisfy paramObj
func (intrfc *Intrfc) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return intrfc.Name == attrbValue
	case "group":
		return slices.Contains(intrfc.Groups, attrbValue)
	case "devtype":
		return DevCodeToStr(intrfc.Device.DevType()) == attrbValue
	case "devname":
		return intrfc.Device.DevName() == attrbValue
	}
	return false
}

// setParam assigns interface parameters. Bandwidth accepts rate units,
// delay accepts durations, queue accepts packet counts.
func (intrfc *Intrfc) setParam(paramType string, value valueStruct) error {
	switch paramType {
	case "bandwidth":
		bps, err := ParseDataRate(value.stringValue)
		if err != nil {
			return err
		}
		if !(bps > 0) {
			return fmt.Errorf("bandwidth must be positive")
		}
		intrfc.Bndwdth = bps
	case "delay":
		secs, err := ParseDelay(value.stringValue)
		if err != nil {
			return err
		}
		intrfc.Delay = secs
	case "queue":
		qcap, err := ParseQueueSize(value.stringValue)
		if err != nil {
			return err
		}
		if qcap < 1 {
			return fmt.Errorf("queue must hold at least one packet")
		}
		intrfc.QCap = qcap
	case "mtu":
		if value.intValue < IPHdrLen+TCPHdrLen+1 {
			return fmt.Errorf("mtu %q too small", value.stringValue)
		}
		intrfc.MTU = value.intValue
	default:
		return fmt.Errorf("unknown interface parameter %s", paramType)
	}
	return nil
}

func (intrfc *Intrfc) paramObjName() string {
	return intrfc.Name
}

// portKey demultiplexes arriving packets at a host
type portKey struct {
	proto Protocol
	port  uint16
}

// Host is an end system with one or more interfaces, sockets and sinks
type Host struct {
	Name   string
	ID     int
	Groups []string
	Addr   netip.Addr
	MSS    int    // TCP segment payload
	Window uint16 // advertised TCP window

	intrfcs []*Intrfc
	net     *Network
	sinks   map[portKey]*Sink
	sockets map[portKey]*Socket
	backlog []*Socket
	ipID    uint16

	Unbound int // packets arriving for ports with nothing bound
}

// createHost is a constructor
func createHost(net *Network, name string, id int, groups []string, addr netip.Addr) *Host {
	host := new(Host)
	host.Name = name
	host.ID = id
	host.Groups = groups
	host.Addr = addr
	host.MSS = DefaultMSS
	host.Window = DefaultWindow
	host.intrfcs = make([]*Intrfc, 0)
	host.net = net
	host.sinks = make(map[portKey]*Sink)
	host.sockets = make(map[portKey]*Socket)
	host.backlog = make([]*Socket, 0)
	return host
}

func (host *Host) DevName() string       { return host.Name }
func (host *Host) DevID() int            { return host.ID }
func (host *Host) DevType() DevCode      { return HostCode }
func (host *Host) DevGroups() []string   { return host.Groups }
func (host *Host) DevIntrfcs() []*Intrfc { return host.intrfcs }

func (host *Host) addIntrfc(intrfc *Intrfc) {
	intrfc.drained = host.pump
	host.intrfcs = append(host.intrfcs, intrfc)
}

func (host *Host) nxtIPID() uint16 {
	host.ipID += 1
	return host.ipID
}

// receive delivers an arriving packet to the sink or socket bound to its
// destination port
func (host *Host) receive(evtMgr *evtm.EventManager, intrfc *Intrfc, pckt *Packet) {
	defer host.net.release(pckt)

	hdrs, err := pckt.Headers()
	if err != nil {
		panic(fmt.Errorf("host %s received unparseable packet %d: %w", host.Name, pckt.UID, err))
	}
	if hdrs.IP.Dst != host.Addr {
		panic(fmt.Errorf("packet %d for %s delivered to host %s", pckt.UID, hdrs.IP.Dst, host.Name))
	}
	key := portKey{proto: hdrs.IP.Protocol, port: hdrs.DstPort()}

	// a payload-free TCP segment acknowledges data sent from a local socket
	if hdrs.TCP != nil && pckt.Payload == 0 {
		sock, present := host.sockets[key]
		if present {
			sock.acked(hdrs.TCP)
			return
		}
	}
	sink, present := host.sinks[key]
	if !present {
		host.Unbound += 1
		return
	}
	sink.receive(evtMgr, pckt, hdrs)
}

// matchParam lets Host satisfy paramObj
func (host *Host) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return host.Name == attrbValue
	case "group":
		return slices.Contains(host.Groups, attrbValue)
	}
	return false
}

func (host *Host) setParam(param string, value valueStruct) error {
	switch param {
	case "queue":
		for _, intrfc := range host.intrfcs {
			if err := intrfc.setParam(param, value); err != nil {
				return err
			}
		}
	case "mss":
		if value.intValue <= 0 {
			return fmt.Errorf("mss %q must be a positive integer", value.stringValue)
		}
		host.MSS = value.intValue
	case "window":
		if value.intValue <= 0 || value.intValue > 65535 {
			return fmt.Errorf("window %q out of range", value.stringValue)
		}
		host.Window = uint16(value.intValue)
	default:
		return fmt.Errorf("unknown host parameter %s", param)
	}
	return nil
}

func (host *Host) paramObjName() string {
	return host.Name
}

// Switch forwards every packet toward its destination host along the
// shortest path, leaving the headers untouched
type Switch struct {
	Name   string
	ID     int
	Groups []string

	intrfcs []*Intrfc
	net     *Network

	Forwarded int
}

// createSwitch is a constructor
func createSwitch(net *Network, name string, id int, groups []string) *Switch {
	swtch := new(Switch)
	swtch.Name = name
	swtch.ID = id
	swtch.Groups = groups
	swtch.intrfcs = make([]*Intrfc, 0)
	swtch.net = net
	return swtch
}

func (swtch *Switch) DevName() string       { return swtch.Name }
func (swtch *Switch) DevID() int            { return swtch.ID }
func (swtch *Switch) DevType() DevCode      { return SwitchCode }
func (swtch *Switch) DevGroups() []string   { return swtch.Groups }
func (swtch *Switch) DevIntrfcs() []*Intrfc { return swtch.intrfcs }

func (swtch *Switch) addIntrfc(intrfc *Intrfc) {
	swtch.intrfcs = append(swtch.intrfcs, intrfc)
}

func (swtch *Switch) receive(evtMgr *evtm.EventManager, intrfc *Intrfc, pckt *Packet) {
	if pckt.dst == nil {
		panic(fmt.Errorf("switch %s received packet %d with no destination", swtch.Name, pckt.UID))
	}
	egress := swtch.net.nextIntrfc(swtch, pckt.dst)
	swtch.Forwarded += 1
	egress.send(evtMgr, pckt)
}

func (swtch *Switch) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return swtch.Name == attrbValue
	case "group":
		return slices.Contains(swtch.Groups, attrbValue)
	}
	return false
}

func (swtch *Switch) setParam(param string, value valueStruct) error {
	if param != "queue" {
		return fmt.Errorf("unknown switch parameter %s", param)
	}
	for _, intrfc := range swtch.intrfcs {
		if err := intrfc.setParam(param, value); err != nil {
			return err
		}
	}
	return nil
}

func (swtch *Switch) paramObjName() string {
	return swtch.Name
}
