package netsim

import (
	"fmt"
	"net/netip"

	"github.com/iti/evt/evtm"
	"go.uber.org/zap"
)

// Network is a built topology together with the lookup tables and
// counters of one simulation run
type Network struct {
	Name     string
	Hosts    []*Host
	Switches []*Switch
	Intrfcs  []*Intrfc

	devByID    map[int]Device
	devByName  map[string]Device
	hostByAddr map[netip.Addr]*Host
	intrfcByNm map[string]*Intrfc

	routes    *routeTable
	nxtUID    uint64
	nxtFlowID int
	onRelease []func(pckt *Packet)

	logger *zap.Logger
}

// hostAddr assigns IPv4 addresses in host order starting at 10.1.1.1
func hostAddr(idx int) netip.Addr {
	base := uint32(10)<<24 | uint32(1)<<16 | uint32(1)<<8
	addr := base + uint32(idx) + 1
	return netip.AddrFrom4([4]byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)})
}

// BuildNetwork creates the devices, interfaces and routes a TopoCfg describes.
// Device ids follow the order of tc.Nodes; interface numbers on a device
// follow the order of tc.Links.
func BuildNetwork(tc *TopoCfg, logger *zap.Logger) (*Network, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	net := new(Network)
	net.Name = tc.Name
	net.Hosts = make([]*Host, 0)
	net.Switches = make([]*Switch, 0)
	net.Intrfcs = make([]*Intrfc, 0)
	net.devByID = make(map[int]Device)
	net.devByName = make(map[string]Device)
	net.hostByAddr = make(map[netip.Addr]*Host)
	net.intrfcByNm = make(map[string]*Intrfc)
	net.onRelease = make([]func(*Packet), 0)
	net.logger = logger

	for id, nd := range tc.Nodes {
		switch DevCodeFromStr(nd.DevType) {
		case HostCode:
			host := createHost(net, nd.Name, id, nd.Groups, hostAddr(len(net.Hosts)))
			net.Hosts = append(net.Hosts, host)
			net.hostByAddr[host.Addr] = host
			net.addDevLookup(host)
		case SwitchCode:
			swtch := createSwitch(net, nd.Name, id, nd.Groups)
			net.Switches = append(net.Switches, swtch)
			net.addDevLookup(swtch)
		}
	}

	for _, link := range tc.Links {
		devA := net.devByName[link.A]
		devB := net.devByName[link.B]
		intrfcA := createIntrfc(net, devA, link.Groups)
		net.addIntrfc(intrfcA)
		intrfcB := createIntrfc(net, devB, link.Groups)
		net.addIntrfc(intrfcB)
		intrfcA.Peer = intrfcB
		intrfcB.Peer = intrfcA

		for _, intrfc := range []*Intrfc{intrfcA, intrfcB} {
			if err := intrfc.applyLink(link); err != nil {
				return nil, fmt.Errorf("link %s-%s: %w", link.A, link.B, err)
			}
		}
	}

	for _, host := range net.Hosts {
		if len(host.intrfcs) == 0 {
			return nil, fmt.Errorf("host %s has no links", host.Name)
		}
	}

	net.buildRoutes()
	logger.Info("network built", zap.String("name", net.Name), zap.Int("hosts", len(net.Hosts)),
		zap.Int("switches", len(net.Switches)), zap.Int("links", len(tc.Links)))
	return net, nil
}

func (intrfc *Intrfc) applyLink(link LinkDesc) error {
	if len(link.Rate) > 0 {
		if err := intrfc.setParam("bandwidth", stringToValueStruct(link.Rate)); err != nil {
			return err
		}
	}
	if len(link.Delay) > 0 {
		if err := intrfc.setParam("delay", stringToValueStruct(link.Delay)); err != nil {
			return err
		}
	}
	if len(link.Queue) > 0 {
		if err := intrfc.setParam("queue", stringToValueStruct(link.Queue)); err != nil {
			return err
		}
	}
	return nil
}

// addDevLookup panics on a duplicated id or name; Validate rules those out
// for configured topologies
func (net *Network) addDevLookup(dev Device) {
	_, present := net.devByID[dev.DevID()]
	if present {
		panic(fmt.Errorf("duplicated device id %d", dev.DevID()))
	}
	_, present = net.devByName[dev.DevName()]
	if present {
		panic(fmt.Errorf("duplicated device name %s", dev.DevName()))
	}
	net.devByID[dev.DevID()] = dev
	net.devByName[dev.DevName()] = dev
}

func (net *Network) addIntrfc(intrfc *Intrfc) {
	net.Intrfcs = append(net.Intrfcs, intrfc)
	net.intrfcByNm[intrfc.Name] = intrfc
}

// DevByName returns the named device
func (net *Network) DevByName(name string) (Device, bool) {
	dev, present := net.devByName[name]
	return dev, present
}

// DevByID returns the device with the given id
func (net *Network) DevByID(id int) (Device, bool) {
	dev, present := net.devByID[id]
	return dev, present
}

// HostByName returns the named host
func (net *Network) HostByName(name string) (*Host, error) {
	dev, present := net.devByName[name]
	if !present {
		return nil, fmt.Errorf("no device named %s", name)
	}
	host, ok := dev.(*Host)
	if !ok {
		return nil, fmt.Errorf("device %s is not a host", name)
	}
	return host, nil
}

// HostByAddr returns the host owning addr
func (net *Network) HostByAddr(addr netip.Addr) (*Host, bool) {
	host, present := net.hostByAddr[addr]
	return host, present
}

// IntrfcByName returns the interface named "<device>.<number>"
func (net *Network) IntrfcByName(name string) (*Intrfc, bool) {
	intrfc, present := net.intrfcByNm[name]
	return intrfc, present
}

// NewPacket allocates a packet with the next UID
func (net *Network) NewPacket() *Packet {
	net.nxtUID += 1
	pckt := new(Packet)
	pckt.UID = net.nxtUID
	return pckt
}

func (net *Network) nxtFlow() int {
	net.nxtFlowID += 1
	return net.nxtFlowID
}

// OnRelease registers fn to be called when a packet leaves the network,
// whether delivered or dropped
func (net *Network) OnRelease(fn func(pckt *Packet)) {
	net.onRelease = append(net.onRelease, fn)
}

func (net *Network) release(pckt *Packet) {
	for _, fn := range net.onRelease {
		fn(pckt)
	}
}

// Stats totals the interface counters
type Stats struct {
	TxPckts int
	RxPckts int
	Drops   int
	Unbound int
}

// Stats sums counters over all interfaces and hosts
func (net *Network) Stats() Stats {
	stats := Stats{}
	for _, intrfc := range net.Intrfcs {
		stats.TxPckts += intrfc.TxPckts
		stats.RxPckts += intrfc.RxPckts
		stats.Drops += intrfc.Drops
	}
	for _, host := range net.Hosts {
		stats.Unbound += host.Unbound
	}
	return stats
}

// Run executes events until the simulation clock reaches stop seconds
func (net *Network) Run(evtMgr *evtm.EventManager, stop float64) {
	net.logger.Info("simulation started", zap.Float64("stop", stop))
	evtMgr.Run(stop)
	stats := net.Stats()
	net.logger.Info("simulation finished", zap.Float64("time", evtMgr.CurrentSeconds()),
		zap.Int("tx", stats.TxPckts), zap.Int("rx", stats.RxPckts), zap.Int("drops", stats.Drops))
}
