package scenario

// layout.go describes the shape of an experiment: which switches exist and
// how they connect, where receivers, disturbance hosts and sender groups
// attach, which sender group talks to which receiver, where the
// bottleneck queues are, and what is traced by default.

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/iti/trafgen/collect"
	"github.com/iti/trafgen/netsim"
	"golang.org/x/exp/slices"
)

// Disturbance is a host that congests the path to a receiver
type Disturbance struct {
	Name     string `json:"name" yaml:"name"`
	Receiver string `json:"receiver" yaml:"receiver"`
}

// SenderGroup is a set of sender hosts attached to one switch. Hosts are
// named <Name><i>; Size 0 means one host per (workload, app) pair.
type SenderGroup struct {
	Name   string `json:"name" yaml:"name"`
	Switch string `json:"switch" yaml:"switch"`
	Size   int    `json:"size,omitempty" yaml:"size,omitempty"`
}

// FlowGroup sends every workload from a sender group to a receiver on
// ports BasePort, BasePort+1, ...
type FlowGroup struct {
	Senders  string `json:"senders" yaml:"senders"`
	Receiver string `json:"receiver" yaml:"receiver"`
	BasePort uint16 `json:"baseport" yaml:"baseport"`
}

// LinkPair joins two named nodes. Links are created in list order, which
// fixes interface numbering.
type LinkPair struct {
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`
}

// Layout is a topology template
type Layout struct {
	Name         string          `json:"name" yaml:"name"`
	Switches     []string        `json:"switches" yaml:"switches"`
	Receivers    []string        `json:"receivers" yaml:"receivers"`
	Disturbances []Disturbance   `json:"disturbances" yaml:"disturbances"`
	Links        []LinkPair      `json:"links" yaml:"links"`
	SenderGroups []SenderGroup   `json:"sendergroups" yaml:"sendergroups"`
	Flows        []FlowGroup     `json:"flows" yaml:"flows"`
	Bottlenecks  []string        `json:"bottlenecks" yaml:"bottlenecks"` // interface names, e.g. switchA.0
	TracePoints  []collect.Point `json:"tracepoints" yaml:"tracepoints"`
}

// defaultTracePoints records packets arriving at each receiver, every queue
// depth change and every drop
func defaultTracePoints(receivers []string) []collect.Point {
	pts := make([]collect.Point, 0, len(receivers)+2)
	for _, rcvr := range receivers {
		pts = append(pts, collect.Point{Stream: rcvr, Node: rcvr, Intrfc: "0", Event: "rx"})
	}
	return append(pts,
		collect.Point{Stream: "queues", Node: "*", Intrfc: "*", Event: "queue"},
		collect.Point{Stream: "drops", Node: "*", Intrfc: "*", Event: "drop"})
}

// SmallLayout is two switches with every sender behind switchA
//
//	                                 disturbance1
//	                                      |
//	3x apps (senders) --- switchA --- switchB --- receiver1
func SmallLayout() *Layout {
	lyt := &Layout{
		Name:         "small",
		Switches:     []string{"switchA", "switchB"},
		Receivers:    []string{"receiver1"},
		Disturbances: []Disturbance{{Name: "disturbance1", Receiver: "receiver1"}},
		Links: []LinkPair{
			{"receiver1", "switchB"}, {"disturbance1", "switchB"}, {"switchA", "switchB"},
		},
		SenderGroups: []SenderGroup{{Name: "sender", Switch: "switchA"}},
		Flows:        []FlowGroup{{Senders: "sender", Receiver: "receiver1", BasePort: 4200}},
		Bottlenecks:  []string{"switchA.0"},
	}
	lyt.TracePoints = defaultTracePoints(lyt.Receivers)
	lyt.TracePoints = append(lyt.TracePoints,
		collect.Point{Stream: "{node}", Node: "sender", Intrfc: "0", Event: "tx", Record: "sender"})
	return lyt
}

// LargeLayout is the seven switch layout with three receivers and three
// sender groups. Variant 1 hangs switchE off switchC, variant 2 off switchD.
//
//	                                disturbance1
//	                                     |
//	senderA --- switchA --- switchB --- receiver1
//	               |
//	               |        disturbance2
//	               |             |
//	senderC --- switchC --- switchD --- receiver2
//	               |  (1)        |  (2)
//	               |             |        disturbance3
//	               |             |             |
//	senderE --- switchE --- switchF --- switchG --- receiver3
func LargeLayout(variant int) *Layout {
	ce := LinkPair{"switchC", "switchE"}
	if variant == 2 {
		ce = LinkPair{"switchD", "switchE"}
	}
	lyt := &Layout{
		Name:      "large" + strconv.Itoa(variant),
		Switches:  []string{"switchA", "switchB", "switchC", "switchD", "switchE", "switchF", "switchG"},
		Receivers: []string{"receiver1", "receiver2", "receiver3"},
		Disturbances: []Disturbance{
			{Name: "disturbance1", Receiver: "receiver1"},
			{Name: "disturbance2", Receiver: "receiver2"},
			{Name: "disturbance3", Receiver: "receiver3"},
		},
		Links: []LinkPair{
			{"receiver1", "switchB"}, {"disturbance1", "switchB"}, {"switchA", "switchB"},
			{"switchA", "switchC"}, {"switchC", "switchD"}, {"receiver2", "switchD"}, {"disturbance2", "switchD"},
			ce,
			{"switchE", "switchF"}, {"switchF", "switchG"}, {"receiver3", "switchG"}, {"disturbance3", "switchG"},
		},
		SenderGroups: []SenderGroup{
			{Name: "senderA", Switch: "switchA"},
			{Name: "senderC", Switch: "switchC"},
			{Name: "senderE", Switch: "switchE"},
		},
		Bottlenecks: []string{"switchA.0", "switchC.0", "switchE.0", "switchG.0"},
	}
	port := uint16(4200)
	for _, grp := range lyt.SenderGroups {
		for _, rcvr := range lyt.Receivers {
			lyt.Flows = append(lyt.Flows, FlowGroup{Senders: grp.Name, Receiver: rcvr, BasePort: port})
			port += 1000
		}
	}
	lyt.TracePoints = defaultTracePoints(lyt.Receivers)
	for _, swtch := range []string{"A", "C", "E"} {
		for port := 0; port < 3; port++ {
			lyt.TracePoints = append(lyt.TracePoints, collect.Point{Stream: "switch_" + swtch + "_port{intrfc}",
				Node: "switch" + swtch, Intrfc: strconv.Itoa(port), Event: "tx"})
		}
	}
	return lyt
}

// LoadLayout returns a built-in layout by name or reads one from a YAML or JSON file
func LoadLayout(name string) (*Layout, error) {
	switch name {
	case "small":
		return SmallLayout(), nil
	case "large", "large1":
		return LargeLayout(1), nil
	case "large2":
		return LargeLayout(2), nil
	}
	lyt := new(Layout)
	if err := netsim.ReadSerialized(name, netsim.UseYAML(name), nil, lyt); err != nil {
		return nil, fmt.Errorf("topology %q is neither a built-in layout nor a readable layout file: %w", name, err)
	}
	return lyt, nil
}

// WriteToFile stores the layout as YAML or JSON, chosen by extension
func (lyt *Layout) WriteToFile(filename string) error {
	return netsim.WriteSerialized(filename, lyt)
}

// groupSize is the number of hosts in a sender group
func (lyt *Layout) groupSize(grp SenderGroup, apps, workloads int) int {
	if grp.Size > 0 {
		return grp.Size
	}
	return workloads * apps
}

// SenderName names host idx of a sender group
func SenderName(grp string, idx int) string {
	return grp + strconv.Itoa(idx)
}

// Validate checks the layout references, and that every group can host
// one sender per (workload, app) pair
func (lyt *Layout) Validate(apps, workloads int) error {
	errs := []error{}
	nodes := map[string]bool{}
	declare := func(name string) {
		if nodes[name] {
			errs = append(errs, fmt.Errorf("layout %s names %s twice", lyt.Name, name))
		}
		nodes[name] = true
	}
	for _, name := range lyt.Switches {
		declare(name)
	}
	for _, name := range lyt.Receivers {
		declare(name)
	}
	for _, dstb := range lyt.Disturbances {
		declare(dstb.Name)
		if !slices.Contains(lyt.Receivers, dstb.Receiver) {
			errs = append(errs, fmt.Errorf("disturbance %s targets unknown receiver %s", dstb.Name, dstb.Receiver))
		}
	}
	for _, link := range lyt.Links {
		for _, end := range []string{link.A, link.B} {
			if !nodes[end] {
				errs = append(errs, fmt.Errorf("layout %s links unknown node %s", lyt.Name, end))
			}
		}
	}
	groups := map[string]SenderGroup{}
	for _, grp := range lyt.SenderGroups {
		if _, dup := groups[grp.Name]; dup || nodes[grp.Name] {
			errs = append(errs, fmt.Errorf("layout %s names %s twice", lyt.Name, grp.Name))
		}
		groups[grp.Name] = grp
		if !slices.Contains(lyt.Switches, grp.Switch) {
			errs = append(errs, fmt.Errorf("sender group %s attaches to unknown switch %s", grp.Name, grp.Switch))
		}
		if lyt.groupSize(grp, apps, workloads) < workloads*apps {
			errs = append(errs, fmt.Errorf("sender group %s has %d hosts, fewer than %d workloads x %d apps",
				grp.Name, grp.Size, workloads, apps))
		}
	}
	if len(lyt.Flows) == 0 {
		errs = append(errs, fmt.Errorf("layout %s has no flows", lyt.Name))
	}
	for _, flow := range lyt.Flows {
		if _, present := groups[flow.Senders]; !present {
			errs = append(errs, fmt.Errorf("flow to %s uses unknown sender group %s", flow.Receiver, flow.Senders))
		}
		if !slices.Contains(lyt.Receivers, flow.Receiver) {
			errs = append(errs, fmt.Errorf("flow from %s targets unknown receiver %s", flow.Senders, flow.Receiver))
		}
		if int(flow.BasePort)+apps > 65535 {
			errs = append(errs, fmt.Errorf("flow from %s to %s runs out of ports", flow.Senders, flow.Receiver))
		}
	}
	for _, pt := range lyt.TracePoints {
		errs = append(errs, pt.Validate())
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// TopoCfg expands the layout into a topology. Receivers are listed first,
// each followed by its disturbance hosts, then switches, then senders, so
// node ids and host addresses follow that order.
func (lyt *Layout) TopoCfg(apps, workloads int, linkRate, linkDelay string) *netsim.TopoCfg {
	tf := netsim.CreateTopoCfgFrame(lyt.Name)
	for _, rcvr := range lyt.Receivers {
		tf.CreateHost(rcvr, "receivers")
		for _, dstb := range lyt.Disturbances {
			if dstb.Receiver == rcvr {
				tf.CreateHost(dstb.Name, "disturbances")
			}
		}
	}
	for _, swtch := range lyt.Switches {
		tf.CreateSwitch(swtch)
	}
	for _, grp := range lyt.SenderGroups {
		for idx := 0; idx < lyt.groupSize(grp, apps, workloads); idx++ {
			tf.CreateHost(SenderName(grp.Name, idx), grp.Name, "senders")
		}
	}

	for _, link := range lyt.Links {
		tf.ConnectDevs(netsim.LinkDesc{A: link.A, B: link.B, Rate: linkRate, Delay: linkDelay})
	}
	for _, grp := range lyt.SenderGroups {
		for idx := 0; idx < lyt.groupSize(grp, apps, workloads); idx++ {
			tf.ConnectDevs(netsim.LinkDesc{A: SenderName(grp.Name, idx), B: grp.Switch, Rate: linkRate, Delay: linkDelay})
		}
	}
	tc := tf.Transform()
	return &tc
}
