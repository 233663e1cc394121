// Package scenario assembles and runs an experiment: it expands a layout
// into a network, installs the workload applications, disturbance sources
// and trace points the configuration asks for, runs the engine and closes
// the outputs.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/iti/evt/evtm"
	"github.com/iti/trafgen/cdf"
	"github.com/iti/trafgen/collect"
	"github.com/iti/trafgen/config"
	"github.com/iti/trafgen/disturb"
	"github.com/iti/trafgen/emit"
	"github.com/iti/trafgen/netsim"
	"github.com/iti/trafgen/record"
	"github.com/iti/trafgen/rng"
	"github.com/iti/trafgen/tag"
	"github.com/iti/trafgen/workload"
	"go.uber.org/zap"
)

// firstEphemeral is the first source port handed to sockets on a host
const firstEphemeral = 49153

// Scenario is a fully installed experiment, ready to execute
type Scenario struct {
	Cfg       *config.Config
	Layout    *Layout
	Net       *netsim.Network
	EvtMgr    *evtm.EventManager
	Tags      *tag.Table
	Emitter   *emit.Emitter
	Collector *collect.Collector
	Manifest  *Manifest

	Workloads  []*workload.Workload
	Generators []*workload.Generator
	Injectors  []*disturb.Injector

	dists   *cdf.Cache
	jitter  map[FlowGroup]rng.Stream
	nxtPort map[string]uint16
	logger  *zap.Logger
}

// Summary reports what a run did
type Summary struct {
	Name         string         `json:"name" yaml:"name"`
	Stop         float64        `json:"stop" yaml:"stop"`
	Apps         int            `json:"apps" yaml:"apps"`
	Disturbances int            `json:"disturbances" yaml:"disturbances"`
	Msgs         int            `json:"msgs" yaml:"msgs"`
	Bytes        int            `json:"bytes" yaml:"bytes"`
	NoisePckts   int            `json:"noisepckts" yaml:"noisepckts"`
	Net          netsim.Stats   `json:"net" yaml:"net"`
	Records      collect.Counts `json:"records" yaml:"records"`
	Streams      []StreamEntry  `json:"streams" yaml:"streams"`
	TagsLeft     int            `json:"tagsleft" yaml:"tagsleft"`
}

// Build validates cfg and installs the whole experiment against backend.
// No event has run when it returns.
func Build(cfg *config.Config, backend emit.Backend, logger *zap.Logger) (*Scenario, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	lyt, err := LoadLayout(cfg.Topology)
	if err != nil {
		return nil, err
	}
	if err := lyt.Validate(cfg.Apps, len(cfg.Workloads)); err != nil {
		return nil, err
	}

	scn := new(Scenario)
	scn.Cfg = cfg
	scn.Layout = lyt
	scn.logger = logger
	scn.dists = cdf.CreateCache()
	scn.jitter = make(map[FlowGroup]rng.Stream)
	scn.nxtPort = make(map[string]uint16)
	scn.Manifest = CreateManifest(cfg.Name, cfg)
	scn.Manifest.Layout = lyt.Name

	if err := scn.createWorkloads(); err != nil {
		return nil, err
	}

	scn.Net, err = netsim.BuildNetwork(lyt.TopoCfg(cfg.Apps, len(cfg.Workloads), cfg.LinkRate, cfg.LinkDelay), logger)
	if err != nil {
		return nil, err
	}
	if err := scn.Net.SetParameters(scn.expCfg()); err != nil {
		return nil, fmt.Errorf("applying parameters: %w", err)
	}
	scn.Manifest.AddNetwork(scn.Net)

	style, _ := record.StyleFromStr(cfg.Output.Style)
	scn.EvtMgr = evtm.New()
	scn.Tags = tag.CreateTable()
	scn.Net.OnRelease(func(pckt *netsim.Packet) { scn.Tags.Forget(pckt.UID) })
	scn.Emitter = emit.CreateEmitter(backend, style, logger)
	scn.Collector = collect.CreateCollector(scn.Tags, scn.Emitter, logger)

	tracePoints := cfg.TracePoints
	if len(tracePoints) == 0 {
		tracePoints = lyt.TracePoints
	}
	for _, pt := range tracePoints {
		if err := scn.InstallTracePoint(pt); err != nil {
			return nil, err
		}
	}

	for _, flow := range lyt.Flows {
		for appIdx := 0; appIdx < cfg.Apps; appIdx++ {
			for _, wl := range scn.Workloads {
				if _, err := scn.InstallFlow(flow, wl, appIdx); err != nil {
					return nil, err
				}
			}
		}
	}

	p, err := cfg.DisturbParams()
	if err != nil {
		return nil, err
	}
	for idx, dstb := range lyt.Disturbances {
		p.AppID = uint32(idx + 1)
		if _, err := scn.InstallDisturbance(dstb, p); err != nil {
			return nil, err
		}
	}

	logger.Info("scenario installed", zap.String("name", cfg.Name), zap.String("layout", lyt.Name),
		zap.Int("apps", len(scn.Generators)), zap.Int("disturbances", len(scn.Injectors)),
		zap.Int("tracepoints", len(scn.Manifest.TracePoints)))
	return scn, nil
}

// createWorkloads resolves rates and loads the distribution of every enabled workload
func (scn *Scenario) createWorkloads() error {
	baseRate, err := scn.Cfg.BaseRateBps()
	if err != nil {
		return err
	}
	for idx, wc := range scn.Cfg.Workloads {
		transport, err := workload.TransportFromStr(wc.Transport)
		if err != nil {
			return err
		}
		wl := &workload.Workload{ID: idx + 1, Name: wc.Name, Rate: wc.Factor * baseRate, Transport: transport}
		if wl.Rate > 0 {
			if wl.Dist, err = scn.dists.Get(wc.Dist); err != nil {
				return fmt.Errorf("workload %d: %w", wl.ID, err)
			}
			if err := wl.Validate(); err != nil {
				return err
			}
		}
		scn.Workloads = append(scn.Workloads, wl)
		scn.logger.Info("workload", zap.Int("id", wl.ID), zap.String("name", wl.Name),
			zap.String("dist", wc.Dist), zap.String("rate", netsim.FormatDataRate(wl.Rate)),
			zap.Stringer("transport", wl.Transport))
	}
	return nil
}

// expCfg gathers the run-time parameters: sizes from the configuration,
// the configured queue on every bottleneck interface, then the user's own
// parameters, which are applied last among parameters of equal generality
func (scn *Scenario) expCfg() *netsim.ExpCfg {
	cfg := scn.Cfg
	excfg := netsim.CreateExpCfg(cfg.Name)
	wc := netsim.WildcardAttrbs()
	excfg.AddParameter("Interface", wc, "mtu", fmt.Sprint(cfg.MTU))
	excfg.AddParameter("Host", wc, "mss", fmt.Sprint(cfg.MSS))
	excfg.AddParameter("Host", wc, "window", fmt.Sprint(cfg.TCPWindow))
	for _, bneck := range scn.Layout.Bottlenecks {
		excfg.AddParameter("Interface", []netsim.AttrbStruct{{AttrbName: "name", AttrbValue: bneck}}, "queue", cfg.Queue)
	}
	if cfg.Params != nil {
		excfg.Parameters = append(excfg.Parameters, cfg.Params.Parameters...)
	}
	return excfg
}

// srcPort hands out ephemeral source ports per host
func (scn *Scenario) srcPort(host *netsim.Host) uint16 {
	port, present := scn.nxtPort[host.Name]
	if !present {
		port = firstEphemeral
	}
	scn.nxtPort[host.Name] = port + 1
	return port
}

// listen binds a sink on the receiver unless one is already bound there
func listen(host *netsim.Host, proto netsim.Protocol, port uint16) error {
	if _, present := host.Sink(proto, port); present {
		return nil
	}
	_, err := host.Listen(proto, port)
	return err
}

// tagger returns the hook that tags every packet a socket hands to its interface
func (scn *Scenario) tagger(wlID, appID uint32) func(pckt *netsim.Packet, now float64) {
	return func(pckt *netsim.Packet, now float64) {
		scn.Tags.Attach(pckt.UID, tag.Set{Origin: now, Workload: wlID, App: appID, Message: pckt.MsgID})
	}
}

// InstallFlow creates instance appIdx of a workload on a flow group: the
// receiver sink, the sender socket with its tagging hook and the generator.
// Workloads with no rate are skipped and draw no start time.
func (scn *Scenario) InstallFlow(flow FlowGroup, wl *workload.Workload, appIdx int) (*workload.Generator, error) {
	if !(wl.Rate > 0) {
		return nil, nil
	}
	cfg := scn.Cfg
	appID := (wl.ID-1)*cfg.Apps + appIdx
	sender, err := scn.Net.HostByName(SenderName(flow.Senders, appID))
	if err != nil {
		return nil, err
	}
	rcvr, err := scn.Net.HostByName(flow.Receiver)
	if err != nil {
		return nil, err
	}
	port := flow.BasePort + uint16(appIdx)
	proto := wl.Transport.Protocol()
	if err := listen(rcvr, proto, port); err != nil {
		return nil, err
	}

	jitter, present := scn.jitter[flow]
	if !present {
		jitter = rng.New(fmt.Sprintf("start/%s/%s", flow.Senders, flow.Receiver), cfg.Seed)
		scn.jitter[flow] = jitter
	}
	app := workload.App{WorkloadID: wl.ID, AppID: appID, Dst: netsim.Endpoint{Addr: rcvr.Addr, Port: port},
		Start: workload.StartTime(jitter, cfg.Window), Stop: cfg.Stop}

	sock, err := sender.Dial(proto, scn.srcPort(sender), app.Dst)
	if err != nil {
		return nil, err
	}
	sock.OnTx = scn.tagger(uint32(wl.ID), uint32(appID))

	strm := rng.New(fmt.Sprintf("workload%d/app%d/%s", wl.ID, appID, flow.Receiver), cfg.Seed)
	gen := workload.CreateGenerator(wl, app, strm, sock, scn.logger)
	gen.Start(scn.EvtMgr)
	scn.Generators = append(scn.Generators, gen)
	scn.Manifest.Apps = append(scn.Manifest.Apps, AppEntry{Workload: wl.ID, App: appID,
		Transport: wl.Transport.String(), Rate: wl.Rate, Sender: sender.Name, Receiver: rcvr.Name,
		Port: port, Start: app.Start})
	return gen, nil
}

// InstallDisturbance configures the on/off source of one disturbance host.
// A zero rate installs nothing.
func (scn *Scenario) InstallDisturbance(dstb Disturbance, p disturb.Params) (*disturb.Injector, error) {
	if p.Rate == 0 {
		scn.logger.Info(fmt.Sprintf("No explicit congestion for %s.", dstb.Receiver))
		return nil, nil
	}
	p.Name = dstb.Name
	src, err := scn.Net.HostByName(dstb.Name)
	if err != nil {
		return nil, err
	}
	rcvr, err := scn.Net.HostByName(dstb.Receiver)
	if err != nil {
		return nil, err
	}
	port := scn.Cfg.Congestion.Port
	if err := listen(rcvr, netsim.UDP, port); err != nil {
		return nil, err
	}
	sock, err := src.Dial(netsim.UDP, scn.srcPort(src), netsim.Endpoint{Addr: rcvr.Addr, Port: port})
	if err != nil {
		return nil, err
	}

	inj, err := disturb.Configure(p, rng.New("disturb/"+dstb.Name, scn.Cfg.Seed), sock, scn.logger)
	if err != nil {
		return nil, err
	}
	if p.Tag {
		sock.OnTx = scn.tagger(0, p.AppID)
	}
	inj.Begin(scn.EvtMgr)
	scn.Injectors = append(scn.Injectors, inj)
	scn.Manifest.Disturbances = append(scn.Manifest.Disturbances, DisturbEntry{Name: dstb.Name,
		Receiver: dstb.Receiver, Rate: inj.Rate, Start: inj.Start,
		OnTime: inj.OnTime.String(), OffTime: inj.OffTime.String()})
	return inj, nil
}

// InstallTracePoint binds one configured trace point on every interface it selects
func (scn *Scenario) InstallTracePoint(pt collect.Point) error {
	streams, err := scn.Collector.Install(scn.Net, pt)
	if err != nil {
		return err
	}
	scn.Manifest.TracePoints = append(scn.Manifest.TracePoints, TraceEntry{Point: pt, Streams: streams})
	return nil
}

// Execute runs the engine to the configured stop time and summarizes the
// run. Emission errors are reported by Close.
func (scn *Scenario) Execute(ctx context.Context) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scn.Net.Run(scn.EvtMgr, scn.Cfg.Stop)

	smry := &Summary{Name: scn.Cfg.Name, Stop: scn.Cfg.Stop, Apps: len(scn.Generators),
		Disturbances: len(scn.Injectors), Net: scn.Net.Stats(), Records: scn.Collector.Counts,
		TagsLeft: scn.Tags.Len()}
	for _, gen := range scn.Generators {
		smry.Msgs += gen.Msgs
		smry.Bytes += gen.Bytes
	}
	for _, inj := range scn.Injectors {
		smry.NoisePckts += inj.Pckts
	}
	for _, strm := range scn.Emitter.Streams() {
		smry.Streams = append(smry.Streams, StreamEntry{Name: strm.Name, Where: strm.Where, Lines: strm.Lines})
	}
	scn.Manifest.Streams = smry.Streams
	scn.Manifest.Summary = smry
	if err := scn.Emitter.Err(); err != nil {
		scn.logger.Warn("records were lost", zap.Error(err))
	}
	return smry, nil
}

// Close closes every output stream and writes the manifest when a location is known
func (scn *Scenario) Close() error {
	errs := []error{scn.Emitter.Close()}
	if filename := scn.manifestFile(); len(filename) > 0 {
		errs = append(errs, scn.Manifest.WriteToFile(filename))
		scn.logger.Info("manifest written", zap.String("file", filename))
	}
	return errors.Join(errs...)
}

func (scn *Scenario) manifestFile() string {
	out := scn.Cfg.Output
	if len(out.Manifest) > 0 {
		return out.Manifest
	}
	if out.Sink.Kind == "" || out.Sink.Kind == "file" {
		return filepath.Join(out.Sink.Dir, out.Prefix+"_manifest.yaml")
	}
	return ""
}

// Run performs a whole experiment. Setup problems abort before any event runs.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	backend, err := emit.OpenBackend(ctx, cfg.Output.Sink, cfg.Output.Prefix, logger)
	if err != nil {
		return nil, err
	}
	scn, err := Build(cfg, backend, logger)
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	smry, runErr := scn.Execute(ctx)
	return smry, errors.Join(runErr, scn.Close())
}
