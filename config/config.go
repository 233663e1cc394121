// Package config holds the run configuration. A Config starts from
// Defaults, is overlaid by a YAML or JSON file, then by TRAFGEN_*
// environment variables (optionally loaded from .env files), and last by
// command line flags. It is passed explicitly to everything that needs it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/iti/trafgen/collect"
	"github.com/iti/trafgen/disturb"
	"github.com/iti/trafgen/emit"
	"github.com/iti/trafgen/netsim"
	"github.com/iti/trafgen/record"
	"github.com/iti/trafgen/workload"
	"github.com/joho/godotenv"
)

// WorkloadCfg describes one workload. Its rate is Factor times the base rate.
type WorkloadCfg struct {
	Name      string  `json:"name" yaml:"name"`
	Dist      string  `json:"dist" yaml:"dist"`
	Factor    float64 `json:"factor" yaml:"factor"`
	Transport string  `json:"transport" yaml:"transport"`
}

// CongestionCfg configures every disturbance host
type CongestionCfg struct {
	Rate       string  `json:"rate" yaml:"rate"`
	PacketSize int     `json:"packetsize" yaml:"packetsize"`
	OnTime     string  `json:"ontime" yaml:"ontime"`
	OffTime    string  `json:"offtime" yaml:"offtime"`
	Port       uint16  `json:"port" yaml:"port"`
	Window     float64 `json:"window" yaml:"window"`
	Tag        bool    `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// OutputCfg says where records go and how they are laid out
type OutputCfg struct {
	Prefix   string       `json:"prefix" yaml:"prefix"`
	Style    string       `json:"style" yaml:"style"`
	Sink     emit.SinkCfg `json:"sink" yaml:"sink"`
	Manifest string       `json:"manifest,omitempty" yaml:"manifest,omitempty"` // "" writes <dir>/<prefix>_manifest.yaml
}

// Config is everything a run needs
type Config struct {
	Name        string          `json:"name" yaml:"name"`
	Topology    string          `json:"topology" yaml:"topology"` // small, large1, large2 or a layout file
	Apps        int             `json:"apps" yaml:"apps"`
	LinkRate    string          `json:"linkrate" yaml:"linkrate"`
	LinkDelay   string          `json:"linkdelay" yaml:"linkdelay"`
	Queue       string          `json:"queue" yaml:"queue"`
	MTU         int             `json:"mtu" yaml:"mtu"`
	MSS         int             `json:"mss" yaml:"mss"`
	TCPWindow   int             `json:"tcpwindow" yaml:"tcpwindow"`
	BaseRate    string          `json:"apprate" yaml:"apprate"`
	Window      float64         `json:"window" yaml:"window"` // application start jitter, seconds
	Workloads   []WorkloadCfg   `json:"workloads" yaml:"workloads"`
	Congestion  CongestionCfg   `json:"congestion" yaml:"congestion"`
	TracePoints []collect.Point `json:"tracepoints,omitempty" yaml:"tracepoints,omitempty"` // empty selects the layout's
	Params      *netsim.ExpCfg  `json:"params,omitempty" yaml:"params,omitempty"`
	Seed        uint64          `json:"seed" yaml:"seed"`
	Stop        float64         `json:"stop" yaml:"stop"`
	Output      OutputCfg       `json:"output" yaml:"output"`
}

const DistDir = "./distributions/"

// Defaults returns the configuration of the reference experiment
func Defaults() *Config {
	return &Config{
		Name:      "shift",
		Topology:  "small",
		Apps:      10,
		LinkRate:  "5Mbps",
		LinkDelay: "5ms",
		Queue:     "100p",
		MTU:       netsim.DefaultMTU,
		MSS:       netsim.DefaultMSS,
		TCPWindow: netsim.DefaultWindow,
		BaseRate:  "100kbps",
		Window:    1,
		Workloads: []WorkloadCfg{
			{Name: "w1", Dist: DistDir + "Facebook_WebServerDist_IntraCluster.txt", Factor: 1, Transport: "tcp"},
			{Name: "w2", Dist: DistDir + "DCTCP_MsgSizeDist.txt", Factor: 1, Transport: "tcp"},
			{Name: "w3", Dist: DistDir + "Facebook_HadoopDist_All.txt", Factor: 1, Transport: "tcp"},
		},
		Congestion: CongestionCfg{Rate: "0Mbps", PacketSize: disturb.DefaultPacketSize,
			OnTime: "constant:1", OffTime: "constant:0", Port: 2100, Window: 1},
		Seed: 1,
		Stop: 60,
		Output: OutputCfg{Prefix: "shift", Style: "plain",
			Sink: emit.SinkCfg{Kind: "file", Dir: ".", Compression: "none"}},
	}
}

// ReadConfig overlays the file (or dict, when not empty) onto Defaults
func ReadConfig(filename string, useYAML bool, dict []byte) (*Config, error) {
	cfg := Defaults()
	if err := netsim.ReadSerialized(filename, useYAML, dict, cfg); err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", filename, err)
	}
	return cfg, nil
}

// WriteToFile stores the configuration as YAML or JSON, chosen by extension
func (cfg *Config) WriteToFile(filename string) error {
	return netsim.WriteSerialized(filename, cfg)
}

// LoadEnv loads .env style files into the process environment. Missing
// files are skipped, so an absent .env is not an error.
func LoadEnv(filenames ...string) error {
	for _, filename := range filenames {
		err := godotenv.Load(filename)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", filename, err)
		}
	}
	return nil
}

// ApplyEnv overlays TRAFGEN_* variables found through lookup (os.LookupEnv when nil)
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	errs := []error{}
	str := func(key string, dst *string) {
		if val, present := lookup("TRAFGEN_" + key); present {
			*dst = val
		}
	}
	num := func(key string, set func(string) error) {
		if val, present := lookup("TRAFGEN_" + key); present {
			if err := set(val); err != nil {
				errs = append(errs, fmt.Errorf("TRAFGEN_%s=%q: %w", key, val, err))
			}
		}
	}

	str("NAME", &cfg.Name)
	str("TOPOLOGY", &cfg.Topology)
	str("LINKRATE", &cfg.LinkRate)
	str("LINKDELAY", &cfg.LinkDelay)
	str("QUEUE", &cfg.Queue)
	str("APPRATE", &cfg.BaseRate)
	str("CONGESTION", &cfg.Congestion.Rate)
	str("PREFIX", &cfg.Output.Prefix)
	str("STYLE", &cfg.Output.Style)
	str("SINK", &cfg.Output.Sink.Kind)
	str("OUTDIR", &cfg.Output.Sink.Dir)
	str("COMPRESSION", &cfg.Output.Sink.Compression)
	str("REDIS_ADDR", &cfg.Output.Sink.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Output.Sink.RedisPassword)
	if val, present := lookup("TRAFGEN_KAFKA_BROKERS"); present {
		cfg.Output.Sink.Brokers = strings.Split(val, ",")
	}

	num("APPS", func(val string) (err error) { cfg.Apps, err = strconv.Atoi(val); return })
	num("SEED", func(val string) (err error) { cfg.Seed, err = strconv.ParseUint(val, 10, 64); return })
	num("STOP", func(val string) (err error) { cfg.Stop, err = strconv.ParseFloat(val, 64); return })
	num("WINDOW", func(val string) (err error) { cfg.Window, err = strconv.ParseFloat(val, 64); return })
	num("REDIS_DB", func(val string) (err error) { cfg.Output.Sink.RedisDB, err = strconv.Atoi(val); return })
	for idx := range cfg.Workloads {
		key := "W" + strconv.Itoa(idx+1)
		num(key, func(val string) (err error) { cfg.Workloads[idx].Factor, err = strconv.ParseFloat(val, 64); return })
	}
	return netsim.ReportErrs(errs)
}

// BaseRateBps is the per-app base rate in bits/sec
func (cfg *Config) BaseRateBps() (float64, error) {
	return netsim.ParseDataRate(cfg.BaseRate)
}

// CongestionBps is the disturbance rate in bits/sec; 0 disables congestion
func (cfg *Config) CongestionBps() (float64, error) {
	return netsim.ParseDataRate(cfg.Congestion.Rate)
}

// DisturbParams builds the injector parameters shared by all disturbance hosts
func (cfg *Config) DisturbParams() (disturb.Params, error) {
	p := disturb.DefaultParams()
	rate, err := cfg.CongestionBps()
	if err != nil {
		return p, err
	}
	p.Rate = rate
	if cfg.Congestion.PacketSize != 0 {
		p.PacketSize = cfg.Congestion.PacketSize
	}
	if len(cfg.Congestion.OnTime) > 0 {
		if p.OnTime, err = disturb.ParseVar(cfg.Congestion.OnTime, nil); err != nil {
			return p, err
		}
	}
	if len(cfg.Congestion.OffTime) > 0 {
		if p.OffTime, err = disturb.ParseVar(cfg.Congestion.OffTime, nil); err != nil {
			return p, err
		}
	}
	p.Window = cfg.Congestion.Window
	p.StopAt = cfg.Stop
	p.Tag = cfg.Congestion.Tag
	return p, nil
}

// Validate reports every problem in the configuration at once
func (cfg *Config) Validate() error {
	errs := []error{}
	if cfg.Apps < 1 {
		errs = append(errs, fmt.Errorf("apps must be at least 1, not %d", cfg.Apps))
	}
	if len(cfg.Topology) == 0 {
		errs = append(errs, errors.New("no topology named"))
	}
	if rate, err := netsim.ParseDataRate(cfg.LinkRate); err != nil || rate <= 0 {
		errs = append(errs, fmt.Errorf("link rate %q is not a positive data rate", cfg.LinkRate))
	}
	if _, err := netsim.ParseDelay(cfg.LinkDelay); err != nil {
		errs = append(errs, fmt.Errorf("link delay: %w", err))
	}
	if qcap, err := netsim.ParseQueueSize(cfg.Queue); err != nil || qcap < 1 {
		errs = append(errs, fmt.Errorf("queue %q is not a positive packet count", cfg.Queue))
	}
	if cfg.MTU < 576 {
		errs = append(errs, fmt.Errorf("mtu %d is below 576", cfg.MTU))
	}
	if cfg.MSS < 1 {
		errs = append(errs, fmt.Errorf("segment size %d must be positive", cfg.MSS))
	}
	if cfg.TCPWindow < 1 || cfg.TCPWindow > 65535 {
		errs = append(errs, fmt.Errorf("tcp window %d is outside [1,65535]", cfg.TCPWindow))
	}
	if rate, err := cfg.BaseRateBps(); err != nil || rate < 0 {
		errs = append(errs, fmt.Errorf("application rate %q is not a data rate", cfg.BaseRate))
	}
	if cfg.Window < 0 {
		errs = append(errs, fmt.Errorf("start window %v is negative", cfg.Window))
	}
	if !(cfg.Stop > 1) {
		errs = append(errs, fmt.Errorf("stop time %v must follow the first start at 1s", cfg.Stop))
	}
	if len(cfg.Workloads) == 0 {
		errs = append(errs, errors.New("no workloads configured"))
	}
	for idx, wl := range cfg.Workloads {
		if wl.Factor < 0 {
			errs = append(errs, fmt.Errorf("workload %d factor %v is negative", idx+1, wl.Factor))
		}
		if wl.Factor > 0 && len(wl.Dist) == 0 {
			errs = append(errs, fmt.Errorf("workload %d has no distribution file", idx+1))
		}
		if _, err := workload.TransportFromStr(wl.Transport); err != nil {
			errs = append(errs, fmt.Errorf("workload %d: %w", idx+1, err))
		}
	}
	if p, err := cfg.DisturbParams(); err != nil {
		errs = append(errs, fmt.Errorf("congestion: %w", err))
	} else if err := p.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, pt := range cfg.TracePoints {
		errs = append(errs, pt.Validate())
	}
	if cfg.Params != nil {
		errs = append(errs, cfg.Params.Validate())
	}
	if len(cfg.Output.Prefix) == 0 {
		errs = append(errs, errors.New("output prefix is empty"))
	}
	if _, ok := record.StyleFromStr(cfg.Output.Style); !ok {
		errs = append(errs, fmt.Errorf("unknown output style %q", cfg.Output.Style))
	}
	switch cfg.Output.Sink.Kind {
	case "", "file":
		if !emit.KnownCompression(cfg.Output.Sink.Compression) {
			errs = append(errs, fmt.Errorf("unknown compression %q", cfg.Output.Sink.Compression))
		}
	case "kafka":
		if len(cfg.Output.Sink.Brokers) == 0 {
			errs = append(errs, errors.New("kafka output needs at least one broker"))
		}
	case "redis":
		if len(cfg.Output.Sink.RedisAddr) == 0 {
			errs = append(errs, errors.New("redis output needs an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output kind %q", cfg.Output.Sink.Kind))
	}
	return netsim.ReportErrs(errs)
}
