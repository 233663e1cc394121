package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/iti/trafgen/config"
	"github.com/iti/trafgen/netsim"
	"github.com/iti/trafgen/scenario"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runFlags override the configuration file and environment when set
type runFlags struct {
	cfgFile    string
	envFiles   []string
	dumpConfig string

	name        string
	topology    string
	apps        int
	linkRate    string
	linkDelay   string
	queue       string
	appRate     string
	congestion  string
	window      float64
	seed        uint64
	stop        float64
	prefix      string
	style       string
	sink        string
	outDir      string
	compression string
	factors     []float64
}

// loadConfig layers defaults, the configuration file, the environment and flags
func (rf *runFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadEnv(rf.envFiles...); err != nil {
		return nil, err
	}
	cfg := config.Defaults()
	if len(rf.cfgFile) > 0 {
		var err error
		cfg, err = config.ReadConfig(rf.cfgFile, netsim.UseYAML(rf.cfgFile), nil)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	str := func(name string, src string, dst *string) {
		if flags.Changed(name) {
			*dst = src
		}
	}
	str("name", rf.name, &cfg.Name)
	str("topology", rf.topology, &cfg.Topology)
	str("linkrate", rf.linkRate, &cfg.LinkRate)
	str("linkdelay", rf.linkDelay, &cfg.LinkDelay)
	str("queue", rf.queue, &cfg.Queue)
	str("apprate", rf.appRate, &cfg.BaseRate)
	str("congestion", rf.congestion, &cfg.Congestion.Rate)
	str("prefix", rf.prefix, &cfg.Output.Prefix)
	str("style", rf.style, &cfg.Output.Style)
	str("sink", rf.sink, &cfg.Output.Sink.Kind)
	str("outdir", rf.outDir, &cfg.Output.Sink.Dir)
	str("compression", rf.compression, &cfg.Output.Sink.Compression)
	if flags.Changed("apps") {
		cfg.Apps = rf.apps
	}
	if flags.Changed("window") {
		cfg.Window = rf.window
	}
	if flags.Changed("seed") {
		cfg.Seed = rf.seed
	}
	if flags.Changed("stop") {
		cfg.Stop = rf.stop
	}
	if flags.Changed("factors") {
		if len(rf.factors) != len(cfg.Workloads) {
			return nil, fmt.Errorf("--factors gives %d values for %d workloads", len(rf.factors), len(cfg.Workloads))
		}
		for idx, factor := range rf.factors {
			cfg.Workloads[idx].Factor = factor
		}
	}
	return cfg, nil
}

func printSummary(w io.Writer, smry *scenario.Summary) {
	color.New(color.FgCyan, color.Bold).Fprintf(w, "%s: ran to %gs\n", smry.Name, smry.Stop)
	fmt.Fprintf(w, "  apps %d  disturbances %d\n", smry.Apps, smry.Disturbances)
	fmt.Fprintf(w, "  messages %d  bytes %d  noise packets %d\n", smry.Msgs, smry.Bytes, smry.NoisePckts)
	fmt.Fprintf(w, "  packets sent %d  received %d\n", smry.Net.TxPckts, smry.Net.RxPckts)

	drops := color.New(color.FgGreen)
	if smry.Net.Drops > 0 {
		drops = color.New(color.FgRed)
	}
	drops.Fprintf(w, "  drops %d\n", smry.Net.Drops)
	if smry.Records.Unknown > 0 {
		color.New(color.FgYellow).Fprintf(w, "  packets of unknown transport %d\n", smry.Records.Unknown)
	}
	for _, strm := range smry.Streams {
		fmt.Fprintf(w, "  %-24s %8d  %s\n", strm.Name, strm.Lines, strm.Where)
	}
}

// interruptible cancels the returned context on an interrupt
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func RunCommand() *cobra.Command {
	rf := new(runFlags)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build and run one experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := rf.loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(rf.dumpConfig) > 0 {
				if err := cfg.WriteToFile(rf.dumpConfig); err != nil {
					return err
				}
				logger.Info("configuration written", zap.String("file", rf.dumpConfig))
			}

			ctx, cancel := interruptible()
			defer cancel()
			smry, err := scenario.Run(ctx, cfg, logger)
			if smry != nil {
				printSummary(cmd.OutOrStdout(), smry)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&rf.cfgFile, "config", "c", "", "configuration file, yaml or json")
	flags.StringSliceVar(&rf.envFiles, "env", []string{".env"}, "files of TRAFGEN_* variables to load")
	flags.StringVar(&rf.dumpConfig, "dump-config", "", "write the effective configuration to this file")
	flags.StringVar(&rf.name, "name", "", "experiment name")
	flags.StringVar(&rf.topology, "topology", "", "small, large1, large2 or a layout file")
	flags.IntVar(&rf.apps, "apps", 0, "application instances per flow group")
	flags.StringVar(&rf.linkRate, "linkrate", "", "link rate, e.g. 5Mbps")
	flags.StringVar(&rf.linkDelay, "linkdelay", "", "link delay, e.g. 5ms")
	flags.StringVar(&rf.queue, "queue", "", "bottleneck queue size, e.g. 100p")
	flags.StringVar(&rf.appRate, "apprate", "", "base rate of each application, e.g. 100kbps")
	flags.StringVar(&rf.congestion, "congestion", "", "rate of each disturbance host, 0Mbps disables")
	flags.Float64Var(&rf.window, "window", 0, "application start window in seconds")
	flags.Uint64Var(&rf.seed, "seed", 0, "random seed, 0 selects rngstream")
	flags.Float64Var(&rf.stop, "stop", 0, "simulated seconds to run")
	flags.StringVar(&rf.prefix, "prefix", "", "output name prefix")
	flags.StringVar(&rf.style, "style", "", "plain or labeled records")
	flags.StringVar(&rf.sink, "sink", "", "file, kafka or redis")
	flags.StringVar(&rf.outDir, "outdir", "", "directory of file output")
	flags.StringVar(&rf.compression, "compression", "", "none, gzip, zstd or lz4")
	flags.Float64SliceVar(&rf.factors, "factors", nil, "rate factor of each workload, comma separated")
	return cmd
}
