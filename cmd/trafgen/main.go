// trafgen runs traffic generation experiments over the simulated network
// and analyzes the record streams they leave behind.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logLevel string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "trafgen",
		Short: "trafgen drives workloads and congestion through a simulated network and records what it sees",
		Long: `trafgen installs applications that draw message sizes from empirical
distributions, on/off congestion sources and trace points on a simulated
network, runs it, and writes per-packet, queue and drop records to files,
Kafka topics or Redis streams.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	root.AddCommand(RunCommand())
	root.AddCommand(AnalyzeCommand())
	root.AddCommand(PlotCommand())
	root.AddCommand(SampleCommand())
	return root
}

// newLogger gives a development logger at debug level, a production one otherwise
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if lvl.Level() <= zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
