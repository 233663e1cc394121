package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/iti/trafgen/analyze"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func printReports(w io.Writer, reports []analyze.StreamReport) {
	head := color.New(color.FgCyan, color.Bold)
	for _, rpt := range reports {
		head.Fprintf(w, "%s (%s)\n", rpt.Stream, rpt.File)
		for _, ds := range rpt.Delays {
			fmt.Fprintf(w, "  workload %d: %d packets, %d bytes, %.0f bits/s\n", ds.Workload, ds.Count, ds.Bytes, ds.Throughput)
			fmt.Fprintf(w, "    delay ms: mean %.3f sd %.3f min %.3f p50 %.3f p99 %.3f max %.3f\n",
				1000*ds.Mean, 1000*ds.StdDev, 1000*ds.Min, 1000*ds.P50, 1000*ds.P99, 1000*ds.Max)
		}
		for _, qs := range rpt.Queues {
			depth := color.New(color.Reset)
			if qs.MaxDepth > 0 {
				depth = color.New(color.FgYellow)
			}
			depth.Fprintf(w, "  %-16s max %4d  mean %8.3f  over %gs\n", qs.Location, qs.MaxDepth, qs.MeanDepth, qs.Span)
		}
	}
}

func AnalyzeCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "analyze MANIFEST",
		Short: "Summarize delay and queue depth from the streams of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := analyze.ReportManifest(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "text":
				printReports(out, reports)
				return nil
			case "yaml":
				return yaml.NewEncoder(out).Encode(reports)
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			return fmt.Errorf("unknown format %q", format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "text, yaml or json")
	return cmd
}

func PlotCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "plot MANIFEST",
		Short: "Plot delay and queue depth over time from the streams of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := analyze.PlotManifest(args[0], dir)
			for _, filename := range written {
				fmt.Fprintln(cmd.OutOrStdout(), filename)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&dir, "out", "o", "plots", "directory for the images")
	return cmd
}
