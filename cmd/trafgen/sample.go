package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/iti/trafgen/cdf"
	"github.com/iti/trafgen/rng"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

func SampleCommand() *cobra.Command {
	var count int
	var seed uint64
	var quiet bool
	cmd := &cobra.Command{
		Use:   "sample DISTRIBUTION",
		Short: "Draw values from an empirical distribution file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dist, err := cdf.Load(args[0])
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--count must be positive, not %d", count)
			}
			smplr := cdf.CreateSampler(dist, rng.New("sample/"+args[0], seed))
			out := cmd.OutOrStdout()
			draws := make([]float64, count)
			for idx := range draws {
				draws[idx] = smplr.Next()
				if !quiet {
					fmt.Fprintln(out, draws[idx])
				}
			}
			color.New(color.FgCyan).Fprintf(out, "%d draws: mean %g, table mean %g, range [%g, %g]\n",
				count, stat.Mean(draws, nil), dist.Mean(), dist.Min(), dist.Max())
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of draws")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed, 0 selects rngstream")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the summary")
	return cmd
}
