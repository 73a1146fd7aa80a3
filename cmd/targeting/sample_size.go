package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"targeting/internal/sampling"
)

var (
	population int
	confidence float64
	margin     float64
)

var sampleSizeCmd = &cobra.Command{
	Use:   "sample-size",
	Short: "Print the random sample size for a population",
	Long: `Computes the sample size used by RANDOM sampling: a 95% confidence
level and 5% margin of error by default, with 50% oversampling, capped at
the population size.

Example:
  targeting sample-size --population 1000
  targeting sample-size --population 500 --confidence 0.9 --margin 0.1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := sampling.NumberOfSamples(population, confidence, margin)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
		return err
	},
}

func init() {
	sampleSizeCmd.Flags().IntVar(&population, "population", 0, "Number of recipients to sample from")
	sampleSizeCmd.Flags().Float64Var(&confidence, "confidence", 0.95, "Confidence level, strictly between 0 and 1")
	sampleSizeCmd.Flags().Float64Var(&margin, "margin", 0.05, "Margin of error, greater than 0")
	_ = sampleSizeCmd.MarkFlagRequired("population")
}
