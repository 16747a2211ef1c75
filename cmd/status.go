package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cellwatch/cellwatch/internal/operators"
	"github.com/cellwatch/cellwatch/internal/verify"
)

var statusPipeline int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show classification counts per country",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		registry, err := operators.NewRegistry()
		if err != nil {
			return err
		}

		pointsMax, ok := pipelinePointsMax[statusPipeline]
		if !ok {
			return eris.Errorf("unknown pipeline %d", statusPipeline)
		}
		untrusted, suspicious := verify.Ceilings(pointsMax)

		counts, err := st.CountsByClassification(cmd.Context(), statusPipeline, untrusted, suspicious)
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			cmd.Println("no terminal verifications yet")
			return nil
		}

		for _, c := range counts {
			name := strconv.Itoa(int(c.Country))
			if iso, ok := registry.CountryForMCC(c.Country); ok {
				name = operators.CountryName(iso)
			}
			cmd.Printf("%-30s %-12s %d\n", name, c.Classification, c.Count)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusPipeline, "pipeline", verify.PrimaryPipelineID, "pipeline id to summarize")
	rootCmd.AddCommand(statusCmd)
}
