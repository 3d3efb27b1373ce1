// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ManuGH/mediaforge/internal/config"
	"github.com/ManuGH/mediaforge/internal/pipeline/billing"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/spf13/cobra"
)

func newEstimateCmd(configPath *string) *cobra.Command {
	var (
		duration float64
		stages   string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Price a job at the configured tariff",
		Long: `Prints the itemized credit cost of running the given stages over a
source of the given duration, without contacting any service.

Example:
  mediaforged estimate --duration 125 --stages MIRROR,SUBTITLES`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if duration <= 0 {
				return errors.New("--duration must be positive")
			}
			kinds, err := parseKinds(stages)
			if err != nil {
				return err
			}
			cfg, err := config.NewLoader(*configPath, version).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			q := billing.Price(cfg.Pricing, kinds, duration)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(q)
			}
			fmt.Fprintf(out, "%-20s %8d\n", "BASE", q.Base)
			for _, k := range kinds {
				fmt.Fprintf(out, "%-20s %8d\n", k, q.Stages[k])
			}
			fmt.Fprintf(out, "%-20s %8d\n", "TOTAL", q.Total)
			return nil
		},
	}
	cmd.Flags().Float64Var(&duration, "duration", 0, "source duration in seconds")
	cmd.Flags().StringVar(&stages, "stages", "", "comma-separated stage kinds")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the quote as JSON")
	return cmd
}

// parseKinds splits a comma-separated list, dropping duplicates.
func parseKinds(raw string) ([]model.StageKind, error) {
	var kinds []model.StageKind
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		k, err := model.ParseStageKind(s)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(kinds, k) {
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}
