package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ppc-rules-engine/internal/config"
	"ppc-rules-engine/internal/engine"
	"ppc-rules-engine/internal/fixtures"
	"ppc-rules-engine/internal/predictor"
	"ppc-rules-engine/internal/storage"
	"ppc-rules-engine/internal/validation"
)

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "rulectl",
		Short:         "Validate PPC bid rules against campaign data offline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			config.SetupLogging(logLevel, "console")
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(newValidateCmd(), newPredictCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	var (
		rulePath, campaignsPath, existingPath string
		usePredictor                          bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Score a rule and print the validation report as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rule validation.Rule
			if err := fixtures.Load(rulePath, &rule); err != nil {
				return err
			}
			store, err := loadStore(campaignsPath, existingPath)
			if err != nil {
				return err
			}

			var p validation.BidPredictor
			if usePredictor {
				p = predictor.NewHeuristic()
			}
			eng := engine.NewEngine(p)
			if err := eng.BuildSnapshot(cmd.Context(), store); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), eng.Validate(cmd.Context(), rule, nil))
		},
	}
	cmd.Flags().StringVar(&rulePath, "rule", "", "rule file (JSON or YAML)")
	cmd.Flags().StringVar(&campaignsPath, "campaigns", "", "campaigns file (JSON or YAML)")
	cmd.Flags().StringVar(&existingPath, "existing", "", "existing rules file; active rules are checked for conflicts")
	cmd.Flags().BoolVar(&usePredictor, "predict", false, "refine impact with the bid predictor")
	_ = cmd.MarkFlagRequired("rule")
	_ = cmd.MarkFlagRequired("campaigns")
	return cmd
}

func newPredictCmd() *cobra.Command {
	var (
		campaignsPath, campaignID string
		adjustment                float64
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Project ACOS, ROAS and CTR for a campaign after a bid change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := loadStore(campaignsPath, "")
			if err != nil {
				return err
			}
			eng := engine.NewEngine(predictor.NewHeuristic())
			if err := eng.BuildSnapshot(cmd.Context(), store); err != nil {
				return err
			}
			res, err := eng.Predict(cmd.Context(), campaignID, adjustment)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&campaignsPath, "campaigns", "", "campaigns file (JSON or YAML)")
	cmd.Flags().StringVar(&campaignID, "id", "", "campaign id")
	cmd.Flags().Float64Var(&adjustment, "adjustment", 0, "signed bid adjustment in percent")
	_ = cmd.MarkFlagRequired("campaigns")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func loadStore(campaignsPath, rulesPath string) (*storage.Memory, error) {
	var campaigns []validation.Campaign
	if err := fixtures.Load(campaignsPath, &campaigns); err != nil {
		return nil, err
	}
	store := storage.NewMemory()
	store.UpdateCampaigns(campaigns)

	if rulesPath != "" {
		var rules []validation.Rule
		if err := fixtures.Load(rulesPath, &rules); err != nil {
			return nil, err
		}
		store.UpdateRules(rules)
	}
	return store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
