package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/internal/valuation"
)

var (
	valuateTicker     string
	valuateProvider   string
	valuateAsOf       string
	valuatePeriod     string
	valuatePeriodType string
	valuateTargets    string
	valuateSave       bool
)

var valuateCmd = &cobra.Command{
	Use:   "valuate",
	Short: "Run a valuation for one company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := runValuation(ctx, env, valuationParams{
			Ticker:     valuateTicker,
			Provider:   valuateProvider,
			AsOf:       valuateAsOf,
			Period:     valuatePeriod,
			PeriodType: valuatePeriodType,
			Targets:    valuateTargets,
		})
		if err != nil {
			return err
		}

		if valuateSave {
			if err := env.Store.SaveValuation(ctx, report); err != nil {
				return eris.Wrap(err, "save valuation")
			}
			zap.L().Info("valuation saved", zap.String("id", report.ID))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// valuationParams carries the raw flag values for one run.
type valuationParams struct {
	Ticker     string
	Provider   string
	AsOf       string
	Period     string
	PeriodType string
	Targets    string
}

// runValuation resolves flags against the store, loads a snapshot, and runs
// the orchestrator. Shared by valuate and batch.
func runValuation(ctx context.Context, env *appEnv, p valuationParams) (*model.ValuationReport, error) {
	provider, err := resolveProvider(ctx, env.Store, p.Provider, false)
	if err != nil {
		return nil, err
	}
	company, err := resolveCompany(ctx, env.Store, p.Ticker)
	if err != nil {
		return nil, err
	}

	asOf := time.Now().UTC()
	if p.AsOf != "" {
		if asOf, err = parseDateFlag("as-of", p.AsOf); err != nil {
			return nil, err
		}
	}
	period, err := parseDateFlag("period", p.Period)
	if err != nil {
		return nil, err
	}
	periodType, err := parsePeriodType(p.PeriodType)
	if err != nil {
		return nil, err
	}

	targets := []string{valuation.TargetAll}
	if p.Targets != "" && p.Targets != valuation.TargetAll {
		targets = strings.Split(p.Targets, ",")
		for i := range targets {
			targets[i] = strings.TrimSpace(targets[i])
		}
	}

	snap, err := env.Store.LoadSnapshot(ctx, provider.ID, company.ID, period, periodType)
	if err != nil {
		return nil, eris.Wrap(err, "load snapshot")
	}

	report, err := env.Orchestrator.Valuate(ctx, snap, valuation.Request{
		CompanyID:    company.ID,
		ProviderID:   provider.ID,
		AsOf:         asOf,
		FiscalPeriod: period,
		Targets:      targets,
	})
	if err != nil {
		return nil, eris.Wrap(err, "valuate")
	}

	zap.L().Info("valuation complete",
		zap.String("ticker", p.Ticker),
		zap.Int("fields", len(report.Values)),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func init() {
	valuateCmd.Flags().StringVar(&valuateTicker, "ticker", "", "company ticker (required)")
	valuateCmd.Flags().StringVar(&valuateProvider, "provider", "", "data provider name (required)")
	valuateCmd.Flags().StringVar(&valuateAsOf, "as-of", "", "as-of date YYYY-MM-DD (default today)")
	valuateCmd.Flags().StringVar(&valuatePeriod, "period", "", "fiscal period end date YYYY-MM-DD (required)")
	valuateCmd.Flags().StringVar(&valuatePeriodType, "period-type", "annual", "annual or quarterly")
	valuateCmd.Flags().StringVar(&valuateTargets, "targets", "all", "comma-separated canonical field names, or all")
	valuateCmd.Flags().BoolVar(&valuateSave, "save", false, "persist the valuation report")
	_ = valuateCmd.MarkFlagRequired("ticker")
	_ = valuateCmd.MarkFlagRequired("provider")
	_ = valuateCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(valuateCmd)
}
