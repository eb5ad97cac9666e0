package main

import (
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/ingest"
)

var (
	ingestFile       string
	ingestProvider   string
	ingestTicker     string
	ingestPeriod     string
	ingestPeriodType string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load a raw data file (CSV, JSON, or XLSX) into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		provider, err := resolveProvider(ctx, env.Store, ingestProvider, true)
		if err != nil {
			return err
		}
		company, err := resolveCompany(ctx, env.Store, ingestTicker)
		if err != nil {
			return err
		}
		period, err := parseDateFlag("period", ingestPeriod)
		if err != nil {
			return err
		}
		periodType, err := parsePeriodType(ingestPeriodType)
		if err != nil {
			return err
		}

		entries, err := ingest.ParseFile(ingestFile, ingest.Meta{
			ProviderID:   provider.ID,
			CompanyID:    company.ID,
			FiscalPeriod: period,
			PeriodType:   periodType,
			UploadID:     uuid.New().String(),
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			zap.L().Warn("no entries found in file", zap.String("file", ingestFile))
			return nil
		}

		n, err := env.Store.UpsertRawEntries(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "upsert raw entries")
		}

		zap.L().Info("ingestion complete",
			zap.String("file", ingestFile),
			zap.String("ticker", ingestTicker),
			zap.Int("parsed", len(entries)),
			zap.Int64("written", n),
		)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "raw data file (required)")
	ingestCmd.Flags().StringVar(&ingestProvider, "provider", "", "data provider name, created if missing (required)")
	ingestCmd.Flags().StringVar(&ingestTicker, "ticker", "", "company ticker (required)")
	ingestCmd.Flags().StringVar(&ingestPeriod, "period", "", "fiscal period end date YYYY-MM-DD (required)")
	ingestCmd.Flags().StringVar(&ingestPeriodType, "period-type", "annual", "annual or quarterly")
	_ = ingestCmd.MarkFlagRequired("file")
	_ = ingestCmd.MarkFlagRequired("provider")
	_ = ingestCmd.MarkFlagRequired("ticker")
	_ = ingestCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(ingestCmd)
}
