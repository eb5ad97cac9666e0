package main

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/ingest"
	"github.com/sells-group/valuation-cli/internal/model"
	"github.com/sells-group/valuation-cli/pkg/yahoo"
)

// yahooProviderName is the built-in provider raw market data is stored under.
const yahooProviderName = "yahoo"

var (
	pricesTicker       string
	pricesStart        string
	pricesEnd          string
	pricesFundamentals bool
	pricesPeriod       string
	pricesPeriodType   string
)

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Fetch Yahoo Finance market data into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		provider, err := resolveProvider(ctx, env.Store, yahooProviderName, true)
		if err != nil {
			return err
		}
		company, err := resolveCompany(ctx, env.Store, pricesTicker)
		if err != nil {
			return err
		}

		end := time.Now().UTC()
		if pricesEnd != "" {
			if end, err = parseDateFlag("end", pricesEnd); err != nil {
				return err
			}
		}
		start := end.AddDate(0, 0, -30)
		if pricesStart != "" {
			if start, err = parseDateFlag("start", pricesStart); err != nil {
				return err
			}
		}

		client := yahoo.NewClient(
			yahoo.WithBaseURL(cfg.Yahoo.BaseURL),
			yahoo.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Yahoo.TimeoutSecs) * time.Second}),
			yahoo.WithRateLimit(cfg.Yahoo.RequestsPerSec),
			yahoo.WithMaxRetries(cfg.Yahoo.MaxRetries),
		)
		uploadID := uuid.New().String()

		points, err := client.PriceHistory(ctx, company.Ticker, start, end)
		if err != nil {
			return eris.Wrap(err, "fetch price history")
		}
		entries := priceEntries(provider.ID, company.ID, uploadID, points)

		if pricesFundamentals {
			period, err := parseDateFlag("period", pricesPeriod)
			if err != nil {
				return err
			}
			periodType, err := parsePeriodType(pricesPeriodType)
			if err != nil {
				return err
			}

			fields, err := client.Fundamentals(ctx, company.Ticker)
			if err != nil {
				return eris.Wrap(err, "fetch fundamentals")
			}
			meta := ingest.Meta{
				ProviderID:   provider.ID,
				CompanyID:    company.ID,
				FiscalPeriod: period,
				PeriodType:   periodType,
				UploadID:     uploadID,
			}
			for name, value := range fields {
				entries = append(entries, model.RawDataEntry{
					ProviderID:   meta.ProviderID,
					CompanyID:    meta.CompanyID,
					FiscalPeriod: meta.FiscalPeriod,
					PeriodType:   meta.PeriodType,
					RawFieldName: ingest.NormalizeFieldName(name),
					ValueType:    model.ClassifyValue(value),
					Value:        value,
					UploadID:     meta.UploadID,
				})
			}
		}

		n, err := env.Store.UpsertRawEntries(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "upsert raw entries")
		}

		zap.L().Info("market data stored",
			zap.String("ticker", company.Ticker),
			zap.Int("price_days", len(points)),
			zap.Bool("fundamentals", pricesFundamentals),
			zap.Int64("written", n),
		)
		return nil
	},
}

// priceEntries flattens daily candles into one raw entry per field per day.
func priceEntries(providerID int64, companyID, uploadID string, points []yahoo.PricePoint) []model.RawDataEntry {
	var entries []model.RawDataEntry
	for _, p := range points {
		fields := map[string]float64{
			"open":      p.Open,
			"high":      p.High,
			"low":       p.Low,
			"close":     p.Close,
			"adj_close": p.AdjClose,
			"volume":    p.Volume,
		}
		for name, value := range fields {
			entries = append(entries, model.RawDataEntry{
				ProviderID:   providerID,
				CompanyID:    companyID,
				FiscalPeriod: p.Date,
				PeriodType:   model.PeriodDaily,
				RawFieldName: name,
				ValueType:    model.ValueTypeNumber,
				Value:        value,
				UploadID:     uploadID,
			})
		}
	}
	return entries
}

func init() {
	pricesCmd.Flags().StringVar(&pricesTicker, "ticker", "", "company ticker (required)")
	pricesCmd.Flags().StringVar(&pricesStart, "start", "", "history start date YYYY-MM-DD (default 30 days before end)")
	pricesCmd.Flags().StringVar(&pricesEnd, "end", "", "history end date YYYY-MM-DD (default today)")
	pricesCmd.Flags().BoolVar(&pricesFundamentals, "fundamentals", false, "also fetch summary fundamentals")
	pricesCmd.Flags().StringVar(&pricesPeriod, "period", "", "fiscal period for fundamentals YYYY-MM-DD")
	pricesCmd.Flags().StringVar(&pricesPeriodType, "period-type", "annual", "annual or quarterly")
	_ = pricesCmd.MarkFlagRequired("ticker")
	rootCmd.AddCommand(pricesCmd)
}
