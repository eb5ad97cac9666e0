package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	batchTickersFile string
	batchAll         bool
	batchProvider    string
	batchAsOf        string
	batchPeriod      string
	batchPeriodType  string
	batchSave        bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Valuate many companies concurrently",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		tickers, err := batchTickers(ctx, env)
		if err != nil {
			return err
		}
		if len(tickers) == 0 {
			zap.L().Info("no companies to valuate")
			return nil
		}

		zap.L().Info("processing batch",
			zap.Int("companies", len(tickers)),
			zap.Int("concurrency", cfg.Batch.MaxConcurrentCompanies),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Batch.MaxConcurrentCompanies)

		var succeeded, failed atomic.Int64
		for _, ticker := range tickers {
			g.Go(func() error {
				log := zap.L().With(zap.String("ticker", ticker))

				report, err := runValuation(gctx, env, valuationParams{
					Ticker:     ticker,
					Provider:   batchProvider,
					AsOf:       batchAsOf,
					Period:     batchPeriod,
					PeriodType: batchPeriodType,
					Targets:    "all",
				})
				if err != nil {
					failed.Add(1)
					log.Error("valuation failed", zap.Error(err))
					return nil // don't abort batch on individual failure
				}

				if batchSave {
					if err := env.Store.SaveValuation(gctx, report); err != nil {
						failed.Add(1)
						log.Error("save valuation failed", zap.Error(err))
						return nil
					}
				}

				succeeded.Add(1)
				log.Info("valuation complete", zap.Int("errors", len(report.Errors)))
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "batch processing")
		}

		zap.L().Info("batch complete",
			zap.Int64("succeeded", succeeded.Load()),
			zap.Int64("failed", failed.Load()),
		)
		return nil
	},
}

func batchTickers(ctx context.Context, env *appEnv) ([]string, error) {
	if batchAll {
		companies, err := env.Store.ListCompanies(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "list companies")
		}
		tickers := make([]string, 0, len(companies))
		for _, c := range companies {
			tickers = append(tickers, c.Ticker)
		}
		return tickers, nil
	}

	f, err := os.Open(batchTickersFile)
	if err != nil {
		return nil, eris.Wrap(err, "open tickers file")
	}
	defer f.Close()

	var tickers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ticker := strings.TrimSpace(scanner.Text())
		if ticker == "" || strings.HasPrefix(ticker, "#") {
			continue
		}
		tickers = append(tickers, ticker)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "read tickers file")
	}
	return tickers, nil
}

func init() {
	batchCmd.Flags().StringVar(&batchTickersFile, "tickers", "", "file with one ticker per line")
	batchCmd.Flags().BoolVar(&batchAll, "all", false, "valuate every company in the store")
	batchCmd.Flags().StringVar(&batchProvider, "provider", "", "data provider name (required)")
	batchCmd.Flags().StringVar(&batchAsOf, "as-of", "", "as-of date YYYY-MM-DD (default today)")
	batchCmd.Flags().StringVar(&batchPeriod, "period", "", "fiscal period end date YYYY-MM-DD (required)")
	batchCmd.Flags().StringVar(&batchPeriodType, "period-type", "annual", "annual or quarterly")
	batchCmd.Flags().BoolVar(&batchSave, "save", true, "persist valuation reports")
	batchCmd.MarkFlagsOneRequired("tickers", "all")
	_ = batchCmd.MarkFlagRequired("provider")
	_ = batchCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(batchCmd)
}
