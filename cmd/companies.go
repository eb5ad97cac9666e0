package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/model"
)

var (
	companyName     string
	companyCountry  string
	companyCurrency string
)

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "Manage companies",
}

var companiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List companies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		companies, err := env.Store.ListCompanies(ctx)
		if err != nil {
			return err
		}
		for _, c := range companies {
			fmt.Printf("%-8s %-32s %-4s %s\n", c.Ticker, c.Name, c.Currency, c.ID)
		}
		return nil
	},
}

var companiesCreateCmd = &cobra.Command{
	Use:   "create <ticker>",
	Short: "Create a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		name := companyName
		if name == "" {
			name = args[0]
		}
		c, err := env.Store.CreateCompany(ctx, model.Company{
			Ticker:   args[0],
			Name:     name,
			Country:  companyCountry,
			Currency: companyCurrency,
		})
		if err != nil {
			return err
		}
		zap.L().Info("company created",
			zap.String("id", c.ID),
			zap.String("ticker", c.Ticker),
		)
		return nil
	},
}

func init() {
	companiesCreateCmd.Flags().StringVar(&companyName, "name", "", "company name (default ticker)")
	companiesCreateCmd.Flags().StringVar(&companyCountry, "country", "", "country code")
	companiesCreateCmd.Flags().StringVar(&companyCurrency, "currency", "USD", "reporting currency")
	companiesCmd.AddCommand(companiesListCmd, companiesCreateCmd)
	rootCmd.AddCommand(companiesCmd)
}
