package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/expr"
	"github.com/sells-group/valuation-cli/internal/mappings"
)

var (
	mappingsProvider string
	mappingsOut      string
	mappingsIn       string
	mappingsExprJSON string
	mappingsDataJSON string
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Inspect and manage field mappings",
}

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a provider's mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		provider, err := resolveProvider(ctx, env.Store, mappingsProvider, false)
		if err != nil {
			return err
		}
		fields, err := env.Store.ListMappings(ctx, provider.ID)
		if err != nil {
			return err
		}

		for _, m := range fields {
			scope := "provider-wide"
			if m.CompanyScoped() {
				scope = "company " + *m.CompanyID
			}
			kind := "direct"
			if m.Transform != nil {
				kind = "computed"
			}
			field := env.Registry.ByCode(m.CanonicalCode)
			name := fmt.Sprintf("code %d", m.CanonicalCode)
			if field != nil {
				name = field.Name
			}
			fmt.Printf("%s  %-24s <- %-24s [%s, %s]\n", m.ID, name, m.RawFieldName, kind, scope)
		}
		return nil
	},
}

var mappingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a provider's mappings to the portable wire format",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		provider, err := resolveProvider(ctx, env.Store, mappingsProvider, false)
		if err != nil {
			return err
		}
		fields, err := env.Store.ListMappings(ctx, provider.ID)
		if err != nil {
			return err
		}

		data, err := mappings.Export(provider.Name, fields)
		if err != nil {
			return err
		}

		if mappingsOut == "" || mappingsOut == "-" {
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}
		if err := os.WriteFile(mappingsOut, data, 0644); err != nil {
			return eris.Wrap(err, "write export file")
		}
		zap.L().Info("mappings exported",
			zap.String("provider", provider.Name),
			zap.Int("mappings", len(fields)),
			zap.String("file", mappingsOut),
		)
		return nil
	},
}

var mappingsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Replace a provider's mappings from an export file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		provider, err := resolveProvider(ctx, env.Store, mappingsProvider, true)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(mappingsIn)
		if err != nil {
			return eris.Wrap(err, "read import file")
		}
		fields, err := mappings.Import(data, env.Registry, provider.ID)
		if err != nil {
			return err
		}

		if err := env.Store.ReplaceMappings(ctx, provider.ID, fields); err != nil {
			return eris.Wrap(err, "replace mappings")
		}

		zap.L().Info("mappings imported",
			zap.String("provider", provider.Name),
			zap.Int("mappings", len(fields)),
		)
		return nil
	},
}

var mappingsTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Evaluate a transform expression against sample data without saving",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := expr.Parse([]byte(mappingsExprJSON))
		if err != nil {
			return eris.Wrap(err, "parse expression")
		}

		values := expr.Map{}
		if mappingsDataJSON != "" {
			if err := json.Unmarshal([]byte(mappingsDataJSON), &values); err != nil {
				return eris.Wrap(err, "parse sample data")
			}
		}

		result, err := expr.Evaluate(node, values)
		if err != nil {
			return err
		}
		fmt.Printf("%g\n", result)
		return nil
	},
}

func init() {
	mappingsCmd.PersistentFlags().StringVar(&mappingsProvider, "provider", "", "data provider name")
	mappingsExportCmd.Flags().StringVar(&mappingsOut, "out", "-", "output file (default stdout)")
	mappingsImportCmd.Flags().StringVar(&mappingsIn, "file", "", "export file to import (required)")
	mappingsTestCmd.Flags().StringVar(&mappingsExprJSON, "expression", "", "transform expression JSON (required)")
	mappingsTestCmd.Flags().StringVar(&mappingsDataJSON, "data", "", `sample data JSON, e.g. {"revenue": 100}`)
	_ = mappingsImportCmd.MarkFlagRequired("file")
	_ = mappingsTestCmd.MarkFlagRequired("expression")

	mappingsCmd.AddCommand(mappingsListCmd, mappingsExportCmd, mappingsImportCmd, mappingsTestCmd)
	rootCmd.AddCommand(mappingsCmd)
}
