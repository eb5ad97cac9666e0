package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/valuation-cli/internal/registry"
)

var fieldsFixture string

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Manage the canonical field registry",
}

var fieldsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed canonical fields from a fixture file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		path := fieldsFixture
		if path == "" {
			path = cfg.Registry.Path
		}
		reg, err := registry.LoadFile(path)
		if err != nil {
			return err
		}

		if err := env.Store.SeedCanonicalFields(ctx, reg.Fields); err != nil {
			return eris.Wrap(err, "seed canonical fields")
		}

		zap.L().Info("canonical fields seeded",
			zap.String("file", path),
			zap.Int("fields", len(reg.Fields)),
		)
		return nil
	},
}

var fieldsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canonical fields",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, f := range env.Registry.Fields {
			computed := ""
			if f.IsComputed {
				computed = " (computed)"
			}
			fmt.Printf("%4d  %-28s %-12s %s%s\n", f.Code, f.Name, f.Type, f.Category, computed)
		}
		return nil
	},
}

func init() {
	fieldsSeedCmd.Flags().StringVar(&fieldsFixture, "file", "", "fixture file (default from config)")
	fieldsCmd.AddCommand(fieldsSeedCmd, fieldsListCmd)
	rootCmd.AddCommand(fieldsCmd)
}
