package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage data providers",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		providers, err := env.Store.ListProviders(ctx)
		if err != nil {
			return err
		}
		for _, p := range providers {
			fmt.Printf("%4d  %s\n", p.ID, p.Name)
		}
		return nil
	},
}

var providersCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "valuate")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := resolveProvider(ctx, env.Store, args[0], true)
		if err != nil {
			return err
		}
		zap.L().Info("provider ready", zap.Int64("id", p.ID), zap.String("name", p.Name))
		return nil
	},
}

func init() {
	providersCmd.AddCommand(providersListCmd, providersCreateCmd)
	rootCmd.AddCommand(providersCmd)
}
