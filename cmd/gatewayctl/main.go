// Command gatewayctl validates and inspects the model registry document
// (spec §4.1, §6) without starting the HTTP server.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aerochat-ai/gateway/internal/registry"
	"github.com/aerochat-ai/gateway/internal/version"
	"github.com/aerochat-ai/gateway/providers"
)

func main() {
	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Operate on the gateway's model registry document",
	}

	root.AddCommand(validateCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "validate <registry-file>",
		Short: "Load and validate a registry document",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reg := registry.New()
			if err := reg.Load(args[0], env); err != nil {
				return err
			}
			names := reg.EnabledProviders()
			sort.Strings(names)
			fmt.Printf("registry valid: %d enabled provider(s)\n", len(names))
			for _, name := range names {
				fmt.Printf("  - %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to apply")
	return cmd
}

func resolveCmd() *cobra.Command {
	var (
		env      string
		provider string
	)
	cmd := &cobra.Command{
		Use:   "resolve <registry-file> <agent>",
		Short: "Resolve an agent to its provider and model",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			reg := registry.New()
			if err := reg.Load(args[0], env); err != nil {
				return err
			}
			res, err := reg.Resolve(args[1], provider, providers.GenConfig{})
			if err != nil {
				return err
			}
			fmt.Printf("provider: %s\nmodel:    %s\n", res.Provider, res.Model)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to apply")
	cmd.Flags().StringVar(&provider, "provider", "", "explicit provider override")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(version.String())
			return nil
		},
	}
}
