package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/overtonx/edgebox/config"
)

func newCheckConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.ConfigPath, root.EnvFiles...)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
