package main

import (
	"io"

	"github.com/spf13/cobra"
)

func newConfigCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML.",
		Long: `Print the configuration that results from the defaults, the --config file
and any flags, in the format accepted by --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			_, err = cfg.WriteTo(stdout)
			return err
		},
	}
	addConfigFlags(cmd)
	return cmd
}
