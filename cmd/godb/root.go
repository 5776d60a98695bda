package main

import (
	"io"
	"time"

	"github.com/spf13/cobra"
	"mit.edu/dsg/godb/config"
)

// NewRootCommand builds the godb command tree.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:           "godb",
		Short:         "GoDB is a transactional page store with strict two-phase locking.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newRunCommand(stdout, stderr))
	rc.AddCommand(newLogDumpCommand(stdout, stderr))
	rc.AddCommand(newConfigCommand(stdout, stderr))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// addConfigFlags registers one flag per configuration field.
func addConfigFlags(cmd *cobra.Command) {
	def := config.Default()
	flags := cmd.Flags()
	flags.String("data-dir", def.DataDir, "Directory holding the catalog and table files.")
	flags.String("log-dir", def.LogDir, "Directory holding the write-ahead log.")
	flags.Int("buffer-pool-pages", def.BufferPoolPages, "Buffer pool capacity in pages.")
	flags.String("log-level", def.LogLevel, "Log level (trace, debug, info, warn, error).")
	flags.String("log-format", def.LogFormat, "Log format (text or json).")
	flags.String("metrics-addr", def.MetricsAddr, "Address to serve Prometheus metrics on; empty disables.")
	flags.Duration("wal-flush-interval", time.Duration(def.WALFlushInterval), "Maximum delay before appended log records are written.")
}

// loadConfig reads the --config file, if any, and applies every flag set on the command line on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("log-dir") {
		cfg.LogDir, _ = flags.GetString("log-dir")
	}
	if flags.Changed("buffer-pool-pages") {
		cfg.BufferPoolPages, _ = flags.GetInt("buffer-pool-pages")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("wal-flush-interval") {
		d, _ := flags.GetDuration("wal-flush-interval")
		cfg.WALFlushInterval = config.Duration(d)
	}
	return cfg, cfg.Validate()
}
