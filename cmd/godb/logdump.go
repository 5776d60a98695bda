package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"mit.edu/dsg/godb"
	"mit.edu/dsg/godb/logging"
)

func newLogDumpCommand(stdout, stderr io.Writer) *cobra.Command {
	var path string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "logdump",
		Short: "Print the records of a write-ahead log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				path = filepath.Join(cfg.LogDir, godb.WALFileName)
			}
			return dumpLog(stdout, path, verbose)
		},
	}
	addConfigFlags(cmd)
	cmd.Flags().StringVar(&path, "file", "", "Log file to read. Defaults to the log in --log-dir.")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every record instead of a summary.")
	return cmd
}

func dumpLog(w io.Writer, path string, verbose bool) error {
	it, err := logging.NewLogFileIterator(path, 0)
	if err != nil {
		return err
	}
	defer it.Close()

	counts := make(map[logging.LogRecordType]int)
	for it.Next() {
		r := it.CurrentRecord()
		counts[r.RecordType()]++
		if verbose {
			fmt.Fprintf(w, "%d\t%s\n", it.CurrentLSN(), r)
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	for _, t := range []logging.LogRecordType{logging.LogPageWrite, logging.LogCommit, logging.LogAbort} {
		fmt.Fprintf(w, "%s: %d\n", t, counts[t])
	}
	return nil
}
