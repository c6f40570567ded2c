// tableflow ingests CSV files with embedded JSON from an object store into
// warehouse tables, evolving each table's schema additively.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	lferrors "github.com/logflow/tableflow/pkg/errors"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		if lferrors.IsFatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tableflow",
	Short: "tableflow - load CSV files with embedded JSON into warehouse tables",
	Long: `tableflow watches an object store prefix for CSV files, infers each file's
schema (JSON cells become JSON columns), evolves the target table with
additive DDL and merges the rows on a key. Every object is ingested once
per content version; every run leaves a JSON run log under logs/.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file layered over the default search path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(resetCmd)
}
