package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.4.1"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "runq",
	Short: "Priority job queue with an HTTP API",
	Long: `runq runs shell jobs through a priority queue with bounded
concurrency, automatic retries, webhook notifications and optional
archival of finished jobs.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and HTTP API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the runq version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("runq", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
