package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "shiba",
	Short: "Shiba CLI tool can run memory-management workloads on a " +
		"modeled kernel and inspect recorded runs.",
	Long: `Shiba CLI tool can run memory-management workloads on a modeled ` +
		`kernel and inspect recorded runs. Currently, it supports running a ` +
		`demo workload (demo) and dumping the database a run records (inspect).`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	// A .env file is optional. When one is present it seeds the
	// environment before any command runs.
	_ = godotenv.Load()

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
