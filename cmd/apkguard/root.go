package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "apkguard",
	Short: "apkguard - Android package malware scanner",
	Long: `apkguard classifies Android application packages with a pre-trained model.
Verdicts are cached by SHA-256 so repeated submissions of the same package are
answered from the store.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("apkguard version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "apkguard.yaml", "Path to apkguard config file")
}
