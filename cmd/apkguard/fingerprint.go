package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/straja-ai/apkguard/internal/apk"
	"github.com/straja-ai/apkguard/internal/fingerprint"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <file>...",
	Short: "Print the SHA-256 fingerprint of each file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			note := ""
			if !apk.HasSignature(data) {
				note = "  (not a package, ignored by scan)"
			}
			fmt.Fprintf(out, "%s  %s%s\n", fingerprint.Of(data), path, note)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}
