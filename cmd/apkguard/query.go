package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/straja-ai/apkguard/internal/fingerprint"
	"github.com/straja-ai/apkguard/internal/scan"
)

var queryCmd = &cobra.Command{
	Use:   "query <sha256>",
	Short: "Print the stored verdict for a package fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	fp, err := fingerprint.Parse(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())

	v, ok, err := a.cache.Get(cmd.Context(), fp)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no verdict stored for %s", fp)
	}
	return printEnvelope(cmd, scan.Result{Fingerprint: fp, Verdict: v})
}
