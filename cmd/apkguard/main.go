package main

import (
	"os"

	"github.com/straja-ai/apkguard/internal/redact"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		redact.Logf("apkguard: %v", err)
		os.Exit(1)
	}
}
