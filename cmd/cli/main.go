package main

import (
	"fmt"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

const (
	PromptColor  = "\033[36m" // Cyan
	ErrorColor   = "\033[31m" // Red
	SuccessColor = "\033[32m" // Green
	ResetColor   = "\033[0m"
	BoldColor    = "\033[1m"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%sError: %v%s\n", ErrorColor, err, ResetColor)
		os.Exit(1)
	}
}
