package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	serverFlag string
	tokenFlag  string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:           "pdfchat",
	Short:         "Chat with your PDFs, grounded in retrieved passages",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "server base URL (default from config server.host/port)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token (default from config server.token)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd, mcpCmd)
	rootCmd.AddCommand(uploadCmd, statusCmd, watchCmd, askCmd, docsCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
