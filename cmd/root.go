// Package cmd defines the coderag command line. With no arguments the
// binary serves MCP on stdio; subcommands cover one-shot crawls and
// version information.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coderag",
	Short: "CodeRAG - local documentation search for AI assistants",
	Long: `CodeRAG indexes documentation sites into a per-project vector store and
serves semantic search over the Model Context Protocol.

Run without arguments to start the MCP server on stdio. MCP hosts often
sandbox network access, so run "coderag crawl <url>" from a normal shell
first to download the embedding model and index your documentation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
