package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpSdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/embedding"
	"github.com/coderag/coderag/internal/log"
	"github.com/coderag/coderag/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP on stdio (default when no command is given)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe starts the stdio MCP server. Stdout carries JSON-RPC only;
// all diagnostics go to stderr.
func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSON: cfg.Log.JSON})

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return err
	}
	defer embedder.Close()

	server, err := mcp.NewServer(mcp.Config{
		Name:    "coderag",
		Version: AppVersion,
		App:     cfg,
	}, embedder, logger)
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	if err := server.Run(ctx, &mcpSdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	logger.Info("mcp server shut down")
	return nil
}

// newEmbedder builds the production embedding service. The model itself is
// not touched until the first embedding request.
func newEmbedder(cfg *config.Config, logger log.Logger) (*embedding.Service, error) {
	cacheDir, err := embedding.CacheDir(cfg.Embedding.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolving model cache: %w", err)
	}
	return embedding.NewService(embedding.Config{
		CacheDir:  cacheDir,
		BatchSize: cfg.Embedding.BatchSize,
	}, logger), nil
}

// workDir resolves the directory anchoring project detection.
func workDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
