// Package mcp exposes CodeRAG's tools over the Model Context Protocol.
//
// The server speaks line-delimited JSON-RPC on stdio through the official
// SDK transport. Construction is side-effect free: no network, no model
// assets, no files created. The store file is read lazily on the first tool
// call and the embedding model loads on the first call that needs vectors,
// so a sandboxed host can always list or reload immediately after launch.
package mcp

import (
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/crawler"
	"github.com/coderag/coderag/internal/embedding"
	"github.com/coderag/coderag/internal/log"
	"github.com/coderag/coderag/internal/project"
	"github.com/coderag/coderag/internal/vectordb"
)

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string

	// WorkDir anchors project detection. Empty means the process working
	// directory.
	WorkDir string

	// App is the loaded application configuration.
	App *config.Config
}

// Server wires the store, embedder, and crawler behind the tool set.
type Server struct {
	mcpServer *mcp.Server
	cfg       Config
	logger    log.Logger

	locator  *project.Locator
	info     project.Info
	store    *vectordb.Store
	embedder embedding.Embedder
	crawler  *crawler.Crawler
}

// NewServer creates a Server. The embedder is injected so callers control
// model lifetime; pass embedding.NewService for production use.
func NewServer(cfg Config, embedder embedding.Embedder, logger log.Logger) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.App == nil {
		return nil, fmt.Errorf("application config is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}

	markers := cfg.App.Project.Markers
	if len(markers) == 0 {
		markers = config.DefaultProjectMarkers
	}
	locator, err := project.NewLocator(markers, logger)
	if err != nil {
		return nil, fmt.Errorf("creating project locator: %w", err)
	}
	info, err := locator.Detect(workDir)
	if err != nil {
		return nil, fmt.Errorf("detecting project: %w", err)
	}

	store := vectordb.New(info.StorePath, logger)

	userAgent := fmt.Sprintf("CodeRAG/%s (AI Documentation Assistant)", cfg.Version)
	cr := crawler.New(
		cfg.App.Crawler,
		userAgent,
		crawler.NewExtractor(logger),
		crawler.NewChunker(crawler.ChunkerConfig{
			MaxTokens:     cfg.App.Chunker.MaxTokens,
			OverlapTokens: cfg.App.Chunker.OverlapTokens,
			MinTokens:     cfg.App.Chunker.MinTokens,
		}),
		embedder,
		store,
		logger,
	)

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		cfg:      cfg,
		logger:   logger.With("component", "mcp"),
		locator:  locator,
		info:     info,
		store:    store,
		embedder: embedder,
		crawler:  cr,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return s, nil
}

// Run serves MCP on the given transport until the context is cancelled or
// the client disconnects. Unknown methods are rejected by the SDK with the
// standard method-not-found error.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("mcp server starting",
		"name", s.cfg.Name,
		"version", s.cfg.Version,
		"store", s.info.StorePath,
		"is_project", s.info.IsProject)
	return s.mcpServer.Run(ctx, transport)
}
