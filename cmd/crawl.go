package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/crawler"
	"github.com/coderag/coderag/internal/log"
	"github.com/coderag/coderag/internal/project"
	"github.com/coderag/coderag/internal/vectordb"
)

var (
	crawlMode     string
	crawlFocus    string
	crawlMaxPages int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl <url>",
	Short: "Crawl a documentation site into the current project's store",
	Long: `Crawl fetches documentation pages, chunks them, embeds them with the
local model, and stores them in the project's vector database. The first
run downloads the embedding model (about 90MB) into the user cache, which
is why this command exists: MCP hosts often block that download.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCrawl(cmd, args[0])
	},
}

func init() {
	crawlCmd.Flags().StringVar(&crawlMode, "mode", "single",
		"crawl mode: single, section, or full")
	crawlCmd.Flags().StringVar(&crawlFocus, "focus", "all",
		"link preference: api, examples, changelog, quickstart, or all")
	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0,
		"page budget (0 uses the configured cap)")
	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, seed string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := log.New(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSON: cfg.Log.JSON})

	mode, ok := crawler.ParseMode(crawlMode)
	if !ok {
		return fmt.Errorf("unknown mode %q", crawlMode)
	}
	focus, ok := crawler.ParseFocus(crawlFocus)
	if !ok {
		return fmt.Errorf("unknown focus %q", crawlFocus)
	}

	markers := cfg.Project.Markers
	if len(markers) == 0 {
		markers = config.DefaultProjectMarkers
	}
	locator, err := project.NewLocator(markers, logger)
	if err != nil {
		return err
	}
	info, err := locator.Detect(workDir())
	if err != nil {
		return fmt.Errorf("detecting project: %w", err)
	}
	if err := locator.EnsureStorage(info); err != nil {
		return fmt.Errorf("preparing storage: %w", err)
	}
	logger.Info("crawling", "seed", seed, "store", info.StorePath)

	store := vectordb.New(info.StorePath, logger)
	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return err
	}
	defer embedder.Close()

	cr := crawler.New(
		cfg.Crawler,
		fmt.Sprintf("CodeRAG/%s (AI Documentation Assistant)", AppVersion),
		crawler.NewExtractor(logger),
		crawler.NewChunker(crawler.ChunkerConfig{
			MaxTokens:     cfg.Chunker.MaxTokens,
			OverlapTokens: cfg.Chunker.OverlapTokens,
			MinTokens:     cfg.Chunker.MinTokens,
		}),
		embedder,
		store,
		logger,
	)

	summary, err := cr.Crawl(cmd.Context(), crawler.Request{
		URL:      seed,
		Mode:     mode,
		Focus:    focus,
		MaxPages: crawlMaxPages,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
