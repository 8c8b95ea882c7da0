// Package project locates the project root for the current working
// directory and derives the vector store path from it.
//
// Detection walks from the starting directory toward the filesystem root
// until a directory contains a recognized marker (version-control directory
// or a conventional manifest file). Store data lives in <root>/.coderag/;
// when no project is found, a global fallback under the user's home is used.
//
// Detection is side-effect free. Directory creation and gitignore
// maintenance happen only in EnsureStorage, which callers invoke lazily
// before the first write: the host sandbox may forbid writes at startup.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coderag/coderag/internal/log"
)

const (
	// StorageDirName is the per-project storage directory.
	StorageDirName = ".coderag"

	// StoreFileName is the vector store file inside a project.
	StoreFileName = "vectordb.json"

	// FallbackStoreFileName is the global store file under the user home.
	FallbackStoreFileName = "coderag_vectordb.json"

	gitignoreEntry = ".coderag/"
)

// ErrNoHome indicates neither a project root nor a home directory could be
// resolved.
var ErrNoHome = errors.New("cannot resolve user home directory")

// Info describes the resolved storage context.
type Info struct {
	// IsProject reports whether a marker was found.
	IsProject bool

	// Root is the project root (absolute, symlinks resolved). Empty in
	// fallback mode.
	Root string

	// Marker is the file or directory that identified the root.
	Marker string

	// Name is the base name of the project root directory.
	Name string

	// StorePath is the absolute path of the vector store file.
	StorePath string
}

// Locator detects project roots using a configurable marker set.
type Locator struct {
	markers []string
	logger  log.Logger
}

// NewLocator creates a Locator. An empty marker list is invalid; callers
// pass config.DefaultProjectMarkers or their configured override.
func NewLocator(markers []string, logger log.Logger) (*Locator, error) {
	if len(markers) == 0 {
		return nil, fmt.Errorf("at least one project marker is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Locator{markers: markers, logger: logger}, nil
}

// Detect resolves the storage context for startDir (usually the current
// working directory). It never creates files or directories.
func (l *Locator) Detect(startDir string) (Info, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return Info{}, fmt.Errorf("resolving start directory: %w", err)
	}
	// Resolve symlinks so a project entered through a link compares equal
	// to its canonical path (macOS canonicalizes /tmp and home).
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	dir := abs
	for {
		for _, marker := range l.markers {
			if _, err := os.Lstat(filepath.Join(dir, marker)); err == nil {
				info := Info{
					IsProject: true,
					Root:      dir,
					Marker:    marker,
					Name:      filepath.Base(dir),
					StorePath: filepath.Join(dir, StorageDirName, StoreFileName),
				}
				l.logger.Debug("project detected",
					"root", dir, "marker", marker)
				return info, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNoHome, err)
	}
	if resolved, err := filepath.EvalSymlinks(home); err == nil {
		home = resolved
	}

	l.logger.Debug("no project detected, using global store", "home", home)
	return Info{
		StorePath: filepath.Join(home, StorageDirName, FallbackStoreFileName),
	}, nil
}

// EnsureStorage creates the storage directory for info and, in project
// mode, appends the storage directory to the project's .gitignore if it is
// not already listed. It never creates directories outside the project root
// or the user home.
func (l *Locator) EnsureStorage(info Info) error {
	dir := filepath.Dir(info.StorePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating storage directory %s: %w", dir, err)
	}

	if !info.IsProject {
		return nil
	}
	if err := updateGitignore(info.Root); err != nil {
		// A read-only or missing ignore file should not block ingestion.
		l.logger.Warn("could not update .gitignore", "root", info.Root, "error", err)
	}
	return nil
}

// updateGitignore appends the storage entry to <root>/.gitignore, preserving
// existing content and line endings. A file already containing ".coderag" or
// ".coderag/" is left untouched.
func updateGitignore(root string) error {
	path := filepath.Join(root, ".gitignore")

	var content string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		content = string(data)
	case os.IsNotExist(err):
		content = ""
	default:
		return fmt.Errorf("reading .gitignore: %w", err)
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if trimmed == gitignoreEntry || trimmed == strings.TrimSuffix(gitignoreEntry, "/") {
			return nil
		}
	}

	eol := "\n"
	if strings.Contains(content, "\r\n") {
		eol = "\r\n"
	}

	var sb strings.Builder
	sb.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		sb.WriteString(eol)
	}
	sb.WriteString(eol)
	sb.WriteString("# CodeRAG vector database" + eol)
	sb.WriteString(gitignoreEntry + eol)

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}
	return nil
}
