package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbweber/homelab/warren/internal/journal"
)

// Config holds all configuration for the warren CLI
type Config struct {
	Root        string // filesystem root the reconcilers operate on, "/" in production
	TunnelDir   string // where tunnel credentials and ingress config live
	JournalPath string // sqlite run journal
	ListenAddr  string // status API listen address
	AccountID   string // provider account, from WARREN_CF_ACCOUNT
	APIToken    string // provider bearer token, from WARREN_CF_TOKEN; never logged
}

// NewConfig creates a new Config with default values and environment
// overrides applied.
func NewConfig() *Config {
	c := &Config{
		Root:        "/",
		TunnelDir:   "/etc/cloudflared",
		JournalPath: "~/warren/data/warren.db",
		ListenAddr:  ":8080",
		AccountID:   os.Getenv("WARREN_CF_ACCOUNT"),
		APIToken:    os.Getenv("WARREN_CF_TOKEN"),
	}
	if v := os.Getenv("WARREN_JOURNAL"); v != "" {
		c.JournalPath = v
	}
	return c
}

// OpenJournal creates and configures the run journal database.
func (c *Config) OpenJournal() (*journal.Journal, error) {
	path := c.expandPath(c.JournalPath)

	// Ensure journal directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j, err := journal.New(path)
	if err != nil {
		return nil, err
	}

	OptimizeDatabaseConnection(j.DB)
	if err := ApplyPragmaOptimizations(j.DB); err != nil {
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}
	return j, nil
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
