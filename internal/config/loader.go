package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix scopes the environment overrides: AITEAM_RUN_MAX_RETRIES
	// maps to run.max_retries.
	envPrefix = "AITEAM_"
)

// Load reads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (AITEAM_OLLAMA_BASE_URL, AITEAM_RUN_MAX_RETRIES, ...)
//  2. YAML config file (~/.config/ai-team/config.yaml)
//  3. Built-in defaults
//
// The configPath parameter names the YAML file; empty uses the default
// path. A missing file is not an error: defaults plus environment still
// produce a working configuration.
//
// # Security Considerations
//
// The config file must sit under ~/.config/ai-team/ or /etc/ai-team/,
// carry 0600 or 0400 permissions, and stay under 1MB. The checks run
// against the opened file descriptor to avoid TOCTOU races.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "ai-team", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment overrides: strip the prefix, lowercase, and split on
	// the first underscore into section.field_name.
	//
	//   AITEAM_OLLAMA_BASE_URL   -> ollama.base_url
	//   AITEAM_MODELS_DEFAULT    -> models.default
	//   AITEAM_RUN_MAX_RETRIES   -> run.max_retries
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// EnsureConfigDir creates the ai-team config directory for new users.
// The directory is created with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "ai-team")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks the path is in an allowed directory. The
// check runs even when the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Not existing yet is fine; validate the literal path.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	allowedDirs := []string{
		filepath.Join(home, ".config", "ai-team"),
		"/etc/ai-team",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) || resolvedPath == dir {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/ai-team/ or /etc/ai-team/")
}

// validateConfigFileProperties checks permissions and size using the
// FileInfo of an already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills missing values so a bare installation works with
// a local Ollama and defaults everywhere else.
func applyDefaults(cfg *Config) {
	if cfg.Models.Default == "" {
		cfg.Models.Default = "llama3.1"
	}

	if cfg.Workspace.PersistDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Workspace.PersistDir = filepath.Join(home, ".local", "share", "ai-team", "runs")
		}
	}

	if cfg.Workspace.OutputDir == "" && cfg.Workspace.PersistDir != "" {
		cfg.Workspace.OutputDir = filepath.Join(cfg.Workspace.PersistDir, "workspace")
	}

	if cfg.Run.MaxRetries == 0 {
		cfg.Run.MaxRetries = 3
	}
	if cfg.Run.CoverageThreshold == 0 {
		cfg.Run.CoverageThreshold = 0.8
	}
	if cfg.Run.QualityThreshold == 0 {
		cfg.Run.QualityThreshold = 7.0
	}
	if cfg.Run.ConfidenceThreshold == 0 {
		cfg.Run.ConfidenceThreshold = 0.7
	}
	if cfg.Run.FeedbackDefault == "" {
		cfg.Run.FeedbackDefault = "abort"
	}

	if cfg.Memory.EmbedModel == "" {
		cfg.Memory.EmbedModel = "nomic-embed-text"
	}
	if cfg.Memory.HalfLife == 0 {
		cfg.Memory.HalfLife = 7 * 24 * time.Hour
	}
	if cfg.Memory.Enabled && cfg.Memory.MetricsPath == "" {
		cfg.Memory.MetricsPath = filepath.Join(cfg.Workspace.PersistDir, "metrics.db")
	}
}
