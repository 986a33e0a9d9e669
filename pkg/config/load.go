package config

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Load reads a YAML config file, falling back to Default() when the file is
// absent. A .env file in the working directory and process environment
// variables override the data directory and log level.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("config file not found, using defaults", "path", path)
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// .env is optional; ignore a missing file.
	_ = godotenv.Load(".env")

	if dir := os.Getenv("AMDB_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("AMDB_LOG_LEVEL"); level != "" {
		cfg.Logger.Level = level
	}

	return cfg, nil
}
