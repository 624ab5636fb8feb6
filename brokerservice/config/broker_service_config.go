package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and
// finalized by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID          string
	RunMode            string
	APIPort            string
	AdminAPIKey        string
	GlobalActionsTopic string
	Identity           YamlIdentityConfig
	Channel            YamlChannelConfig
	Heartbeat          YamlHeartbeatConfig
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Msg("Overriding config value from env")
		cfg.ProjectID = projectID
	}
	if runMode := os.Getenv("RUN_MODE"); runMode != "" {
		logger.Debug().Str("key", "RUN_MODE").Msg("Overriding config value from env")
		cfg.RunMode = runMode
	}
	if port := os.Getenv("API_PORT"); port != "" {
		logger.Debug().Str("key", "API_PORT").Msg("Overriding config value from env")
		cfg.APIPort = port
	}
	if adminKey := os.Getenv("ADMIN_API_KEY"); adminKey != "" {
		logger.Debug().Str("key", "ADMIN_API_KEY").Msg("Overriding config value from env")
		cfg.AdminAPIKey = adminKey
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Msg("Overriding config value from env")
		cfg.Identity.Cache.Redis.Addr = redisAddr
	}
	if baseURL := os.Getenv("OPEN_CLOUD_BASE_URL"); baseURL != "" {
		logger.Debug().Str("key", "OPEN_CLOUD_BASE_URL").Msg("Overriding config value from env")
		cfg.Channel.OpenCloud.BaseURL = baseURL
	}

	// 2. Final Validation
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.AdminAPIKey == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY is not set in config or env var")
	}
	if cfg.RunMode != "local" && cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
