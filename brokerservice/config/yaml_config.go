package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlIdentityCacheConfig struct {
	Type       string          `yaml:"type"` // "none" or "redis"
	Redis      YamlRedisConfig `yaml:"redis"`
	TTLSeconds int             `yaml:"ttl_seconds"`
}

type YamlIdentityConfig struct {
	ExperiencesCollection string                  `yaml:"experiences_collection"`
	Cache                 YamlIdentityCacheConfig `yaml:"cache"`
}

type YamlOpenCloudConfig struct {
	BaseURL string `yaml:"base_url"`
}

type YamlPubSubConfig struct {
	TopicID string `yaml:"topic_id"`
}

type YamlChannelConfig struct {
	Type      string              `yaml:"type"` // "opencloud" or "pubsub"
	OpenCloud YamlOpenCloudConfig `yaml:"open_cloud"`
	PubSub    YamlPubSubConfig    `yaml:"pubsub"`
}

type YamlHeartbeatConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	IdleAfterSeconds  int `yaml:"idle_after_seconds"`
	AckTimeoutSeconds int `yaml:"ack_timeout_seconds"`
	PendingTTLSeconds int `yaml:"pending_ttl_seconds"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID          string              `yaml:"project_id"`
	RunMode            string              `yaml:"run_mode"`
	APIPort            string              `yaml:"api_port"`
	AdminAPIKey        string              `yaml:"admin_api_key"`
	GlobalActionsTopic string              `yaml:"global_actions_topic"`
	Identity           YamlIdentityConfig  `yaml:"identity"`
	Channel            YamlChannelConfig   `yaml:"channel"`
	Heartbeat          YamlHeartbeatConfig `yaml:"heartbeat"`
}

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct. Stage 1 of configuration loading: the
// AppConfig exists, but without environment overrides or validation.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		ProjectID:          yamlCfg.ProjectID,
		RunMode:            yamlCfg.RunMode,
		APIPort:            yamlCfg.APIPort,
		AdminAPIKey:        yamlCfg.AdminAPIKey,
		GlobalActionsTopic: yamlCfg.GlobalActionsTopic,
		Identity:           yamlCfg.Identity,
		Channel:            yamlCfg.Channel,
		Heartbeat:          yamlCfg.Heartbeat,
	}
	return appCfg, nil
}
