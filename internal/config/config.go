package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Agent     AgentConfig
	Webhook   WebhookConfig
	Storage   StorageConfig
	R2        R2Config
	RateLimit RateLimitConfig
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AgentConfig configures the remote generation API client.
type AgentConfig struct {
	APIKey          string
	BaseURL         string
	RequestTimeout  int // seconds
	DownloadTimeout int // seconds, artifact downloads
	MaxRetries      int
	InitialDelayMS  int
	MaxDelayMS      int
}

// WebhookConfig describes the inbound callback endpoint this service
// registers with the agent API.
type WebhookConfig struct {
	Enabled bool
	BaseURL string
	Path    string
}

// URL returns the full externally reachable callback URL, or "" when not
// configured.
func (w WebhookConfig) URL() string {
	if w.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(w.BaseURL, "/") + w.Path
}

// StorageConfig holds the local artifact directory.
type StorageConfig struct {
	OutputDir string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RateLimitConfig struct {
	TasksPerHour int
}

// PipelineConfig tunes orchestration behavior.
type PipelineConfig struct {
	// Retry budget for fetching a stage result right after its webhook
	// fired — the result may not be queryable yet.
	ResultMaxRetries    int
	ResultInitialDelayS int
	// Precedence for passing a stage deliverable to the next stage.
	// Recognized entries: file_id, url, reupload.
	AttachmentPolicy []string
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("AGENT_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("agent.api_key", "AGENT_API_KEY")
	_ = viper.BindEnv("agent.base_url", "AGENT_BASE_URL")
	_ = viper.BindEnv("agent.request_timeout", "AGENT_REQUEST_TIMEOUT")
	_ = viper.BindEnv("agent.download_timeout", "AGENT_DOWNLOAD_TIMEOUT")
	_ = viper.BindEnv("agent.max_retries", "AGENT_MAX_RETRIES")
	_ = viper.BindEnv("webhook.enabled", "WEBHOOK_ENABLED")
	_ = viper.BindEnv("webhook.base_url", "WEBHOOK_BASE_URL")
	_ = viper.BindEnv("webhook.path", "WEBHOOK_PATH")
	_ = viper.BindEnv("storage.output_dir", "OUTPUT_DIR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("ratelimit.tasks_per_hour", "RATELIMIT_TASKS_PER_HOUR")

	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("agent.base_url", "https://api.agent.example.com")
	viper.SetDefault("agent.request_timeout", 30)
	viper.SetDefault("agent.download_timeout", 300)
	viper.SetDefault("agent.max_retries", 3)
	viper.SetDefault("agent.initial_delay_ms", 1000)
	viper.SetDefault("agent.max_delay_ms", 30000)

	viper.SetDefault("webhook.enabled", true)
	viper.SetDefault("webhook.path", "/webhook/agent")

	viper.SetDefault("storage.output_dir", "./output")

	viper.SetDefault("ratelimit.tasks_per_hour", 20)

	viper.SetDefault("pipeline.result_max_retries", 3)
	viper.SetDefault("pipeline.result_initial_delay_s", 1)
	viper.SetDefault("pipeline.attachment_policy", []string{"file_id", "url", "reupload"})

	// Config file is optional; env vars and defaults are enough to run.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Agent: AgentConfig{
			APIKey:          viper.GetString("agent.api_key"),
			BaseURL:         viper.GetString("agent.base_url"),
			RequestTimeout:  viper.GetInt("agent.request_timeout"),
			DownloadTimeout: viper.GetInt("agent.download_timeout"),
			MaxRetries:      viper.GetInt("agent.max_retries"),
			InitialDelayMS:  viper.GetInt("agent.initial_delay_ms"),
			MaxDelayMS:      viper.GetInt("agent.max_delay_ms"),
		},
		Webhook: WebhookConfig{
			Enabled: viper.GetBool("webhook.enabled"),
			BaseURL: viper.GetString("webhook.base_url"),
			Path:    viper.GetString("webhook.path"),
		},
		Storage: StorageConfig{
			OutputDir: viper.GetString("storage.output_dir"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		RateLimit: RateLimitConfig{
			TasksPerHour: viper.GetInt("ratelimit.tasks_per_hour"),
		},
		Pipeline: PipelineConfig{
			ResultMaxRetries:    viper.GetInt("pipeline.result_max_retries"),
			ResultInitialDelayS: viper.GetInt("pipeline.result_initial_delay_s"),
			AttachmentPolicy:    viper.GetStringSlice("pipeline.attachment_policy"),
		},
	}

	return cfg, nil
}
