package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/rodrwan/moaa/internal/model"
)

const envFile = ".env"

type Config struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	Database DatabaseConfig
	Queue    QueueConfig
	AI       AIConfig
	Git      GitConfig
	Slack    SlackConfig
	GitHub   GitHubConfig
}

type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

type QueueConfig struct {
	RedisURL    string        `env:"REDIS_URL"`
	Name        string        `env:"QUEUE_NAME" envDefault:"change-request"`
	MaxAttempts int           `env:"QUEUE_MAX_RETRY" envDefault:"3"`
	Backoff     time.Duration `env:"QUEUE_BACKOFF" envDefault:"5s"`
	Concurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
}

type AIConfig struct {
	APIKey    string        `env:"ANTHROPIC_API_KEY"`
	BaseURL   string        `env:"ANTHROPIC_BASE_URL"`
	Model     string        `env:"AI_MODEL" envDefault:"claude-sonnet-4-20250514"`
	MaxTokens int64         `env:"AI_MAX_TOKENS" envDefault:"4096"`
	Timeout   time.Duration `env:"AI_TIMEOUT" envDefault:"3m"`
}

type GitConfig struct {
	WorkspaceRoot string        `env:"WORKSPACE_ROOT"`
	Binary        string        `env:"GIT_BINARY" envDefault:"git"`
	Token         string        `env:"GIT_TOKEN"`
	Timeout       time.Duration `env:"GIT_TIMEOUT" envDefault:"2m"`
	CloneDepth    int           `env:"GIT_CLONE_DEPTH" envDefault:"0"`
	AllowLocal    bool          `env:"GIT_ALLOW_LOCAL" envDefault:"false"`
	AuthorName    string        `env:"GIT_AUTHOR_NAME" envDefault:"MOAA Bot"`
	AuthorEmail   string        `env:"GIT_AUTHOR_EMAIL" envDefault:"bot@moaa.dev"`
	MaxFiles      int           `env:"RELEVANT_MAX_FILES" envDefault:"50"`
	MaxFileBytes  int64         `env:"RELEVANT_MAX_FILE_BYTES" envDefault:"102400"`
	MaxTotalBytes int64         `env:"RELEVANT_MAX_TOTAL_BYTES" envDefault:"409600"`
}

type SlackConfig struct {
	BotToken      string `env:"SLACK_BOT_TOKEN"`
	ChannelID     string `env:"SLACK_CHANNEL_ID"`
	SigningSecret string `env:"SLACK_SIGNING_SECRET"`
	APIBaseURL    string `env:"SLACK_API_BASE_URL" envDefault:"https://slack.com/api"`
}

func (s SlackConfig) Enabled() bool {
	return s.BotToken != "" && s.ChannelID != ""
}

type GitHubConfig struct {
	Token      string `env:"GITHUB_TOKEN"`
	APIBaseURL string `env:"GITHUB_API_BASE_URL" envDefault:"https://api.github.com"`
}

func (g GitHubConfig) Enabled() bool {
	return g.Token != ""
}

// Load parses the environment (after merging an optional .env file) without
// enforcing role-specific requirements.
func Load() (Config, error) {
	// A missing .env is fine; variables already set win over the file.
	_ = godotenv.Load(envFile)
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	c.normalize()
	return c, nil
}

// LoadAPI loads configuration for the intake API process.
func LoadAPI() (Config, error) {
	c, err := Load()
	if err != nil {
		return Config{}, err
	}
	return c, c.ValidateAPI()
}

// LoadWorker loads configuration for the job worker process.
func LoadWorker() (Config, error) {
	c, err := Load()
	if err != nil {
		return Config{}, err
	}
	return c, c.ValidateWorker()
}

// LoadMigrate loads configuration for one-off migrations.
func LoadMigrate() (Config, error) {
	c, err := Load()
	if err != nil {
		return Config{}, err
	}
	if c.Database.URL == "" {
		return Config{}, missing("DATABASE_URL")
	}
	return c, nil
}

func (c Config) ValidateAPI() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, missing("DATABASE_URL"))
	}
	if c.Queue.RedisURL == "" {
		errs = append(errs, missing("REDIS_URL"))
	}
	return errors.Join(errs...)
}

func (c Config) ValidateWorker() error {
	errs := []error{c.ValidateAPI()}
	if c.AI.APIKey == "" {
		errs = append(errs, missing("ANTHROPIC_API_KEY"))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: WORKER_CONCURRENCY must be >= 1", model.ErrConfiguration))
	}
	return errors.Join(errs...)
}

func (c *Config) normalize() {
	if c.Git.WorkspaceRoot == "" {
		c.Git.WorkspaceRoot = os.TempDir()
	}
	if c.Queue.MaxAttempts < 1 {
		c.Queue.MaxAttempts = 1
	}
	c.GitHub.APIBaseURL = strings.TrimRight(c.GitHub.APIBaseURL, "/")
	c.Slack.APIBaseURL = strings.TrimRight(c.Slack.APIBaseURL, "/")
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// TaskTimeout bounds one processing attempt: clone, apply and push each get
// the git timeout, generation gets the AI timeout, plus a minute for store
// writes and notifications.
func (c Config) TaskTimeout() time.Duration {
	return 3*c.Git.Timeout + c.AI.Timeout + time.Minute
}

func missing(name string) error {
	return fmt.Errorf("%w: %s is required", model.ErrConfiguration, name)
}
