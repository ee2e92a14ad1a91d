// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFile     string `mapstructure:"LOG_FILE"`
	DBURL       string `mapstructure:"DB_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	TokenEncKey string `mapstructure:"TOKEN_ENC_KEY"`

	SourceAPIURL      string `mapstructure:"SOURCE_API_URL"`
	SourceAPIUsername string `mapstructure:"SOURCE_API_USERNAME"`
	SourceAPIPassword string `mapstructure:"SOURCE_API_PASSWORD"`
	SourceSyncEnabled bool   `mapstructure:"SOURCE_SYNC_ENABLED"`
	SourcePageSize    int    `mapstructure:"SOURCE_PAGE_SIZE"`

	SCMSyncEnabled  bool          `mapstructure:"SCM_SYNC_ENABLED"`
	SCMSyncInterval time.Duration `mapstructure:"SCM_SYNC_INTERVAL"`
	SyncLockTTL     time.Duration `mapstructure:"SYNC_LOCK_TTL"`

	GithubAPIURL              string `mapstructure:"GITHUB_API_URL"`
	GithubCommitWindowDays    int    `mapstructure:"GITHUB_SYNC_COMMIT_WINDOW_DAYS"`
	GithubMaxCommitPages      int    `mapstructure:"GITHUB_SYNC_MAX_COMMIT_PAGES"`
	GithubResyncOverlapSecs   int    `mapstructure:"GITHUB_SYNC_RESYNC_OVERLAP_SECONDS"`
	GithubIncludeForks        bool   `mapstructure:"GITHUB_SYNC_INCLUDE_FORKS"`
	GithubFlushEveryCommits   int    `mapstructure:"GITHUB_SYNC_FLUSH_EVERY_COMMITS"`
	GithubMaxReposPerOwner    int    `mapstructure:"GITHUB_SYNC_MAX_REPOS_PER_OWNER"`
	GithubUserRepoAffiliation string `mapstructure:"GITHUB_SYNC_USER_REPO_AFFILIATION"`
}

// CommitWindow is how far back the first sync of a repository reaches.
func (c *Config) CommitWindow() time.Duration {
	return time.Duration(c.GithubCommitWindowDays) * 24 * time.Hour
}

// ResyncOverlap is re-read behind the newest stored commit on every sync.
func (c *Config) ResyncOverlap() time.Duration {
	return time.Duration(c.GithubResyncOverlapSecs) * time.Second
}

var defaults = map[string]any{
	"LOG_LEVEL":                          "info",
	"LOG_FILE":                           "",
	"DB_URL":                             "",
	"REDIS_URL":                          "redis://localhost:6379/0",
	"HTTP_ADDR":                          ":8080",
	"TOKEN_ENC_KEY":                      "",
	"SOURCE_API_URL":                     "",
	"SOURCE_API_USERNAME":                "",
	"SOURCE_API_PASSWORD":                "",
	"SOURCE_SYNC_ENABLED":                false,
	"SOURCE_PAGE_SIZE":                   50,
	"SCM_SYNC_ENABLED":                   true,
	"SCM_SYNC_INTERVAL":                  "1h",
	"SYNC_LOCK_TTL":                      "10m",
	"GITHUB_API_URL":                     "",
	"GITHUB_SYNC_COMMIT_WINDOW_DAYS":     365,
	"GITHUB_SYNC_MAX_COMMIT_PAGES":       5,
	"GITHUB_SYNC_RESYNC_OVERLAP_SECONDS": 60,
	"GITHUB_SYNC_INCLUDE_FORKS":          false,
	"GITHUB_SYNC_FLUSH_EVERY_COMMITS":    50,
	"GITHUB_SYNC_MAX_REPOS_PER_OWNER":    200,
	"GITHUB_SYNC_USER_REPO_AFFILIATION":  "owner,collaborator,organization_member",
}

// LoadConfig reads configuration from a .env file in the working directory
// and/or environment variables. Environment variables win.
func LoadConfig() (*Config, error) {
	return Load(".")
}

// Load is LoadConfig with an explicit directory to search for .env.
func Load(dir string) (*Config, error) {
	v := viper.New()

	// Every key gets a default so AutomaticEnv can see it during Unmarshal.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	if c.DBURL == "" {
		return errors.New("DB_URL is a required configuration field")
	}
	if c.GithubCommitWindowDays <= 0 {
		return errors.New("GITHUB_SYNC_COMMIT_WINDOW_DAYS must be positive")
	}
	if c.GithubResyncOverlapSecs < 0 {
		return errors.New("GITHUB_SYNC_RESYNC_OVERLAP_SECONDS must not be negative")
	}
	if c.GithubFlushEveryCommits <= 0 {
		return errors.New("GITHUB_SYNC_FLUSH_EVERY_COMMITS must be positive")
	}
	if c.SCMSyncEnabled && c.SCMSyncInterval <= 0 {
		return errors.New("SCM_SYNC_INTERVAL must be positive when SCM_SYNC_ENABLED is set")
	}
	if c.SourceSyncEnabled && c.SourceAPIURL == "" {
		return errors.New("SOURCE_API_URL is required when SOURCE_SYNC_ENABLED is set")
	}
	return nil
}
