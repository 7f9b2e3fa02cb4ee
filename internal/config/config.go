// Package config provides YAML-based configuration loading for Rhythms.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Rhythms configuration, loaded from rhythms.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Chat     ChatConfig     `yaml:"chat"`
	Standup  StandupConfig  `yaml:"standup"`
	GitHub   GitHubConfig   `yaml:"github"`
	Linear   LinearConfig   `yaml:"linear"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
	Users    []UserConfig   `yaml:"users"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ChatConfig holds chat platform settings.
type ChatConfig struct {
	Platform string        `yaml:"platform"` // "slack", "discord", or "console"
	Channel  string        `yaml:"channel"`  // default channel for scheduled standups
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// StandupConfig tunes the interview itself.
type StandupConfig struct {
	ReplyTimeoutSec   int    `yaml:"reply_timeout_sec"`
	DedupWindowSec    int    `yaml:"dedup_window_sec"`
	LookbackDays      int    `yaml:"lookback_days"`
	MaxRevisionRounds int    `yaml:"max_revision_rounds"`
	Schedule          string `yaml:"schedule"`
}

// ReplyTimeout returns the Human-Input Bridge wait as a duration.
func (s StandupConfig) ReplyTimeout() time.Duration {
	return time.Duration(s.ReplyTimeoutSec) * time.Second
}

// DedupWindow returns the duplicate trigger window as a duration.
func (s StandupConfig) DedupWindow() time.Duration {
	return time.Duration(s.DedupWindowSec) * time.Second
}

// Lookback returns the activity window as a duration.
func (s StandupConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackDays) * 24 * time.Hour
}

// GitHubConfig enables the GitHub activity summarizer when Token is set.
type GitHubConfig struct {
	Token    string `yaml:"token"`
	MaxItems int    `yaml:"max_items"`
}

// LinearConfig enables the Linear activity summarizer when Token is set.
type LinearConfig struct {
	Token string `yaml:"token"`
}

// GeminiConfig enables LLM drafting when APIKey is set.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// APIConfig controls the read-only HTTP status API. Port 0 disables it.
type APIConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// UserConfig seeds a user row.
type UserConfig struct {
	Handle      string `yaml:"handle"`
	ChatUserID  string `yaml:"chat_user_id"`
	GitHubLogin string `yaml:"github_login"`
	Email       string `yaml:"email"`
	Timezone    string `yaml:"timezone"`
	Schedule    string `yaml:"schedule"`
	Channel     string `yaml:"channel"`
}

// Default values applied by applyDefaults.
const (
	DefaultSQLitePath        = "rhythms.db"
	DefaultReplyTimeoutSec   = 300
	DefaultDedupWindowSec    = 10
	DefaultLookbackDays      = 1
	DefaultMaxRevisionRounds = 3
	DefaultSchedule          = "0 9 * * 1-5"
	DefaultGeminiModel       = "gemini-2.5-flash"
	DefaultGitHubMaxItems    = 20
	DefaultTimezone          = "UTC"
)

// scheduleParser accepts standard 5-field cron expressions.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references and unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = DefaultSQLitePath
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "rhythms"
		}
	}
	if c.Standup.ReplyTimeoutSec <= 0 {
		c.Standup.ReplyTimeoutSec = DefaultReplyTimeoutSec
	}
	if c.Standup.DedupWindowSec <= 0 {
		c.Standup.DedupWindowSec = DefaultDedupWindowSec
	}
	if c.Standup.LookbackDays <= 0 {
		c.Standup.LookbackDays = DefaultLookbackDays
	}
	if c.Standup.MaxRevisionRounds <= 0 {
		c.Standup.MaxRevisionRounds = DefaultMaxRevisionRounds
	}
	if c.Standup.Schedule == "" {
		c.Standup.Schedule = DefaultSchedule
	}
	if c.GitHub.MaxItems <= 0 {
		c.GitHub.MaxItems = DefaultGitHubMaxItems
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = DefaultGeminiModel
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Users {
		if c.Users[i].Timezone == "" {
			c.Users[i].Timezone = DefaultTimezone
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}

	switch c.Chat.Platform {
	case "slack":
		if c.Chat.Slack.AppToken == "" {
			errs = append(errs, "chat.slack.app_token is required")
		}
		if c.Chat.Slack.BotToken == "" {
			errs = append(errs, "chat.slack.bot_token is required")
		}
	case "discord":
		if c.Chat.Discord.BotToken == "" {
			errs = append(errs, "chat.discord.bot_token is required")
		}
	case "console", "":
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q must be slack, discord, or console", c.Chat.Platform))
	}

	if _, err := scheduleParser.Parse(c.Standup.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("standup.schedule %q: %v", c.Standup.Schedule, err))
	}

	seen := make(map[string]bool)
	for i, u := range c.Users {
		if u.Handle == "" {
			errs = append(errs, fmt.Sprintf("users[%d].handle is required", i))
		} else if seen[u.Handle] {
			errs = append(errs, fmt.Sprintf("users[%d].handle %q is duplicated", i, u.Handle))
		}
		seen[u.Handle] = true
		if u.Schedule != "" {
			if _, err := scheduleParser.Parse(u.Schedule); err != nil {
				errs = append(errs, fmt.Sprintf("users[%d].schedule %q: %v", i, u.Schedule, err))
			}
		}
		if _, err := time.LoadLocation(u.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("users[%d].timezone %q: %v", i, u.Timezone, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
