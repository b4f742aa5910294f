package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	Server      struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB  DBConfig `mapstructure:"db"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Auth    AuthConfig   `mapstructure:"auth"`
	Jira    JiraConfig   `mapstructure:"jira"`
	GitLab  GitLabConfig `mapstructure:"gitlab"`
	Clients struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"clients"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Redis      struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// DBConfig selects and configures the request store.
type DBConfig struct {
	Driver      string `mapstructure:"driver"` // postgres or memory
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name"`
	SSLMode     string `mapstructure:"sslmode"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// ConnString returns the keyword/value connection string used by pgxpool.
func (c DBConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the postgres:// form used by the migrator.
func (c DBConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// AuthConfig configures caller identification.
type AuthConfig struct {
	DevModeBypass   bool     `mapstructure:"dev_mode_bypass"`
	Issuer          string   `mapstructure:"issuer"`
	ClientID        string   `mapstructure:"client_id"`
	SwaggerClientID string   `mapstructure:"swagger_client_id"`
	Approvers       []string `mapstructure:"approvers"`
}

// JiraConfig configures the ticket tracker client.
type JiraConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	AuthType   string `mapstructure:"auth_type"` // basic, api_token, pat or oauth2
	User       string `mapstructure:"user"`
	APIToken   string `mapstructure:"api_token"`
	ProjectKey string `mapstructure:"project_key"`
	IssueType  string `mapstructure:"issue_type"`
}

// GitLabConfig configures the pipeline client.
type GitLabConfig struct {
	URL          string `mapstructure:"url"`
	PrivateToken string `mapstructure:"private_token"`
	TriggerToken string `mapstructure:"trigger_token"`
	ProjectID    string `mapstructure:"project_id"`
	Branch       string `mapstructure:"branch"`
	WebhookToken string `mapstructure:"webhook_token"`
}

// ReconcilerConfig configures the background reconciliation passes.
type ReconcilerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PipelineInterval time.Duration `mapstructure:"pipeline_interval"`
	WorkflowInterval time.Duration `mapstructure:"workflow_interval"`
	PipelineWindow   time.Duration `mapstructure:"pipeline_window"`
	WorkflowWindow   time.Duration `mapstructure:"workflow_window"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
}

var defaults = map[string]any{
	"environment":                  "PROD",
	"server.addr":                  ":8080",
	"server.read_timeout":          15 * time.Second,
	"server.write_timeout":         15 * time.Second,
	"server.idle_timeout":          60 * time.Second,
	"server.shutdown_timeout":      30 * time.Second,
	"db.driver":                    "postgres",
	"db.host":                      "localhost",
	"db.port":                      5432,
	"db.user":                      "",
	"db.password":                  "",
	"db.name":                      "vm_broker",
	"db.sslmode":                   "disable",
	"db.max_conns":                 10,
	"db.auto_migrate":              false,
	"log.level":                    "info",
	"log.format":                   "json",
	"auth.dev_mode_bypass":         false,
	"auth.issuer":                  "",
	"auth.client_id":               "",
	"auth.swagger_client_id":       "",
	"auth.approvers":               []string{},
	"jira.base_url":                "",
	"jira.auth_type":               "basic",
	"jira.user":                    "",
	"jira.api_token":               "",
	"jira.project_key":             "",
	"jira.issue_type":              "vsphere_vm",
	"gitlab.url":                   "",
	"gitlab.private_token":         "",
	"gitlab.trigger_token":         "",
	"gitlab.project_id":            "",
	"gitlab.branch":                "main",
	"gitlab.webhook_token":         "",
	"clients.timeout":              10 * time.Second,
	"reconciler.enabled":           true,
	"reconciler.pipeline_interval": 60 * time.Second,
	"reconciler.workflow_interval": 60 * time.Second,
	"reconciler.pipeline_window":   24 * time.Hour,
	"reconciler.workflow_window":   7 * 24 * time.Hour,
	"reconciler.lock_ttl":          5 * time.Minute,
	"redis.addr":                   "",
	"redis.password":               "",
	"redis.db":                     0,
}

// LoadConfig loads the configuration from an optional .env file, a config
// file and the environment. Environment variables use the upper-cased key
// with dots replaced by underscores, e.g. GITLAB_TRIGGER_TOKEN.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.Issuer = trimURL(config.Auth.Issuer)
	config.Jira.BaseURL = trimURL(config.Jira.BaseURL)
	config.GitLab.URL = trimURL(config.GitLab.URL)

	return &config, nil
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// Validate checks the settings required to serve requests.
func (c *Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	switch c.DB.Driver {
	case "postgres":
		require("db.host", c.DB.Host)
		require("db.name", c.DB.Name)
	case "memory":
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}

	require("jira.base_url", c.Jira.BaseURL)
	require("jira.project_key", c.Jira.ProjectKey)
	require("gitlab.url", c.GitLab.URL)
	require("gitlab.project_id", c.GitLab.ProjectID)
	require("gitlab.trigger_token", c.GitLab.TriggerToken)

	if !(c.IsDev() && c.Auth.DevModeBypass) {
		require("auth.issuer", c.Auth.Issuer)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// trimURL strips surrounding whitespace and trailing slashes so base URLs
// can be joined with paths without doubling separators.
func trimURL(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
