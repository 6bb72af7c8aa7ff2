// Package config loads worker configuration from the environment.
// Configuration is read once at startup and handed to constructors as an
// explicit value; nothing re-reads the environment after Load returns.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full worker configuration.
type Config struct {
	Mail        MailConfig        `mapstructure:"mail"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Database    DatabaseConfig    `mapstructure:"db"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Poll        PollConfig        `mapstructure:"poll"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// MailConfig describes the inbound mailbox.
type MailConfig struct {
	// Protocol selects the connector: imap, imaps, pop3 or pop3s.
	Protocol string `mapstructure:"protocol"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Folder   string `mapstructure:"folder"`
	// SearchCriteria is "unseen" in normal operation; "all" widens the
	// candidate set for backfill or recovery runs.
	SearchCriteria string        `mapstructure:"search_criteria"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// SMTPConfig describes the outbound relay used by the reply flow.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// DatabaseConfig selects the ticket store backend.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AttachmentsConfig controls where attachment files are staged.
type AttachmentsConfig struct {
	Dir string `mapstructure:"dir"`
}

// PollConfig controls the scheduler.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig controls the optional Prometheus listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads MAILDESK_* environment variables into a Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAILDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// AutomaticEnv alone does not surface env-only keys to Unmarshal;
	// bind every known key explicitly.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mail.protocol", "imaps")
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 0) // 0 means protocol default
	v.SetDefault("mail.user", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.folder", "INBOX")
	v.SetDefault("mail.search_criteria", "unseen")
	v.SetDefault("mail.dial_timeout", 10*time.Second)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.use_tls", false)

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "maildesk.db")

	v.SetDefault("attachments.dir", "attachments")

	v.SetDefault("poll.interval", 30*time.Second)

	v.SetDefault("metrics.addr", "")
}

// Validate rejects configurations the worker cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mail.Protocol) {
	case "imap", "imaps", "pop3", "pop3s":
	default:
		return fmt.Errorf("config: unsupported mail protocol %q", c.Mail.Protocol)
	}
	switch strings.ToLower(c.Mail.SearchCriteria) {
	case "unseen", "all":
	default:
		return fmt.Errorf("config: unsupported search criteria %q", c.Mail.SearchCriteria)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported db driver %q", c.Database.Driver)
	}
	if c.Poll.Interval < time.Second {
		return fmt.Errorf("config: poll interval %s below 1s", c.Poll.Interval)
	}
	return nil
}
