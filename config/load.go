package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type file struct {
	Debug   bool   `mapstructure:"debug"`
	RootDir string `mapstructure:"root_dir"`
	Gossip  bool   `mapstructure:"gossip"`
	Email   Email  `mapstructure:"email"`
	Limits  struct {
		Workers                    int   `mapstructure:"workers"`
		IngestQueueSize            int   `mapstructure:"ingest_queue_size"`
		EventQueueSize             int   `mapstructure:"event_queue_size"`
		MaxAttachmentBytes         int64 `mapstructure:"max_attachment_bytes"`
		SecureJoinTimeoutMs        int64 `mapstructure:"securejoin_timeout_ms"`
		PendingMembershipTimeoutMs int64 `mapstructure:"pending_membership_timeout_ms"`
		MaxPendingMembershipEvents int   `mapstructure:"max_pending_membership_events"`
		MaxDeliveryAttempts        int   `mapstructure:"max_delivery_attempts"`
		RetryBaseMs                int64 `mapstructure:"retry_base_ms"`
		MaxRetryDelayMs            int64 `mapstructure:"max_retry_delay_ms"`
	} `mapstructure:"limits"`
}

// Load reads a YAML config file and returns a Config built from it. Options are applied after the
// file, so callers can override anything it sets. A missing file yields the defaults.
func Load(path string, opts ...Option) (*Config, error) {
	defaults := NewConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("debug", defaults.Debug)
	v.SetDefault("root_dir", defaults.RootDir)
	v.SetDefault("email.imap_port", defaults.Email.IMAPPort)
	v.SetDefault("email.smtp_port", defaults.Email.SMTPPort)
	v.SetDefault("email.mailbox", defaults.Email.Mailbox)
	v.SetDefault("limits.workers", defaults.Workers)
	v.SetDefault("limits.ingest_queue_size", defaults.IngestQueueSize)
	v.SetDefault("limits.event_queue_size", defaults.EventQueueSize)
	v.SetDefault("limits.max_attachment_bytes", defaults.MaxAttachmentBytes)
	v.SetDefault("limits.securejoin_timeout_ms", defaults.SecureJoinTimeoutMs)
	v.SetDefault("limits.pending_membership_timeout_ms", defaults.PendingMembershipTimeoutMs)
	v.SetDefault("limits.max_pending_membership_events", defaults.MaxPendingMembershipEvents)
	v.SetDefault("limits.max_delivery_attempts", defaults.MaxDeliveryAttempts)
	v.SetDefault("limits.retry_base_ms", defaults.RetryBaseMs)
	v.SetDefault("limits.max_retry_delay_ms", defaults.MaxRetryDelayMs)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("config: error reading %s: %w", path, err)
		}
	}

	f := &file{}
	if err := v.Unmarshal(f); err != nil {
		return nil, fmt.Errorf("config: error parsing %s: %w", path, err)
	}

	fromFile := []Option{
		WithDebug(f.Debug),
		WithRootDir(f.RootDir),
		WithGossip(f.Gossip),
		WithEmail(f.Email),
		WithWorkers(f.Limits.Workers),
		WithIngestQueueSize(f.Limits.IngestQueueSize),
		WithEventQueueSize(f.Limits.EventQueueSize),
		WithMaxAttachmentBytes(f.Limits.MaxAttachmentBytes),
		WithSecureJoinTimeoutMs(f.Limits.SecureJoinTimeoutMs),
		WithPendingMembershipTimeoutMs(f.Limits.PendingMembershipTimeoutMs),
		WithMaxPendingMembershipEvents(f.Limits.MaxPendingMembershipEvents),
		WithMaxDeliveryAttempts(f.Limits.MaxDeliveryAttempts),
		WithRetryBaseMs(f.Limits.RetryBaseMs),
		WithMaxRetryDelayMs(f.Limits.MaxRetryDelayMs),
	}
	return NewConfig(append(fromFile, opts...)...), nil
}
