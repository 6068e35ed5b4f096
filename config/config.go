// This package defines a common config struct which can be used by any subsystem within chatmail.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Email holds the mail account used by the email transport.
type Email struct {
	Addr        string `mapstructure:"addr"`
	DisplayName string `mapstructure:"display_name"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	IMAPHost    string `mapstructure:"imap_host"`
	IMAPPort    int    `mapstructure:"imap_port"`
	SMTPHost    string `mapstructure:"smtp_host"`
	SMTPPort    int    `mapstructure:"smtp_port"`
	Mailbox     string `mapstructure:"mailbox"`
	StartTLS    bool   `mapstructure:"starttls"`
}

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	Workers                    int
	IngestQueueSize            int
	EventQueueSize             int
	MaxAttachmentBytes         int64
	SecureJoinTimeoutMs        int64
	PendingMembershipTimeoutMs int64
	MaxPendingMembershipEvents int
	MaxDeliveryAttempts        int
	RetryBaseMs                int64
	MaxRetryDelayMs            int64
	SchedulerTickMs            int64
	StoreRetryAttempts         int
	LookupTimeoutMs            int64
	RequestTimeoutMs           int64
	IMAPPollIntervalMs         int64
	IMAPMaxFailures            int
	GossipEnabled              bool

	Email Email

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else if c.LoggingPrefix == "" {
		p = source
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	return zap.New(core, opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
	}
}

func WithIngestQueueSize(n int) Option {
	return func(c *Config) {
		c.IngestQueueSize = n
	}
}

func WithEventQueueSize(n int) Option {
	return func(c *Config) {
		c.EventQueueSize = n
	}
}

func WithMaxAttachmentBytes(n int64) Option {
	return func(c *Config) {
		c.MaxAttachmentBytes = n
	}
}

func WithSecureJoinTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.SecureJoinTimeoutMs = n
	}
}

func WithPendingMembershipTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.PendingMembershipTimeoutMs = n
	}
}

func WithMaxPendingMembershipEvents(n int) Option {
	return func(c *Config) {
		c.MaxPendingMembershipEvents = n
	}
}

func WithMaxDeliveryAttempts(n int) Option {
	return func(c *Config) {
		c.MaxDeliveryAttempts = n
	}
}

func WithRetryBaseMs(n int64) Option {
	return func(c *Config) {
		c.RetryBaseMs = n
	}
}

func WithMaxRetryDelayMs(n int64) Option {
	return func(c *Config) {
		c.MaxRetryDelayMs = n
	}
}

func WithSchedulerTickMs(n int64) Option {
	return func(c *Config) {
		c.SchedulerTickMs = n
	}
}

func WithStoreRetryAttempts(n int) Option {
	return func(c *Config) {
		c.StoreRetryAttempts = n
	}
}

func WithIMAPMaxFailures(n int) Option {
	return func(c *Config) {
		c.IMAPMaxFailures = n
	}
}

func WithGossip(enabled bool) Option {
	return func(c *Config) {
		c.GossipEnabled = enabled
	}
}

func WithEmail(e Email) Option {
	return func(c *Config) {
		c.Email = e
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		LoggingPrefix: "",
		RootDir:       ".",

		Workers:                    4,
		IngestQueueSize:            256,
		EventQueueSize:             1024,
		MaxAttachmentBytes:         25 * 1024 * 1024,
		SecureJoinTimeoutMs:        15 * 60 * 1000,
		PendingMembershipTimeoutMs: 24 * 60 * 60 * 1000,
		MaxPendingMembershipEvents: 512,
		MaxDeliveryAttempts:        8,
		RetryBaseMs:                200,
		MaxRetryDelayMs:            5 * 60 * 1000,
		SchedulerTickMs:            1000,
		StoreRetryAttempts:         5,
		LookupTimeoutMs:            1000,
		RequestTimeoutMs:           5000,
		IMAPPollIntervalMs:         60 * 1000,
		IMAPMaxFailures:            3,
		Email: Email{
			IMAPPort: 993,
			SMTPPort: 465,
			Mailbox:  "INBOX",
		},

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}
