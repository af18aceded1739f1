package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultClaimLease         = 30 * time.Second
	DefaultSignatureTolerance = 300 * time.Second
	DefaultSignatureHeader    = "X-Ingest-Signature"
	DefaultDeliveryIDHeader   = "X-Delivery-Id"
	DefaultEventTypeHeader    = "X-Event-Type"
	DefaultDeadLetterLimit    = 50
	MaxDeadLetterLimit        = 500
)

type DeliveryConfig struct {
	MaxRetries      int           `koanf:"max_retries" mapstructure:"max_retries"`
	ClaimLease      time.Duration `koanf:"claim_lease" mapstructure:"claim_lease"`
	EventTypeHeader string        `koanf:"event_type_header" mapstructure:"event_type_header"`
}

type SignatureConfig struct {
	Header    string        `koanf:"header" mapstructure:"header"`
	Secret    string        `koanf:"secret" mapstructure:"secret"`
	Tolerance time.Duration `koanf:"tolerance" mapstructure:"tolerance"`
}

type DeadLetterConfig struct {
	ListLimit int `koanf:"list_limit" mapstructure:"list_limit"`
}

type BackfillConfig struct {
	BatchSize int    `koanf:"batch_size" mapstructure:"batch_size"`
	ReportDir string `koanf:"report_dir" mapstructure:"report_dir"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Delivery    DeliveryConfig   `koanf:"delivery" mapstructure:"delivery"`
	Signature   SignatureConfig  `koanf:"signature" mapstructure:"signature"`
	DeadLetter  DeadLetterConfig `koanf:"dead_letter" mapstructure:"dead_letter"`
	Backfill    BackfillConfig   `koanf:"backfill" mapstructure:"backfill"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "ingest",
		Delivery: DeliveryConfig{
			MaxRetries:      DefaultMaxRetries,
			ClaimLease:      DefaultClaimLease,
			EventTypeHeader: DefaultEventTypeHeader,
		},
		Signature: SignatureConfig{
			Header:    DefaultSignatureHeader,
			Tolerance: DefaultSignatureTolerance,
		},
		DeadLetter: DeadLetterConfig{
			ListLimit: DefaultDeadLetterLimit,
		},
		Backfill: BackfillConfig{
			BatchSize: DefaultBatchSize,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("core: delivery.max_retries must be >= 0")
	}
	if c.Delivery.ClaimLease < 0 {
		return fmt.Errorf("core: delivery.claim_lease must be >= 0")
	}
	if c.Signature.Tolerance < 0 {
		return fmt.Errorf("core: signature.tolerance must be >= 0")
	}
	if c.DeadLetter.ListLimit < 0 || c.DeadLetter.ListLimit > MaxDeadLetterLimit {
		return fmt.Errorf("core: dead_letter.list_limit must be between 0 and %d", MaxDeadLetterLimit)
	}
	if c.Backfill.BatchSize < 0 {
		return fmt.Errorf("core: backfill.batch_size must be >= 0")
	}
	return nil
}

// Normalized fills zero values with defaults.
func (c Config) Normalized() Config {
	defaults := DefaultConfig()
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = defaults.ServiceName
	}
	if c.Delivery.MaxRetries <= 0 {
		c.Delivery.MaxRetries = defaults.Delivery.MaxRetries
	}
	if c.Delivery.ClaimLease <= 0 {
		c.Delivery.ClaimLease = defaults.Delivery.ClaimLease
	}
	c.Delivery.EventTypeHeader = strings.TrimSpace(c.Delivery.EventTypeHeader)
	if c.Delivery.EventTypeHeader == "" {
		c.Delivery.EventTypeHeader = defaults.Delivery.EventTypeHeader
	}
	c.Signature.Header = strings.TrimSpace(c.Signature.Header)
	if c.Signature.Header == "" {
		c.Signature.Header = defaults.Signature.Header
	}
	if c.Signature.Tolerance <= 0 {
		c.Signature.Tolerance = defaults.Signature.Tolerance
	}
	if c.DeadLetter.ListLimit <= 0 {
		c.DeadLetter.ListLimit = defaults.DeadLetter.ListLimit
	}
	if c.Backfill.BatchSize <= 0 {
		c.Backfill.BatchSize = defaults.Backfill.BatchSize
	}
	c.Backfill.ReportDir = strings.TrimSpace(c.Backfill.ReportDir)
	return c
}
