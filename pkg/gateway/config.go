// Package gateway is the C3 gateway listener manager and C4 stream
// publisher: it owns a pool of broker consumers, one per configured
// address, drives each delivered message through the idempotency
// helper (C1), the raw-event store (C2), and the stream publisher
// (C4), and exposes start/stop/reconfigure/status lifecycle operations.
package gateway

import "time"

// ReconnectionConfig controls the listener's broker-disconnect recovery
// schedule.
type ReconnectionConfig struct {
	RetryInterval       time.Duration `env:"GATEWAY_RECONNECT_RETRY_INTERVAL" env-default:"1s"`
	Multiplier          float64       `env:"GATEWAY_RECONNECT_MULTIPLIER" env-default:"2.0"`
	MaxRetryInterval    time.Duration `env:"GATEWAY_RECONNECT_MAX_INTERVAL" env-default:"30s"`
	MaxAttempts         int           `env:"GATEWAY_RECONNECT_MAX_ATTEMPTS" env-default:"-1"` // -1 = infinite
	FailureCheckPeriod  time.Duration `env:"GATEWAY_RECONNECT_FAILURE_CHECK_PERIOD" env-default:"5s"`
	ConnectionTTL       time.Duration `env:"GATEWAY_RECONNECT_CONNECTION_TTL" env-default:"0"`
	RecoveryInterval    time.Duration `env:"GATEWAY_RECONNECT_RECOVERY_INTERVAL" env-default:"1s"`
}

// Config is the C3 listener manager's configuration contract.
type Config struct {
	BrokerURL string `env:"GATEWAY_BROKER_URL" validate:"required"`
	User      string `env:"GATEWAY_BROKER_USER"`
	Password  string `env:"GATEWAY_BROKER_PASSWORD"`

	Addresses []string `env:"GATEWAY_ADDRESSES" validate:"required"`

	// SubscriberName: empty means a plain anycast queue per address;
	// non-empty means a durable shared subscription named
	// SubscriberName + "." + address.
	SubscriberName string `env:"GATEWAY_SUBSCRIBER_NAME"`

	// Concurrency is "min-max"; the listener runs up to max concurrent
	// consumers per address.
	Concurrency string `env:"GATEWAY_CONCURRENCY" env-default:"1-1"`

	RetryAttempts int           `env:"GATEWAY_RETRY_ATTEMPTS" env-default:"3"`
	RetryDelayMs  int           `env:"GATEWAY_RETRY_DELAY_MS" env-default:"1000"`
	Reconnection  ReconnectionConfig

	// StreamMapping maps an address to the stream key C4 publishes
	// flattened records to.
	StreamMapping map[string]string

	// AcknowledgeMessages, when false, forces every delivery to be
	// rolled back for broker redelivery even after successful
	// processing — a debug-only knob, never to be left off in
	// production.
	AcknowledgeMessages bool `env:"GATEWAY_ACKNOWLEDGE_MESSAGES" env-default:"true"`
}

// concurrencyBand parses the "min-max" string, defaulting to 1-1 on any
// parse failure.
func (c Config) concurrencyBand() (min, max int) {
	min, max = 1, 1
	parseConcurrency(c.Concurrency, &min, &max)
	return
}

// withDefaults fills in zero-value fields with the documented env-default
// schedule, so callers don't need to special-case an unset ReconnectionConfig
// (e.g. one built by hand in tests).
func (rc ReconnectionConfig) withDefaults() ReconnectionConfig {
	if rc.RetryInterval <= 0 {
		rc.RetryInterval = time.Second
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = 2.0
	}
	if rc.MaxRetryInterval <= 0 {
		rc.MaxRetryInterval = 30 * time.Second
	}
	if rc.FailureCheckPeriod <= 0 {
		rc.FailureCheckPeriod = 5 * time.Second
	}
	if rc.RecoveryInterval <= 0 {
		rc.RecoveryInterval = time.Second
	}
	return rc
}
