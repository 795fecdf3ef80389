package publishconfig

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	// ErrConfigNotFound means the configuration file could not be read.
	ErrConfigNotFound = errors.New("config file not found")
	// ErrConfigMalformed means the file is not parseable as JSON or YAML.
	ErrConfigMalformed = errors.New("config file is malformed")
	// ErrConfigInvalid means required sections or fields are absent or have the wrong shape.
	ErrConfigInvalid = errors.New("invalid config file structure")
)

// Defaults applied when the config file leaves a setting out.
const (
	DefaultConfigPath     = "publish_config.json"
	DefaultClientID       = "machine_payload_publisher"
	DefaultKeepAlive      = 60 * time.Second
	DefaultPublishTimeout = 30 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 1 * time.Second
	DefaultScheme         = "tcp"
)

// BrokerConfig holds the MQTT connection parameters from the "mqtt_broker" section.
type BrokerConfig struct {
	Host      string
	Port      int
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	QoS       byte
	Retain    bool

	// Scheme is the paho URL scheme: tcp, ssl, tls, ws or wss.
	Scheme string
	// CACertFile is an optional path to a CA certificate for verifying the broker.
	CACertFile string
	// ClientCertFile and ClientKeyFile enable mTLS when both are set.
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Not for production use.
	InsecureSkipVerify bool
}

// URL returns the broker address in the form paho expects, e.g. "tcp://localhost:1883".
func (b BrokerConfig) URL() string {
	scheme := b.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(b.Host, strconv.Itoa(b.Port)))
}

// UsesTLS reports whether the scheme requires a TLS configuration.
func (b BrokerConfig) UsesTLS() bool {
	switch b.Scheme {
	case "ssl", "tls", "wss", "mqtts":
		return true
	}
	return false
}

// HasCredentials reports whether both a username and a password were supplied.
func (b BrokerConfig) HasCredentials() bool {
	return b.Username != "" && b.Password != ""
}

// Settings are the publish tuning knobs from "global_settings".
type Settings struct {
	PublishTimeout time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// DefaultSettings returns the settings used when "global_settings" is absent.
func DefaultSettings() Settings {
	return Settings{
		PublishTimeout: DefaultPublishTimeout,
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelay:     DefaultRetryDelay,
	}
}

// Overrides are optional per-job replacements for the global Settings.
type Overrides struct {
	PublishTimeout *time.Duration
	RetryAttempts  *int
	RetryDelay     *time.Duration
}

// MachineJob is one configured (machine type, topic) publication.
type MachineJob struct {
	Type      string
	Topic     string
	Overrides Overrides
}

// RunConfig is the validated configuration for a single publishing run.
type RunConfig struct {
	Broker   BrokerConfig
	Machines []MachineJob
	Global   Settings
}

// SettingsFor returns the global settings with the job's overrides applied.
func (c *RunConfig) SettingsFor(job MachineJob) Settings {
	s := c.Global
	if job.Overrides.PublishTimeout != nil {
		s.PublishTimeout = *job.Overrides.PublishTimeout
	}
	if job.Overrides.RetryAttempts != nil {
		s.RetryAttempts = *job.Overrides.RetryAttempts
	}
	if job.Overrides.RetryDelay != nil {
		s.RetryDelay = *job.Overrides.RetryDelay
	}
	return s
}
