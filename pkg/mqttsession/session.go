package mqttsession

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publishconfig"
)

var (
	ErrConnectFailed  = errors.New("failed to connect to MQTT broker")
	ErrConnectTimeout = errors.New("connection timeout")
	ErrNotConnected   = errors.New("not connected to MQTT broker")
	ErrPublishFailed  = errors.New("failed to publish")
	ErrPublishTimeout = errors.New("publish timeout")
)

const (
	// DefaultConnectTimeout bounds the wait for the broker's connection acknowledgment.
	DefaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// State is the lifecycle position of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ClientFactory builds the underlying paho client. Tests substitute a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a Session.
type Option func(*Session)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Session) {
		s.newClient = f
	}
}

// WithConnectTimeout replaces DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.connectTimeout = d
	}
}

// Session owns one MQTT connection and publishes JSON payloads over it,
// waiting for the broker to acknowledge each one.
//
// Paho runs the network loop on its own goroutines; the connect and publish
// acknowledgments come back through a channel closed by the on-connect
// callback and the per-publish token respectively.
type Session struct {
	cfg            publishconfig.BrokerConfig
	logger         zerolog.Logger
	newClient      ClientFactory
	connectTimeout time.Duration

	mu     sync.Mutex
	client mqtt.Client
	state  atomic.Int32
}

// New creates a disconnected Session for the given broker.
func New(cfg publishconfig.BrokerConfig, logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		cfg:            cfg,
		logger:         logger.With().Str("component", "MQTTSession").Str("broker", cfg.URL()).Logger(),
		newClient:      mqtt.NewClient,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect opens the connection and blocks until the broker acknowledges it or
// the connect timeout elapses. Calling Connect on a connected session is a no-op.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Connected {
		return nil
	}
	// A connection lost on the broker side leaves the old client behind.
	if s.client != nil {
		s.teardown()
	}

	opts, err := s.clientOptions()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	acked := make(chan struct{})
	var ackOnce sync.Once
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		ackOnce.Do(func() {
			// A late acknowledgment after a timeout teardown must not revive the session.
			if s.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
				close(acked)
				s.logger.Debug().Msg("Connected to MQTT broker")
			}
		})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.state.Store(int32(Disconnected))
		s.logger.Error().Err(err).Msg("MQTT connection lost")
	})

	s.state.Store(int32(Connecting))
	s.client = s.newClient(opts)
	s.logger.Info().Str("client_id", opts.ClientID).Msg("Connecting to MQTT broker")

	token := s.client.Connect()
	tokenDone := token.Done()
	timer := time.NewTimer(s.connectTimeout)
	defer timer.Stop()

	for {
		select {
		case <-acked:
			return nil
		case <-tokenDone:
			if err := token.Error(); err != nil {
				s.teardown()
				s.logger.Error().Err(err).Msg("Failed to connect to MQTT broker")
				return fmt.Errorf("%w %s: %w", ErrConnectFailed, s.cfg.URL(), err)
			}
			// The token can complete before the on-connect callback runs.
			tokenDone = nil
		case <-timer.C:
			s.teardown()
			s.logger.Error().Dur("timeout", s.connectTimeout).Msg("Timed out waiting for MQTT connection acknowledgment")
			return fmt.Errorf("%w after %s waiting for %s", ErrConnectTimeout, s.connectTimeout, s.cfg.URL())
		}
	}
}

// Publish JSON-encodes payload and sends it to topic with the configured QoS
// and retain flag. It returns nil only once the broker has acknowledged the
// message; a broker error or an acknowledgment that does not arrive within
// timeout is returned as an error and nothing is retried here.
func (s *Session) Publish(topic string, payload any, timeout time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w to topic %s: encoding payload: %w", ErrPublishFailed, topic, err)
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || s.State() != Connected {
		return ErrNotConnected
	}

	if timeout <= 0 {
		timeout = publishconfig.DefaultPublishTimeout
	}

	token := client.Publish(topic, s.cfg.QoS, s.cfg.Retain, data)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w to topic %s: %w", ErrPublishFailed, topic, err)
		}
		s.logger.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("Message published")
		return nil
	case <-timer.C:
		return fmt.Errorf("%w for topic %s after %s", ErrPublishTimeout, topic, timeout)
	}
}

// Disconnect closes the connection. It is safe to call more than once and
// before Connect has ever succeeded.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		s.state.Store(int32(Disconnected))
		return
	}
	s.teardown()
	s.logger.Info().Msg("Disconnected from MQTT broker")
}

// teardown must be called with mu held.
func (s *Session) teardown() {
	if s.client != nil {
		s.client.Disconnect(disconnectQuiesceMs)
		s.client = nil
	}
	s.state.Store(int32(Disconnected))
}

func (s *Session) clientOptions() (*mqtt.ClientOptions, error) {
	return newClientOptions(s.cfg, s.cfg.ClientID, s.connectTimeout, s.logger)
}

// newClientOptions builds the paho options shared by Session and Sampler.
// An empty clientID is replaced by a generated one. Reconnects are disabled.
func newClientOptions(cfg publishconfig.BrokerConfig, clientID string, connectTimeout time.Duration, logger zerolog.Logger) (*mqtt.ClientOptions, error) {
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s", publishconfig.DefaultClientID, uuid.NewString()[:8])
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(clientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if cfg.HasCredentials() {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.UsesTLS() {
		tlsConfig := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureSkipVerify}
		if cfg.CACertFile != "" {
			pool, err := loadCertPool(cfg.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("tls: %w", err)
			}
			tlsConfig.RootCAs = pool
		}
		// A client certificate without its key is ignored.
		if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
			pair, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
			if err != nil {
				return nil, fmt.Errorf("tls: client key pair %s: %w", cfg.ClientCertFile, err)
			}
			tlsConfig.Certificates = append(tlsConfig.Certificates, pair)
		}
		opts.SetTLSConfig(tlsConfig)
		logger.Info().
			Bool("custom_ca", tlsConfig.RootCAs != nil).
			Bool("client_cert", len(tlsConfig.Certificates) > 0).
			Bool("skip_verify", cfg.InsecureSkipVerify).
			Msg("TLS enabled for MQTT client")
	}

	return opts, nil
}

// loadCertPool reads the PEM bundle at path into a fresh pool.
func loadCertPool(path string) (*x509.CertPool, error) {
	bundle, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bundle) {
		return nil, fmt.Errorf("CA bundle %s holds no PEM certificates", path)
	}
	return pool, nil
}
