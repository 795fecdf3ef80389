package mqttsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/machineid"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publishconfig"
)

// CapturedMessage is a single message received by a Sampler.
type CapturedMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Topic     string    `json:"topic"`
	AssetID   string    `json:"asset_id,omitempty"`
	// Wrapped is true when the payload is nested under machineid.WrapperKey.
	Wrapped bool            `json:"wrapped"`
	Payload json.RawMessage `json:"payload"`
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithSamplerClientFactory replaces mqtt.NewClient.
func WithSamplerClientFactory(f ClientFactory) SamplerOption {
	return func(s *Sampler) { s.newClient = f }
}

// Sampler subscribes to a set of topics and captures what arrives, so a
// publishing run can be checked from the receiving side.
type Sampler struct {
	cfg            publishconfig.BrokerConfig
	topics         []string
	limit          int
	logger         zerolog.Logger
	newClient      ClientFactory
	connectTimeout time.Duration

	mu       sync.Mutex
	messages []CapturedMessage
	full     chan struct{}
	fullOnce sync.Once
}

// NewSampler creates a Sampler for topics. It stops after limit messages;
// a limit of zero or less captures until the context is done.
func NewSampler(cfg publishconfig.BrokerConfig, topics []string, limit int, logger zerolog.Logger, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		cfg:            cfg,
		topics:         topics,
		limit:          limit,
		logger:         logger.With().Str("component", "MQTTSampler").Str("broker", cfg.URL()).Logger(),
		newClient:      mqtt.NewClient,
		connectTimeout: DefaultConnectTimeout,
		full:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects, subscribes and blocks until the limit is reached or ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	clientID := fmt.Sprintf("%s-sampler-%s", publishconfig.DefaultClientID, uuid.NewString()[:8])
	opts, err := newClientOptions(s.cfg, clientID, s.connectTimeout, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Error().Err(err).Msg("MQTT connection lost")
	})

	client := s.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.connectTimeout) {
		client.Disconnect(disconnectQuiesceMs)
		return fmt.Errorf("%w after %s waiting for %s", ErrConnectTimeout, s.connectTimeout, s.cfg.URL())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w %s: %w", ErrConnectFailed, s.cfg.URL(), err)
	}
	defer func() {
		client.Disconnect(disconnectQuiesceMs)
		s.logger.Info().Msg("MQTT sampler disconnected.")
	}()

	filters := make(map[string]byte, len(s.topics))
	for _, topic := range s.topics {
		filters[topic] = 1
	}
	sub := client.SubscribeMultiple(filters, s.messageHandler)
	if !sub.WaitTimeout(s.connectTimeout) {
		return fmt.Errorf("timed out subscribing to %d topics", len(filters))
	}
	if err := sub.Error(); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.logger.Info().Strs("topics", s.topics).Int("target_count", s.limit).Msg("Sampling started")

	select {
	case <-s.full:
		s.logger.Info().Msg("Target message count reached.")
	case <-ctx.Done():
		s.logger.Info().Msg("Sampling stopped by context.")
	}
	return nil
}

// Messages returns a copy of the captured messages.
func (s *Sampler) Messages() []CapturedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgsCopy := make([]CapturedMessage, len(s.messages))
	copy(msgsCopy, s.messages)
	return msgsCopy
}

func (s *Sampler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limit > 0 && len(s.messages) >= s.limit {
		return
	}

	captured := inspect(msg.Topic(), msg.Payload())
	captured.Timestamp = time.Now().UTC()
	s.messages = append(s.messages, captured)
	s.logger.Debug().Str("topic", captured.Topic).Str("asset_id", captured.AssetID).
		Int("captured_count", len(s.messages)).Msg("Message captured")

	if s.limit > 0 && len(s.messages) >= s.limit {
		s.fullOnce.Do(func() { close(s.full) })
	}
}

// inspect decodes a machine identification payload in either shape. Anything
// that is not a JSON object is kept as a JSON string.
func inspect(topic string, payload []byte) CapturedMessage {
	captured := CapturedMessage{Topic: topic}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		escaped, _ := json.Marshal(string(payload))
		captured.Payload = escaped
		return captured
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err == nil {
		captured.Payload = pretty.Bytes()
	} else {
		captured.Payload = payload
	}

	if inner, ok := body[machineid.WrapperKey]; ok && len(body) == 1 {
		captured.Wrapped = true
		var record map[string]json.RawMessage
		if err := json.Unmarshal(inner, &record); err != nil {
			return captured
		}
		body = record
	}
	var assetID string
	if raw, ok := body["AssetId"]; ok && json.Unmarshal(raw, &assetID) == nil {
		captured.AssetID = assetID
	}
	return captured
}
