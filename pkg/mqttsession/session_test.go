package mqttsession_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/mqttsession"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publishconfig"
)

// --- Fakes ---

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type publishedMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// fakeClient satisfies mqtt.Client; only the methods the session uses are implemented.
type fakeClient struct {
	mqtt.Client

	opts       *mqtt.ClientOptions
	connectErr error
	ackConnect bool

	mu            sync.Mutex
	publishTokens []mqtt.Token
	published     []publishedMessage
	disconnects   int

	subscribeErr error
	subscribed   map[string]byte
	handler      mqtt.MessageHandler
}

func (f *fakeClient) factory(opts *mqtt.ClientOptions) mqtt.Client {
	f.opts = opts
	return f
}

func (f *fakeClient) Connect() mqtt.Token {
	if f.connectErr != nil {
		return completedToken(f.connectErr)
	}
	if f.ackConnect {
		go f.opts.OnConnect(f)
	}
	return completedToken(nil)
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{Topic: topic, QoS: qos, Retained: retained, Payload: payload.([]byte)})
	if len(f.publishTokens) == 0 {
		return completedToken(nil)
	}
	token := f.publishTokens[0]
	f.publishTokens = f.publishTokens[1:]
	return token
}

func (f *fakeClient) Disconnect(_ uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = filters
	f.handler = callback
	return completedToken(f.subscribeErr)
}

func (f *fakeClient) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// --- Helpers ---

func testBroker() publishconfig.BrokerConfig {
	return publishconfig.BrokerConfig{
		Host:      "broker.test",
		Port:      1883,
		ClientID:  "test-publisher",
		KeepAlive: 60 * time.Second,
		QoS:       1,
		Retain:    true,
		Scheme:    "tcp",
	}
}

func newSession(t *testing.T, cfg publishconfig.BrokerConfig, client *fakeClient) *mqttsession.Session {
	t.Helper()
	return mqttsession.New(cfg, zerolog.Nop(),
		mqttsession.WithClientFactory(client.factory),
		mqttsession.WithConnectTimeout(200*time.Millisecond),
	)
}

// --- Tests ---

func TestSession_Connect(t *testing.T) {
	t.Run("acknowledged connection", func(t *testing.T) {
		// Arrange
		client := &fakeClient{ackConnect: true}
		session := newSession(t, testBroker(), client)
		require.Equal(t, mqttsession.Disconnected, session.State())

		// Act
		err := session.Connect()

		// Assert
		require.NoError(t, err)
		assert.Equal(t, mqttsession.Connected, session.State())
		require.Len(t, client.opts.Servers, 1)
		assert.Equal(t, "tcp://broker.test:1883", client.opts.Servers[0].String())
		assert.Equal(t, "test-publisher", client.opts.ClientID)
		assert.Equal(t, int64(60), client.opts.KeepAlive)
		assert.False(t, client.opts.AutoReconnect, "a lost connection must not silently come back")
		assert.Empty(t, client.opts.Username, "credentials are only applied when both are set")
	})

	t.Run("credentials applied when both present", func(t *testing.T) {
		cfg := testBroker()
		cfg.Username = "operator"
		cfg.Password = "s3cret"
		client := &fakeClient{ackConnect: true}
		session := newSession(t, cfg, client)

		require.NoError(t, session.Connect())

		assert.Equal(t, "operator", client.opts.Username)
		assert.Equal(t, "s3cret", client.opts.Password)
	})

	t.Run("username without password is ignored", func(t *testing.T) {
		cfg := testBroker()
		cfg.Username = "operator"
		client := &fakeClient{ackConnect: true}
		session := newSession(t, cfg, client)

		require.NoError(t, session.Connect())

		assert.Empty(t, client.opts.Username)
	})

	t.Run("empty client id gets a generated one", func(t *testing.T) {
		cfg := testBroker()
		cfg.ClientID = ""
		client := &fakeClient{ackConnect: true}
		session := newSession(t, cfg, client)

		require.NoError(t, session.Connect())

		assert.Contains(t, client.opts.ClientID, publishconfig.DefaultClientID+"-")
	})

	t.Run("broker refuses connection", func(t *testing.T) {
		client := &fakeClient{connectErr: errors.New("not authorized")}
		session := newSession(t, testBroker(), client)

		err := session.Connect()

		require.ErrorIs(t, err, mqttsession.ErrConnectFailed)
		assert.Contains(t, err.Error(), "not authorized")
		assert.Equal(t, mqttsession.Disconnected, session.State())
	})

	t.Run("no acknowledgment within timeout", func(t *testing.T) {
		client := &fakeClient{ackConnect: false}
		session := newSession(t, testBroker(), client)

		start := time.Now()
		err := session.Connect()

		require.ErrorIs(t, err, mqttsession.ErrConnectTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
		assert.Equal(t, mqttsession.Disconnected, session.State())
		assert.Equal(t, 1, client.disconnects, "a timed out client should be torn down")
	})

	t.Run("unreadable CA file fails before dialing", func(t *testing.T) {
		cfg := testBroker()
		cfg.Scheme = "ssl"
		cfg.CACertFile = "/does/not/exist.pem"
		client := &fakeClient{ackConnect: true}
		session := newSession(t, cfg, client)

		err := session.Connect()

		require.ErrorIs(t, err, mqttsession.ErrConnectFailed)
		assert.Nil(t, client.opts, "the client should never have been created")
	})

	t.Run("CA file without certificates", func(t *testing.T) {
		cfg := testBroker()
		cfg.Scheme = "mqtts"
		cfg.CACertFile = filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(cfg.CACertFile, []byte("not a certificate"), 0o600))
		client := &fakeClient{ackConnect: true}

		err := newSession(t, cfg, client).Connect()

		require.ErrorIs(t, err, mqttsession.ErrConnectFailed)
		assert.Contains(t, err.Error(), "holds no PEM certificates")
		assert.Nil(t, client.opts)
	})

	t.Run("TLS options follow the broker config", func(t *testing.T) {
		cfg := testBroker()
		cfg.Scheme = "ssl"
		cfg.InsecureSkipVerify = true
		cfg.ClientCertFile = "/only/the/cert.pem"
		client := &fakeClient{ackConnect: true}

		require.NoError(t, newSession(t, cfg, client).Connect())

		require.NotNil(t, client.opts.TLSConfig)
		assert.Equal(t, "broker.test", client.opts.TLSConfig.ServerName)
		assert.True(t, client.opts.TLSConfig.InsecureSkipVerify)
		assert.Nil(t, client.opts.TLSConfig.RootCAs)
		assert.Empty(t, client.opts.TLSConfig.Certificates, "a certificate without its key is ignored")
	})
}

func TestSession_Publish(t *testing.T) {
	payload := map[string]any{"AssetId": "PRESS-1234"}

	t.Run("not connected fails fast", func(t *testing.T) {
		client := &fakeClient{}
		session := newSession(t, testBroker(), client)

		err := session.Publish("plant/Press", payload, time.Second)

		require.ErrorIs(t, err, mqttsession.ErrNotConnected)
		assert.Equal(t, 0, client.publishCount())
	})

	t.Run("acknowledged delivery", func(t *testing.T) {
		// Arrange
		client := &fakeClient{ackConnect: true}
		session := newSession(t, testBroker(), client)
		require.NoError(t, session.Connect())

		// Act
		err := session.Publish("plant/Press", payload, time.Second)

		// Assert
		require.NoError(t, err)
		require.Equal(t, 1, client.publishCount())
		msg := client.published[0]
		assert.Equal(t, "plant/Press", msg.Topic)
		assert.Equal(t, byte(1), msg.QoS)
		assert.True(t, msg.Retained)
		assert.JSONEq(t, `{"AssetId":"PRESS-1234"}`, string(msg.Payload))
	})

	t.Run("broker error", func(t *testing.T) {
		client := &fakeClient{ackConnect: true, publishTokens: []mqtt.Token{completedToken(errors.New("connection reset"))}}
		session := newSession(t, testBroker(), client)
		require.NoError(t, session.Connect())

		err := session.Publish("plant/Press", payload, time.Second)

		require.ErrorIs(t, err, mqttsession.ErrPublishFailed)
		assert.Contains(t, err.Error(), "connection reset")
	})

	t.Run("acknowledgment timeout", func(t *testing.T) {
		client := &fakeClient{ackConnect: true, publishTokens: []mqtt.Token{pendingToken()}}
		session := newSession(t, testBroker(), client)
		require.NoError(t, session.Connect())

		err := session.Publish("plant/Press", payload, 50*time.Millisecond)

		require.ErrorIs(t, err, mqttsession.ErrPublishTimeout)
	})

	t.Run("unencodable payload", func(t *testing.T) {
		client := &fakeClient{ackConnect: true}
		session := newSession(t, testBroker(), client)
		require.NoError(t, session.Connect())

		err := session.Publish("plant/Press", map[string]any{"bad": make(chan int)}, time.Second)

		require.ErrorIs(t, err, mqttsession.ErrPublishFailed)
		assert.Equal(t, 0, client.publishCount())
	})

	t.Run("connection lost invalidates publish", func(t *testing.T) {
		client := &fakeClient{ackConnect: true}
		session := newSession(t, testBroker(), client)
		require.NoError(t, session.Connect())

		client.opts.OnConnectionLost(client, errors.New("EOF"))

		assert.Equal(t, mqttsession.Disconnected, session.State())
		err := session.Publish("plant/Press", payload, time.Second)
		require.ErrorIs(t, err, mqttsession.ErrNotConnected)
		assert.Equal(t, 0, client.publishCount())
	})
}

func TestSession_Disconnect(t *testing.T) {
	t.Run("safe before connect", func(t *testing.T) {
		session := newSession(t, testBroker(), &fakeClient{})

		assert.NotPanics(t, func() {
			session.Disconnect()
			session.Disconnect()
		})
		assert.Equal(t, mqttsession.Disconnected, session.State())
	})

	t.Run("idempotent after connect", func(t *testing.T) {
		client := &fakeClient{ackConnect: true}
		session := newSession(t, testBroker(), client)
		require.NoError(t, session.Connect())

		session.Disconnect()
		session.Disconnect()

		assert.Equal(t, 1, client.disconnects)
		assert.Equal(t, mqttsession.Disconnected, session.State())
		require.ErrorIs(t, session.Publish("plant/Press", "x", time.Second), mqttsession.ErrNotConnected)
	})

	t.Run("reconnect after disconnect", func(t *testing.T) {
		client := &fakeClient{ackConnect: true}
		session := newSession(t, testBroker(), client)
		require.NoError(t, session.Connect())
		session.Disconnect()

		require.NoError(t, session.Connect())

		assert.Equal(t, mqttsession.Connected, session.State())
	})

	t.Run("reconnect after connection lost releases the dead client", func(t *testing.T) {
		// Arrange
		first := &fakeClient{ackConnect: true}
		second := &fakeClient{ackConnect: true}
		clients := []*fakeClient{first, second}
		session := mqttsession.New(testBroker(), zerolog.Nop(),
			mqttsession.WithClientFactory(func(opts *mqtt.ClientOptions) mqtt.Client {
				next := clients[0]
				clients = clients[1:]
				return next.factory(opts)
			}),
			mqttsession.WithConnectTimeout(200*time.Millisecond),
		)
		require.NoError(t, session.Connect())
		first.opts.OnConnectionLost(first, errors.New("EOF"))

		// Act
		require.NoError(t, session.Connect())

		// Assert
		assert.Equal(t, mqttsession.Connected, session.State())
		assert.Equal(t, 1, first.disconnects)
		assert.Equal(t, 0, second.disconnects)

		session.Disconnect()
		assert.Equal(t, 1, first.disconnects, "the dead client is released only once")
		assert.Equal(t, 1, second.disconnects)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", mqttsession.Disconnected.String())
	assert.Equal(t, "connecting", mqttsession.Connecting.String())
	assert.Equal(t, "connected", mqttsession.Connected.String())
}
