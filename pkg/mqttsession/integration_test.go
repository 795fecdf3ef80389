//go:build integration

package mqttsession_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/helpers/emulators"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/mqttsession"
	"github.com/jwise-mfg/proveit-uns-machineid/pkg/publishconfig"
)

func TestSession_Integration_PublishToMosquitto(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	// --- 1. Setup Emulator ---
	conn := emulators.SetupMosquittoContainer(t, ctx, emulators.GetDefaultMqttImageContainer())
	messages := emulators.CreateTestMqttSubscriber(t, conn.EmulatorAddress, "plant/#")

	// --- 2. Connect ---
	session := mqttsession.New(publishconfig.BrokerConfig{
		Host:      conn.Host,
		Port:      conn.Port,
		ClientID:  "session-integration-test",
		KeepAlive: 30 * time.Second,
		QoS:       1,
	}, zerolog.Nop())
	t.Cleanup(session.Disconnect)

	require.NoError(t, session.Connect())
	assert.Equal(t, mqttsession.Connected, session.State())

	// --- 3. Publish and Verify Reception ---
	body := map[string]string{"AssetId": "PRESS-1234"}
	require.NoError(t, session.Publish("plant/line1/Press", body, 10*time.Second))

	select {
	case msg := <-messages:
		assert.Equal(t, "plant/line1/Press", msg.Topic())
		var got map[string]string
		require.NoError(t, json.Unmarshal(msg.Payload(), &got))
		assert.Equal(t, body, got)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the published message")
	}

	// --- 4. Disconnect ---
	session.Disconnect()
	assert.Equal(t, mqttsession.Disconnected, session.State())
	assert.ErrorIs(t, session.Publish("plant/line1/Press", body, time.Second), mqttsession.ErrNotConnected)
}

func TestSession_Integration_UnreachableBroker(t *testing.T) {
	session := mqttsession.New(publishconfig.BrokerConfig{Host: "127.0.0.1", Port: 1}, zerolog.Nop(),
		mqttsession.WithConnectTimeout(2*time.Second))
	defer session.Disconnect()

	err := session.Connect()

	require.Error(t, err)
	assert.True(t,
		errors.Is(err, mqttsession.ErrConnectFailed) || errors.Is(err, mqttsession.ErrConnectTimeout),
		"unexpected error: %v", err)
}
