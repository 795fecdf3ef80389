package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testMosquittoImage = "eclipse-mosquitto:2"
	testMosquittoPort  = "1883"
)

// GetDefaultMqttImageContainer returns a mosquitto 2 broker that accepts anonymous clients.
func GetDefaultMqttImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage: testMosquittoImage,
		EmulatorPort:  testMosquittoPort,
	}
}

// SetupMosquittoContainer starts a mosquitto broker and terminates it when the test ends.
func SetupMosquittoContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnection {
	t.Helper()
	port := nat.Port(fmt.Sprintf("%s/tcp", cfg.EmulatorPort))
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{string(port)},
		// the stock image ships a listener config without auth
		Cmd:        []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor: wait.ForListeningPort(port).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate mosquitto container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	conn := EmulatorConnection{
		Host:            host,
		Port:            mapped.Int(),
		EmulatorAddress: fmt.Sprintf("tcp://%s:%s", host, mapped.Port()),
	}
	t.Logf("Mosquitto container started, listening on: %s", conn.EmulatorAddress)
	return conn
}

// CreateTestMqttSubscriber connects a plain paho client that delivers every message on
// topic to the returned channel.
func CreateTestMqttSubscriber(t *testing.T, brokerURL, topic string) <-chan mqtt.Message {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("test-subscriber-" + uuid.NewString()).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(10*time.Second), "timed out connecting test subscriber")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(250) })

	messages := make(chan mqtt.Message, 16)
	token = client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		messages <- msg
	})
	require.True(t, token.WaitTimeout(10*time.Second), "timed out subscribing to %s", topic)
	require.NoError(t, token.Error())
	return messages
}
