package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurofocus-service/internal/models"
)

const mochiTCPPort = 18831

type collector struct {
	mu      sync.Mutex
	samples []models.Sample
	err     error
}

func (c *collector) Push(s models.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.samples = append(c.samples, s)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func startBroker(t *testing.T) string {
	t.Helper()

	server := mochi.New(nil)
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	addr := fmt.Sprintf("127.0.0.1:%d", mochiTCPPort)
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { _ = server.Close() })

	return "tcp://" + addr
}

func publish(t *testing.T, broker, topic string, payloads ...string) {
	t.Helper()

	c := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(broker).SetClientID("test-publisher"))
	token := c.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer c.Disconnect(100)

	for _, p := range payloads {
		tok := c.Publish(topic, 1, false, p)
		require.True(t, tok.WaitTimeout(5*time.Second))
		require.NoError(t, tok.Error())
	}
}

type stubToken struct {
	done bool
	err  error
}

func (s stubToken) Wait() bool                     { return s.done }
func (s stubToken) WaitTimeout(time.Duration) bool { return s.done }
func (s stubToken) Error() error                   { return s.err }

func (s stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if s.done {
		close(ch)
	}
	return ch
}

func TestWaitToken(t *testing.T) {
	assert.NoError(t, waitToken(stubToken{done: true}, time.Millisecond))
	assert.EqualError(t, waitToken(stubToken{done: true, err: errors.New("not authorized")}, time.Millisecond), "not authorized")

	err := waitToken(stubToken{done: false}, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNewSubscriber_Validation(t *testing.T) {
	_, err := NewSubscriber(Config{Topic: "eeg"}, &collector{}, nil)
	assert.Error(t, err)
	_, err = NewSubscriber(Config{Broker: "tcp://x:1883"}, &collector{}, nil)
	assert.Error(t, err)
	_, err = NewSubscriber(Config{Broker: "tcp://x:1883", Topic: "eeg", QoS: 3}, &collector{}, nil)
	assert.Error(t, err)
}

func TestSubscriber_WithMochi(t *testing.T) {
	broker := startBroker(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("ReceivesSamples", func(t *testing.T) {
		sink := &collector{}
		sub, err := NewSubscriber(Config{Broker: broker, Topic: "eeg/raw", ClientID: "neurofocus-test", QoS: 1}, sink, log)
		require.NoError(t, err)
		require.NoError(t, sub.Start(context.Background()))
		t.Cleanup(sub.Close)

		require.Eventually(t, sub.Connected, 5*time.Second, 10*time.Millisecond)
		// subscription happens in the connect handler
		time.Sleep(200 * time.Millisecond)

		publish(t, broker, "eeg/raw", "512", `{"value":3,"timestamp":10}`, "oops", `[{"value":1},{"value":2}]`)

		require.Eventually(t, func() bool { return sink.count() == 4 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, uint64(4), sub.Received())

		sink.mu.Lock()
		assert.Equal(t, 512.0, sink.samples[0].Value)
		assert.Equal(t, models.Sample{Value: 3, Timestamp: 10}, sink.samples[1])
		sink.mu.Unlock()
	})

	t.Run("CountsRejected", func(t *testing.T) {
		sink := &collector{err: errors.New("no active session")}
		sub, err := NewSubscriber(Config{Broker: broker, Topic: "eeg/rejected", ClientID: "neurofocus-test-2"}, sink, log)
		require.NoError(t, err)
		require.NoError(t, sub.Start(context.Background()))
		t.Cleanup(sub.Close)

		require.Eventually(t, sub.Connected, 5*time.Second, 10*time.Millisecond)
		time.Sleep(200 * time.Millisecond)

		publish(t, broker, "eeg/rejected", "1", "2")
		require.Eventually(t, func() bool { return sub.Rejected() == 2 }, 5*time.Second, 10*time.Millisecond)
		assert.Zero(t, sub.Received())
	})
}
