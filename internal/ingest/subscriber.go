// Package ingest принимает отсчеты ЭЭГ от датчиков через MQTT
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"neurofocus-service/internal/metrics"
	"neurofocus-service/internal/models"
)

// Pusher получатель разобранных отсчетов
type Pusher interface {
	Push(sample models.Sample) error
}

// Config параметры подписки
type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// Subscriber подписчик на топик датчика
type Subscriber struct {
	cfg    Config
	pusher Pusher
	log    *slog.Logger
	client mqtt.Client

	received atomic.Uint64
	rejected atomic.Uint64
}

// NewSubscriber создает подписчика, соединение открывает Start
func NewSubscriber(cfg Config, pusher Pusher, log *slog.Logger) (*Subscriber, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker must not be empty")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("mqtt topic must not be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{cfg: cfg, pusher: pusher, log: log}, nil
}

// Start подключается к брокеру. Подписка восстанавливается при каждом переподключении.
func (s *Subscriber) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn("mqtt_connection_lost", "broker", s.cfg.Broker, "error", err)
		})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", s.cfg.Broker, err)
	}
	return nil
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
	if err := waitToken(token, s.cfg.ConnectTimeout); err != nil {
		s.log.Error("mqtt_subscribe_failed", "topic", s.cfg.Topic, "error", err)
		return
	}
	s.log.Info("mqtt_subscribed", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
}

// waitToken ждет завершения операции paho; истекший таймаут тоже ошибка
func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt operation timed out after %s", timeout)
	}
	return token.Error()
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	samples, err := DecodePayload(msg.Payload(), time.Now())
	if err != nil {
		metrics.DecodeErrors.Inc()
		s.log.Warn("mqtt_payload_rejected", "topic", msg.Topic(), "error", err)
		return
	}
	for _, sample := range samples {
		if err := s.pusher.Push(sample); err != nil {
			s.rejected.Add(1)
			s.log.Debug("mqtt_sample_rejected", "error", err)
			continue
		}
		s.received.Add(1)
		metrics.SamplesReceived.WithLabelValues("mqtt").Inc()
	}
}

// Connected состояние соединения для health
func (s *Subscriber) Connected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// Received число принятых отсчетов
func (s *Subscriber) Received() uint64 { return s.received.Load() }

// Rejected число отсчетов, отклоненных получателем
func (s *Subscriber) Rejected() uint64 { return s.rejected.Load() }

// Close отключается от брокера
func (s *Subscriber) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
