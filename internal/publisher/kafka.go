// Package publisher публикует сводки завершенных этапов в Kafka
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"neurofocus-service/internal/cache"
	"neurofocus-service/internal/models"
)

// SchemaVersion версия формата сообщения
const SchemaVersion = "v1"

var (
	errNilLogger = errors.New("publisher requires a logger")
	errNilWriter = errors.New("publisher requires a writer")
)

// Config параметры публикации
type Config struct {
	Brokers []string
	Topic   string
}

// Validate проверяет параметры
func (c Config) Validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("stage topic must not be empty")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StageEvent сообщение о завершенном этапе
type StageEvent struct {
	SchemaVersion string             `json:"schema_version"`
	PublishedAt   time.Time          `json:"published_at"`
	Stage         cache.StageSummary `json:"stage"`
}

// KafkaPublisher отправляет сводки этапов в топик, ключ сообщения испытуемый
type KafkaPublisher struct {
	cfg    Config
	log    *slog.Logger
	writer messageWriter
	now    func() time.Time
}

// NewKafkaPublisher создает издателя поверх kafka.Writer
func NewKafkaPublisher(cfg Config, log *slog.Logger) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newWithWriter(cfg, log, w)
}

func newWithWriter(cfg Config, log *slog.Logger, w messageWriter) (*KafkaPublisher, error) {
	if log == nil {
		return nil, errNilLogger
	}
	if w == nil {
		return nil, errNilWriter
	}
	log.Info("stage_publisher_ready", "topic", cfg.Topic, "brokers", strings.Join(cfg.Brokers, ","))
	return &KafkaPublisher{cfg: cfg, log: log, writer: w, now: time.Now}, nil
}

// SaveStage публикует сводку этапа. Сырые отсчеты в шину не уходят.
func (p *KafkaPublisher) SaveStage(ctx context.Context, record models.StageRecord) error {
	event := StageEvent{
		SchemaVersion: SchemaVersion,
		PublishedAt:   p.now().UTC(),
		Stage:         cache.Summarize(record),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stage event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(record.SubjectID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte(record.SessionID)},
			{Key: "stage", Value: []byte(record.StageName)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish stage: %w", err)
	}
	p.log.Debug("stage_published", "topic", p.cfg.Topic, "session_id", record.SessionID, "order", record.StageOrder)
	return nil
}

// Close сбрасывает буферы и закрывает writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
