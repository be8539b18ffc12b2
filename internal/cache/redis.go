// Package cache хранит записи этапов и живые снимки в Redis
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"neurofocus-service/internal/models"
)

const (
	// StageKeyPrefix префикс ключей записей этапов
	StageKeyPrefix = "stage:"
	// LatestStagesKey список последних сводок этапов
	LatestStagesKey = "stages:latest"
	// LiveKeyPrefix префикс живых снимков испытуемых
	LiveKeyPrefix = "live:"
	// LowBetaAlarmsKey счетчик тревог низкой беты
	LowBetaAlarmsKey = "alarms:low_beta"
	// PersistenceAlarmsKey счетчик тревог монитора устойчивости
	PersistenceAlarmsKey = "alarms:persistence"
	// StagesSavedKey счетчик сохраненных этапов
	StagesSavedKey = "stages:saved"
	// LatestStagesLimit сколько сводок хранит список
	LatestStagesLimit = 1000
	// LiveTTL время жизни живого снимка
	LiveTTL = 30 * time.Second
	// StageTTL время жизни полной записи этапа
	StageTTL = 7 * 24 * time.Hour
)

// RedisCache хранилище на Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache подключается к Redis и проверяет соединение
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// StageKey ключ полной записи этапа
func StageKey(sessionID string, order int) string {
	return fmt.Sprintf("%s%s:%d", StageKeyPrefix, sessionID, order)
}

// LiveKey ключ живого снимка испытуемого
func LiveKey(subjectID string) string {
	return LiveKeyPrefix + subjectID
}

// StageSummary запись этапа без отсчетов
type StageSummary struct {
	SessionID       string                `json:"session_id"`
	SubjectID       string                `json:"subject_id"`
	StageName       string                `json:"stage_name"`
	StageOrder      int                   `json:"stage_order"`
	StartedAt       time.Time             `json:"started_at"`
	EndedAt         time.Time             `json:"ended_at"`
	DurationSeconds int                   `json:"duration_seconds"`
	SampleCount     int                   `json:"sample_count"`
	Analysis        models.WindowAnalysis `json:"analysis"`
}

// Summarize сводка записи этапа
func Summarize(record models.StageRecord) StageSummary {
	return StageSummary{
		SessionID:       record.SessionID,
		SubjectID:       record.SubjectID,
		StageName:       record.StageName,
		StageOrder:      record.StageOrder,
		StartedAt:       record.StartedAt,
		EndedAt:         record.EndedAt,
		DurationSeconds: record.DurationSeconds,
		SampleCount:     len(record.Samples),
		Analysis:        record.Analysis,
	}
}

// SaveStage сохраняет полную запись этапа и добавляет сводку в список последних
func (r *RedisCache) SaveStage(ctx context.Context, record models.StageRecord) error {
	full, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal stage record: %w", err)
	}
	summary, err := json.Marshal(Summarize(record))
	if err != nil {
		return fmt.Errorf("failed to marshal stage summary: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, StageKey(record.SessionID, record.StageOrder), full, StageTTL)
	pipe.LPush(ctx, LatestStagesKey, summary)
	pipe.LTrim(ctx, LatestStagesKey, 0, LatestStagesLimit-1)
	pipe.Incr(ctx, StagesSavedKey)
	if record.Analysis.LowBetaWarning {
		pipe.Incr(ctx, LowBetaAlarmsKey)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save stage: %w", err)
	}
	return nil
}

// GetStage возвращает полную запись этапа; false, если ее нет или истек TTL
func (r *RedisCache) GetStage(ctx context.Context, sessionID string, order int) (models.StageRecord, bool, error) {
	var record models.StageRecord
	data, err := r.client.Get(ctx, StageKey(sessionID, order)).Bytes()
	if errors.Is(err, redis.Nil) {
		return record, false, nil
	}
	if err != nil {
		return record, false, err
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, false, fmt.Errorf("failed to decode stage record: %w", err)
	}
	return record, true, nil
}

// GetLatestStages возвращает последние N сводок этапов, новые первыми
func (r *RedisCache) GetLatestStages(ctx context.Context, count int64) ([]StageSummary, error) {
	data, err := r.client.LRange(ctx, LatestStagesKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest stages: %w", err)
	}

	summaries := make([]StageSummary, 0, len(data))
	for _, d := range data {
		var s StageSummary
		if err := json.Unmarshal([]byte(d), &s); err != nil {
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// CacheLive сохраняет живой снимок испытуемого с коротким TTL
func (r *RedisCache) CacheLive(ctx context.Context, snapshot models.LiveSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal live snapshot: %w", err)
	}
	return r.client.Set(ctx, LiveKey(snapshot.SubjectID), data, LiveTTL).Err()
}

// GetLive последний живой снимок испытуемого
func (r *RedisCache) GetLive(ctx context.Context, subjectID string) (models.LiveSnapshot, bool, error) {
	var snapshot models.LiveSnapshot
	data, err := r.client.Get(ctx, LiveKey(subjectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snapshot, false, nil
	}
	if err != nil {
		return snapshot, false, err
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return snapshot, false, fmt.Errorf("failed to decode live snapshot: %w", err)
	}
	return snapshot, true, nil
}

// IncrementCounter увеличивает счетчик
func (r *RedisCache) IncrementCounter(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// GetCounter возвращает значение счетчика
func (r *RedisCache) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}
